// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/flipbook/config"
)

var validateTests = []struct {
	name   string
	config *Player
	// wantFields is the set of top-level fields
	// identified as invalid.
	wantFields []string
}{
	{
		name:   "empty",
		config: &Player{},
	},
	{
		name: "complete_assets",
		config: &Player{
			Loop:      ptr(true),
			Duration:  ptr(Duration(100 * time.Millisecond)),
			AutoStart: ptr(false),
			Fit:       ptr("fill"),
			Source:    &Source{Assets: ptr("frames")},
			LogLevel:  ptr(slog.LevelWarn),
			AddSource: ptr(true),
			Control:   &Control{Network: "tcp", Addr: "localhost:7070"},
			Deck:      &Deck{Serial: "A00BC123", Row: 1, Col: 4},
		},
	},
	{
		name: "resources",
		config: &Player{
			Source: &Source{Resources: ptr("spinner"), Manifest: ptr("frames.toml")},
		},
	},
	{
		name: "invalid_fit",
		config: &Player{
			Loop: ptr(true),
			Fit:  ptr("cover"),
		},
		wantFields: []string{"fit"},
	},
	{
		name: "both_sources",
		config: &Player{
			Source: &Source{Assets: ptr("frames"), Resources: ptr("spinner"), Manifest: ptr("frames.toml")},
		},
		wantFields: []string{"source"},
	},
	{
		name: "resources_without_manifest",
		config: &Player{
			Source: &Source{Resources: ptr("spinner")},
		},
		wantFields: []string{"source"},
	},
	{
		name: "empty_assets",
		config: &Player{
			Source: &Source{Assets: ptr("")},
		},
		wantFields: []string{"source"},
	},
	{
		name: "negative_duration",
		config: &Player{
			Duration: ptr(Duration(-time.Second)),
		},
		wantFields: []string{"duration"},
	},
	{
		name: "bad_network_and_level",
		config: &Player{
			Control:  &Control{Network: "udp"},
			LogLevel: ptr(slog.LevelInfo + 2),
		},
		wantFields: []string{"control", "log_level"},
	},
	{
		name: "negative_button",
		config: &Player{
			Deck: &Deck{Row: -1},
		},
		wantFields: []string{"deck"},
	},
}

func TestValidate(t *testing.T) {
	for _, test := range validateTests {
		t.Run(test.name, func(t *testing.T) {
			paths, err := Validate(config.Schema, test.config)
			if (err != nil) != (test.wantFields != nil) {
				t.Errorf("unexpected error: %v", err)
			}
			var fields []string
			for _, p := range paths {
				if len(p) != 0 && !slices.Contains(fields, p[0]) {
					fields = append(fields, p[0])
				}
			}
			slices.Sort(fields)
			if !cmp.Equal(test.wantFields, fields) {
				t.Errorf("unexpected invalid fields:\n--- want:\n+++ got:\n%s", cmp.Diff(test.wantFields, fields))
			}
		})
	}
}

var uniqueTests = []struct {
	paths [][]string
	want  [][]string
}{
	{paths: nil, want: nil},
	{paths: [][]string{{"a"}}, want: [][]string{{"a"}}},
	{
		paths: [][]string{{"b"}, {"a", "b"}, {"a"}, {"a", "b"}, {"b"}},
		want:  [][]string{{"a"}, {"a", "b"}, {"b"}},
	},
}

func TestUnique(t *testing.T) {
	for _, test := range uniqueTests {
		got := unique(test.paths)
		if !cmp.Equal(test.want, got) {
			t.Errorf("unexpected result:\n--- want:\n+++ got:\n%s", cmp.Diff(test.want, got))
		}
	}
}
