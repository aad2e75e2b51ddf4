// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func ptr[T any](v T) *T { return &v }

var loadTests = []struct {
	name    string
	config  string
	want    func(dir string) *Player
	wantErr bool
}{
	{
		name: "assets",
		config: `
loop = true
duration = 250
auto_start = true
fit = "contain"
log_level = "debug"

[source]
assets = "frames"

[control]
network = "unix"
`,
		want: func(dir string) *Player {
			return &Player{
				Loop:      ptr(true),
				Duration:  ptr(Duration(250 * time.Millisecond)),
				AutoStart: ptr(true),
				Fit:       ptr("contain"),
				LogLevel:  ptr(slog.LevelDebug),
				Source:    &Source{Assets: ptr(filepath.Join(dir, "frames"))},
				Control:   &Control{Network: "unix"},
			}
		},
	},
	{
		name: "resources",
		config: `
duration = "1.5s"

[source]
resources = "spinner"
manifest = "/abs/frames.toml"

[deck]
serial = "A00BC123"
row = 1
col = 2
`,
		want: func(dir string) *Player {
			return &Player{
				Duration: ptr(Duration(1500 * time.Millisecond)),
				Source:   &Source{Resources: ptr("spinner"), Manifest: ptr("/abs/frames.toml")},
				Deck:     &Deck{Serial: "A00BC123", Row: 1, Col: 2},
			}
		},
	},
	{
		name: "invalid_fields",
		config: `
loop = true
fit = "cover"

[source]
assets = "frames"
resources = "spinner"
`,
		want: func(dir string) *Player {
			return &Player{Loop: ptr(true)}
		},
		wantErr: true,
	},
	{
		name:   "syntax",
		config: `loop = `,
		want: func(dir string) *Player {
			return nil
		},
		wantErr: true,
	},
	{
		name:   "bad_duration",
		config: `duration = "soon"`,
		want: func(dir string) *Player {
			return nil
		},
		wantErr: true,
	},
}

func TestLoad(t *testing.T) {
	for _, test := range loadTests {
		t.Run(test.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "flipbook.toml")
			err := os.WriteFile(path, []byte(test.config), 0o644)
			if err != nil {
				t.Fatalf("failed to write config: %v", err)
			}
			got, err := Load(path)
			if (err != nil) != test.wantErr {
				t.Errorf("unexpected error: %v", err)
			}
			if got != nil {
				if got.Sum == nil {
					t.Error("expected sum to be set")
				}
				got.Sum = nil
			}
			want := test.want(dir)
			if !cmp.Equal(want, got) {
				t.Errorf("unexpected config:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
			}
		})
	}
}

func TestLoadSum(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.toml")
	b := filepath.Join(dir, "b.toml")
	err := os.WriteFile(a, []byte("loop = true\nduration = \"100ms\"\n"), 0o644)
	if err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	err = os.WriteFile(b, []byte("# same\nduration = 100\n\nloop   = true\n"), 0o644)
	if err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	cfgA, err := Load(a)
	if err != nil {
		t.Fatalf("unexpected error loading a: %v", err)
	}
	cfgB, err := Load(b)
	if err != nil {
		t.Fatalf("unexpected error loading b: %v", err)
	}
	if !cfgA.Sum.Equal(cfgB.Sum) {
		t.Errorf("expected equal sums for semantically equal configs: %s != %s", cfgA.Sum, cfgB.Sum)
	}
}
