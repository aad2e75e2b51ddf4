// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package player

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStatusJSON(t *testing.T) {
	want := Status{
		State:    Paused,
		Index:    3,
		Length:   8,
		Source:   "assets:spinner",
		Loop:     true,
		Duration: 40 * time.Millisecond,
	}
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("unexpected error marshaling status: %v", err)
	}
	if !strings.Contains(string(b), `"state":"paused"`) || !strings.Contains(string(b), `"source":"assets:spinner"`) {
		t.Errorf("unexpected encoding: %s", b)
	}
	var got Status
	err = json.Unmarshal(b, &got)
	if err != nil {
		t.Fatalf("unexpected error unmarshaling status: %v", err)
	}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected status:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}

	var s State
	if err := s.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for invalid state")
	}
	var e Event
	for _, want := range []Event{EventStart, EventEnd, EventRepeat} {
		text, _ := want.MarshalText()
		err := e.UnmarshalText(text)
		if err != nil || e != want {
			t.Errorf("unexpected event for %q: got:%v want:%v err:%v", text, e, want, err)
		}
	}
	if err := e.UnmarshalText([]byte("Event(0)")); err == nil {
		t.Error("expected error for invalid event")
	}
}
