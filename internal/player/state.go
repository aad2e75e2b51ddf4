// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package player

import (
	"fmt"
	"time"
)

// State is the playback state of a Scheduler.
type State int

const (
	// Uninitialized is the state before the surface has
	// first reported its dimensions.
	Uninitialized State = iota
	// Idle is the state of a ready surface that is not playing.
	Idle
	// Playing is the state while frames are being drawn.
	Playing
	// Paused is the state after an explicit pause.
	Paused
	// Destroyed is the state after the surface has been torn down.
	// A later surface change returns the Scheduler to Idle.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for v := Uninitialized; v <= Destroyed; v++ {
		if string(text) == v.String() {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("invalid state: %q", text)
}

// Status is a snapshot of a Scheduler's state.
type Status struct {
	State     State         `json:"state"`
	Index     int           `json:"index"`
	Length    int           `json:"length"`
	Resolving bool          `json:"resolving,omitempty"`
	Source    string        `json:"source,omitempty"`
	Loop      bool          `json:"loop"`
	AutoStart bool          `json:"auto_start"`
	Duration  time.Duration `json:"duration"`
}
