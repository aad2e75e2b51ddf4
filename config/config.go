// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides flipbook player configuration types and schemas.
package config

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kortschak/ardilla"
)

// Player is a complete player configuration. Nil fields are not set
// by the configuration.
type Player struct {
	// Loop indicates that playback wraps to the first frame after
	// the last.
	Loop *bool `json:"loop,omitempty" toml:"loop"`
	// Duration is the time each frame is displayed.
	Duration *Duration `json:"duration,omitempty" toml:"duration"`
	// AutoStart indicates that playback starts as soon as the
	// surface is ready.
	AutoStart *bool `json:"auto_start,omitempty" toml:"auto_start"`
	// Fit is how frames are placed on the surface, "fill"
	// or "contain".
	Fit *string `json:"fit,omitempty" toml:"fit"`
	// Source is the frame source to play.
	Source *Source `json:"source,omitempty" toml:"source"`

	LogLevel  *slog.Level `json:"log_level,omitempty" toml:"log_level"`
	AddSource *bool       `json:"log_add_source,omitempty" toml:"log_add_source"`

	// Control is the control RPC endpoint.
	Control *Control `json:"control,omitempty" toml:"control"`
	// Deck is the Stream Deck used by the deck surface.
	Deck *Deck `json:"deck,omitempty" toml:"deck"`

	Sum *Sum `json:"sum,omitempty"`
}

// Source is a frame source. Exactly one of Assets or Resources
// may be set. Manifest is required with Resources.
type Source struct {
	// Assets is a directory of frame image files.
	Assets *string `json:"assets,omitempty" toml:"assets"`
	// Resources is the name of a resource array held in Manifest.
	Resources *string `json:"resources,omitempty" toml:"resources"`
	// Manifest is the path to a TOML resource manifest. Relative
	// paths are relative to the configuration file.
	Manifest *string `json:"manifest,omitempty" toml:"manifest"`
}

// Control is a control RPC endpoint configuration.
type Control struct {
	// Network is "unix" or "tcp".
	Network string `json:"network,omitempty" toml:"network"`
	// Addr is the listen address. If empty for a unix network,
	// a socket is created in the runtime directory. If empty
	// for a tcp network, a loopback address is used.
	Addr string `json:"addr,omitempty" toml:"addr"`
}

// Deck is a Stream Deck surface configuration.
type Deck struct {
	// PID is the product ID of the device. Zero is any device.
	PID ardilla.PID `json:"pid" toml:"pid"`
	// Serial is the device serial number. Empty is any device.
	Serial string `json:"serial" toml:"serial"`
	// Row and Col are the button the animation is drawn on.
	Row int `json:"row" toml:"row"`
	Col int `json:"col" toml:"col"`
}

// Duration is a frame duration. In TOML and JSON it may be given as a
// duration string, or as an integer number of milliseconds.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalTOML implements the toml.Unmarshaler interface.
func (d *Duration) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case string:
		return d.parse(v)
	case int64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	err := json.Unmarshal(b, &v)
	if err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		return d.parse(v)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Millisecond)))
		return nil
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Schema is the schema for a valid configuration.
const Schema = `
{
	loop?:           bool
	duration?:       _#duration
	auto_start?:     bool
	fit?:            "fill" | "contain"
	source?:         _#source
	log_level?:      _#log_level
	log_add_source?: bool
	control?:        _#control
	deck?:           _#deck
}

_#source: close({assets: !=""}) | close({resources: !="", manifest: !=""})

_#control: {
	network: "tcp" | "unix"
	addr?:   string
}

_#deck: {
	pid:    *0 | uint16
	serial: *"" | string
	row:    *0 | uint
	col:    *0 | uint
}

_#duration: =~"^(?:[0-9]+(?:\\.[0-9]*)?(?:ns|us|µs|ms|s|m|h))+$"
_#log_level: =~"(?i)^(?:debug|info|warn|error)$"
`

// Sum is a comparable optional SHA-1 sum.
type Sum [sha1.Size]byte

// Equal returns whether s is equal to other.
func (s *Sum) Equal(other *Sum) bool {
	switch {
	case s == other:
		return true
	case s != nil && other != nil:
		return *s == *other
	default:
		return false
	}
}

func (s *Sum) String() string {
	if s == nil {
		return ""
	}
	return hex.EncodeToString(s[:])
}

func (s *Sum) MarshalText() (text []byte, err error) {
	if s == nil {
		return nil, nil
	}
	text = make([]byte, hex.EncodedLen(len(s)))
	hex.Encode(text, s[:])
	return text, nil
}
