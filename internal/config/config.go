// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config provides configuration loading, validation and live
// reloading.
package config

import (
	"crypto/sha1"
	"encoding/json"
	"errors"
	"hash"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kortschak/flipbook/config"
)

// Alias the publicly visible types.
type (
	Player   = config.Player
	Source   = config.Source
	Control  = config.Control
	Deck     = config.Deck
	Duration = config.Duration
	Sum      = config.Sum
)

// Load reads, validates and returns the configuration held in the TOML
// file at path. Relative source paths are made relative to the directory
// holding path. If the configuration is invalid, Load returns the valid
// part of the configuration and a non-nil error.
func Load(path string) (*Player, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, _, err := unmarshalConfig(sha1.New(), b, filepath.Dir(path))
	return cfg, err
}

// unmarshalConfig returns a, potentially partial, configuration and its
// semantic hash from the provided raw data.
func unmarshalConfig(h hash.Hash, b []byte, dir string) (cfg *Player, sum Sum, _ error) {
	c := &Player{}
	err := toml.Unmarshal(b, c)
	if err != nil {
		return nil, sum, err
	}

	paths, deferredErr := Validate(config.Schema, c)
	if deferredErr != nil {
		c, err = remove(c, paths)
		if err != nil {
			return nil, sum, errors.Join(deferredErr, err)
		}
	}
	resolvePaths(c, dir)

	err = json.NewEncoder(h).Encode(c)
	if err != nil {
		return nil, sum, err
	}
	sum = ([sha1.Size]byte)(h.Sum(nil))
	h.Reset()
	c.Sum = &sum
	return c, sum, deferredErr
}

// remove clears the top-level fields of cfg that correspond to invalid
// field paths identified by Validate and returns the result.
func remove(cfg *Player, paths [][]string) (*Player, error) {
	for _, p := range paths {
		if len(p) == 0 {
			// Not all cue Errors will have a path,
			// so we may have an empty path here.
			return cfg, errors.New("cannot remove: empty path")
		}
		switch p[0] {
		case "loop":
			cfg.Loop = nil
		case "duration":
			cfg.Duration = nil
		case "auto_start":
			cfg.AutoStart = nil
		case "fit":
			cfg.Fit = nil
		case "source":
			cfg.Source = nil
		case "log_level":
			cfg.LogLevel = nil
		case "log_add_source":
			cfg.AddSource = nil
		case "control":
			cfg.Control = nil
		case "deck":
			cfg.Deck = nil
		}
	}
	return cfg, nil
}

// resolvePaths makes relative source paths in cfg relative to dir.
func resolvePaths(cfg *Player, dir string) {
	if cfg.Source == nil {
		return
	}
	for _, p := range []*string{cfg.Source.Assets, cfg.Source.Manifest} {
		if p != nil && *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}
