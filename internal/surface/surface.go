// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package surface provides drawing targets for frame playback.
//
// A Surface hands out a canvas for a single blit and takes it back when
// the blit is complete. Surfaces report their lifecycle to an Observer:
// creation, a change in dimensions and destruction.
package surface

import (
	"errors"
	"sync"

	"golang.org/x/image/draw"
)

// ErrUnavailable is returned by Acquire when the surface cannot provide
// a canvas, for example while it is being torn down.
var ErrUnavailable = errors.New("surface unavailable")

// Surface is a drawable target.
type Surface interface {
	// Alive returns whether the surface can currently be drawn to.
	Alive() bool
	// Acquire returns a canvas for a single blit. The canvas
	// must be handed back with Release.
	Acquire() (draw.Image, error)
	// Release posts the canvas to the surface.
	Release(draw.Image) error
}

// Observer receives surface lifecycle signals.
type Observer interface {
	SurfaceCreated()
	SurfaceChanged(width, height int)
	SurfaceDestroyed()
}

// observers holds the set of observers attached to a surface.
type observers struct {
	mu   sync.Mutex
	list []Observer
}

// Attach adds o to the set of observers notified of lifecycle changes.
func (s *observers) Attach(o Observer) {
	s.mu.Lock()
	s.list = append(s.list, o)
	s.mu.Unlock()
}

func (s *observers) snapshot() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.list...)
}

func (s *observers) created() {
	for _, o := range s.snapshot() {
		o.SurfaceCreated()
	}
}

func (s *observers) changed(w, h int) {
	for _, o := range s.snapshot() {
		o.SurfaceChanged(w, h)
	}
}

func (s *observers) destroyed() {
	for _, o := range s.snapshot() {
		o.SurfaceDestroyed()
	}
}
