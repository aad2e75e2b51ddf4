// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"errors"
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// Memory is an in-memory RGBA surface. Each posted canvas is handed to the
// release hook, if one is set, and becomes the surface's current frame.
type Memory struct {
	observers

	onRelease func(*image.RGBA)

	mu      sync.Mutex
	alive   bool
	bounds  image.Rectangle
	front   *image.RGBA
	back    *image.RGBA
	posted  int
	dropped int
}

// NewMemory returns a new Memory surface. If onRelease is not nil, it is
// called with each posted frame. The frame must not be modified.
func NewMemory(onRelease func(frame *image.RGBA)) *Memory {
	return &Memory{onRelease: onRelease}
}

// Create marks the surface as alive and signals creation to attached
// observers.
func (m *Memory) Create() {
	m.mu.Lock()
	m.alive = true
	m.mu.Unlock()
	m.created()
}

// Resize sets the dimensions of the surface and signals the change to
// attached observers.
func (m *Memory) Resize(width, height int) {
	m.mu.Lock()
	m.bounds = image.Rect(0, 0, width, height)
	m.front = nil
	m.mu.Unlock()
	m.changed(width, height)
}

// Destroy marks the surface as dead and signals destruction to attached
// observers.
func (m *Memory) Destroy() {
	m.mu.Lock()
	m.alive = false
	m.mu.Unlock()
	m.destroyed()
}

func (m *Memory) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *Memory) Acquire() (draw.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.alive || m.bounds.Empty() || m.back != nil {
		m.dropped++
		return nil, ErrUnavailable
	}
	m.back = image.NewRGBA(m.bounds)
	return m.back, nil
}

func (m *Memory) Release(canvas draw.Image) error {
	m.mu.Lock()
	if canvas == nil || canvas != draw.Image(m.back) {
		m.mu.Unlock()
		return errors.New("release of unacquired canvas")
	}
	img := m.back
	m.back = nil
	if !m.alive || img.Bounds() != m.bounds {
		m.dropped++
		m.mu.Unlock()
		return ErrUnavailable
	}
	m.front = img
	m.posted++
	m.mu.Unlock()
	if m.onRelease != nil {
		m.onRelease(img)
	}
	return nil
}

// Frame returns the most recently posted frame, or nil if no frame has been
// posted since the last resize.
func (m *Memory) Frame() *image.RGBA {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.front
}

// Stats returns the number of posted frames and the number of canvas
// requests or releases that were refused.
func (m *Memory) Stats() (posted, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posted, m.dropped
}
