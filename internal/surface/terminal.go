// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/image/draw"
)

// upperHalf is drawn in each cell with the upper pixel as the foreground
// and the lower pixel as the background.
const upperHalf = '▀'

// Terminal is a surface backed by a tcell screen. Each character cell
// holds two vertically stacked pixels, so a screen of w×h cells is a
// surface of w×2h pixels.
type Terminal struct {
	observers

	screen tcell.Screen
	onKey  func(*tcell.EventKey)

	mu     sync.Mutex
	alive  bool
	bounds image.Rectangle
	back   *image.RGBA
}

// NewTerminal returns a new Terminal drawing to screen. The screen must
// not have been initialised. If onKey is not nil it is called with each
// key event received by the screen.
func NewTerminal(screen tcell.Screen, onKey func(*tcell.EventKey)) *Terminal {
	return &Terminal{screen: screen, onKey: onKey}
}

// Run initialises the screen, signals surface creation and forwards screen
// events until ctx is cancelled or the screen is finalised. On return the
// surface has been destroyed and the screen finalised.
func (t *Terminal) Run(ctx context.Context) error {
	err := t.screen.Init()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	t.screen.HideCursor()
	t.screen.Clear()

	t.mu.Lock()
	t.alive = true
	t.mu.Unlock()
	t.created()
	t.resize(t.screen.Size())

	stop := context.AfterFunc(ctx, func() {
		t.screen.PostEvent(tcell.NewEventInterrupt(nil))
	})
	defer stop()
	for {
		switch ev := t.screen.PollEvent().(type) {
		case nil:
			t.teardown()
			return nil
		case *tcell.EventResize:
			t.resize(ev.Size())
		case *tcell.EventKey:
			if t.onKey != nil {
				t.onKey(ev)
			}
		case *tcell.EventInterrupt:
			if ctx.Err() != nil {
				t.teardown()
				t.screen.Fini()
				return nil
			}
		}
	}
}

// resize records the pixel dimensions of a w×h cell screen, notifying
// observers if they have changed.
func (t *Terminal) resize(w, h int) {
	b := image.Rect(0, 0, w, 2*h)
	t.mu.Lock()
	if b == t.bounds {
		t.mu.Unlock()
		return
	}
	t.bounds = b
	t.mu.Unlock()
	t.screen.Clear()
	t.changed(b.Dx(), b.Dy())
}

func (t *Terminal) teardown() {
	t.mu.Lock()
	t.alive = false
	t.mu.Unlock()
	t.destroyed()
}

func (t *Terminal) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alive
}

func (t *Terminal) Acquire() (draw.Image, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.alive || t.bounds.Empty() || t.back != nil {
		return nil, ErrUnavailable
	}
	t.back = image.NewRGBA(t.bounds)
	return t.back, nil
}

func (t *Terminal) Release(canvas draw.Image) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if canvas == nil || canvas != draw.Image(t.back) {
		return errors.New("release of unacquired canvas")
	}
	img := t.back
	t.back = nil
	if !t.alive || img.Bounds() != t.bounds {
		return ErrUnavailable
	}
	b := img.Bounds()
	for y := b.Min.Y; y+1 < b.Max.Y; y += 2 {
		for x := b.Min.X; x < b.Max.X; x++ {
			style := tcell.StyleDefault.
				Foreground(cellColor(img.RGBAAt(x, y))).
				Background(cellColor(img.RGBAAt(x, y+1)))
			t.screen.SetContent(x, y/2, upperHalf, nil, style)
		}
	}
	t.screen.Show()
	return nil
}

// cellColor returns the terminal color for c composited over black.
func cellColor(c color.RGBA) tcell.Color {
	return tcell.NewRGBColor(int32(c.R), int32(c.G), int32(c.B))
}
