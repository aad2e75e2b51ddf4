// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/kortschak/ardilla"
	"golang.org/x/image/draw"
)

// device is the subset of [ardilla.Deck] used by Deck.
type device interface {
	Layout() (rows, cols int)
	Bounds() (image.Rectangle, error)
	SetImage(row, col int, img image.Image) error
	KeyStates() ([]bool, error)
	Reset() error
	Close() error
}

var _ device = (*ardilla.Deck)(nil)

// locked is a lock-protected device.
type locked struct {
	mu sync.Mutex
	device
}

func (d *locked) SetImage(row, col int, img image.Image) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device.SetImage(row, col, img)
}

func (d *locked) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device.Reset()
}

// Deck is a surface backed by a single button of an Elgato Stream Deck.
type Deck struct {
	observers

	dev      locked
	row, col int
	bounds   image.Rectangle
	onPress  func(row, col int)
	log      *slog.Logger

	mu    sync.Mutex
	alive bool
	back  *image.RGBA
}

// OpenDeck opens the Stream Deck identified by pid and serial and returns
// a Deck drawing to the button at row and col. The pid and serial
// parameters are interpreted according to the documentation for
// [ardilla.NewDeck]. If onPress is not nil it is called with the position
// of each button pressed on the device.
func OpenDeck(pid ardilla.PID, serial string, row, col int, onPress func(row, col int), log *slog.Logger) (*Deck, error) {
	d, err := ardilla.NewDeck(pid, serial)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "opened deck", slog.String("pid", fmt.Sprintf("0x%04x", uint16(d.PID()))), slog.String("model", d.PID().String()))
	deck, err := newDeck(d, row, col, onPress, log)
	if err != nil {
		d.Close()
		return nil, err
	}
	return deck, nil
}

func newDeck(dev device, row, col int, onPress func(row, col int), log *slog.Logger) (*Deck, error) {
	rows, cols := dev.Layout()
	if row < 0 || row >= rows || col < 0 || col >= cols {
		return nil, fmt.Errorf("button (%d,%d) out of range for %dx%d layout", row, col, rows, cols)
	}
	bounds, err := dev.Bounds()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Deck{
		dev:     locked{device: dev},
		row:     row,
		col:     col,
		bounds:  bounds,
		onPress: onPress,
		log:     log.With(slog.String("component", "deck")),
	}, nil
}

// Run signals surface creation with the button dimensions and forwards
// button presses until ctx is cancelled or the device is closed. On return
// the surface has been destroyed and the device reset and closed.
func (d *Deck) Run(ctx context.Context) error {
	d.mu.Lock()
	d.alive = true
	d.mu.Unlock()
	d.created()
	d.changed(d.bounds.Dx(), d.bounds.Dy())

	rows, cols := d.dev.Layout()
	states := make(chan []bool)
	errc := make(chan error, 1)
	go func() {
		for {
			s, err := d.dev.KeyStates()
			if err != nil {
				if errors.Is(err, io.EOF) {
					errc <- nil
					return
				}
				if ctx.Err() != nil {
					return
				}
				d.log.LogAttrs(ctx, slog.LevelError, "failed to get states", slog.Any("error", err))
				continue
			}
			select {
			case states <- s:
			case <-ctx.Done():
				return
			}
		}
	}()

	last := make([]bool, rows*cols)
	for {
		select {
		case <-ctx.Done():
			d.teardown(ctx)
			return nil
		case err := <-errc:
			d.log.LogAttrs(ctx, slog.LevelDebug, "key states closed")
			d.teardown(ctx)
			return err
		case s := <-states:
			for i, pressed := range s {
				if i >= len(last) {
					break
				}
				if pressed && !last[i] {
					row, col := i/cols, i%cols
					d.log.LogAttrs(ctx, slog.LevelDebug, "press", slog.Int("row", row), slog.Int("col", col))
					if d.onPress != nil {
						d.onPress(row, col)
					}
				}
				last[i] = pressed
			}
		}
	}
}

func (d *Deck) teardown(ctx context.Context) {
	d.mu.Lock()
	d.alive = false
	d.mu.Unlock()
	d.destroyed()
	err := d.dev.Reset()
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to reset deck", slog.Any("error", err))
	}
	err = d.dev.Close()
	if err != nil {
		d.log.LogAttrs(ctx, slog.LevelWarn, "failed to close deck", slog.Any("error", err))
	}
}

func (d *Deck) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

func (d *Deck) Acquire() (draw.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.alive || d.back != nil {
		return nil, ErrUnavailable
	}
	d.back = image.NewRGBA(d.bounds)
	return d.back, nil
}

func (d *Deck) Release(canvas draw.Image) error {
	d.mu.Lock()
	if canvas == nil || canvas != draw.Image(d.back) {
		d.mu.Unlock()
		return errors.New("release of unacquired canvas")
	}
	img := d.back
	d.back = nil
	alive := d.alive
	d.mu.Unlock()
	if !alive {
		return ErrUnavailable
	}
	return d.dev.SetImage(d.row, d.col, img)
}
