// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/image/draw"
)

var parseFitTests = []struct {
	in      string
	want    Fit
	wantErr bool
}{
	{in: "", want: Fill},
	{in: "fill", want: Fill},
	{in: "contain", want: Contain},
	{in: "cover", want: Fill, wantErr: true},
}

func TestParseFit(t *testing.T) {
	for _, test := range parseFitTests {
		got, err := ParseFit(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("unexpected error for %q: %v", test.in, err)
		}
		if got != test.want {
			t.Errorf("unexpected fit for %q: got:%v want:%v", test.in, got, test.want)
		}
	}

	var f Fit
	err := f.UnmarshalText([]byte("contain"))
	if err != nil {
		t.Fatalf("unexpected error unmarshaling fit: %v", err)
	}
	text, err := f.MarshalText()
	if err != nil {
		t.Fatalf("unexpected error marshaling fit: %v", err)
	}
	if string(text) != "contain" {
		t.Errorf("unexpected text: got:%q want:%q", text, "contain")
	}
}

var fitRectTests = []struct {
	fit  Fit
	dst  image.Rectangle
	src  image.Rectangle
	want image.Rectangle
}{
	{fit: Fill, dst: image.Rect(0, 0, 10, 10), src: image.Rect(0, 0, 4, 2), want: image.Rect(0, 0, 10, 10)},
	{fit: Contain, dst: image.Rect(0, 0, 10, 10), src: image.Rect(0, 0, 4, 2), want: image.Rect(0, 2, 10, 7)},
	{fit: Contain, dst: image.Rect(0, 0, 10, 10), src: image.Rect(0, 0, 2, 4), want: image.Rect(2, 0, 7, 10)},
	{fit: Contain, dst: image.Rect(0, 0, 10, 10), src: image.Rect(5, 5, 9, 9), want: image.Rect(0, 0, 10, 10)},
	{fit: Contain, dst: image.Rect(4, 4, 12, 8), src: image.Rect(0, 0, 1, 1), want: image.Rect(6, 4, 10, 8)},
	{fit: Contain, dst: image.Rect(0, 0, 10, 10), src: image.Rectangle{}, want: image.Rect(0, 0, 10, 10)},
}

func TestFitRect(t *testing.T) {
	for _, test := range fitRectTests {
		got := test.fit.Rect(test.dst, test.src)
		if got != test.want {
			t.Errorf("unexpected rectangle for %v fit of %v in %v: got:%v want:%v",
				test.fit, test.src, test.dst, got, test.want)
		}
	}
}

func TestBlit(t *testing.T) {
	red := color.RGBA{R: 0xff, A: 0xff}
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	draw.Draw(src, src.Bounds(), image.NewUniform(red), image.Point{}, draw.Src)

	tests := []struct {
		fit  Fit
		dst  image.Rectangle
		want []string
	}{
		{
			fit: Fill,
			dst: image.Rect(0, 0, 4, 4),
			want: []string{
				"####",
				"####",
				"####",
				"####",
			},
		},
		{
			fit: Contain,
			dst: image.Rect(0, 0, 4, 4),
			want: []string{
				"....",
				"####",
				"####",
				"....",
			},
		},
		{
			fit: Contain,
			dst: image.Rect(1, 1, 3, 2),
			want: []string{
				"....",
				".##.",
				"....",
				"....",
			},
		},
		{
			fit: Fill,
			dst: image.Rectangle{},
			want: []string{
				"....",
				"....",
				"....",
				"....",
			},
		},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%v_%v", test.fit, test.dst), func(t *testing.T) {
			canvas := image.NewRGBA(image.Rect(0, 0, 4, 4))
			draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
			Blit(canvas, test.dst, src, test.fit)
			got := render(canvas)
			if !cmp.Equal(got, test.want) {
				t.Errorf("unexpected blit:\n--- want:\n+++ got:\n%s", cmp.Diff(test.want, got))
			}
		})
	}
}

// render returns a text rendering of img with opaque pixels
// marked '#' and transparent pixels marked '.'.
func render(img *image.RGBA) []string {
	b := img.Bounds()
	rows := make([]string, 0, b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := make([]byte, 0, b.Dx())
		for x := b.Min.X; x < b.Max.X; x++ {
			switch img.RGBAAt(x, y).A {
			case 0:
				row = append(row, '.')
			case 0xff:
				row = append(row, '#')
			default:
				row = append(row, '?')
			}
		}
		rows = append(rows, string(row))
	}
	return rows
}

type lifecycle struct {
	events []string
}

func (l *lifecycle) SurfaceCreated() { l.events = append(l.events, "created") }
func (l *lifecycle) SurfaceChanged(w, h int) {
	l.events = append(l.events, fmt.Sprintf("changed %dx%d", w, h))
}
func (l *lifecycle) SurfaceDestroyed() { l.events = append(l.events, "destroyed") }

func TestMemory(t *testing.T) {
	var released []image.Rectangle
	m := NewMemory(func(frame *image.RGBA) {
		released = append(released, frame.Bounds())
	})
	var obs1, obs2 lifecycle
	m.Attach(&obs1)
	m.Attach(&obs2)

	if m.Alive() {
		t.Error("new surface reported alive")
	}
	_, err := m.Acquire()
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("unexpected error acquiring uncreated surface: got:%v want:%v", err, ErrUnavailable)
	}

	m.Create()
	_, err = m.Acquire()
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("unexpected error acquiring unsized surface: got:%v want:%v", err, ErrUnavailable)
	}

	m.Resize(3, 2)
	canvas, err := m.Acquire()
	if err != nil {
		t.Fatalf("unexpected error acquiring canvas: %v", err)
	}
	_, err = m.Acquire()
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("unexpected error acquiring held canvas: got:%v want:%v", err, ErrUnavailable)
	}
	err = m.Release(canvas)
	if err != nil {
		t.Fatalf("unexpected error releasing canvas: %v", err)
	}
	if m.Frame() == nil {
		t.Error("expected posted frame")
	}
	err = m.Release(canvas)
	if err == nil {
		t.Error("expected error releasing canvas twice")
	}

	// A resize while the canvas is held invalidates it.
	canvas, err = m.Acquire()
	if err != nil {
		t.Fatalf("unexpected error acquiring canvas: %v", err)
	}
	m.Resize(4, 4)
	if m.Frame() != nil {
		t.Error("expected resize to clear posted frame")
	}
	err = m.Release(canvas)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("unexpected error releasing stale canvas: got:%v want:%v", err, ErrUnavailable)
	}

	m.Destroy()
	if m.Alive() {
		t.Error("destroyed surface reported alive")
	}
	_, err = m.Acquire()
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("unexpected error acquiring destroyed surface: got:%v want:%v", err, ErrUnavailable)
	}

	posted, dropped := m.Stats()
	if posted != 1 || dropped != 5 {
		t.Errorf("unexpected stats: got:posted=%d dropped=%d want:posted=1 dropped=5", posted, dropped)
	}
	if want := []image.Rectangle{image.Rect(0, 0, 3, 2)}; !cmp.Equal(released, want) {
		t.Errorf("unexpected released frames:\n--- want:\n+++ got:\n%s", cmp.Diff(want, released))
	}
	wantEvents := []string{"created", "changed 3x2", "changed 4x4", "destroyed"}
	for i, obs := range []*lifecycle{&obs1, &obs2} {
		if !cmp.Equal(obs.events, wantEvents) {
			t.Errorf("unexpected events for observer %d:\n--- want:\n+++ got:\n%s", i, cmp.Diff(wantEvents, obs.events))
		}
	}
}
