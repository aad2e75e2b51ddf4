// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package surface

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Fit specifies how a frame is placed in its destination rectangle.
type Fit int

const (
	// Fill stretches the frame to cover the destination.
	Fill Fit = iota
	// Contain scales the frame to fit within the destination,
	// keeping its aspect ratio, and centres it.
	Contain
)

// ParseFit returns the Fit corresponding to s.
func ParseFit(s string) (Fit, error) {
	switch s {
	case "", "fill":
		return Fill, nil
	case "contain":
		return Contain, nil
	default:
		return Fill, fmt.Errorf("invalid fit: %q", s)
	}
}

func (f Fit) String() string {
	switch f {
	case Fill:
		return "fill"
	case Contain:
		return "contain"
	default:
		return fmt.Sprintf("Fit(%d)", int(f))
	}
}

func (f Fit) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fit) UnmarshalText(text []byte) error {
	var err error
	*f, err = ParseFit(string(text))
	return err
}

// Rect returns the rectangle within dst that a source with bounds src
// is drawn into.
func (f Fit) Rect(dst, src image.Rectangle) image.Rectangle {
	if f != Contain || src.Empty() {
		return dst
	}
	return keepAspectRatio(dst, src)
}

// keepAspectRatio returns a rectangle centred in dst with the aspect
// ratio of src.
func keepAspectRatio(dst, src image.Rectangle) image.Rectangle {
	dx, dy := src.Dx(), src.Dy()
	if dx*dst.Dy() == dy*dst.Dx() {
		return dst
	}
	if dx*dst.Dy() < dy*dst.Dx() {
		dx, dy = dx*dst.Dy()/dy, dst.Dy()
	} else {
		dx, dy = dst.Dx(), dy*dst.Dx()/dx
	}
	offset := image.Point{X: (dst.Dx() - dx) / 2, Y: (dst.Dy() - dy) / 2}
	return image.Rectangle{Max: image.Point{X: dx, Y: dy}}.Add(dst.Min).Add(offset)
}

// Blit clears canvas to transparent and draws img scaled from its natural
// bounds into dst according to fit.
func Blit(canvas draw.Image, dst image.Rectangle, img image.Image, fit Fit) {
	draw.Draw(canvas, canvas.Bounds(), image.Transparent, image.Point{}, draw.Src)
	if img == nil || dst.Empty() {
		return
	}
	r := fit.Rect(dst, img.Bounds())
	if r.Size() == img.Bounds().Size() {
		draw.Copy(canvas, r.Min, img, img.Bounds(), draw.Src, nil)
		return
	}
	draw.BiLinear.Scale(canvas, r, img, img.Bounds(), draw.Src, nil)
}
