// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frames

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"io"
	"io/fs"

	"golang.org/x/image/draw"
)

// GIFFile is an animated GIF file. Frames are the GIF's frames rendered
// onto the logical screen with each frame's disposal method applied. The
// GIF's frame delays and loop count are ignored.
//
// Unlike the other sources, a resolved GIFFile holds every rendered frame
// in memory as an RGBA image, width×height×4 bytes per frame, for the
// life of the sequence. Frames cannot be decoded independently since each
// is drawn over its predecessors. GIFs with more than MaxGIFFrames frames
// fail to resolve.
type GIFFile struct {
	FS   fs.FS
	Name string
}

// MaxGIFFrames is the maximum number of frames a GIFFile may hold.
const MaxGIFFrames = 1024

func (GIFFile) isRef() {}

func (r GIFFile) String() string {
	return "gif:" + r.Name
}

// Resolve decodes and renders all the frames of the GIF.
func (r GIFFile) Resolve(ctx context.Context) (Sequence, error) {
	if r.FS == nil {
		return nil, fmt.Errorf("%w: no filesystem for %s", ErrSourceResolution, r.Name)
	}
	f, err := r.FS.Open(r.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceResolution, err)
	}
	defer f.Close()
	g, err := decodeGIF(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceResolution, r.Name, err)
	}
	rendered, err := render(ctx, g)
	if err != nil {
		return nil, err
	}
	return rendered, nil
}

// decodeGIF returns the GIF decoded from r after checking its disposal
// and global background index values for validity.
func decodeGIF(r io.Reader) (*gif.GIF, error) {
	rp := AsReadPeeker(r)
	if !IsGIF(rp) {
		return nil, fmt.Errorf("%w: not a gif", ErrDecode)
	}
	g, err := gif.DecodeAll(rp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(g.Image) > MaxGIFFrames {
		return nil, fmt.Errorf("too many frames: %d > %d", len(g.Image), MaxGIFFrames)
	}
	if len(g.Image) != len(g.Disposal) && g.Disposal != nil {
		return nil, fmt.Errorf("mismatched image count and disposal count: %d != %d", len(g.Image), len(g.Disposal))
	}
	pal, ok := g.Config.ColorModel.(color.Palette)
	if idx := int(g.BackgroundIndex); ok && len(pal) != 0 && idx >= len(pal) {
		return nil, fmt.Errorf("global background colour index not in palette: %d", idx)
	}
	return g, nil
}

// gifFrames is a fully rendered GIF.
type gifFrames []*image.RGBA

// render draws each frame of g over its predecessors.
func render(ctx context.Context, g *gif.GIF) (gifFrames, error) {
	const (
		restoreBackground = 2
		restorePrevious   = 3
	)

	screen := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if screen.Empty() {
		for _, frame := range g.Image {
			screen = screen.Union(frame.Bounds())
		}
	}
	background := image.Image(image.Transparent)
	if pal, ok := g.Config.ColorModel.(color.Palette); ok && len(pal) != 0 {
		background = &image.Uniform{pal[g.BackgroundIndex]}
	}

	dst := image.NewRGBA(screen)
	frames := make(gifFrames, 0, len(g.Image))
	for f, frame := range g.Image {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var restore *image.RGBA
		if g.Disposal != nil && g.Disposal[f] == restorePrevious {
			restore = image.NewRGBA(frame.Bounds())
			draw.Copy(restore, frame.Bounds().Min, dst, frame.Bounds(), draw.Src, nil)
		}
		draw.Copy(dst, frame.Bounds().Min, frame, frame.Bounds(), draw.Over, nil)
		frames = append(frames, clone(dst))

		if g.Disposal != nil {
			switch g.Disposal[f] {
			case restoreBackground:
				draw.Copy(dst, frame.Bounds().Min, background, frame.Bounds(), draw.Src, nil)
			case restorePrevious:
				draw.Copy(dst, frame.Bounds().Min, restore, restore.Bounds(), draw.Src, nil)
			}
		}
	}
	return frames, nil
}

func clone(img *image.RGBA) *image.RGBA {
	c := *img
	c.Pix = append([]uint8(nil), img.Pix...)
	return &c
}

func (s gifFrames) Len() int { return len(s) }

func (s gifFrames) Load(ctx context.Context, i int) (image.Image, error) {
	if i < 0 || i >= len(s) {
		return nil, fmt.Errorf("frame index out of range: %d", i)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return clone(s[i]), nil
}
