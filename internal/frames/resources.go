// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package frames

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Resources is a table of named arrays of image resource identifiers.
//
// Resource identifiers are data URIs in one of the forms
//
//	data:text/filename,<path>
//	data:image/*;base64,<data>
//	data:image/color;name,<ansi color name>
//	data:image/color;web,#<rrggbb>
//
// Relative file names are resolved against the table's directory, and
// file names starting with "~/" are resolved against the user's home
// directory. Color swatches are one pixel square unless a size=<w>x<h>
// parameter is given, for example data:image/color;size=4x3;name,red.
type Resources struct {
	dir    string
	arrays map[string][]string
}

// NewResources returns a resources table holding arrays with file names
// relative to dir.
func NewResources(dir string, arrays map[string][]string) *Resources {
	return &Resources{dir: dir, arrays: arrays}
}

// manifest is the on-disk representation of a resource table.
type manifest struct {
	Arrays map[string][]string `toml:"arrays"`
}

// LoadResources reads a TOML resource manifest from path. The manifest
// holds an arrays table mapping array names to lists of resource
// identifiers:
//
//	[arrays]
//	spinner = ["data:text/filename,spin/0.png", "data:text/filename,spin/1.png"]
//
// Each identifier is checked for syntax, but not decoded.
func LoadResources(path string) (*Resources, error) {
	var m manifest
	_, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceResolution, err)
	}
	for name, ids := range m.Arrays {
		for i, id := range ids {
			_, _, _, _, _, err := parseDataURI(id)
			if err != nil {
				return nil, fmt.Errorf("%w: array %s[%d]: %w", ErrSourceResolution, name, i, err)
			}
		}
	}
	return NewResources(filepath.Dir(path), m.Arrays), nil
}

// Array returns the named array.
func (r *Resources) Array(name string) ([]string, bool) {
	ids, ok := r.arrays[name]
	return ids, ok
}

// Names returns the sorted names of the arrays in the table.
func (r *Resources) Names() []string {
	names := make([]string, 0, len(r.arrays))
	for n := range r.arrays {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Decode decodes the image identified by the data URI id.
func (r *Resources) Decode(id string) (image.Image, error) {
	typ, mtyp, par, val, enc, err := parseDataURI(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	param, err := getParams(par)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	switch typ {
	case "text":
		if mtyp != "text/filename" {
			return nil, fmt.Errorf("%w: unknown text mime type: %s", ErrDecode, id)
		}
		val, ok := strings.CutPrefix(val, "~/")
		if ok {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("%w: file: %w", ErrDecode, err)
			}
			val = filepath.Join(home, val)
		}
		if !filepath.IsAbs(val) {
			val = filepath.Join(r.dir, val)
		}
		f, err := os.Open(val)
		if err != nil {
			return nil, fmt.Errorf("%w: file: %w", ErrDecode, err)
		}
		defer f.Close()
		return Decode(f)
	case "image":
		switch enc {
		case "name":
			col, ok := ansiColor[val]
			if !ok {
				return nil, fmt.Errorf("%w: invalid color name: %s", ErrDecode, val)
			}
			return newSwatch(col, param)
		case "web":
			col, err := webColor(val)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDecode, err)
			}
			return newSwatch(col, param)
		case "base64":
			b, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("%w: base64: %w", ErrDecode, err)
			}
			return Decode(bytes.NewReader(b))
		}
	}
	panic("unreachable")
}

// swatch is a uniform color image with finite bounds.
type swatch struct {
	*image.Uniform
	bounds image.Rectangle
}

func (s swatch) Bounds() image.Rectangle { return s.bounds }

func newSwatch(col color.Color, param map[string]string) (image.Image, error) {
	bounds := image.Rect(0, 0, 1, 1)
	if size, ok := param["size"]; ok {
		w, h, ok := strings.Cut(size, "x")
		if !ok {
			return nil, fmt.Errorf("%w: invalid size: %s", ErrDecode, size)
		}
		dx, err := strconv.Atoi(w)
		if err != nil || dx <= 0 {
			return nil, fmt.Errorf("%w: invalid size: %s", ErrDecode, size)
		}
		dy, err := strconv.Atoi(h)
		if err != nil || dy <= 0 {
			return nil, fmt.Errorf("%w: invalid size: %s", ErrDecode, size)
		}
		bounds = image.Rect(0, 0, dx, dy)
	}
	return swatch{Uniform: image.NewUniform(col), bounds: bounds}, nil
}

func getParams(par string) (map[string]string, error) {
	if par == "" {
		return nil, nil
	}
	param := make(map[string]string)
	var err error
	for _, kv := range strings.Split(par, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			return nil, fmt.Errorf("invalid params: %s", par)
		}
		param[strings.TrimSpace(k)], err = url.PathUnescape(strings.TrimSpace(v))
		if err != nil {
			return nil, err
		}
	}
	return param, nil
}

// parseDataURI handles data URIs in the form
// "^data:(?:text/filename|image/(?:\*;base64|color(?:;[^,]*)?;(?:name|web))),.*$".
func parseDataURI(uri string) (typ, mtyp, par, val, enc string, err error) {
	u, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", "", "", "", "", fmt.Errorf("invalid scheme: %s", uri)
	}
	mtyp, val, ok = strings.Cut(u, ",")
	if !ok {
		return "", "", "", "", "", fmt.Errorf("invalid data uri: %s", uri)
	}
	typ, _, ok = strings.Cut(mtyp, "/")
	if !ok {
		return "", "", "", "", "", fmt.Errorf("invalid data uri: %s", uri)
	}
	switch typ {
	case "text":
		mtyp, par, _ := strings.Cut(mtyp, ";")
		if mtyp != "text/filename" {
			return "", "", "", "", "", fmt.Errorf("unknown text mime type: %s", uri)
		}
		return typ, mtyp, par, val, "", nil
	case "image":
		mtyp, enc, ok = cutLast(mtyp, ";")
		if !ok {
			return "", "", "", "", "", fmt.Errorf("invalid image data uri: %s", uri)
		}
		switch enc {
		case "base64", "name", "web":
			mtyp, par, _ := strings.Cut(mtyp, ";")
			return typ, mtyp, par, val, enc, nil
		default:
			return "", "", "", "", "", fmt.Errorf("invalid encoding in image uri: %s", uri)
		}
	default:
		return "", "", "", "", "", fmt.Errorf("unknown mime type: %s", uri)
	}
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

var ansiColor = map[string]color.Color{
	"black":     color.RGBA{R: 0x00, G: 0x00, B: 0x00, A: 0xff},
	"red":       color.RGBA{R: 0x80, G: 0x00, B: 0x00, A: 0xff},
	"green":     color.RGBA{R: 0x00, G: 0x80, B: 0x00, A: 0xff},
	"yellow":    color.RGBA{R: 0x80, G: 0x80, B: 0x00, A: 0xff},
	"blue":      color.RGBA{R: 0x00, G: 0x00, B: 0x80, A: 0xff},
	"magenta":   color.RGBA{R: 0x80, G: 0x00, B: 0x80, A: 0xff},
	"cyan":      color.RGBA{R: 0x00, G: 0x80, B: 0x80, A: 0xff},
	"white":     color.RGBA{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	"hiblack":   color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff},
	"hired":     color.RGBA{R: 0xff, G: 0x00, B: 0x00, A: 0xff},
	"higreen":   color.RGBA{R: 0x00, G: 0xff, B: 0x00, A: 0xff},
	"hiyellow":  color.RGBA{R: 0xff, G: 0xff, B: 0x00, A: 0xff},
	"hiblue":    color.RGBA{R: 0x00, G: 0x00, B: 0xff, A: 0xff},
	"himagenta": color.RGBA{R: 0xff, G: 0x00, B: 0xff, A: 0xff},
	"hicyan":    color.RGBA{R: 0x00, G: 0xff, B: 0xff, A: 0xff},
	"hiwhite":   color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff},
}

func webColor(val string) (color.Color, error) {
	val, ok := strings.CutPrefix(val, "#")
	if !ok {
		return nil, fmt.Errorf("invalid web color: %s", val)
	}
	c, err := strconv.ParseUint(val, 16, 24)
	if err != nil {
		return nil, err
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(c))
	return color.NRGBA{R: b[1], G: b[2], B: b[3], A: 0xff}, nil
}
