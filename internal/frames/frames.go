// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package frames provides ordered, lazily decoded sequences of animation
// frames.
//
// A frame source is referenced by a Ref, which is an AssetFolder, a
// directory of image files, a ResourceArray, a named array of image
// resource identifiers held in a Resources table, a GIFFile, or Images,
// an in-memory list of frames. Resolving a Ref lists
// the frames without decoding them; each frame is decoded on demand by
// Sequence.Load. The exception is GIFFile, which must be rendered in full
// when it is resolved since each GIF frame is drawn over its predecessor.
package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	// ErrSourceResolution is returned when a frame source cannot be
	// listed.
	ErrSourceResolution = errors.New("source resolution failed")
	// ErrDecode is returned when a single frame cannot be decoded.
	ErrDecode = errors.New("frame decode failed")
)

// Sequence is an ordered sequence of frames.
type Sequence interface {
	// Len returns the number of frames in the sequence.
	Len() int
	// Load decodes and returns frame i. The returned image is owned by
	// the caller.
	Load(ctx context.Context, i int) (image.Image, error)
}

// Ref is a reference to a frame source. The only implementations are
// AssetFolder, ResourceArray, GIFFile and Images.
type Ref interface {
	// Resolve lists the frames of the source.
	Resolve(ctx context.Context) (Sequence, error)
	String() string

	isRef()
}

var (
	_ Ref = AssetFolder{}
	_ Ref = ResourceArray{}
	_ Ref = Images(nil)
	_ Ref = GIFFile{}
)

// Open returns a Ref for the frames held either in the assets directory,
// or in the resources array of the TOML manifest at the given path. Exactly
// one of assets and resources must be non-empty. If assets names a regular
// file rather than a directory, it is opened as an animated GIF.
func Open(assets, resources, manifest string) (Ref, error) {
	switch {
	case assets != "" && resources != "":
		return nil, fmt.Errorf("%w: both assets and resources specified", ErrSourceResolution)
	case assets != "":
		assets = filepath.Clean(assets)
		parent, dir := filepath.Dir(assets), filepath.Base(assets)
		if dir == string(filepath.Separator) {
			parent, dir = assets, "."
		}
		fi, err := os.Stat(assets)
		if err == nil && fi.Mode().IsRegular() {
			return GIFFile{FS: os.DirFS(parent), Name: dir}, nil
		}
		return AssetFolder{FS: os.DirFS(parent), Dir: dir}, nil
	case resources != "":
		if manifest == "" {
			return nil, fmt.Errorf("%w: no manifest for resources %s", ErrSourceResolution, resources)
		}
		table, err := LoadResources(manifest)
		if err != nil {
			return nil, err
		}
		return ResourceArray{Table: table, Name: resources}, nil
	default:
		return nil, fmt.Errorf("%w: no source specified", ErrSourceResolution)
	}
}

// AssetFolder is a directory of image files. Frames are the regular,
// non-hidden files in Dir in lexical order.
type AssetFolder struct {
	FS  fs.FS
	Dir string
}

func (AssetFolder) isRef() {}

func (r AssetFolder) String() string {
	return "assets:" + r.Dir
}

// Resolve lists the frames in the folder.
func (r AssetFolder) Resolve(ctx context.Context) (Sequence, error) {
	if r.FS == nil {
		return nil, fmt.Errorf("%w: no file system for %s", ErrSourceResolution, r.Dir)
	}
	dir := r.Dir
	if dir == "" {
		dir = "."
	}
	de, err := fs.ReadDir(r.FS, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceResolution, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(de))
	for _, e := range de {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return &assets{fsys: r.FS, dir: dir, names: names}, nil
}

type assets struct {
	fsys  fs.FS
	dir   string
	names []string
}

func (s *assets) Len() int { return len(s.names) }

func (s *assets) Load(ctx context.Context, i int) (image.Image, error) {
	if i < 0 || i >= len(s.names) {
		return nil, fmt.Errorf("frame index out of range: %d", i)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := path.Join(s.dir, s.names[i])
	f, err := s.fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return img, nil
}

// ResourceArray is a named array of image resources held in a Resources
// table.
type ResourceArray struct {
	Table *Resources
	Name  string
}

func (ResourceArray) isRef() {}

func (r ResourceArray) String() string {
	return "resources:" + r.Name
}

// Resolve looks up the array in the resources table.
func (r ResourceArray) Resolve(ctx context.Context) (Sequence, error) {
	if r.Table == nil {
		return nil, fmt.Errorf("%w: no resource table for %s", ErrSourceResolution, r.Name)
	}
	ids, ok := r.Table.Array(r.Name)
	if !ok {
		return nil, fmt.Errorf("%w: no resource array %q", ErrSourceResolution, r.Name)
	}
	return &resources{table: r.Table, ids: ids}, nil
}

type resources struct {
	table *Resources
	ids   []string
}

func (s *resources) Len() int { return len(s.ids) }

func (s *resources) Load(ctx context.Context, i int) (image.Image, error) {
	if i < 0 || i >= len(s.ids) {
		return nil, fmt.Errorf("frame index out of range: %d", i)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.table.Decode(s.ids[i])
}

// Images is an in-memory frame source. It is its own Sequence.
type Images []image.Image

func (Images) isRef() {}

func (r Images) String() string {
	return fmt.Sprintf("images:%d", len(r))
}

// Resolve returns r.
func (r Images) Resolve(ctx context.Context) (Sequence, error) {
	return r, nil
}

func (r Images) Len() int { return len(r) }

func (r Images) Load(ctx context.Context, i int) (image.Image, error) {
	if i < 0 || i >= len(r) {
		return nil, fmt.Errorf("frame index out of range: %d", i)
	}
	if r[i] == nil {
		return nil, fmt.Errorf("%w: nil frame %d", ErrDecode, i)
	}
	return r[i], nil
}
