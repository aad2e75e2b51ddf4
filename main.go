// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The flipbook executable plays frame animations on a terminal, a Stream
// Deck button or a directory of PNG images. Playback can be controlled
// by the flipctl command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gofrs/flock"
	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/flipbook/internal/config"
	"github.com/kortschak/flipbook/internal/frames"
	"github.com/kortschak/flipbook/internal/player"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/surface"
	"github.com/kortschak/flipbook/internal/version"
	"github.com/kortschak/flipbook/internal/xdg"
	"github.com/kortschak/flipbook/rpc"
)

// Exit status codes.
const (
	success       = 0
	internalError = 1 << (iota - 1)
	invocationError
)

func main() { os.Exit(Main()) }

func Main() int {
	cfgPath := flag.String("config", "", "path to configuration file (default $XDG_CONFIG_HOME/flipbook/flipbook.toml)")
	assets := flag.String("assets", "", "directory holding animation frames")
	resources := flag.String("resources", "", "name of the resource array holding animation frames")
	manifest := flag.String("manifest", "", "path to the resource manifest for -resources")
	surf := flag.String("surface", "terminal", "drawing surface (terminal, deck or dir)")
	out := flag.String("out", "", "output directory for the dir surface")
	size := flag.String("size", "64x64", "dimensions of the dir surface")
	duration := flag.Duration("duration", player.DefaultDuration, "frame duration")
	loop := flag.Bool("loop", false, "loop the animation")
	autoStart := flag.Bool("autostart", false, "start playback when ready")
	fit := flag.String("fit", "fill", "frame placement (fill or contain)")
	runFor := flag.Duration("for", 0, "run for the specified duration (zero runs until interrupted)")
	network := flag.String("network", "", "control network (unix or tcp, default unix)")
	addr := flag.String("addr", "", "control address")
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	addSource := slogext.NewAtomicBool(*lines)

	// log is the root logger.
	log := slog.New(slogext.GoID{Handler: slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: addSource,
	})})
	// mlog is the logger for main.
	mlog := log.With(slog.String("component", "flipbook.main"))

	fitMode, err := surface.ParseFit(*fit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		return invocationError
	}
	switch *surf {
	case "terminal", "deck":
	case "dir":
		if *out == "" {
			fmt.Fprintln(os.Stderr, "missing -out directory for dir surface")
			flag.Usage()
			return invocationError
		}
	default:
		fmt.Fprintf(os.Stderr, "invalid surface: %q\n", *surf)
		flag.Usage()
		return invocationError
	}
	if *assets != "" && *resources != "" {
		fmt.Fprintln(os.Stderr, "only one of -assets and -resources may be set")
		flag.Usage()
		return invocationError
	}
	if *resources != "" && *manifest == "" {
		fmt.Fprintln(os.Stderr, "missing -manifest for -resources")
		flag.Usage()
		return invocationError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *runFor > 0 {
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			mlog.LogAttrs(ctx, slog.LevelInfo, "terminating")
			cancel()
		case <-ctx.Done():
		}
	}()

	path, err := configPath(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	mlog.LogAttrs(ctx, slog.LevelInfo, "config", slog.String("path", path))
	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		cfg = &config.Player{}
	case cfg != nil:
		mlog.LogAttrs(ctx, slog.LevelWarn, "invalid config", slog.Any("error", err))
	default:
		fmt.Fprintf(os.Stderr, "failed to read config: %v\n", err)
		return internalError
	}

	rundir, err := runtimeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	pidFile := filepath.Join(rundir, *surf+".pid")
	fl := flock.New(pidFile)
	ok, err := fl.TryLock()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "flipbook is already running on %s surface\n", *surf)
		return internalError
	}
	defer func() {
		os.Remove(pidFile)
		fl.Unlock()
	}()
	err = os.WriteFile(pidFile, []byte(fmt.Sprintln(os.Getpid())), 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}

	d := &daemon{
		set:       set,
		level:     &level,
		addSource: addSource,
		log:       mlog,
	}

	sh, err := newHost(*surf, *out, *size, cfg.Deck, d, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return internalError
	}

	d.sched = player.New(sh.surf, player.Options{
		Duration:  *duration,
		Loop:      *loop,
		AutoStart: *autoStart,
		Fit:       fitMode,
	}, log)
	sh.attach(d.sched)

	ctlNetwork, ctlAddr := "unix", ""
	if cfg.Control != nil {
		ctlNetwork, ctlAddr = cfg.Control.Network, cfg.Control.Addr
	}
	if set["network"] {
		ctlNetwork = *network
	}
	if set["addr"] {
		ctlAddr = *addr
	}
	ver, err := version.String()
	if err != nil {
		ver = err.Error()
	}
	srv, err := rpc.NewServer(ctx, ctlNetwork, ctlAddr, d.sched, ver, jsonrpc2.NetListenOptions{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start control server: %v\n", err)
		return internalError
	}
	mlog.LogAttrs(ctx, slog.LevelInfo, "control", slog.String("network", ctlNetwork), slog.Any("addr", slogext.Stringer{Stringer: srv.Addr()}))

	d.sched.SetListener(player.Listeners{
		srv,
		player.Funcs{
			Start:  func() { d.event(player.EventStart) },
			End:    func() { d.event(player.EventEnd) },
			Repeat: func() { d.event(player.EventRepeat) },
		},
	})

	// Command line settings take precedence over the configuration
	// and are applied last.
	d.apply(ctx, cfg)
	if *assets != "" || *resources != "" {
		ref, err := frames.Open(*assets, *resources, *manifest)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			srv.Close()
			return invocationError
		}
		d.sched.SetSource(ref)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := sh.run(ctx)
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelError, "surface", slog.Any("error", err))
		}
		// The surface is gone, so there is nothing more to do.
		cancel()
	}()

	changes := make(chan config.Change)
	watcher, err := config.NewWatcher(ctx, path, changes, -1, log)
	if err != nil {
		mlog.LogAttrs(ctx, slog.LevelWarn, "not watching config", slog.Any("error", err))
	} else {
		go func() {
			err := watcher.Watch(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				mlog.LogAttrs(ctx, slog.LevelError, "config watcher", slog.Any("error", err))
			}
		}()
	}

	mlog.LogAttrs(ctx, slog.LevelInfo, "start", slog.String("surface", *surf))
wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case ch := <-changes:
			switch {
			case ch.Config != nil:
				if ch.Err != nil {
					mlog.LogAttrs(ctx, slog.LevelWarn, "invalid config", slog.Any("error", ch.Err))
				}
				d.apply(ctx, ch.Config)
			case ch.Err != nil:
				mlog.LogAttrs(ctx, slog.LevelWarn, "config stream error", slog.Any("error", ch.Err))
			default:
				mlog.LogAttrs(ctx, slog.LevelInfo, "config removed", slog.Any("events", ch.Event))
			}
		}
	}
	wg.Wait()

	status := d.sched.Status()
	mlog.LogAttrs(context.Background(), slog.LevelInfo, "exit", slog.Any("state", status.State), slog.Int("index", status.Index), slog.Int("length", status.Length))
	var errs []error
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	errs = append(errs, d.sched.Close(closeCtx))
	errs = append(errs, srv.Close())
	err = errors.Join(errs...)
	if err != nil {
		mlog.LogAttrs(context.Background(), slog.LevelError, "close", slog.Any("error", err))
		return internalError
	}
	return success
}

// configPath returns the configuration file path to use. If path is
// empty, the player's file in the XDG config home is used whether it
// exists or not.
func configPath(path string) (string, error) {
	if path != "" {
		return filepath.Abs(path)
	}
	path, err := xdg.Config(filepath.Join("flipbook", "flipbook.toml"), true)
	if err == nil {
		return path, nil
	}
	home, ok := xdg.ConfigHome()
	if !ok {
		return "", errors.New("no xdg config directory")
	}
	return filepath.Join(home, "flipbook", "flipbook.toml"), nil
}

// runtimeDir returns the player's XDG runtime directory, creating it if
// necessary.
func runtimeDir() (string, error) {
	dir, err := xdg.Runtime(rpc.RuntimeDir)
	if err == nil {
		return dir, nil
	}
	if err != syscall.ENOENT {
		return "", err
	}
	dir, ok := xdg.RuntimeDir()
	if !ok {
		return "", errors.New("no xdg runtime directory")
	}
	dir = filepath.Join(dir, rpc.RuntimeDir)
	err = os.MkdirAll(dir, 0o700)
	if err != nil {
		return "", fmt.Errorf("failed to create runtime directory: %w", err)
	}
	return dir, nil
}

// daemon applies configuration changes and user input to the player.
type daemon struct {
	sched *player.Scheduler

	// set holds the names of flags set on the command line.
	// Configuration does not override these.
	set       map[string]bool
	level     *slog.LevelVar
	addSource *atomic.Bool

	log *slog.Logger

	mu     sync.Mutex
	sum    *config.Sum
	source *config.Source
}

// apply applies the settings in cfg that were not given on the command
// line. A configuration identical to the last applied is ignored.
func (d *daemon) apply(ctx context.Context, cfg *config.Player) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cfg.Sum != nil && d.sum != nil && cfg.Sum.Equal(d.sum) {
		d.log.LogAttrs(ctx, slog.LevelDebug, "config unchanged")
		return
	}
	d.sum = cfg.Sum

	if cfg.LogLevel != nil && !d.set["log"] {
		d.level.Set(*cfg.LogLevel)
	}
	if cfg.AddSource != nil && !d.set["lines"] {
		d.addSource.Store(*cfg.AddSource)
	}
	if cfg.Loop != nil && !d.set["loop"] {
		d.sched.SetLoop(*cfg.Loop)
	}
	if cfg.Duration != nil && !d.set["duration"] {
		d.sched.SetDuration(time.Duration(*cfg.Duration))
	}
	if cfg.Fit != nil && !d.set["fit"] {
		fit, err := surface.ParseFit(*cfg.Fit)
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelWarn, "config fit", slog.Any("error", err))
		} else {
			d.sched.SetFit(fit)
		}
	}
	if cfg.Source != nil && !d.set["assets"] && !d.set["resources"] && !sameSource(cfg.Source, d.source) {
		ref, err := frames.Open(deref(cfg.Source.Assets), deref(cfg.Source.Resources), deref(cfg.Source.Manifest))
		if err != nil {
			d.log.LogAttrs(ctx, slog.LevelWarn, "config source", slog.Any("error", err))
		} else {
			d.source = cfg.Source
			d.sched.SetSource(ref)
		}
	}
	if cfg.AutoStart != nil && !d.set["autostart"] {
		d.sched.SetAutoStart(*cfg.AutoStart)
	}
	d.log.LogAttrs(ctx, slog.LevelInfo, "applied config", slog.Any("status", d.sched.Status()))
}

func sameSource(a, b *config.Source) bool {
	if a == nil || b == nil {
		return a == b
	}
	return deref(a.Assets) == deref(b.Assets) &&
		deref(a.Resources) == deref(b.Resources) &&
		deref(a.Manifest) == deref(b.Manifest)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// event logs playback notifications.
func (d *daemon) event(e player.Event) {
	s := d.sched.Status()
	d.log.LogAttrs(context.Background(), slog.LevelInfo, "event", slog.Any("event", e), slog.Int("index", s.Index), slog.Int("length", s.Length))
}

// toggle pauses a playing animation and resumes or starts a stopped
// one.
func (d *daemon) toggle() {
	switch d.sched.Status().State {
	case player.Playing:
		d.sched.Pause()
	case player.Paused:
		d.sched.Resume()
	default:
		d.sched.Start()
	}
}

// seek moves the cursor by the fraction delta of the animation length.
func (d *daemon) seek(delta float64) {
	s := d.sched.Status()
	if s.Length < 2 {
		return
	}
	p := float64(s.Index)/float64(s.Length-1) + delta
	d.sched.SetProgress(min(max(p, 0), 1))
}

// key handles terminal key events.
func (d *daemon) key(ev *tcell.EventKey, quit func()) {
	switch ev.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		quit()
	case tcell.KeyLeft:
		d.seek(-0.1)
	case tcell.KeyRight:
		d.seek(0.1)
	case tcell.KeyRune:
		switch ev.Rune() {
		case ' ':
			d.toggle()
		case 's':
			d.sched.Stop()
		case 'r':
			d.sched.Restart()
		case 'q':
			quit()
		}
	}
}

// host owns a surface and drives its lifecycle.
type host struct {
	surf   surface.Surface
	attach func(surface.Observer)
	run    func(context.Context) error
}

func newHost(kind, out, size string, deck *config.Deck, d *daemon, log *slog.Logger) (*host, error) {
	switch kind {
	case "terminal":
		screen, err := tcell.NewScreen()
		if err != nil {
			return nil, fmt.Errorf("failed to open terminal: %w", err)
		}
		// quit is set before the terminal starts receiving events.
		var quit context.CancelFunc
		term := surface.NewTerminal(screen, func(ev *tcell.EventKey) {
			d.key(ev, quit)
		})
		return &host{
			surf:   term,
			attach: term.Attach,
			run: func(ctx context.Context) error {
				ctx, quit = context.WithCancel(ctx)
				defer quit()
				return term.Run(ctx)
			},
		}, nil

	case "deck":
		if deck == nil {
			deck = &config.Deck{}
		}
		dev, err := surface.OpenDeck(deck.PID, deck.Serial, deck.Row, deck.Col, func(row, col int) {
			if row == deck.Row && col == deck.Col {
				d.toggle()
			}
		}, log)
		if err != nil {
			return nil, err
		}
		return &host{surf: dev, attach: dev.Attach, run: dev.Run}, nil

	case "dir":
		var w, h int
		_, err := fmt.Sscanf(size, "%dx%d", &w, &h)
		if err != nil || w <= 0 || h <= 0 {
			return nil, fmt.Errorf("invalid surface size: %q", size)
		}
		err = os.MkdirAll(out, 0o755)
		if err != nil {
			return nil, err
		}
		log := log.With(slog.String("component", "dir_surface"))
		var n int
		mem := surface.NewMemory(func(frame *image.RGBA) {
			path := filepath.Join(out, fmt.Sprintf("frame-%05d.png", n))
			n++
			err := writePNG(path, frame)
			if err != nil {
				log.LogAttrs(context.Background(), slog.LevelError, "write frame", slog.String("path", path), slog.Any("error", err))
			}
		})
		return &host{
			surf:   mem,
			attach: mem.Attach,
			run: func(ctx context.Context) error {
				mem.Create()
				mem.Resize(w, h)
				<-ctx.Done()
				mem.Destroy()
				return nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("invalid surface: %q", kind)
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = png.Encode(f, img)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
