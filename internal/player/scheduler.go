// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package player implements a frame animation playback scheduler.
//
// A Scheduler draws the frames of a frames.Sequence onto a
// surface.Surface, pacing the draws by a frame duration. It owns the
// playback state machine
//
//	Uninitialized --surface changed--> Idle
//	Idle --Start--> Playing
//	Playing --end of sequence, not looping--> Idle (end)
//	Playing --Stop/Pause--> Idle/Paused (end)
//	Idle/Paused/Playing --surface destroyed--> Destroyed
//	Destroyed --surface changed--> Idle, or Playing if a start is pending
//
// Commands are safe for concurrent use and never block on drawing. Frame
// resolution, decoding and drawing happen on a single goroutine owned by
// the Scheduler, and listener notifications are delivered on another.
// Commands that are not valid in the current state are ignored.
package player

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/constraints"

	"github.com/kortschak/flipbook/internal/frames"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/surface"
)

// DefaultDuration is the frame duration used by hosts that do not
// specify one.
const DefaultDuration = 100 * time.Millisecond

// Options are the initial playback options of a Scheduler.
type Options struct {
	// Duration is the time each frame is shown for.
	// Negative durations are treated as zero.
	Duration time.Duration
	// Loop specifies whether playback wraps at the
	// end of the sequence.
	Loop bool
	// AutoStart requests playback as soon as the
	// surface is ready and a source is resolved.
	AutoStart bool
	// Fit specifies how frames are placed on the
	// surface.
	Fit surface.Fit
	// Poster is used to deliver listener notifications.
	// If nil, notifications are delivered on a goroutine
	// owned by the Scheduler.
	Poster Poster
}

// Scheduler is a frame animation playback scheduler.
//
// The gate lock is held for every blit and by SurfaceDestroyed, so no
// frame is drawn to a surface after it has reported its destruction.
// When both locks are needed, gate is taken before mu.
type Scheduler struct {
	log *slog.Logger

	exec   *executor
	events *executor
	poster Poster

	ctx    context.Context // Cancelled on Close.
	cancel context.CancelFunc

	gate sync.Mutex
	surf surface.Surface

	mu       sync.Mutex
	state    State
	listener Listener
	closed   bool

	ref       frames.Ref
	seq       frames.Sequence // nil while resolving.
	resolving bool
	srcGen    uint64 // Incremented on each source change.
	loopGen   uint64 // Incremented on each start and cancellation.

	index int  // Next frame to draw.
	ended bool // Last run completed naturally.

	ready bool // Surface has reported dimensions.
	dst   image.Rectangle
	fit   surface.Fit

	duration time.Duration
	loop     bool

	intent     bool // Start requested but not yet running.
	autoStart  bool
	started    bool // Playback has started at least once.
	wasPlaying bool // Playback was interrupted by a pause or surface loss.
}

// New returns a new Scheduler drawing to surf. The Scheduler does not
// observe surf; hosts must attach it or forward the surface lifecycle
// signals to it.
func New(surf surface.Surface, opts Options, log *slog.Logger) *Scheduler {
	log = log.With(slog.String("component", "player"))
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:       log,
		exec:      newExecutor(log.With(slog.String("executor", "draw"))),
		poster:    opts.Poster,
		ctx:       ctx,
		cancel:    cancel,
		surf:      surf,
		fit:       opts.Fit,
		duration:  clamp(opts.Duration, 0, math.MaxInt64),
		loop:      opts.Loop,
		autoStart: opts.AutoStart,
	}
	if s.poster == nil {
		s.events = newExecutor(log.With(slog.String("executor", "events")))
	}
	return s
}

// SetListener sets the listener for playback notifications. A nil l
// removes the current listener.
func (s *Scheduler) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// SetDuration sets the frame duration. The new duration applies from the
// next scheduled frame.
func (s *Scheduler) SetDuration(d time.Duration) {
	s.mu.Lock()
	s.duration = clamp(d, 0, math.MaxInt64)
	s.mu.Unlock()
}

// SetLoop sets whether playback wraps at the end of the sequence.
func (s *Scheduler) SetLoop(loop bool) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}

// SetAutoStart sets whether playback starts as soon as the surface is
// ready and the source is resolved. Auto start only applies until
// playback has started once; it does not restart playback that was
// stopped or paused.
func (s *Scheduler) SetAutoStart(auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoStart = auto
	if auto && !s.started {
		s.startLocked(true)
	}
}

// SetFit sets how frames are placed on the surface. It takes effect
// from the next drawn frame.
func (s *Scheduler) SetFit(fit surface.Fit) {
	s.mu.Lock()
	s.fit = fit
	s.mu.Unlock()
}

// Status returns a snapshot of the Scheduler's state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() Status {
	st := Status{
		State:     s.state,
		Index:     s.index,
		Length:    s.length(),
		Resolving: s.resolving,
		Loop:      s.loop,
		AutoStart: s.autoStart,
		Duration:  s.duration,
	}
	if s.ref != nil {
		st.Source = s.ref.String()
	}
	return st
}

// SetSource replaces the frame source. The cursor is reset to the first
// frame and any pending frame is cancelled. The source is resolved on the
// Scheduler's goroutine; if playback is running or was requested, it
// continues from the first frame of the new source once resolved. If
// resolution fails, the source is treated as empty. Resolutions that are
// overtaken by a later call to SetSource are discarded.
func (s *Scheduler) SetSource(ref frames.Ref) {
	if ref == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.srcGen++
	gen := s.srcGen
	s.ref = ref
	s.seq = nil
	s.resolving = true
	s.index = 0
	s.ended = false
	s.cancelTickLocked()
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "set source", slog.String("source", ref.String()), slog.Uint64("generation", gen))
	s.exec.post(func() { s.resolve(ref, gen) })
}

func (s *Scheduler) resolve(ref frames.Ref, gen uint64) {
	seq, err := ref.Resolve(s.ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.srcGen || s.closed {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "discard stale source", slog.String("source", ref.String()), slog.Uint64("generation", gen))
		return
	}
	s.resolving = false
	if err != nil {
		s.log.LogAttrs(s.ctx, slog.LevelWarn, "source resolution", slog.String("source", ref.String()), slog.Any("error", err))
		seq = empty{}
	}
	s.seq = seq
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "resolved source", slog.String("source", ref.String()), slog.Int("length", seq.Len()))
	switch {
	case s.state == Playing:
		if seq.Len() == 0 {
			s.finishLocked()
			return
		}
		s.loopGen++
		s.postTickLocked(s.loopGen)
	case s.intent || (s.autoStart && !s.started):
		s.startLocked(true)
	case s.ready && s.state != Destroyed:
		s.postRedrawLocked()
	}
}

// Start starts playback from the cursor. If the surface is not ready or
// the source is still being resolved, the start is held pending until
// both are available. Start is ignored while playing or after the surface
// has been destroyed.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(true)
}

// startLocked starts playback if possible, returning whether playback
// was started. If announce is true an OnStart notification is sent.
func (s *Scheduler) startLocked(announce bool) bool {
	if s.closed || s.state == Destroyed || s.state == Playing {
		return false
	}
	s.intent = true
	if !s.ready || s.seq == nil {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "start pending", slog.Bool("ready", s.ready), slog.Bool("resolving", s.resolving))
		return false
	}
	s.intent = false
	s.wasPlaying = false
	s.started = true
	if s.ended {
		s.index = 0
		s.ended = false
	}
	s.state = Playing
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "start", slog.Int("index", s.index), slog.Int("length", s.seq.Len()))
	if announce {
		s.emitLocked(EventStart)
	}
	if s.seq.Len() == 0 {
		s.finishLocked()
		return true
	}
	s.index = min(s.index, s.seq.Len()-1)
	s.loopGen++
	s.postTickLocked(s.loopGen)
	return true
}

// Stop stops playback, leaving the cursor on the last drawn frame. Any
// pending start, auto start or resumption is cleared. Stop is a no-op
// when not playing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = false
	s.autoStart = false
	s.wasPlaying = false
	switch s.state {
	case Playing:
		s.haltLocked(Idle)
	case Paused:
		s.state = Idle
	}
}

// Pause stops playback, remembering that it was playing so that a later
// Resume or surface change continues from the cursor.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intent = false
	s.autoStart = false
	switch s.state {
	case Playing:
		s.wasPlaying = true
		s.haltLocked(Paused)
	case Paused:
	default:
		s.wasPlaying = false
	}
}

// Resume starts playback if it was paused, or if a start or auto start
// is pending.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wasPlaying || s.intent || (s.autoStart && !s.started) {
		s.startLocked(true)
	}
}

// Restart moves the cursor to the first frame and starts playback. An
// OnRepeat notification is sent in place of OnStart.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == Destroyed {
		return
	}
	s.index = 0
	s.ended = false
	if s.state == Playing {
		if s.seq == nil {
			// Playback continues from the start once resolved.
			s.emitLocked(EventRepeat)
			return
		}
		s.cancelTickLocked()
		s.emitLocked(EventRepeat)
		s.postTickLocked(s.loopGen)
		return
	}
	if !s.ready || s.seq == nil {
		s.intent = true
		return
	}
	s.emitLocked(EventRepeat)
	s.startLocked(false)
}

// SetProgress moves the cursor to the frame at fraction p of the sequence,
// clamped to [0, 1], and draws it. SetProgress is ignored while playing,
// while the source is being resolved, and after the surface has been
// destroyed.
func (s *Scheduler) SetProgress(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state == Playing || s.state == Destroyed || s.seq == nil {
		return
	}
	s.index = progressIndex(p, s.seq.Len())
	s.ended = false
	if s.ready {
		s.postRedrawLocked()
	}
}

// progressIndex returns the index of the frame at fraction p of a
// sequence of n frames.
func progressIndex(p float64, n int) int {
	if n == 0 || math.IsNaN(p) {
		return 0
	}
	return int(math.Round(float64(n-1) * clamp(p, 0, 1)))
}

// SurfaceCreated handles the surface creation signal. The Scheduler waits
// for dimensions before drawing.
func (s *Scheduler) SurfaceCreated() {
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "surface created")
}

// SurfaceChanged handles a change in the surface's dimensions. The
// cursor frame is redrawn and any pending start, auto start or
// interrupted playback is started.
func (s *Scheduler) SurfaceChanged(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dst = image.Rect(0, 0, width, height)
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "surface changed", slog.Any("dst", slogext.Rect(s.dst)), slog.Any("state", s.state))
	s.ready = true
	switch s.state {
	case Uninitialized, Destroyed:
		s.state = Idle
	case Playing:
		return
	}
	if s.seq != nil {
		s.postRedrawLocked()
	}
	if s.intent || (s.autoStart && !s.started) || s.wasPlaying {
		s.startLocked(true)
	}
}

// SurfaceDestroyed handles the surface destruction signal. It waits for
// any blit in progress to complete. Playback is interrupted and resumes
// on the next surface change.
func (s *Scheduler) SurfaceDestroyed() {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "surface destroyed", slog.Any("state", s.state))
	s.ready = false
	if s.state == Playing {
		s.wasPlaying = true
		s.haltLocked(Destroyed)
		return
	}
	s.state = Destroyed
	s.exec.cancel()
}

// Close stops playback and shuts the Scheduler down, waiting for a draw
// in progress to complete or ctx to be done. Pending notifications are
// delivered before Close returns. The Scheduler must not be used after
// Close.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.intent = false
	s.autoStart = false
	s.wasPlaying = false
	if s.state == Playing {
		s.haltLocked(Idle)
	}
	s.closed = true
	s.cancel()
	s.mu.Unlock()

	err := s.exec.close(ctx, false)
	if s.events != nil {
		err = errors.Join(err, s.events.close(ctx, true))
	}

	// The surface reference is released once any blit in progress
	// has completed, even if ctx is done before then.
	released := make(chan struct{})
	go func() {
		s.gate.Lock()
		s.surf = nil
		s.gate.Unlock()
		close(released)
	}()
	select {
	case <-released:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// haltLocked ends playback, moving to the next state. The cursor is
// rewound to the last drawn frame.
func (s *Scheduler) haltLocked(next State) {
	s.cancelTickLocked()
	s.index = rewind(s.index, s.length())
	s.state = next
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "halt", slog.Any("state", next), slog.Int("index", s.index))
	s.emitLocked(EventEnd)
}

// finishLocked ends playback at the end of the sequence. The cursor is
// left on the last frame and the next start begins from the first.
func (s *Scheduler) finishLocked() {
	s.cancelTickLocked()
	s.index = max(0, s.length()-1)
	s.ended = true
	s.state = Idle
	s.log.LogAttrs(s.ctx, slog.LevelDebug, "finished", slog.Int("index", s.index))
	s.emitLocked(EventEnd)
}

// rewind returns the index of the last drawn frame given the index of
// the next frame to draw.
func rewind(index, n int) int {
	if index >= n {
		index = 0
	}
	return max(0, index-1)
}

func (s *Scheduler) length() int {
	if s.seq == nil {
		return 0
	}
	return s.seq.Len()
}

// cancelTickLocked invalidates any scheduled or running tick and drops
// a pending delayed tick.
func (s *Scheduler) cancelTickLocked() {
	s.loopGen++
	s.exec.cancel()
}

func (s *Scheduler) postTickLocked(gen uint64) {
	s.exec.post(func() { s.tick(gen) })
}

// tick draws the frame at the cursor and schedules the next tick.
func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.loopGen || s.state != Playing || s.seq == nil {
		s.mu.Unlock()
		return
	}
	n := s.seq.Len()
	if s.index >= n {
		if !s.loop || n == 0 {
			s.finishLocked()
			s.mu.Unlock()
			return
		}
		s.index = 0
		s.emitLocked(EventRepeat)
	}
	seq, idx := s.seq, s.index
	s.mu.Unlock()

	s.draw(seq, idx, func() bool {
		return gen == s.loopGen && s.state == Playing
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.loopGen || s.state != Playing {
		return
	}
	s.index = idx + 1
	s.exec.schedule(s.duration, func() { s.tick(gen) })
}

// postRedrawLocked queues a draw of the cursor frame outside playback.
func (s *Scheduler) postRedrawLocked() {
	seq, idx, gen := s.seq, s.index, s.srcGen
	if seq == nil || idx >= seq.Len() {
		return
	}
	s.exec.post(func() {
		s.draw(seq, idx, func() bool {
			return gen == s.srcGen && s.state != Playing
		})
	})
}

// draw decodes frame idx of seq and blits it to the surface. The blit
// only happens if valid, called with mu held, returns true once the gate
// is held. Decode and surface failures skip the frame.
func (s *Scheduler) draw(seq frames.Sequence, idx int, valid func() bool) {
	img, err := seq.Load(s.ctx, idx)
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		s.log.LogAttrs(s.ctx, level, "skip frame", slog.Int("index", idx), slog.Any("error", err))
		return
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	s.mu.Lock()
	ok := !s.closed && s.ready && s.state != Destroyed && valid()
	dst, fit := s.dst, s.fit
	s.mu.Unlock()
	if !ok || s.surf == nil || !s.surf.Alive() {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "drop frame", slog.Int("index", idx))
		return
	}
	canvas, err := s.surf.Acquire()
	if err != nil {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "skip frame", slog.Int("index", idx), slog.Any("error", err))
		return
	}
	surface.Blit(canvas, dst, img, fit)
	err = s.surf.Release(canvas)
	if err != nil {
		s.log.LogAttrs(s.ctx, slog.LevelDebug, "release canvas", slog.Int("index", idx), slog.Any("error", err))
	}
}

// emitLocked queues a notification for the current listener, carrying
// the status at the time of the transition.
func (s *Scheduler) emitLocked(e Event) {
	l := s.listener
	if l == nil {
		return
	}
	st := s.statusLocked()
	fn := isolate(s.log, e, func() { e.deliver(l, st) })
	if s.poster != nil {
		s.poster.Post(fn)
		return
	}
	s.events.post(fn)
}

// empty is the sequence used when a source fails to resolve.
type empty struct{}

func (empty) Len() int { return 0 }

func (empty) Load(context.Context, int) (image.Image, error) {
	return nil, frames.ErrDecode
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
