// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package player

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Listener receives playback notifications. Notifications are delivered
// in the order of the transitions that caused them, never on the
// goroutine that draws frames.
type Listener interface {
	// OnStart is called when playback starts.
	OnStart()
	// OnEnd is called when playback ends, either at the end of a
	// non-looping sequence or after a stop or pause.
	OnEnd()
	// OnRepeat is called when a looping sequence wraps to its first
	// frame and on restart.
	OnRepeat()
}

// StatusListener is a Listener that also receives the Scheduler's status
// as it was when the notified transition happened. When a Scheduler's
// listener is a StatusListener, OnEvent is called in place of the
// Listener methods.
type StatusListener interface {
	Listener
	OnEvent(e Event, st Status)
}

// Funcs is a Listener built from functions. Nil fields are ignored.
type Funcs struct {
	Start  func()
	End    func()
	Repeat func()
}

func (f Funcs) OnStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f Funcs) OnEnd() {
	if f.End != nil {
		f.End()
	}
}

func (f Funcs) OnRepeat() {
	if f.Repeat != nil {
		f.Repeat()
	}
}

// Listeners is a Listener that notifies each of its elements in order.
type Listeners []Listener

var _ StatusListener = Listeners(nil)

// OnEvent notifies each element of e, passing st to elements that are
// StatusListeners.
func (l Listeners) OnEvent(e Event, st Status) {
	for _, el := range l {
		e.deliver(el, st)
	}
}

func (l Listeners) OnStart() {
	for _, e := range l {
		e.OnStart()
	}
}

func (l Listeners) OnEnd() {
	for _, e := range l {
		e.OnEnd()
	}
}

func (l Listeners) OnRepeat() {
	for _, e := range l {
		e.OnRepeat()
	}
}

// Event is a playback notification.
type Event int

const (
	EventStart Event = iota + 1
	EventEnd
	EventRepeat
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventEnd:
		return "end"
	case EventRepeat:
		return "repeat"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *Event) UnmarshalText(text []byte) error {
	for v := EventStart; v <= EventRepeat; v++ {
		if string(text) == v.String() {
			*e = v
			return nil
		}
	}
	return fmt.Errorf("invalid event: %q", text)
}

// deliver notifies l of e. If l is a StatusListener it is given st.
func (e Event) deliver(l Listener, st Status) {
	if sl, ok := l.(StatusListener); ok {
		sl.OnEvent(e, st)
		return
	}
	switch e {
	case EventStart:
		l.OnStart()
	case EventEnd:
		l.OnEnd()
	case EventRepeat:
		l.OnRepeat()
	}
}

// Poster delivers listener notifications on a caller-owned event loop.
// Post must not run fn synchronously, and must run posted functions in
// the order they were posted.
type Poster interface {
	Post(fn func())
}

// PosterFunc is a function that implements Poster.
type PosterFunc func(fn func())

func (f PosterFunc) Post(fn func()) { f(fn) }

// isolate returns fn wrapped so that a panic is logged rather than
// propagated.
func isolate(log *slog.Logger, e Event, fn func()) func() {
	return func() {
		defer func() {
			r := recover()
			if r != nil {
				log.LogAttrs(context.Background(), slog.LevelError, "listener panic", slog.Any("event", e), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			}
		}()
		fn()
	}
}
