// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/flipbook/config"
	"github.com/kortschak/flipbook/internal/frames"
	"github.com/kortschak/flipbook/internal/player"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/xdg"
)

// RuntimeDir is the path within XDG_RUNTIME_DIR that unix sockets
// are created in if the unix network is used for communication.
const RuntimeDir = "flipbook"

// sockName is the name of the control socket within a server's
// socket directory.
const sockName = "control"

// Player is the set of player operations exposed by a Server.
type Player interface {
	Start()
	Stop()
	Pause()
	Resume()
	Restart()
	SetProgress(p float64)
	SetSource(frames.Ref)
	SetLoop(loop bool)
	SetDuration(d time.Duration)
	Status() player.Status
}

var _ Player = (*player.Scheduler)(nil)

// Server is a JSON RPC 2 based player control server. A Server is a
// player.StatusListener and forwards the events it receives to all
// connected clients.
type Server struct {
	listener *netListener
	server   *jsonrpc2.Server
	network  string
	sock     string

	player  Player
	version string

	log *slog.Logger

	mu    sync.Mutex
	conns map[*jsonrpc2.Connection]struct{}
}

var _ player.StatusListener = (*Server)(nil)

// NewServer returns a new Server controlling p, communicating over the
// provided network which may be either "unix" or "tcp". If addr is empty,
// a unix socket is created in a new directory under RuntimeDir in the XDG
// runtime directory, and a tcp server listens on an ephemeral localhost
// port. The version is returned to clients making a Who call.
func NewServer(ctx context.Context, network, addr string, p Player, version string, options jsonrpc2.NetListenOptions, log *slog.Logger) (*Server, error) {
	s := Server{
		network: network,
		player:  p,
		version: version,
		conns:   make(map[*jsonrpc2.Connection]struct{}),
		log:     log.With(slog.String("component", "rpc")),
	}
	var err error

	switch s.network {
	case "unix":
		if addr != "" {
			break
		}
		dir, err := xdg.Runtime(RuntimeDir)
		if err != nil {
			if err != syscall.ENOENT {
				return nil, err
			}
			var ok bool
			dir, ok = xdg.RuntimeDir()
			if !ok {
				return nil, errors.New("no xdg runtime directory")
			}
			dir = filepath.Join(dir, RuntimeDir)
			err = os.Mkdir(dir, 0o700)
			if err != nil {
				return nil, fmt.Errorf("failed to create runtime directory: %w", err)
			}
		}
		s.sock, err = os.MkdirTemp(dir, fmt.Sprintf("sock-%d-*", os.Getpid()))
		if err != nil {
			return nil, err
		}
		addr = filepath.Join(s.sock, sockName)
		s.log.LogAttrs(ctx, slog.LevelDebug, "control socket", slog.String("path", addr))
	case "tcp":
		if addr == "" {
			addr = "localhost:0"
		}
	default:
		return nil, fmt.Errorf("invalid network: %q", network)
	}

	s.listener, err = newNetListener(ctx, s.network, addr, options)
	if err != nil {
		if s.sock != "" {
			os.RemoveAll(s.sock)
		}
		return nil, err
	}
	s.server = jsonrpc2.NewServer(ctx, s.listener, &s)

	s.log.LogAttrs(ctx, slog.LevelDebug, "new server", slog.String("network", s.network), slog.Any("addr", slogext.Stringer{Stringer: s.listener.Addr()}))
	return &s, nil
}

// Sockets returns the paths of all the unix control sockets in the XDG
// runtime directory.
func Sockets() ([]string, error) {
	dir, err := xdg.Runtime(RuntimeDir)
	if err != nil {
		if err == syscall.ENOENT {
			return nil, nil
		}
		return nil, err
	}
	return filepath.Glob(filepath.Join(dir, "sock-*", sockName))
}

// Addr returns the listener address of the server.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Bind binds the server's handler to a connection and registers the
// connection to receive event notifications.
func (s *Server) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	s.log.LogAttrs(ctx, slog.LevelDebug, "binding")
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	go func() {
		conn.Wait()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.log.LogAttrs(ctx, slog.LevelDebug, "unbound")
	}()
	return jsonrpc2.ConnectionOptions{
		Handler: s,
	}
}

// Handle is the server's message handler.
func (s *Server) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	s.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))

	var err error
	switch req.Method {
	case Who:
		_, err = params[None](req)
		if err == nil {
			return result(req, NewMessage(s.version))
		}
	case Start:
		err = s.do(req, s.player.Start)
	case Stop:
		err = s.do(req, s.player.Stop)
	case Pause:
		err = s.do(req, s.player.Pause)
	case Resume:
		err = s.do(req, s.player.Resume)
	case Restart:
		err = s.do(req, s.player.Restart)
	case State:
		err = s.do(req, func() {})
	case Progress:
		var p float64
		p, err = params[float64](req)
		if err == nil && (math.IsNaN(p) || math.IsInf(p, 0)) {
			err = NewError(ErrCodeInvalidData,
				fmt.Sprintf("invalid progress: %v", p),
				map[string]any{"type": ErrCodeRange},
			)
		}
		if err == nil {
			s.player.SetProgress(p)
		}
	case Source:
		var src config.Source
		src, err = params[config.Source](req)
		if err == nil {
			err = s.setSource(ctx, src)
		}
	case Loop:
		var loop bool
		loop, err = params[bool](req)
		if err == nil {
			s.player.SetLoop(loop)
		}
	case Duration:
		var d config.Duration
		d, err = params[config.Duration](req)
		if err == nil && d < 0 {
			err = NewError(ErrCodeInvalidData,
				fmt.Sprintf("negative duration: %v", d),
				map[string]any{"type": ErrCodeRange, "duration": d},
			)
		}
		if err == nil {
			s.player.SetDuration(time.Duration(d))
		}
	default:
		return nil, jsonrpc2.ErrNotHandled
	}
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
		return nil, err
	}
	return result(req, NewMessage(NewStatus(s.player.Status())))
}

// do performs the parameterless player operation fn.
func (s *Server) do(req *jsonrpc2.Request, fn func()) error {
	_, err := params[None](req)
	if err != nil {
		return err
	}
	fn()
	return nil
}

func (s *Server) setSource(ctx context.Context, src config.Source) error {
	ref, err := frames.Open(deref(src.Assets), deref(src.Resources), deref(src.Manifest))
	if err != nil {
		return NewError(ErrCodeInvalidData, err.Error(), map[string]any{
			"type":   ErrCodeNoSource,
			"source": src,
		})
	}
	s.log.LogAttrs(ctx, slog.LevelInfo, "set source", slog.String("source", ref.String()))
	s.player.SetSource(ref)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// params returns the body of the message held in the request's
// parameters. A request for a None body may omit its parameters.
func params[T any](req *jsonrpc2.Request) (T, error) {
	var m Message[T]
	if len(req.Params) == 0 || string(req.Params) == "null" {
		if _, ok := any(m.Body).(None); ok {
			return m.Body, nil
		}
		return m.Body, NewError(ErrCodeInvalidMessage, "missing parameters", map[string]any{
			"type":   ErrCodeParameters,
			"method": req.Method,
		})
	}
	err := UnmarshalMessage(req.Params, &m)
	return m.Body, err
}

// result returns the response for a request, dropping the response
// if the request is a notification.
func result(req *jsonrpc2.Request, resp any) (any, error) {
	if !req.IsCall() {
		return nil, nil
	}
	return resp, nil
}

// OnEvent sends an event notification carrying st to all connected
// clients.
func (s *Server) OnEvent(e player.Event, st player.Status) { s.broadcast(e, st) }

// OnStart sends an event notification with the current player status to
// all connected clients.
func (s *Server) OnStart() { s.broadcast(player.EventStart, s.player.Status()) }

// OnEnd sends an event notification with the current player status to
// all connected clients.
func (s *Server) OnEnd() { s.broadcast(player.EventEnd, s.player.Status()) }

// OnRepeat sends an event notification with the current player status to
// all connected clients.
func (s *Server) OnRepeat() { s.broadcast(player.EventRepeat, s.player.Status()) }

func (s *Server) broadcast(e player.Event, st player.Status) {
	ctx := context.Background()
	msg := NewMessage(Notification{Event: e, Status: NewStatus(st)})
	s.mu.Lock()
	conns := make([]*jsonrpc2.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		err := c.Notify(ctx, Event, msg)
		if err != nil {
			level := slog.LevelError
			if errors.Is(err, jsonrpc2.ErrClientClosing) {
				level = slog.LevelDebug
			}
			s.log.LogAttrs(ctx, level, "notify", slog.Any("event", e), slog.Any("error", err))
		}
	}
}

// Close closes all client connections and shuts down the server. If the
// server was listening on a socket in the runtime directory, the socket
// directory is removed.
func (s *Server) Close() error {
	ctx := context.Background()
	s.log.LogAttrs(ctx, slog.LevelDebug, "close")
	s.mu.Lock()
	for c := range s.conns {
		err := c.Close()
		if err != nil && !errors.Is(err, jsonrpc2.ErrClientClosing) {
			s.log.LogAttrs(ctx, slog.LevelWarn, "closing connection", slog.Any("error", err))
		}
	}
	s.mu.Unlock()

	s.server.Shutdown()
	err := s.server.Wait()
	if s.sock != "" {
		s.log.LogAttrs(ctx, slog.LevelDebug, "remove sockets dir", slog.String("dir", s.sock))
		err := os.RemoveAll(s.sock)
		if err != nil {
			s.log.LogAttrs(ctx, slog.LevelWarn, "failed to remove sockets dir", slog.Any("error", err))
		}
	}
	return err
}
