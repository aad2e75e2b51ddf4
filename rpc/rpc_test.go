// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/flipbook/config"
	"github.com/kortschak/flipbook/internal/frames"
	"github.com/kortschak/flipbook/internal/locked"
	"github.com/kortschak/flipbook/internal/player"
	"github.com/kortschak/flipbook/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func ptr[T any](v T) *T { return &v }

// testPlayer is a Player that records the operations performed on it.
type testPlayer struct {
	mu     sync.Mutex
	calls  []string
	status player.Status
}

func (p *testPlayer) record(call string, fn func(*player.Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if fn != nil {
		fn(&p.status)
	}
}

func (p *testPlayer) Start() {
	p.record("start", func(s *player.Status) { s.State = player.Playing })
}

func (p *testPlayer) Stop() {
	p.record("stop", func(s *player.Status) { s.State = player.Idle })
}

func (p *testPlayer) Pause() {
	p.record("pause", func(s *player.Status) { s.State = player.Paused })
}

func (p *testPlayer) Resume() {
	p.record("resume", func(s *player.Status) { s.State = player.Playing })
}

func (p *testPlayer) Restart() {
	p.record("restart", func(s *player.Status) { s.State = player.Playing; s.Index = 0 })
}

func (p *testPlayer) SetProgress(v float64) {
	p.record(fmt.Sprintf("progress:%v", v), func(s *player.Status) { s.Index = int(v * float64(s.Length-1)) })
}

func (p *testPlayer) SetSource(ref frames.Ref) {
	p.record("source:"+ref.String(), func(s *player.Status) { s.Source = ref.String(); s.Index = 0 })
}

func (p *testPlayer) SetLoop(loop bool) {
	p.record(fmt.Sprintf("loop:%t", loop), func(s *player.Status) { s.Loop = loop })
}

func (p *testPlayer) SetDuration(d time.Duration) {
	p.record(fmt.Sprintf("duration:%v", d), func(s *player.Status) { s.Duration = d })
}

func (p *testPlayer) Status() player.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *testPlayer) reset() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := p.calls
	p.calls = nil
	return calls
}

var callTests = []struct {
	name      string
	method    string
	params    any
	wantCalls []string
	want      player.Status
	wantCode  int64
}{
	{
		name:      "start",
		method:    Start,
		params:    None{},
		wantCalls: []string{"start"},
		want:      player.Status{State: player.Playing, Length: 5},
	},
	{
		name:      "pause",
		method:    Pause,
		params:    None{},
		wantCalls: []string{"pause"},
		want:      player.Status{State: player.Paused, Length: 5},
	},
	{
		name:      "resume",
		method:    Resume,
		params:    None{},
		wantCalls: []string{"resume"},
		want:      player.Status{State: player.Playing, Length: 5},
	},
	{
		name:      "progress",
		method:    Progress,
		params:    0.5,
		wantCalls: []string{"progress:0.5"},
		want:      player.Status{State: player.Playing, Index: 2, Length: 5},
	},
	{
		name:     "progress_type",
		method:   Progress,
		params:   "half",
		want:     player.Status{State: player.Playing, Index: 2, Length: 5},
		wantCode: ErrCodeInvalidMessage,
	},
	{
		name:      "loop",
		method:    Loop,
		params:    true,
		wantCalls: []string{"loop:true"},
		want:      player.Status{State: player.Playing, Index: 2, Length: 5, Loop: true},
	},
	{
		name:      "duration",
		method:    Duration,
		params:    config.Duration(40 * time.Millisecond),
		wantCalls: []string{"duration:40ms"},
		want:      player.Status{State: player.Playing, Index: 2, Length: 5, Loop: true, Duration: 40 * time.Millisecond},
	},
	{
		name:     "negative_duration",
		method:   Duration,
		params:   config.Duration(-time.Second),
		want:     player.Status{State: player.Playing, Index: 2, Length: 5, Loop: true, Duration: 40 * time.Millisecond},
		wantCode: ErrCodeInvalidData,
	},
	{
		name:      "source",
		method:    Source,
		params:    config.Source{Assets: ptr("/frames/spinner")},
		wantCalls: []string{"source:assets:spinner"},
		want:      player.Status{State: player.Playing, Length: 5, Loop: true, Duration: 40 * time.Millisecond, Source: "assets:spinner"},
	},
	{
		name:     "ambiguous_source",
		method:   Source,
		params:   config.Source{Assets: ptr("frames"), Resources: ptr("spinner"), Manifest: ptr("frames.toml")},
		want:     player.Status{State: player.Playing, Length: 5, Loop: true, Duration: 40 * time.Millisecond, Source: "assets:spinner"},
		wantCode: ErrCodeInvalidData,
	},
	{
		name:      "restart",
		method:    Restart,
		params:    None{},
		wantCalls: []string{"restart"},
		want:      player.Status{State: player.Playing, Length: 5, Loop: true, Duration: 40 * time.Millisecond, Source: "assets:spinner"},
	},
	{
		name:      "stop",
		method:    Stop,
		params:    None{},
		wantCalls: []string{"stop"},
		want:      player.Status{State: player.Idle, Length: 5, Loop: true, Duration: 40 * time.Millisecond, Source: "assets:spinner"},
	},
	{
		name:   "state",
		method: State,
		params: None{},
		want:   player.Status{State: player.Idle, Length: 5, Loop: true, Duration: 40 * time.Millisecond, Source: "assets:spinner"},
	},
}

func TestServer(t *testing.T) {
	for _, network := range []string{"unix", "tcp"} {
		t.Run(network, func(t *testing.T) {
			t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

			var logBuf locked.BytesBuffer
			log := slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
				Level:     slog.LevelDebug,
				AddSource: slogext.NewAtomicBool(*lines),
			}))
			defer func() {
				if *verbose {
					t.Logf("log:\n%s\n", &logBuf)
				}
			}()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			p := &testPlayer{status: player.Status{Length: 5}}
			srv, err := NewServer(ctx, network, "", p, "v1.2.3", jsonrpc2.NetListenOptions{}, log)
			if err != nil {
				t.Fatalf("failed to start server: %v", err)
			}
			closed := false
			defer func() {
				if !closed {
					srv.Close()
				}
			}()

			if network == "unix" {
				socks, err := Sockets()
				if err != nil {
					t.Errorf("unexpected error listing sockets: %v", err)
				}
				if want := []string{srv.Addr().String()}; !cmp.Equal(want, socks) {
					t.Errorf("unexpected sockets:\n--- want:\n+++ got:\n%s", cmp.Diff(want, socks))
				}
			}

			events := make(chan Notification, 1)
			client, err := Dial(ctx, network, srv.Addr().String(), net.Dialer{}, func(_ context.Context, n Notification) {
				events <- n
			}, log)
			if err != nil {
				t.Fatalf("failed to dial server: %v", err)
			}

			var version string
			err = client.Call(ctx, Who, None{}, &version)
			if err != nil {
				t.Errorf("unexpected error calling %s: %v", Who, err)
			}
			if version != "v1.2.3" {
				t.Errorf("unexpected version: got:%q want:%q", version, "v1.2.3")
			}

			for _, test := range callTests {
				var got Status
				err := client.Call(ctx, test.method, test.params, &got)
				calls := p.reset()
				if !cmp.Equal(test.wantCalls, calls) {
					t.Errorf("unexpected calls for %s:\n--- want:\n+++ got:\n%s", test.name, cmp.Diff(test.wantCalls, calls))
				}
				if test.wantCode != 0 {
					var werr *jsonrpc2.WireError
					if !errors.As(err, &werr) {
						t.Errorf("expected wire error for %s: got:%v", test.name, err)
					} else if werr.Code != test.wantCode {
						t.Errorf("unexpected error code for %s: got:%d want:%d", test.name, werr.Code, test.wantCode)
					}
					if status := p.Status(); !cmp.Equal(test.want, status) {
						t.Errorf("unexpected player status after %s:\n--- want:\n+++ got:\n%s", test.name, cmp.Diff(test.want, status))
					}
					continue
				}
				if err != nil {
					t.Errorf("unexpected error for %s: %v", test.name, err)
					continue
				}
				want := NewStatus(test.want)
				if !cmp.Equal(want, got) {
					t.Errorf("unexpected status for %s:\n--- want:\n+++ got:\n%s", test.name, cmp.Diff(want, got))
				}
			}

			t.Run("missing_params", func(t *testing.T) {
				var got Status
				err := client.conn.Call(ctx, Loop, nil).Await(ctx, &got)
				var werr *jsonrpc2.WireError
				if !errors.As(err, &werr) || werr.Code != ErrCodeInvalidMessage {
					t.Errorf("unexpected error: %v", err)
				}
				err = client.conn.Call(ctx, State, nil).Await(ctx, &Message[*Status]{Body: &got})
				if err != nil {
					t.Errorf("unexpected error for empty state params: %v", err)
				}
			})

			t.Run("notify", func(t *testing.T) {
				err := client.Notify(ctx, Pause, None{})
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				deadline := time.Now().Add(time.Second)
				for p.Status().State != player.Paused {
					if time.Now().After(deadline) {
						t.Fatal("notification not handled in time")
					}
					time.Sleep(time.Millisecond)
				}
				p.reset()
			})

			t.Run("event", func(t *testing.T) {
				srv.OnRepeat()
				select {
				case got := <-events:
					want := Notification{Event: player.EventRepeat, Status: NewStatus(p.Status())}
					if !cmp.Equal(want, got) {
						t.Errorf("unexpected notification:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
					}
				case <-time.After(time.Second):
					t.Error("did not receive event notification")
				}

				// The status of the transition is sent, not the current status.
				st := player.Status{State: player.Playing, Index: 3, Length: 9, Duration: 20 * time.Millisecond}
				srv.OnEvent(player.EventStart, st)
				select {
				case got := <-events:
					want := Notification{Event: player.EventStart, Status: NewStatus(st)}
					if !cmp.Equal(want, got) {
						t.Errorf("unexpected notification:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
					}
				case <-time.After(time.Second):
					t.Error("did not receive event notification")
				}
			})

			client.Close()
			closed = true
			err = srv.Close()
			if err != nil {
				t.Errorf("failed to close server: %v", err)
			}
			if network == "unix" {
				_, err = os.Stat(filepath.Dir(srv.Addr().String()))
				if !errors.Is(err, os.ErrNotExist) {
					t.Errorf("expected socket directory to be removed: %v", err)
				}
			}
		})
	}
}

func TestServerCloseWithClients(t *testing.T) {
	log := slog.New(slogext.NewJSONHandler(&locked.BytesBuffer{}, nil))
	ctx := context.Background()
	srv, err := NewServer(ctx, "tcp", "", &testPlayer{}, "", jsonrpc2.NetListenOptions{}, log)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	client, err := Dial(ctx, "tcp", srv.Addr().String(), net.Dialer{}, nil, log)
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	err = client.Call(ctx, State, None{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Close()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("server did not close with connected client")
	}
	waited := make(chan struct{})
	go func() {
		client.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Error("client connection not closed by server")
	}
}

func TestStaleSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	err = removeStale(context.Background(), path)
	if err == nil {
		t.Error("expected error for socket in use")
	}
	ln.Close()
	err = removeStale(context.Background(), path)
	if err != nil {
		t.Errorf("unexpected error removing stale socket: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected stale socket to be removed: %v", err)
	}
}

var unmarshalMessageTests = []struct {
	name    string
	data    string
	want    Message[config.Source] // Any type will do.
	wantErr error
}{
	{
		name: "empty",
		data: "",
		wantErr: &jsonrpc2.WireError{
			Code:    1,
			Message: "EOF",
			Data:    json.RawMessage(`{"type":13,"msg":""}`),
		},
	},
	{
		name: "missing_close",
		data: `{"time":"2006-01-02T15:04:05Z","body":{}`,
		wantErr: &jsonrpc2.WireError{
			Code:    1,
			Message: "unexpected EOF",
			Data:    json.RawMessage(`{"type":13,"msg":"eyJ0aW1lIjoiMjAwNi0wMS0wMlQxNTowNDowNVoiLCJib2R5Ijp7fQ=="}`),
		},
	},
	{
		name: "extra_field",
		data: `{"time":"2006-01-02T15:04:05Z","body":{"book":9}}`,
		wantErr: &jsonrpc2.WireError{
			Code:    1,
			Message: `json: unknown field "book"`,
			Data:    json.RawMessage(`{"type":12,"msg":"eyJ0aW1lIjoiMjAwNi0wMS0wMlQxNTowNDowNVoiLCJib2R5Ijp7ImJvb2siOjl9fQ=="}`),
		},
	},
	{
		name: "missing_open",
		data: `"time":"2006-01-02T15:04:05Z","body":{"book":9}}`,
		wantErr: &jsonrpc2.WireError{
			Code:    1,
			Message: "json: cannot unmarshal string into Go value of type rpc.Message[github.com/kortschak/flipbook/config.Source]",
			Data:    json.RawMessage(`{"type":14,"offset":6,"msg":"InRpbWUiOiIyMDA2LTAxLTAyVDE1OjA0OjA1WiIsImJvZHkiOnsiYm9vayI6OX19"}`),
		},
	},
	{
		name: "syntax_error",
		data: "not json",
		wantErr: &jsonrpc2.WireError{
			Code:    1,
			Message: "invalid character 'o' in literal null (expecting 'u')",
			Data:    json.RawMessage(`{"type":11,"offset":2,"msg":"bm90IGpzb24="}`),
		},
	},
	{
		name: "trailing_data",
		data: `{"time":"2006-01-02T15:04:05Z"}x`,
		wantErr: &jsonrpc2.WireError{
			Code:    1,
			Message: "invalid character 'x' after top-level value at offset 31",
			Data:    json.RawMessage(`{"type":11,"offset":31,"msg":"eyJ0aW1lIjoiMjAwNi0wMS0wMlQxNTowNDowNVoifXg="}`),
		},
	},
	{
		name: "valid",
		data: `{"time":"2006-01-02T15:04:05Z","body":{"resources":"spinner","manifest":"frames.toml"}}`,
		want: Message[config.Source]{
			Time: time.Date(2006, time.January, 02, 15, 4, 5, 0, time.UTC),
			Body: config.Source{Resources: ptr("spinner"), Manifest: ptr("frames.toml")},
		},
	},
}

func TestUnmarshalMessage(t *testing.T) {
	for _, test := range unmarshalMessageTests {
		t.Run(test.name, func(t *testing.T) {
			var got Message[config.Source]
			err := UnmarshalMessage([]byte(test.data), &got)
			if !cmp.Equal(test.wantErr, err) {
				t.Errorf("unexpected error:\n--- want:\n+++ got:\n%s",
					cmp.Diff(test.wantErr, err))
			}
			if err != nil {
				var data struct {
					Massage []byte `json:"msg"`
				}
				err := json.Unmarshal(err.(*jsonrpc2.WireError).Data, &data)
				if err != nil {
					t.Fatalf("unexpected error recovering error data: %v", err)
				}
				if string(data.Massage) != test.data {
					t.Errorf("unexpected error data message:\ngot: %s\nwant:%s", data.Massage, test.data)
				}
				return
			}
			if !cmp.Equal(test.want, got) {
				t.Errorf("unexpected result:\n--- want:\n+++ got:\n%s",
					cmp.Diff(test.want, got))
			}
		})
	}
}

func TestStatusJSON(t *testing.T) {
	want := NewStatus(player.Status{State: player.Playing, Index: 4, Length: 9, Duration: 1500 * time.Millisecond})
	b, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var fields map[string]any
	err = json.Unmarshal(b, &fields)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fields["duration"] != "1.5s" || fields["state"] != "playing" {
		t.Errorf("unexpected encoding: %s", b)
	}
	var got Status
	err = json.Unmarshal(b, &got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cmp.Equal(want, got) {
		t.Errorf("unexpected status:\n--- want:\n+++ got:\n%s", cmp.Diff(want, got))
	}
}
