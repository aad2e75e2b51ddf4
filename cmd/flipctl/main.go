// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The flipctl executable controls a running flipbook player.
//
// Usage:
//
//	flipctl [options] <method> [arguments]
//
// The methods are who, state, start, stop, pause, resume and restart,
// which take no arguments, and
//
//	progress <p>                        seek to the fraction p of the animation
//	loop <true|false>                   set whether the animation loops
//	duration <d>                        set the frame duration
//	source assets <dir>                 play the frames in dir
//	source resources <name> <manifest>  play the named resource array
//
// With the -watch flag, player events are printed until flipctl is
// interrupted or the -for duration has elapsed. The method may be omitted
// when watching.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/flipbook/config"
	"github.com/kortschak/flipbook/internal/slogext"
	"github.com/kortschak/flipbook/internal/version"
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
	network := flag.String("network", "unix", "network for communication (unix or tcp)")
	addr := flag.String("addr", "", "address of the player (default is the only running player's socket)")
	watch := flag.Bool("watch", false, "print player events")
	runFor := flag.Duration("for", 0, "duration to watch for (zero watches until interrupted)")
	logging := flag.String("log", "warn", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %s:
  %[1]s [options] <method> [arguments]

Methods:
  who | state | start | stop | pause | resume | restart
  progress <p>
  loop <true|false>
  duration <d>
  source assets <dir>
  source resources <name> <manifest>

Options:
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		return success
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return invocationError
	}
	log := slog.New(slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
		Level:     &level,
		AddSource: slogext.NewAtomicBool(*lines),
	}))

	var (
		method string
		params any
	)
	if flag.NArg() != 0 || !*watch {
		method, params, err = request(flag.Args())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			return invocationError
		}
	}

	switch *network {
	case "unix":
		if *addr != "" {
			break
		}
		socks, err := rpc.Sockets()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to find player: %v\n", err)
			return internalError
		}
		switch len(socks) {
		case 0:
			fmt.Fprintln(os.Stderr, "no running player")
			return internalError
		case 1:
			*addr = socks[0]
		default:
			fmt.Fprintf(os.Stderr, "more than one running player, specify -addr:\n\t%s\n", strings.Join(socks, "\n\t"))
			return invocationError
		}
	case "tcp":
		if *addr == "" {
			fmt.Fprintln(os.Stderr, "missing -addr for tcp network")
			flag.Usage()
			return invocationError
		}
	default:
		flag.Usage()
		return invocationError
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var onEvent func(context.Context, rpc.Notification)
	if *watch {
		enc := json.NewEncoder(os.Stdout)
		onEvent = func(ctx context.Context, n rpc.Notification) {
			err := enc.Encode(n)
			if err != nil {
				log.LogAttrs(ctx, slog.LevelError, "print event", slog.Any("error", err))
			}
		}
	}
	client, err := rpc.Dial(ctx, *network, *addr, net.Dialer{}, onEvent, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to player: %v\n", err)
		return internalError
	}
	defer client.Close()

	if method != "" {
		var result any
		switch method {
		case rpc.Who:
			result = new(string)
		default:
			result = new(rpc.Status)
		}
		err = client.Call(ctx, method, params, result)
		if err != nil {
			var werr *jsonrpc2.WireError
			if errors.As(err, &werr) {
				fmt.Fprintf(os.Stderr, "%s: %s\n", method, werr.Message)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %v\n", method, err)
			}
			return internalError
		}
		b, err := json.MarshalIndent(result, "", "\t")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return internalError
		}
		fmt.Printf("%s\n", b)
	}

	if *watch {
		if *runFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, *runFor)
			defer cancel()
		}
		<-ctx.Done()
	}
	return success
}

// request returns the RPC method and message body for the command line
// arguments.
func request(args []string) (method string, params any, err error) {
	if len(args) == 0 {
		return "", nil, errors.New("missing method")
	}
	method, args = args[0], args[1:]
	nargs := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s: expected %d arguments, got %d", method, n, len(args))
		}
		return nil
	}
	switch method {
	case rpc.Who, rpc.State, rpc.Start, rpc.Stop, rpc.Pause, rpc.Resume, rpc.Restart:
		return method, rpc.None{}, nargs(0)
	case rpc.Progress:
		err = nargs(1)
		if err != nil {
			return "", nil, err
		}
		p, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", method, err)
		}
		return method, p, nil
	case rpc.Loop:
		err = nargs(1)
		if err != nil {
			return "", nil, err
		}
		loop, err := strconv.ParseBool(args[0])
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", method, err)
		}
		return method, loop, nil
	case rpc.Duration:
		err = nargs(1)
		if err != nil {
			return "", nil, err
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", method, err)
		}
		return method, config.Duration(d), nil
	case rpc.Source:
		if len(args) == 0 {
			return "", nil, fmt.Errorf("%s: missing source kind", method)
		}
		kind := args[0]
		args = args[1:]
		switch kind {
		case "assets":
			err = nargs(1)
			if err != nil {
				return "", nil, err
			}
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return "", nil, err
			}
			return method, config.Source{Assets: &dir}, nil
		case "resources":
			err = nargs(2)
			if err != nil {
				return "", nil, err
			}
			manifest, err := filepath.Abs(args[1])
			if err != nil {
				return "", nil, err
			}
			return method, config.Source{Resources: &args[0], Manifest: &manifest}, nil
		default:
			return "", nil, fmt.Errorf("%s: invalid source kind: %q", method, kind)
		}
	default:
		return "", nil, fmt.Errorf("invalid method: %q", method)
	}
}
