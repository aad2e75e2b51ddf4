// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"log/slog"
	"net"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/flipbook/internal/slogext"
)

// Client is a connection to a player control Server.
type Client struct {
	conn *jsonrpc2.Connection
}

// Dial returns a new Client connected to the server at the given network
// address. If onEvent is not nil, it is called with the body of each event
// notification sent by the server.
func Dial(ctx context.Context, network, addr string, dialer net.Dialer, onEvent func(context.Context, Notification), log *slog.Logger) (*Client, error) {
	log = log.With(slog.String("component", "rpc_client"))
	handler := jsonrpc2.HandlerFunc(func(ctx context.Context, req *jsonrpc2.Request) (any, error) {
		log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))
		if req.Method != Event || req.IsCall() {
			return nil, jsonrpc2.ErrNotHandled
		}
		var m Message[Notification]
		err := UnmarshalMessage(req.Params, &m)
		if err != nil {
			log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
			return nil, err
		}
		if onEvent != nil {
			onEvent(ctx, m.Body)
		}
		return nil, nil
	})
	conn, err := jsonrpc2.Dial(ctx, jsonrpc2.NetDialer(network, addr, dialer), jsonrpc2.ConnectionOptions{Handler: handler})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Call invokes the target method with a message holding params and waits
// for the response. If result is not nil, the body of the response is
// stored in it.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var resp Message[any]
	if result != nil {
		resp.Body = result
	}
	return c.conn.Call(ctx, method, NewMessage(params)).Await(ctx, &resp)
}

// Notify invokes the target method with a message holding params but does
// not wait for a response.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	return c.conn.Notify(ctx, method, NewMessage(params))
}

// Wait blocks until the connection is fully closed, but does not close it.
// See [jsonrpc2.Connection.Wait].
func (c *Client) Wait() {
	c.conn.Wait()
}

// Close stops listening to requests and closes the client's connection.
// See [jsonrpc2.Connection.Close].
func (c *Client) Close() error {
	return c.conn.Close()
}
