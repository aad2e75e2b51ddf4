// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpc provides the flipbook player control RPC system.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/flipbook/config"
	"github.com/kortschak/flipbook/internal/player"
)

// Player methods. Call methods that are invoked with notify
// are executed and their result is dropped.
const (
	Who      = "who"      // call Message[None] → Message[string] (version)
	Start    = "start"    // call Message[None] → Message[Status]
	Stop     = "stop"     // call Message[None] → Message[Status]
	Pause    = "pause"    // call Message[None] → Message[Status]
	Resume   = "resume"   // call Message[None] → Message[Status]
	Restart  = "restart"  // call Message[None] → Message[Status]
	Progress = "progress" // call Message[float64] → Message[Status]
	Source   = "source"   // call Message[config.Source] → Message[Status]
	Loop     = "loop"     // call Message[bool] → Message[Status]
	Duration = "duration" // call Message[config.Duration] → Message[Status]
	State    = "state"    // call Message[None] → Message[Status]
)

// Event is the notification method sent by a server to its clients
// when the player emits a lifecycle event.
const Event = "event" // notify Message[Notification]

// JSON RPC error codes.
const (
	ErrCodeInvalidMessage = 1 // an RPC message is invalid
	// Invalid message sub-codes:
	ErrCodeMessageSyntax       = 11 // syntax
	ErrCodeMessageUnknownField = 12 // unknown field
	ErrCodeShortMessage        = 13 // truncation
	ErrCodeMessageType         = 14 // type mismatch
	ErrCodeMethod              = 15 // method mismatch
	ErrCodeParameters          = 16 // invalid parameters

	ErrCodeInvalidData = 3 // data sent in a call was invalid
	// Invalid data sub-codes:
	ErrCodeNoSource = 31 // frame source could not be resolved
	ErrCodeRange    = 35 // out of range

	ErrCodeInternal = 4 // an internal error happened
)

// Message is the message passing container.
type Message[T any] struct {
	Time time.Time `json:"time"`
	Body T         `json:"body,omitempty"`
}

// NewMessage is a convenience Message constructor. It populates the Time
// field.
func NewMessage[T any](body T) *Message[T] {
	return &Message[T]{
		Time: time.Now(),
		Body: body,
	}
}

// Status is the player state returned by player method calls.
type Status struct {
	State     player.State    `json:"state"`
	Index     int             `json:"index"`
	Length    int             `json:"length"`
	Resolving bool            `json:"resolving,omitempty"`
	Source    string          `json:"source,omitempty"`
	Loop      bool            `json:"loop"`
	AutoStart bool            `json:"auto_start"`
	Duration  config.Duration `json:"duration"`
}

// NewStatus returns the wire representation of s.
func NewStatus(s player.Status) Status {
	return Status{
		State:     s.State,
		Index:     s.Index,
		Length:    s.Length,
		Resolving: s.Resolving,
		Source:    s.Source,
		Loop:      s.Loop,
		AutoStart: s.AutoStart,
		Duration:  config.Duration(s.Duration),
	}
}

// Notification is the body of an event notification.
type Notification struct {
	Event  player.Event `json:"event"`
	Status Status       `json:"status"`
}

// UnmarshalMessage is a strict equivalent of [json.Unmarshal].
func UnmarshalMessage[T any](data []byte, v *Message[T]) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil {
		return &jsonrpc2.WireError{
			Code:    ErrCodeInvalidMessage,
			Message: err.Error(),
			Data:    encodeErrData(err, data),
		}
	}
	if dec.More() {
		off := dec.InputOffset()
		return &jsonrpc2.WireError{
			Code:    ErrCodeInvalidMessage,
			Message: fmt.Sprintf("invalid character "+quoteChar(data[off])+" after top-level value at offset %d", off),
			Data:    encodeErrData(&json.SyntaxError{Offset: off}, data),
		}
	}
	return nil
}

// encodeErrData return the JSON encoding for an error's extra data.
func encodeErrData(err error, data []byte) json.RawMessage {
	type extra struct {
		Type    int    `json:"type,omitempty"`
		Offset  int64  `json:"offset,omitempty"`
		Message []byte `json:"msg"`
	}
	e := extra{
		Message: data,
	}
	switch err := err.(type) {
	case nil:
		return nil
	case *json.SyntaxError:
		e.Type = ErrCodeMessageSyntax
		e.Offset = err.Offset
	case *json.UnmarshalTypeError:
		e.Type = ErrCodeMessageType
		e.Offset = err.Offset
	default:
		switch {
		case err == io.EOF, err == io.ErrUnexpectedEOF:
			e.Type = ErrCodeShortMessage
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			e.Type = ErrCodeMessageUnknownField
		}
	}
	return wireErrorData(e)
}

// NewError returns an error that will be encoded correctly in the RPC protocol.
func NewError(code int64, message string, data any) error {
	return &jsonrpc2.WireError{
		Code:    code,
		Message: message,
		Data:    wireErrorData(data),
	}
}

func wireErrorData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	err := enc.Encode(data)
	if err != nil {
		b, _ := json.Marshal("!" + err.Error())
		return b
	}
	return bytes.TrimSpace(buf.Bytes())
}

// quoteChar formats c as a quoted character literal.
func quoteChar(c byte) string {
	// special cases - different from quoted strings
	if c == '\'' {
		return `'\''`
	}
	if c == '"' {
		return `'"'`
	}

	// use quoted string with different quotation marks
	s := strconv.Quote(string(c))
	return "'" + s[1:len(s)-1] + "'"
}

// None is an empty parameter or response slot.
type None struct{}
