// Package sse decodes text/event-stream response bodies into JSON frames.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

// Frame is one dispatched event. Data is always valid JSON.
type Frame struct {
	Event string
	Data  []byte
}

// StreamError is an error object embedded in a streamed payload.
type StreamError struct {
	Event   string
	Type    string
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e == nil {
		return "stream error"
	}
	kind := strings.TrimSpace(e.Type)
	if kind == "" {
		kind = strings.TrimSpace(e.Code)
	}
	if kind == "" {
		return "stream error: " + e.Message
	}
	return fmt.Sprintf("stream error: %s: %s", kind, e.Message)
}

const doneSentinel = "[DONE]"

var errDone = errors.New("sse: done")

// Decode reads r until EOF, a [DONE] sentinel, an error payload, ctx
// cancellation or a non-nil error from fn. Reaching [DONE] or EOF returns nil.
// A frame left without its terminating blank line when r ends is still dispatched.
func Decode(ctx context.Context, r io.Reader, fn func(Frame) error) error {
	if r == nil {
		return errors.New("sse: nil reader")
	}
	d := &decoder{fn: fn}
	br := bufio.NewReaderSize(r, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			if err := d.line(trimEOL(line)); err != nil {
				return finish(err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return finish(d.dispatch())
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			return readErr
		}
	}
}

func finish(err error) error {
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

type decoder struct {
	fn      func(Frame) error
	event   string
	data    bytes.Buffer
	hasData bool
}

func (d *decoder) line(line []byte) error {
	if len(line) == 0 {
		return d.dispatch()
	}
	name, value, _ := bytes.Cut(line, []byte(":"))
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	switch string(name) {
	case "":
		// comment
	case "event":
		d.event = string(bytes.TrimSpace(value))
	case "data":
		if d.hasData {
			d.data.WriteByte('\n')
		}
		d.data.Write(value)
		d.hasData = true
	}
	return nil
}

func (d *decoder) dispatch() error {
	event := d.event
	payload := bytes.TrimSpace(d.data.Bytes())
	hasData := d.hasData
	d.event = ""
	d.hasData = false
	defer d.data.Reset()

	if !hasData || len(payload) == 0 {
		return nil
	}
	if string(payload) == doneSentinel {
		return errDone
	}
	if !gjson.ValidBytes(payload) {
		return nil
	}
	if err := embeddedError(event, payload); err != nil {
		return err
	}
	if d.fn == nil {
		return nil
	}
	data := append([]byte(nil), payload...)
	return d.fn(Frame{Event: event, Data: data})
}

func embeddedError(event string, payload []byte) error {
	e := gjson.GetBytes(payload, "error")
	switch {
	case e.IsObject():
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return &StreamError{
			Event:   event,
			Type:    e.Get("type").String(),
			Code:    e.Get("code").String(),
			Message: msg,
		}
	case e.Type == gjson.String && strings.TrimSpace(e.String()) != "":
		return &StreamError{Event: event, Message: e.String()}
	default:
		return nil
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
