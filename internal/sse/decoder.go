// Package sse decodes the server-sent event stream produced by the chat
// backend into assistant text fragments.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const (
	dataPrefix  = "data:"
	doneMarker  = "[DONE]"
	readSize    = 4 * 1024
	maxDeferred = 3
)

// Decoder yields the delta content of each `data:` frame in order. It makes
// a single pass over one response body and cannot be restarted.
type Decoder struct {
	r   io.Reader
	buf []byte
	out []string

	readBuf []byte
	eof     bool
	err     error

	// deferred counts how many reads the line at the front of buf has been
	// pushed back for without becoming parseable.
	deferred     int
	maxDeferrals int
	dropped      int
}

type Option func(*Decoder)

// WithMaxDeferrals bounds how many times an unparseable line is pushed back
// waiting for more bytes before it is dropped. Zero drops immediately.
func WithMaxDeferrals(n int) Option {
	return func(d *Decoder) {
		if n >= 0 {
			d.maxDeferrals = n
		}
	}
}

func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		r:            r,
		readBuf:      make([]byte, readSize),
		maxDeferrals: maxDeferred,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next non-empty fragment. It returns io.EOF once the body
// is exhausted and the residual buffer has been flushed, or the read error
// that interrupted the stream.
func (d *Decoder) Next() (string, error) {
	for len(d.out) == 0 {
		if d.err != nil {
			return "", d.err
		}
		if d.eof {
			return "", io.EOF
		}
		d.fill()
	}
	frag := d.out[0]
	d.out = d.out[1:]
	return frag, nil
}

// Dropped reports how many data lines were discarded as unparseable.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) fill() {
	n, err := d.r.Read(d.readBuf)
	if n > 0 {
		d.buf = append(d.buf, d.readBuf[:n]...)
		d.drain()
	}
	if err == nil {
		return
	}
	if errors.Is(err, io.EOF) {
		d.flush()
		d.eof = true
		return
	}
	d.err = err
}

// drain extracts every complete line from the buffer. A line whose payload
// does not parse is put back at the front and extraction stops until more
// bytes arrive.
func (d *Decoder) drain() {
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return
		}
		line := d.buf[:idx]
		rest := d.buf[idx+1:]

		frag, ok := parseLine(line)
		if !ok {
			if d.deferred < d.maxDeferrals {
				d.deferred++
				return
			}
			d.dropped++
		}
		d.deferred = 0
		d.buf = rest
		if frag != "" {
			d.out = append(d.out, frag)
		}
	}
}

// flush runs the per-line rules over whatever is left once the body ended,
// since the last frame may lack a trailing newline. Unparseable lines are
// discarded.
func (d *Decoder) flush() {
	rest := d.buf
	d.buf = nil
	for len(rest) > 0 {
		var line []byte
		if idx := bytes.IndexByte(rest, '\n'); idx >= 0 {
			line, rest = rest[:idx], rest[idx+1:]
		} else {
			line, rest = rest, nil
		}
		frag, ok := parseLine(line)
		if !ok {
			d.dropped++
			continue
		}
		if frag != "" {
			d.out = append(d.out, frag)
		}
	}
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseLine applies the frame rules to a single line. ok is false only when
// the line carries a data payload that is not valid JSON.
func parseLine(line []byte) (frag string, ok bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return "", true
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", true
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneMarker {
		return "", true
	}
	if !json.Valid(payload) {
		return "", false
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		// Valid JSON of another shape carries no content.
		return "", true
	}
	if len(c.Choices) == 0 {
		return "", true
	}
	return c.Choices[0].Delta.Content, true
}
