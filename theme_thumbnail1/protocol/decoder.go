// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package protocol

import (
	"bytes"
	"fmt"
)

type State uint8

const (
	StateAwaitingControlTheme State = iota
	StateAwaitingWMTheme
	StateAwaitingIconTheme
	StateRendering
)

func (s State) String() string {
	switch s {
	case StateAwaitingControlTheme:
		return "AwaitingControlTheme"
	case StateAwaitingWMTheme:
		return "AwaitingWmTheme"
	case StateAwaitingIconTheme:
		return "AwaitingIconTheme"
	case StateRendering:
		return "Rendering"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Decoder reassembles requests from the worker's input byte stream.
// Only the buffer matching the current state is appended to.
type Decoder struct {
	state       State
	fields      [3][]byte
	maxFieldLen int
}

func NewDecoder(maxFieldLen int) *Decoder {
	if maxFieldLen <= 0 {
		maxFieldLen = DefaultMaxFieldLength
	}
	return &Decoder{
		maxFieldLen: maxFieldLen,
	}
}

func (d *Decoder) State() State {
	return d.state
}

// Pending reports whether part of a request has been buffered.
func (d *Decoder) Pending() bool {
	if d.state != StateAwaitingControlTheme {
		return true
	}
	return len(d.fields[0]) > 0
}

func (d *Decoder) Reset() {
	d.state = StateAwaitingControlTheme
	for i := range d.fields {
		d.fields[i] = d.fields[i][:0]
	}
}

// Feed consumes chunk completely. Every time a request is complete, handle is
// called before the rest of the chunk is decoded, so one chunk may carry
// several requests or the start of the next one.
func (d *Decoder) Feed(chunk []byte, handle func(Request) error) error {
	for len(chunk) > 0 {
		idx := int(d.state)
		nul := bytes.IndexByte(chunk, fieldSeparator)
		if nul == -1 {
			if len(d.fields[idx])+len(chunk) > d.maxFieldLen {
				return fmt.Errorf("%w: %s buffered %d bytes", ErrFieldTooLong,
					d.state, len(d.fields[idx])+len(chunk))
			}
			d.fields[idx] = append(d.fields[idx], chunk...)
			return nil
		}

		if len(d.fields[idx])+nul > d.maxFieldLen {
			return fmt.Errorf("%w: %s has %d bytes", ErrFieldTooLong,
				d.state, len(d.fields[idx])+nul)
		}
		d.fields[idx] = append(d.fields[idx], chunk[:nul]...)
		chunk = chunk[nul+1:]
		d.state++

		if d.state == StateRendering {
			req := Request{
				ControlTheme: string(d.fields[0]),
				WMTheme:      string(d.fields[1]),
				IconTheme:    string(d.fields[2]),
			}
			err := handle(req)
			d.Reset()
			if err != nil {
				return err
			}
		}
	}
	return nil
}
