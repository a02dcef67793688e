// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package protocol implements the pipe protocol spoken between the theme
// thumbnail client and its worker process.
//
// The client writes three strings, each terminated by a NUL byte: the control
// (gtk) theme, the window manager theme and the icon theme. The worker answers
// with exactly ThumbnailHeight rows of RowSize bytes of RGBA data. There is no
// header and no request id, so request and response are paired by order only.
package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	ThumbnailWidth  = 100
	ThumbnailHeight = 100
	BytesPerPixel   = 4

	RowSize    = ThumbnailWidth * BytesPerPixel
	RasterSize = RowSize * ThumbnailHeight

	// ReadChunkSize is the largest read the worker does on its input pipe.
	ReadChunkSize = 1024

	// DefaultMaxFieldLength bounds a single theme name on the worker side.
	DefaultMaxFieldLength = 4096
)

// File descriptors the worker process inherits its two pipe ends on.
// Stdout and stderr stay free for logging.
const (
	WorkerInputFD  = 3
	WorkerOutputFD = 4
)

const fieldSeparator = '\x00'

var (
	ErrInvalidThemeName = errors.New("theme name contains NUL byte")
	ErrFieldTooLong     = errors.New("theme name exceeds length limit")
	ErrShortResponse    = errors.New("short thumbnail response")
)

// Request selects the themes one thumbnail is rendered with.
type Request struct {
	ControlTheme string
	WMTheme      string
	IconTheme    string
}

func (req Request) fields() [3]string {
	return [3]string{req.ControlTheme, req.WMTheme, req.IconTheme}
}

func (req Request) Validate() error {
	for _, field := range req.fields() {
		if bytes.IndexByte([]byte(field), fieldSeparator) != -1 {
			return ErrInvalidThemeName
		}
	}
	return nil
}

// Key identifies the request in caches. It is the wire encoding as a string.
func (req Request) Key() string {
	var buf bytes.Buffer
	for _, field := range req.fields() {
		buf.WriteString(field)
		buf.WriteByte(fieldSeparator)
	}
	return buf.String()
}

// Contains reports whether theme is used by any field of the request.
func (req Request) Contains(theme string) bool {
	for _, field := range req.fields() {
		if field == theme {
			return true
		}
	}
	return false
}

func EncodeRequest(req Request) ([]byte, error) {
	err := req.Validate()
	if err != nil {
		return nil, err
	}
	return []byte(req.Key()), nil
}

// WriteRequest writes the encoded request with a single Write call.
func WriteRequest(w io.Writer, req Request) error {
	data, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
