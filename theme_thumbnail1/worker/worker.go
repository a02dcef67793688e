// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package worker runs the thumbnail rendering loop of the worker process.
package worker

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/render"
)

var logger = log.NewLogger("daemon/theme-thumbnail/worker")

func SetLogger(l *log.Logger) {
	logger = l
}

// ErrTruncatedRequest means the input ended in the middle of a request.
var ErrTruncatedRequest = errors.New("input closed in the middle of a request")

type Renderer interface {
	Render(req protocol.Request) (*protocol.Raster, error)
}

type RendererFunc func(req protocol.Request) (*protocol.Raster, error)

func (fn RendererFunc) Render(req protocol.Request) (*protocol.Raster, error) {
	return fn(req)
}

// Worker decodes requests from in and writes one raster per request to out.
// It is single threaded: a request is read, rendered and answered before the
// next one is looked at.
type Worker struct {
	in        io.Reader
	out       io.Writer
	renderer  Renderer
	decoder   *protocol.Decoder
	chunkSize int
	rendered  int
}

type Option func(*Worker)

func WithChunkSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.chunkSize = size
		}
	}
}

func WithMaxFieldLength(n int) Option {
	return func(w *Worker) {
		w.decoder = protocol.NewDecoder(n)
	}
}

func New(in io.Reader, out io.Writer, renderer Renderer, opts ...Option) *Worker {
	w := &Worker{
		in:        in,
		out:       out,
		renderer:  renderer,
		decoder:   protocol.NewDecoder(0),
		chunkSize: protocol.ReadChunkSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Rendered returns how many responses have been written.
func (w *Worker) Rendered() int {
	return w.rendered
}

// Run serves requests until the input is closed. A clean end of input
// between two requests returns nil.
func (w *Worker) Run() error {
	buf := make([]byte, w.chunkSize)
	for {
		n, err := w.in.Read(buf)
		if n > 0 {
			feedErr := w.decoder.Feed(buf[:n], w.handleRequest)
			if feedErr != nil {
				return feedErr
			}
		}
		if err == nil {
			continue
		}
		if err == io.EOF {
			if w.decoder.Pending() {
				return fmt.Errorf("%w: state %s", ErrTruncatedRequest, w.decoder.State())
			}
			logger.Debug("input closed, rendered", w.rendered)
			return nil
		}
		return xerrors.Errorf("read request: %w", err)
	}
}

func (w *Worker) handleRequest(req protocol.Request) error {
	logger.Debugf("render gtk: %q, wm: %q, icon: %q", req.ControlTheme, req.WMTheme, req.IconTheme)
	raster := w.renderRequest(req)
	err := protocol.WriteRaster(w.out, raster)
	if err != nil {
		return xerrors.Errorf("write response: %w", err)
	}
	w.rendered++
	return nil
}

// renderRequest never fails: a response of the wrong length would break every
// following request, so failures answer with a placeholder.
func (w *Worker) renderRequest(req protocol.Request) (raster *protocol.Raster) {
	defer func() {
		if v := recover(); v != nil {
			logger.Warningf("renderer panic for %q: %v", req.Key(), v)
			raster = render.Placeholder()
		}
	}()

	raster, err := w.renderer.Render(req)
	if err != nil {
		logger.Warning("render failed:", err)
		return render.Placeholder()
	}
	if raster == nil {
		return render.Placeholder()
	}
	return raster
}

// ServeInherited runs a worker on the pipe ends the parent passed as
// protocol.WorkerInputFD and protocol.WorkerOutputFD.
func ServeInherited(renderer Renderer, opts ...Option) error {
	in := os.NewFile(protocol.WorkerInputFD, "theme-thumbnail-in")
	out := os.NewFile(protocol.WorkerOutputFD, "theme-thumbnail-out")
	defer func() {
		_ = in.Close()
		_ = out.Close()
	}()
	for _, f := range []*os.File{in, out} {
		_, err := f.Stat()
		if err != nil {
			return xerrors.Errorf("inherited descriptor %s: %w", f.Name(), err)
		}
	}

	return New(in, out, renderer, opts...).Run()
}
