// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package factory

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/worker"
)

const defaultShutdownTimeout = 3 * time.Second

// ProcessConfig describes how the worker process is started.
type ProcessConfig struct {
	Path string
	Args []string
	// Env is appended to the environment of the current process.
	Env             []string
	ShutdownTimeout time.Duration
}

// Handle owns the client side of one worker: the write end of the pipe to
// the worker and the read end of the pipe from it.
type Handle struct {
	toWorker   io.WriteCloser
	fromWorker io.ReadCloser
	pid        int

	terminate       func()
	shutdownTimeout time.Duration

	exited    chan struct{}
	killed    chan struct{}
	exitOnce  sync.Once
	exitMu    sync.Mutex
	exitErr   error
	closeOnce sync.Once
	killOnce  sync.Once
}

func newHandle(w io.WriteCloser, r io.ReadCloser) *Handle {
	return &Handle{
		toWorker:        w,
		fromWorker:      r,
		exited:          make(chan struct{}),
		killed:          make(chan struct{}),
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// NewHandle wraps an existing transport. There is no process behind it, so
// closing the handle only closes both ends.
func NewHandle(w io.WriteCloser, r io.ReadCloser) *Handle {
	h := newHandle(w, r)
	h.shutdownTimeout = 0
	h.terminate = func() {
		h.markExited(nil)
	}
	return h
}

// Start creates the two pipes, starts the worker process with its ends on
// protocol.WorkerInputFD and protocol.WorkerOutputFD and closes those ends in
// this process.
func Start(cfg ProcessConfig) (*Handle, error) {
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create pipe: %w", ErrWorkerUnavailable, err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		closeFiles(toWorkerR, toWorkerW)
		return nil, fmt.Errorf("%w: create pipe: %w", ErrWorkerUnavailable, err)
	}

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[i] becomes descriptor 3+i in the child
	// the worker sees EOF on its input and exits when this process goes away
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}

	err = cmd.Start()
	// the child owns these ends now
	closeFiles(toWorkerR, fromWorkerW)
	if err != nil {
		closeFiles(toWorkerW, fromWorkerR)
		return nil, fmt.Errorf("%w: start %s: %w", ErrWorkerUnavailable, cfg.Path, err)
	}

	h := newHandle(toWorkerW, fromWorkerR)
	h.pid = cmd.Process.Pid
	if cfg.ShutdownTimeout > 0 {
		h.shutdownTimeout = cfg.ShutdownTimeout
	}
	h.terminate = func() {
		err := cmd.Process.Kill()
		if err != nil && err != os.ErrProcessDone {
			logger.Warningf("kill worker %d failed: %v", h.pid, err)
		}
	}
	go func() {
		err := cmd.Wait()
		if err != nil {
			logger.Debugf("worker %d exited: %v", h.pid, err)
		}
		h.markExited(err)
	}()
	logger.Debug("worker started, pid:", h.pid)
	return h, nil
}

// StartInProcess runs the worker loop in a goroutine, connected through
// in-memory pipes.
func StartInProcess(renderer worker.Renderer, opts ...worker.Option) *Handle {
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	h := newHandle(toWorkerW, fromWorkerR)
	h.terminate = func() {
		_ = toWorkerR.CloseWithError(io.ErrClosedPipe)
		_ = fromWorkerW.CloseWithError(io.ErrClosedPipe)
	}
	go func() {
		err := worker.New(toWorkerR, fromWorkerW, renderer, opts...).Run()
		if err != nil {
			logger.Warning("in-process worker stopped:", err)
		}
		_ = toWorkerR.CloseWithError(io.ErrClosedPipe)
		_ = fromWorkerW.CloseWithError(err)
		h.markExited(err)
	}()
	return h
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func (h *Handle) markExited(err error) {
	h.exitOnce.Do(func() {
		h.exitMu.Lock()
		h.exitErr = err
		h.exitMu.Unlock()
		close(h.exited)
	})
}

// Pid returns the worker process id, 0 if the worker is not a process.
func (h *Handle) Pid() int {
	return h.pid
}

func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// ExitErr returns why the worker stopped, nil while it runs or after a clean exit.
func (h *Handle) ExitErr() error {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exitErr
}

// Kill stops the worker immediately. Blocked reads and writes on the handle
// return with an error.
func (h *Handle) Kill() {
	h.killOnce.Do(func() {
		if h.terminate != nil {
			h.terminate()
		}
		_ = h.toWorker.Close()
		_ = h.fromWorker.Close()
		close(h.killed)
	})
}

// Close closes the pipe to the worker, which makes a healthy worker exit, and
// kills it if it is still running after the shutdown timeout. A worker that
// was already killed is not waited for.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		_ = h.toWorker.Close()
		timer := time.NewTimer(h.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-h.exited:
		case <-h.killed:
		case <-timer.C:
			if h.pid != 0 {
				logger.Warningf("worker %d still running after %v, kill it", h.pid, h.shutdownTimeout)
			}
			h.Kill()
		}
		_ = h.fromWorker.Close()
	})
	return h.ExitErr()
}
