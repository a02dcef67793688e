// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package factory talks to the theme thumbnail worker: it owns the worker
// process and serializes sync and async requests onto its pipes.
package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linuxdeepin/go-lib/log"
	"golang.org/x/xerrors"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
)

var logger = log.NewLogger("daemon/theme-thumbnail/factory")

func SetLogger(l *log.Logger) {
	logger = l
}

var (
	ErrWorkerUnavailable = errors.New("theme thumbnail worker unavailable")
	ErrClosed            = errors.New("theme thumbnail client closed")
)

// SpawnFunc starts a new worker. It is called once by NewClient and again
// for every respawn or Restart.
type SpawnFunc func() (*Handle, error)

type Options struct {
	// Respawn paces automatic restarts after a transport failure. With a nil
	// strategy the client stays unusable until Restart is called.
	Respawn retry.Strategy
	// ReplayHead re-issues the failed request once on the respawned worker.
	ReplayHead bool
	// RequestTimeout bounds every async request, zero means no limit.
	RequestTimeout time.Duration
	// CacheSize is the number of rasters kept in memory, zero disables the cache.
	CacheSize int
}

// DoneFunc receives the raster of an async request, or why there is none.
type DoneFunc func(raster *protocol.Raster, err error)

type pendingRequest struct {
	request   protocol.Request
	onDone    DoneFunc
	onDestroy func()
}

func (p *pendingRequest) complete(raster *protocol.Raster, err error) {
	if p.onDone != nil {
		p.onDone(raster, err)
	}
	if p.onDestroy != nil {
		p.onDestroy()
	}
}

// Client is the only user of a worker. At most one request is on the wire
// at any time, whether it came from Generate or GenerateAsync.
type Client struct {
	spawn SpawnFunc
	opts  Options
	cache *rasterCache

	// flight is the single-flight slot, held for a whole request-response
	// exchange.
	flight chan struct{}

	mu          sync.Mutex
	handle      *Handle
	broken      error
	closed      bool
	queue       []*pendingRequest
	syncWaiting int

	wake chan struct{}
	tomb tomb.Tomb
}

// NewClient starts the worker and the async dispatcher.
func NewClient(spawn SpawnFunc, opts Options) (*Client, error) {
	h, err := spawn()
	if err != nil {
		return nil, unavailable(err)
	}
	c := &Client{
		spawn:  spawn,
		opts:   opts,
		cache:  newRasterCache(opts.CacheSize),
		flight: make(chan struct{}, 1),
		handle: h,
		wake:   make(chan struct{}, 1),
	}
	c.tomb.Go(c.dispatchLoop)
	return c, nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrWorkerUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
}

// Generate renders req and blocks until the raster is read back or ctx is
// done.
func (c *Client) Generate(ctx context.Context, req protocol.Request) (*protocol.Raster, error) {
	err := req.Validate()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.syncWaiting++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.syncWaiting--
		c.mu.Unlock()
	}()

	return c.render(ctx, req)
}

// GenerateAsync queues req. onDone and then onDestroy are called from the
// dispatcher goroutine, in the order the requests were queued. Either may be
// nil.
func (c *Client) GenerateAsync(req protocol.Request, onDone DoneFunc, onDestroy func()) {
	item := &pendingRequest{
		request:   req,
		onDone:    onDone,
		onDestroy: onDestroy,
	}
	err := req.Validate()
	if err != nil {
		item.complete(nil, err)
		return
	}

	c.mu.Lock()
	err = c.usableLocked()
	if err != nil {
		c.mu.Unlock()
		item.complete(nil, err)
		return
	}
	c.queue = append(c.queue, item)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// InvalidateCache drops the cached raster of req. A render of req that is
// already running is still delivered but not cached.
func (c *Client) InvalidateCache(req protocol.Request) {
	key := req.Key()
	n := c.cache.removeIf(func(cached protocol.Request) bool {
		return cached.Key() == key
	})
	logger.Debugf("invalidate %q, dropped %d", key, n)
}

// InvalidateTheme drops every cached raster that uses theme in any field.
func (c *Client) InvalidateTheme(theme string) int {
	n := c.cache.removeIf(func(cached protocol.Request) bool {
		return cached.Contains(theme)
	})
	logger.Debugf("invalidate theme %q, dropped %d", theme, n)
	return n
}

// Pending returns the number of requests queued or waiting in Generate.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + c.syncWaiting
}

// Restart replaces the worker, waiting for the request on the wire to finish
// first. It is the manual way out of ErrWorkerUnavailable.
func (c *Client) Restart() error {
	err := c.acquire(context.Background())
	if err != nil {
		return err
	}
	defer c.release()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.handle
	c.handle = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	h, err := c.spawn()
	if err != nil {
		err = unavailable(err)
		c.mu.Lock()
		c.broken = err
		c.mu.Unlock()
		return err
	}
	if !c.install(h) {
		return ErrClosed
	}
	logger.Info("worker restarted, pid:", h.Pid())
	return nil
}

// Close fails the queued requests with ErrClosed, stops the dispatcher and
// shuts the worker down. A Generate in flight is cut short and returns
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	c.tomb.Kill(nil)
	err := c.tomb.Wait()
	if err != nil {
		logger.Warning("dispatcher stopped:", err)
	}
	if h != nil {
		return h.Close()
	}
	return nil
}

func (c *Client) usableLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.handle == nil {
		if c.broken != nil {
			return c.broken
		}
		return ErrWorkerUnavailable
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) currentHandle() (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.usableLocked()
	if err != nil {
		return nil, err
	}
	return c.handle, nil
}

func (c *Client) install(h *Handle) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = h.Close()
		return false
	}
	c.handle = h
	c.broken = nil
	c.mu.Unlock()
	return true
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.flight <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.tomb.Dying():
		return ErrClosed
	}
}

func (c *Client) release() {
	<-c.flight
}

// render serves req from the cache or from the worker.
func (c *Client) render(ctx context.Context, req protocol.Request) (*protocol.Raster, error) {
	if raster, ok := c.cache.get(req); ok {
		return raster, nil
	}

	err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.release()

	generation := c.cache.currentGeneration()
	for replayed := false; ; replayed = true {
		// nothing of req is on the wire yet, the worker is still in sync
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		h, err := c.currentHandle()
		if err != nil {
			return nil, err
		}

		raster, err := exchange(ctx, c.tomb.Dying(), h, req)
		if err == nil {
			c.cache.put(req, generation, raster)
			return raster, nil
		}

		if c.isClosed() {
			return nil, ErrClosed
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the response may still arrive and would be taken as the
			// answer to the next request
			c.discard(h, ctxErr)
			return nil, ctxErr
		}
		err = unavailable(err)
		recovered := c.discard(h, err)
		if !recovered || !c.opts.ReplayHead || replayed {
			return nil, err
		}
		logger.Infof("replay %q on the new worker", req.Key())
	}
}

type exchangeResult struct {
	raster *protocol.Raster
	err    error
}

// exchange does one request-response round trip. If ctx is done or stop is
// closed first the worker is killed, which unblocks the pending read or
// write. A response that was already read completely is still returned.
func exchange(ctx context.Context, stop <-chan struct{}, h *Handle, req protocol.Request) (*protocol.Raster, error) {
	ch := make(chan exchangeResult, 1)
	go func() {
		var res exchangeResult
		res.err = protocol.WriteRequest(h.toWorker, req)
		if res.err != nil {
			res.err = xerrors.Errorf("write request: %w", res.err)
		} else {
			res.raster, res.err = protocol.ReadRaster(h.fromWorker)
		}
		ch <- res
	}()

	var err error
	select {
	case res := <-ch:
		return res.raster, res.err
	case <-ctx.Done():
		err = ctx.Err()
	case <-stop:
		err = ErrClosed
	}

	select {
	case res := <-ch:
		return res.raster, res.err
	default:
	}
	h.Kill()
	<-ch
	return nil, err
}

// discard throws away a worker that can no longer be trusted and tries to
// respawn it. It reports whether a working worker is installed afterwards.
func (c *Client) discard(h *Handle, cause error) bool {
	h.Kill()

	c.mu.Lock()
	if c.handle != h {
		ok := c.handle != nil
		c.mu.Unlock()
		return ok
	}
	c.handle = nil
	c.broken = unavailable(cause)
	closed := c.closed
	c.mu.Unlock()
	logger.Warningf("discard worker %d: %v", h.Pid(), cause)

	if closed || c.opts.Respawn == nil {
		return false
	}
	return c.respawn() == nil
}

func (c *Client) respawn() error {
	err := ErrWorkerUnavailable
	for a := retry.Start(c.opts.Respawn, nil); a.Next(); {
		select {
		case <-c.tomb.Dying():
			return ErrClosed
		default:
		}

		var h *Handle
		h, err = c.spawn()
		if err != nil {
			logger.Warning("respawn worker failed:", err)
			continue
		}
		if !c.install(h) {
			return ErrClosed
		}
		logger.Info("worker respawned, pid:", h.Pid())
		return nil
	}

	err = unavailable(err)
	c.mu.Lock()
	c.broken = err
	c.mu.Unlock()
	return err
}

func (c *Client) dispatchLoop() error {
	for {
		select {
		case <-c.tomb.Dying():
			c.failQueue(ErrClosed)
			return nil
		case <-c.wake:
		}
		for c.dispatchHead() {
		}
	}
}

// dispatchHead serves the head of the queue. The request stays queued until
// its callbacks returned, so Pending counts it while it is in flight.
func (c *Client) dispatchHead() bool {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return false
	}
	item := c.queue[0]
	c.mu.Unlock()

	ctx := c.tomb.Context(nil)
	cancel := func() {}
	if c.opts.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
	}
	raster, err := c.render(ctx, item.request)
	cancel()
	if err != nil && !c.tomb.Alive() {
		err = ErrClosed
	}
	item.complete(raster, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 && c.queue[0] == item {
		c.queue = c.queue[1:]
	}
	return len(c.queue) > 0
}

func (c *Client) failQueue(err error) {
	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, item := range queue {
		item.complete(nil, err)
	}
}
