// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package factory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/retry.v1"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/render"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/worker"
)

const helperWorkerEnv = "THEME_THUMB_TEST_WORKER"

// TestMain turns the test binary into a worker process when started by
// TestSubprocessRoundTrip.
func TestMain(m *testing.M) {
	if os.Getenv(helperWorkerEnv) == "1" {
		err := worker.ServeInherited(worker.RendererFunc(zeroRaster))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

var testRespawnStrategy = retry.LimitCount(3, retry.LimitTime(time.Second,
	retry.Exponential{
		Initial: time.Millisecond,
		Factor:  1,
	},
))

func zeroRaster(protocol.Request) (*protocol.Raster, error) {
	return render.Placeholder(), nil
}

func inProcess(r worker.Renderer) SpawnFunc {
	return func() (*Handle, error) {
		return StartInProcess(r), nil
	}
}

func newTestClient(t *testing.T, spawn SpawnFunc, opts Options) *Client {
	c, err := NewClient(spawn, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c
}

// brokenWorker answers the first request with only respond bytes and then
// closes its output.
func brokenWorker(respond int) SpawnFunc {
	return func() (*Handle, error) {
		toR, toW := io.Pipe()
		fromR, fromW := io.Pipe()
		go func() {
			defer func() {
				_ = fromW.Close()
				_ = toR.Close()
			}()
			dec := protocol.NewDecoder(0)
			buf := make([]byte, 64)
			for {
				n, err := toR.Read(buf)
				answered := false
				_ = dec.Feed(buf[:n], func(protocol.Request) error {
					if respond > 0 {
						_, _ = fromW.Write(make([]byte, respond))
					}
					answered = true
					return nil
				})
				if answered || err != nil {
					return
				}
			}
		}()
		return NewHandle(toW, fromR), nil
	}
}

// spawnSequence hands out the spawn functions in order, repeating the last.
type spawnSequence struct {
	mu    sync.Mutex
	fns   []SpawnFunc
	calls int
}

func (s *spawnSequence) spawn() (*Handle, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	if i >= len(s.fns) {
		i = len(s.fns) - 1
	}
	fn := s.fns[i]
	s.mu.Unlock()
	return fn()
}

func (s *spawnSequence) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func failSpawn() (*Handle, error) {
	return nil, errors.New("out of processes")
}

func TestEndToEndInProcess(t *testing.T) {
	c := newTestClient(t, inProcess(worker.RendererFunc(zeroRaster)), Options{})
	req := protocol.Request{ControlTheme: "Adwaita", WMTheme: "Adwaita", IconTheme: "Adwaita"}

	for i := 0; i < 3; i++ {
		raster, err := c.Generate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, protocol.Raster{}, *raster)
	}
	assert.Zero(t, c.Pending())
}

func TestSubprocessRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a worker process")
	}
	spawn := func() (*Handle, error) {
		return Start(ProcessConfig{
			Path: os.Args[0],
			Args: []string{"-test.run=^$"},
			Env:  []string{helperWorkerEnv + "=1"},
		})
	}
	c, err := NewClient(spawn, Options{})
	require.NoError(t, err)

	h := c.handle
	assert.NotZero(t, h.Pid())
	for _, req := range []protocol.Request{
		{ControlTheme: "Adwaita", WMTheme: "Adwaita", IconTheme: "Adwaita"},
		{WMTheme: "deepin", IconTheme: "bloom"},
	} {
		raster, err := c.Generate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, protocol.Raster{}, *raster)
	}

	assert.NoError(t, c.Close())
	select {
	case <-h.Exited():
	default:
		t.Error("worker still running after Close")
	}
}

func TestStartFailure(t *testing.T) {
	_, err := Start(ProcessConfig{Path: "/nonexistent/dde-theme-thumbnail-worker"})
	assert.True(t, errors.Is(err, ErrWorkerUnavailable))
	assert.True(t, errors.Is(err, os.ErrNotExist), err)

	_, err = NewClient(failSpawn, Options{})
	assert.True(t, errors.Is(err, ErrWorkerUnavailable))
}

func TestInvalidThemeName(t *testing.T) {
	var renders int32
	c := newTestClient(t, inProcess(worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		atomic.AddInt32(&renders, 1)
		return zeroRaster(req)
	})), Options{})

	bad := protocol.Request{ControlTheme: "dee\x00pin"}
	_, err := c.Generate(context.Background(), bad)
	assert.Equal(t, protocol.ErrInvalidThemeName, err)

	var asyncErr error
	c.GenerateAsync(bad, func(_ *protocol.Raster, err error) { asyncErr = err }, nil)
	assert.Equal(t, protocol.ErrInvalidThemeName, asyncErr)

	_, err = c.Generate(context.Background(), protocol.Request{})
	assert.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&renders))
}

// indexedRenderer fills the raster with the number in ControlTheme after
// sleeping a few milliseconds that depend on it.
func indexedRenderer(req protocol.Request) (*protocol.Raster, error) {
	i, err := strconv.Atoi(req.ControlTheme)
	if err != nil {
		return nil, err
	}
	time.Sleep(time.Duration((7-i)%4) * time.Millisecond)
	var raster protocol.Raster
	for j := range raster {
		raster[j] = byte(i)
	}
	return &raster, nil
}

func TestAsyncFIFO(t *testing.T) {
	c := newTestClient(t, inProcess(worker.RendererFunc(indexedRenderer)), Options{})

	const n = 12
	var (
		mu     sync.Mutex
		events []string
		wg     sync.WaitGroup
	)
	record := func(format string, args ...interface{}) {
		mu.Lock()
		events = append(events, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		req := protocol.Request{ControlTheme: strconv.Itoa(i), WMTheme: "deepin", IconTheme: "bloom"}
		c.GenerateAsync(req, func(raster *protocol.Raster, err error) {
			if assert.NoError(t, err) {
				assert.Equal(t, byte(i), raster[protocol.RasterSize-1])
			}
			record("done %d", i)
		}, func() {
			record("destroy %d", i)
			wg.Done()
		})
	}
	wg.Wait()

	var want []string
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("done %d", i), fmt.Sprintf("destroy %d", i))
	}
	assert.Equal(t, want, events)
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, time.Millisecond)
}

type transportLog struct {
	mu         sync.Mutex
	writes     int
	read       int
	violations int
}

// loggedWriter counts requests. Every request must find all earlier
// responses read completely.
type loggedWriter struct {
	io.WriteCloser
	log *transportLog
}

func (w *loggedWriter) Write(p []byte) (int, error) {
	w.log.mu.Lock()
	if w.log.read != w.log.writes*protocol.RasterSize {
		w.log.violations++
	}
	w.log.writes++
	w.log.mu.Unlock()
	return w.WriteCloser.Write(p)
}

type loggedReader struct {
	io.ReadCloser
	log *transportLog
}

func (r *loggedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.log.mu.Lock()
	r.log.read += n
	r.log.mu.Unlock()
	return n, err
}

func TestSingleFlight(t *testing.T) {
	tlog := &transportLog{}
	spawn := func() (*Handle, error) {
		toR, toW := io.Pipe()
		fromR, fromW := io.Pipe()
		go func() {
			err := worker.New(toR, fromW, worker.RendererFunc(indexedRenderer)).Run()
			_ = fromW.CloseWithError(err)
		}()
		return NewHandle(&loggedWriter{toW, tlog}, &loggedReader{fromR, tlog}), nil
	}
	c := newTestClient(t, spawn, Options{})

	const perSource = 6
	var wg sync.WaitGroup
	for g := 0; g < 3; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				req := protocol.Request{ControlTheme: strconv.Itoa(i), WMTheme: strconv.Itoa(g)}
				_, err := c.Generate(context.Background(), req)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(perSource)
	for i := 0; i < perSource; i++ {
		c.GenerateAsync(protocol.Request{ControlTheme: strconv.Itoa(i), WMTheme: "async"},
			func(_ *protocol.Raster, err error) { assert.NoError(t, err) },
			wg.Done)
	}
	wg.Wait()

	tlog.mu.Lock()
	defer tlog.mu.Unlock()
	assert.Zero(t, tlog.violations)
	assert.Equal(t, 4*perSource, tlog.writes)
	assert.Equal(t, 4*perSource*protocol.RasterSize, tlog.read)
}

func TestTransportFailure(t *testing.T) {
	for _, respond := range []int{0, 100, protocol.RasterSize - 1} {
		t.Run(strconv.Itoa(respond), func(t *testing.T) {
			seq := &spawnSequence{fns: []SpawnFunc{
				brokenWorker(respond),
				inProcess(worker.RendererFunc(zeroRaster)),
			}}
			c := newTestClient(t, seq.spawn, Options{})
			req := protocol.Request{ControlTheme: "deepin", WMTheme: "deepin", IconTheme: "bloom"}

			_, err := c.Generate(context.Background(), req)
			assert.True(t, errors.Is(err, ErrWorkerUnavailable))
			assert.True(t, errors.Is(err, protocol.ErrShortResponse))

			// refused until recovered
			_, err = c.Generate(context.Background(), req)
			assert.True(t, errors.Is(err, ErrWorkerUnavailable))
			var asyncErr error
			destroyed := false
			c.GenerateAsync(req, func(_ *protocol.Raster, err error) {
				asyncErr = err
			}, func() {
				destroyed = true
			})
			assert.True(t, errors.Is(asyncErr, ErrWorkerUnavailable))
			assert.True(t, destroyed)
			assert.Equal(t, 1, seq.count())

			require.NoError(t, c.Restart())
			raster, err := c.Generate(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, protocol.Raster{}, *raster)
			assert.Equal(t, 2, seq.count())
		})
	}
}

func TestAsyncTransportFailure(t *testing.T) {
	c := newTestClient(t, brokenWorker(10), Options{})

	errs := make(chan error, 2)
	c.GenerateAsync(protocol.Request{ControlTheme: "a"}, func(_ *protocol.Raster, err error) { errs <- err }, nil)
	c.GenerateAsync(protocol.Request{ControlTheme: "b"}, func(_ *protocol.Raster, err error) { errs <- err }, nil)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrWorkerUnavailable))
		case <-time.After(5 * time.Second):
			t.Fatal("async request never completed")
		}
	}
}

func TestRespawnReplay(t *testing.T) {
	req := protocol.Request{ControlTheme: "Adwaita", WMTheme: "Adwaita", IconTheme: "Adwaita"}

	t.Run("replay", func(t *testing.T) {
		seq := &spawnSequence{fns: []SpawnFunc{
			brokenWorker(0),
			inProcess(worker.RendererFunc(zeroRaster)),
		}}
		c := newTestClient(t, seq.spawn, Options{Respawn: testRespawnStrategy, ReplayHead: true})

		raster, err := c.Generate(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, protocol.Raster{}, *raster)
		assert.Equal(t, 2, seq.count())
	})

	t.Run("no replay", func(t *testing.T) {
		seq := &spawnSequence{fns: []SpawnFunc{
			brokenWorker(0),
			inProcess(worker.RendererFunc(zeroRaster)),
		}}
		c := newTestClient(t, seq.spawn, Options{Respawn: testRespawnStrategy})

		_, err := c.Generate(context.Background(), req)
		assert.True(t, errors.Is(err, ErrWorkerUnavailable))
		assert.Equal(t, 2, seq.count())

		_, err = c.Generate(context.Background(), req)
		assert.NoError(t, err)
	})

	t.Run("respawn fails", func(t *testing.T) {
		seq := &spawnSequence{fns: []SpawnFunc{brokenWorker(0), failSpawn}}
		c := newTestClient(t, seq.spawn, Options{Respawn: testRespawnStrategy, ReplayHead: true})

		_, err := c.Generate(context.Background(), req)
		assert.True(t, errors.Is(err, ErrWorkerUnavailable))
		assert.Equal(t, 4, seq.count())

		_, err = c.Generate(context.Background(), req)
		assert.True(t, errors.Is(err, ErrWorkerUnavailable))
		assert.Equal(t, 4, seq.count())
		assert.Error(t, c.Restart())
	})
}

func TestCancelTearsDownWorker(t *testing.T) {
	block := make(chan struct{})
	blocking := worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		<-block
		return zeroRaster(req)
	})
	var handles []*Handle
	spawn := func() (*Handle, error) {
		h := StartInProcess(blocking)
		handles = append(handles, h)
		return h, nil
	}
	c := newTestClient(t, spawn, Options{Respawn: testRespawnStrategy})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, protocol.Request{ControlTheme: "slow"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Len(t, handles, 2)

	// the first worker's output is gone, its late response cannot reach the client
	_, err = handles[0].fromWorker.Read(make([]byte, 1))
	assert.Error(t, err)

	close(block)
	raster, err := c.Generate(context.Background(), protocol.Request{ControlTheme: "fast"})
	require.NoError(t, err)
	assert.Equal(t, protocol.Raster{}, *raster)
}

func TestCancelledBeforeSend(t *testing.T) {
	seq := &spawnSequence{fns: []SpawnFunc{inProcess(worker.RendererFunc(zeroRaster))}}
	c := newTestClient(t, seq.spawn, Options{})
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		_, err := c.Generate(cancelled, protocol.Request{ControlTheme: "deepin"})
		assert.Equal(t, context.Canceled, err)

		raster, err := c.Generate(context.Background(), protocol.Request{ControlTheme: "deepin"})
		require.NoError(t, err)
		assert.Equal(t, protocol.Raster{}, *raster)
	}
	assert.Equal(t, 1, seq.count())
}

func TestCloseDuringGenerate(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	entered := make(chan struct{}, 1)
	c, err := NewClient(inProcess(worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		entered <- struct{}{}
		<-block
		return zeroRaster(req)
	})), Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Generate(context.Background(), protocol.Request{})
		done <- err
	}()
	<-entered

	start := time.Now()
	_ = c.Close()
	assert.Less(t, time.Since(start), defaultShutdownTimeout)
	select {
	case err := <-done:
		assert.Equal(t, ErrClosed, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Generate not cut short by Close")
	}
}

func TestAsyncRequestTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	c := newTestClient(t, inProcess(worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		<-block
		return zeroRaster(req)
	})), Options{RequestTimeout: 20 * time.Millisecond})

	errs := make(chan error, 1)
	c.GenerateAsync(protocol.Request{}, func(_ *protocol.Raster, err error) { errs <- err }, nil)
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(5 * time.Second):
		t.Fatal("request timeout not applied")
	}
}

func TestCacheInvalidation(t *testing.T) {
	var renders int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	renderer := worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		atomic.AddInt32(&renders, 1)
		if req.ControlTheme == "slow" {
			entered <- struct{}{}
			<-release
		}
		return zeroRaster(req)
	})
	c := newTestClient(t, inProcess(renderer), Options{CacheSize: 3})
	ctx := context.Background()
	count := func() int32 { return atomic.LoadInt32(&renders) }

	a := protocol.Request{ControlTheme: "deepin", WMTheme: "deepin", IconTheme: "bloom"}
	b := protocol.Request{ControlTheme: "Adwaita", WMTheme: "Adwaita", IconTheme: "bloom"}

	_, err := c.Generate(ctx, a)
	require.NoError(t, err)
	_, err = c.Generate(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int32(1), count())

	c.InvalidateCache(a)
	_, err = c.Generate(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, int32(2), count())

	_, err = c.Generate(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, c.InvalidateTheme("bloom"))
	assert.Equal(t, 0, c.InvalidateTheme("bloom"))
	assert.Zero(t, c.cache.count())

	// a render that was running during the invalidation is not cached
	slow := protocol.Request{ControlTheme: "slow"}
	done := make(chan error, 1)
	go func() {
		_, err := c.Generate(ctx, slow)
		done <- err
	}()
	<-entered
	c.InvalidateCache(slow)
	close(release)
	require.NoError(t, <-done)
	assert.Zero(t, c.cache.count())
	go func() { <-entered }()
	_, err = c.Generate(ctx, slow)
	require.NoError(t, err)
	assert.Equal(t, 1, c.cache.count())

	// least recently used goes first
	for _, theme := range []string{"x", "y", "z"} {
		_, err = c.Generate(ctx, protocol.Request{ControlTheme: theme})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, c.cache.count())
	_, ok := c.cache.get(slow)
	assert.False(t, ok)
}

func TestCloseFailsQueue(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	c, err := NewClient(inProcess(worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		entered <- struct{}{}
		<-block
		return zeroRaster(req)
	})), Options{})
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	wg.Add(3)
	for i := 0; i < 3; i++ {
		c.GenerateAsync(protocol.Request{ControlTheme: strconv.Itoa(i)}, func(_ *protocol.Raster, err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}, wg.Done)
	}
	<-entered
	assert.Equal(t, 3, c.Pending())

	closed := make(chan error, 1)
	go func() {
		closed <- c.Close()
	}()
	wg.Wait()
	close(block)
	<-closed

	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.Equal(t, ErrClosed, err)
	}
	assert.Zero(t, c.Pending())

	_, err = c.Generate(context.Background(), protocol.Request{})
	assert.Equal(t, ErrClosed, err)
	var asyncErr error
	c.GenerateAsync(protocol.Request{}, func(_ *protocol.Raster, err error) { asyncErr = err }, nil)
	assert.Equal(t, ErrClosed, asyncErr)
	assert.NoError(t, c.Close())
}
