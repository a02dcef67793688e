// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package factory

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/worker"
)

func TestInProcessHandleClose(t *testing.T) {
	h := StartInProcess(worker.RendererFunc(zeroRaster))
	assert.Zero(t, h.Pid())

	require.NoError(t, protocol.WriteRequest(h.toWorker, protocol.Request{ControlTheme: "deepin"}))
	raster, err := protocol.ReadRaster(h.fromWorker)
	require.NoError(t, err)
	assert.Equal(t, protocol.Raster{}, *raster)

	assert.NoError(t, h.Close())
	select {
	case <-h.Exited():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	// closing twice is harmless
	assert.NoError(t, h.Close())
}

func TestInProcessHandleKill(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	h := StartInProcess(worker.RendererFunc(func(req protocol.Request) (*protocol.Raster, error) {
		<-block
		return zeroRaster(req)
	}))

	require.NoError(t, protocol.WriteRequest(h.toWorker, protocol.Request{}))
	h.Kill()
	_, err := protocol.ReadRaster(h.fromWorker)
	assert.Error(t, err)
	assert.Error(t, protocol.WriteRequest(h.toWorker, protocol.Request{}))

	// the renderer is still blocked, Close does not wait for it
	start := time.Now()
	_ = h.Close()
	assert.Less(t, time.Since(start), defaultShutdownTimeout)
}

func TestNewHandleClose(t *testing.T) {
	toR, toW := io.Pipe()
	fromR, fromW := io.Pipe()
	h := NewHandle(toW, fromR)

	assert.NoError(t, h.Close())
	<-h.Exited()
	_, err := toR.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	_, err = fromW.Write([]byte{1})
	assert.Equal(t, io.ErrClosedPipe, err)
}
