// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package render draws theme previews for the thumbnail worker.
package render

import (
	"time"

	"github.com/linuxdeepin/go-lib/log"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
)

var logger = log.NewLogger("daemon/theme-thumbnail/render")

func SetLogger(l *log.Logger) {
	logger = l
}

type Renderer interface {
	Render(req protocol.Request) (*protocol.Raster, error)
}

// Placeholder returns a blank, fully transparent raster.
func Placeholder() *protocol.Raster {
	return new(protocol.Raster)
}

type safeRenderer struct {
	impl Renderer
}

// Safe wraps r so that it never fails: errors and panics turn into a
// Placeholder raster.
func Safe(r Renderer) Renderer {
	return &safeRenderer{impl: r}
}

func (s *safeRenderer) Render(req protocol.Request) (raster *protocol.Raster, err error) {
	t0 := time.Now()
	defer func() {
		if v := recover(); v != nil {
			logger.Warningf("render %q panic: %v", req.Key(), v)
			raster, err = Placeholder(), nil
		}
		logger.Debug("render cost time:", time.Since(t0))
	}()

	raster, err = s.impl.Render(req)
	if err != nil {
		logger.Warningf("render %q failed: %v", req.Key(), err)
		return Placeholder(), nil
	}
	if raster == nil {
		return Placeholder(), nil
	}
	return raster, nil
}
