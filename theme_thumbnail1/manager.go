// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package theme_thumbnail

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"
	"github.com/linuxdeepin/go-lib/dbusutil"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/factory"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
)

//go:generate dbusutil-gen em -type Manager

const (
	dbusServiceName = "org.deepin.dde.ThemeThumbnail1"
	dbusPath        = "/org/deepin/dde/ThemeThumbnail1"
	dbusInterface   = dbusServiceName

	// a Finished known before GenerateAsync returns is held back this long,
	// so the reply carrying its key goes out first
	earlyFinishedDelay = 100 * time.Millisecond
)

type Manager struct {
	service        *dbusutil.Service
	client         *factory.Client
	cache          *diskCache
	dirs           themeDirs
	requestTimeout time.Duration

	// finished reports the end of an async request, it emits Finished
	finished func(key, file string, ok bool)

	tasksMu sync.Mutex
	tasks   int

	watcher    *fsnotify.Watcher
	endWatcher chan struct{}
	roots      []string

	pendingMu       sync.Mutex
	pendingThemes   map[string]struct{}
	invalidateTimer *time.Timer

	//nolint
	signals *struct {
		Finished struct {
			key  string
			file string
			ok   bool
		}
	}
}

func newManager(service *dbusutil.Service, client *factory.Client, cfg *Config) *Manager {
	m := &Manager{
		service:        service,
		client:         client,
		cache:          newDiskCache(cfg.CacheDir),
		dirs:           defaultThemeDirs(),
		requestTimeout: cfg.RequestTimeout,
		pendingThemes:  make(map[string]struct{}),
	}
	m.finished = m.emitSignalFinished
	return m
}

func (*Manager) GetInterfaceName() string {
	return dbusInterface
}

func (m *Manager) delayAutoQuit() {
	if m.service != nil {
		m.service.DelayAutoQuit()
	}
}

func (m *Manager) beginTask() {
	m.tasksMu.Lock()
	m.tasks++
	m.tasksMu.Unlock()
}

func (m *Manager) endTask() {
	m.tasksMu.Lock()
	m.tasks--
	m.tasksMu.Unlock()
}

func (m *Manager) canQuit() bool {
	m.tasksMu.Lock()
	tasks := m.tasks
	m.tasksMu.Unlock()
	return tasks == 0 && m.client.Pending() == 0
}

func (m *Manager) Generate(gtkTheme, wmTheme, iconTheme string) (file string, busErr *dbus.Error) {
	m.delayAutoQuit()
	req := protocol.Request{ControlTheme: gtkTheme, WMTheme: wmTheme, IconTheme: iconTheme}
	logger.Debugf("Generate gtk: %q, wm: %q, icon: %q", gtkTheme, wmTheme, iconTheme)

	ctx := context.Background()
	if m.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.requestTimeout)
		defer cancel()
	}
	file, err := m.generate(ctx, req)
	if err != nil {
		logger.Warning(err)
	}
	return file, dbusutil.ToError(err)
}

func (m *Manager) generate(ctx context.Context, req protocol.Request) (string, error) {
	m.beginTask()
	defer m.endTask()

	err := req.Validate()
	if err != nil {
		return "", err
	}
	themeTime := m.dirs.modTime(req)
	if file, ok := m.cache.lookup(req, themeTime); ok {
		return file, nil
	}

	t0 := time.Now()
	raster, err := m.client.Generate(ctx, req)
	if err != nil {
		return "", xerrors.Errorf("failed to generate thumbnail: %w", err)
	}
	logger.Debug("cost time:", time.Since(t0))
	return m.cache.store(req, raster, themeTime)
}

// GenerateAsync returns at once with the key the Finished signal will carry.
// Callers should subscribe to Finished before calling it.
func (m *Manager) GenerateAsync(gtkTheme, wmTheme, iconTheme string) (key string, busErr *dbus.Error) {
	m.delayAutoQuit()
	req := protocol.Request{ControlTheme: gtkTheme, WMTheme: wmTheme, IconTheme: iconTheme}
	err := req.Validate()
	if err != nil {
		return "", dbusutil.ToError(err)
	}
	return m.generateAsync(req), nil
}

func (m *Manager) generateAsync(req protocol.Request) string {
	key := m.cache.key(req)
	themeTime := m.dirs.modTime(req)
	if file, ok := m.cache.lookup(req, themeTime); ok {
		m.finishLater(key, file, true)
		return key
	}

	replied := make(chan struct{})
	defer close(replied)
	m.beginTask()
	m.client.GenerateAsync(req, func(raster *protocol.Raster, err error) {
		var file string
		if err == nil {
			file, err = m.cache.store(req, raster, themeTime)
		}
		if err != nil {
			logger.Warningf("failed to generate thumbnail %s: %v", key, err)
		}
		select {
		case <-replied:
			m.finished(key, file, err == nil)
		default:
			m.finishLater(key, file, err == nil)
		}
	}, m.endTask)
	return key
}

func (m *Manager) finishLater(key, file string, ok bool) {
	time.AfterFunc(earlyFinishedDelay, func() {
		m.finished(key, file, ok)
	})
}

func (m *Manager) emitSignalFinished(key, file string, ok bool) {
	if m.service == nil {
		return
	}
	err := m.service.Emit(m, "Finished", key, file, ok)
	if err != nil {
		logger.Warning("emit signal Finished failed:", err)
	}
}

func (m *Manager) Invalidate(gtkTheme, wmTheme, iconTheme string) *dbus.Error {
	m.delayAutoQuit()
	req := protocol.Request{ControlTheme: gtkTheme, WMTheme: wmTheme, IconTheme: iconTheme}
	m.client.InvalidateCache(req)
	m.cache.remove(req)
	return nil
}

func (m *Manager) InvalidateTheme(name string) *dbus.Error {
	m.delayAutoQuit()
	m.invalidateTheme(name)
	return nil
}

func (m *Manager) invalidateTheme(name string) {
	n := m.client.InvalidateTheme(name)
	files := m.cache.removeTheme(name)
	logger.Debugf("invalidate theme %q, dropped %d rasters and %d files", name, n, files)
}

func (m *Manager) destroy() {
	m.stopWatcher()
	err := m.client.Close()
	if err != nil {
		logger.Warning("close worker:", err)
	}
}
