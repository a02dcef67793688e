// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package theme_thumbnail

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	dutils "github.com/linuxdeepin/go-lib/utils"
)

// themes are usually copied file by file, wait for the copy to finish
const themeSettleDelay = 700 * time.Millisecond

func (m *Manager) initWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher
	m.endWatcher = make(chan struct{})
	m.roots = uniqueDirs(m.dirs.gtk, m.dirs.wm, m.dirs.icon)
	for _, root := range m.roots {
		m.watchRoot(root)
	}
	go m.handleThemeChanged()
	return nil
}

func uniqueDirs(lists ...[]string) []string {
	var result []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, dir := range list {
			if !seen[dir] {
				seen[dir] = true
				result = append(result, dir)
			}
		}
	}
	return result
}

// watchRoot watches a theme root and every theme directory in it.
func (m *Manager) watchRoot(root string) {
	err := m.watcher.Add(root)
	if err != nil {
		logger.Debugf("Watch dir '%s' failed: %v", root, err)
		return
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		logger.Debugf("Read dir '%s' failed: %v", root, err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		err = m.watcher.Add(dir)
		if err != nil {
			logger.Debugf("Watch dir '%s' failed: %v", dir, err)
		}
	}
}

func (m *Manager) stopWatcher() {
	if m.watcher == nil {
		return
	}
	close(m.endWatcher)
	err := m.watcher.Close()
	if err != nil {
		logger.Warning(err)
	}

	m.pendingMu.Lock()
	if m.invalidateTimer != nil {
		m.invalidateTimer.Stop()
	}
	m.pendingMu.Unlock()
}

func (m *Manager) handleThemeChanged() {
	for {
		select {
		case <-m.endWatcher:
			logger.Debug("[Fsnotify] quit watch")
			return
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logger.Warning("Receive file watcher error:", err)
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleEvent(ev fsnotify.Event) {
	root, theme := themeOfPath(m.roots, ev.Name)
	if theme == "" {
		return
	}
	logger.Debug("[Fsnotify] changed file:", ev)

	themeDir := filepath.Join(root, theme)
	if ev.Name == themeDir {
		if ev.Op&fsnotify.Create != 0 && dutils.IsDir(ev.Name) {
			err := m.watcher.Add(ev.Name)
			if err != nil {
				logger.Debugf("Watch dir '%s' failed: %v", ev.Name, err)
			}
		} else if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			_ = m.watcher.Remove(ev.Name)
		}
	}
	m.scheduleInvalidate(theme)
}

// themeOfPath returns the root file lives in and the name of the theme
// directory below that root.
func themeOfPath(roots []string, file string) (root, theme string) {
	for _, root := range roots {
		rel, err := filepath.Rel(root, file)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return root, strings.SplitN(rel, string(filepath.Separator), 2)[0]
	}
	return "", ""
}

func (m *Manager) scheduleInvalidate(theme string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pendingThemes[theme] = struct{}{}
	if m.invalidateTimer == nil {
		m.invalidateTimer = time.AfterFunc(themeSettleDelay, m.flushInvalidate)
	} else {
		m.invalidateTimer.Reset(themeSettleDelay)
	}
}

func (m *Manager) flushInvalidate() {
	m.pendingMu.Lock()
	themes := m.pendingThemes
	m.pendingThemes = make(map[string]struct{})
	m.pendingMu.Unlock()

	for theme := range themes {
		m.invalidateTheme(theme)
	}
}
