// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package theme_thumbnail

import (
	"bufio"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linuxdeepin/go-lib/utils"
	"golang.org/x/xerrors"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/render"
)

// themeDirs are the places the three themes of a request are looked up in.
type themeDirs struct {
	gtk  []string
	wm   []string
	icon []string
}

func defaultThemeDirs() themeDirs {
	return themeDirs{
		gtk:  render.GtkThemeDirs(),
		wm:   render.WMThemeDirs(),
		icon: render.IconThemeDirs(),
	}
}

// modTime returns the newest modification time of the theme directories
// req refers to, the Unix epoch if none of them exists.
func (td themeDirs) modTime(req protocol.Request) time.Time {
	newest := time.Unix(0, 0)
	lookups := []struct {
		dirs []string
		name string
	}{
		{td.gtk, req.ControlTheme},
		{td.wm, req.WMTheme},
		{td.icon, req.IconTheme},
	}
	for _, l := range lookups {
		dir, ok := render.FindTheme(l.dirs, l.name)
		if !ok {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

// diskCache stores thumbnails as PNG files named after the md5 of the
// request key. A file's mod time is set to the theme mod time it was
// rendered for.
type diskCache struct {
	dir string

	mu    sync.Mutex
	index map[string]protocol.Request
}

func newDiskCache(dir string) *diskCache {
	return &diskCache{
		dir:   dir,
		index: make(map[string]protocol.Request),
	}
}

// key names the thumbnail of req on disk and in the Finished signal.
func (dc *diskCache) key(req protocol.Request) string {
	sum, _ := utils.SumStrMd5(req.Key())
	return sum
}

func (dc *diskCache) fileName(req protocol.Request) string {
	return filepath.Join(dc.dir, dc.key(req)+".png")
}

func modTimeEqual(t1, t2 time.Time) bool {
	return t1.Unix() == t2.Unix() &&
		(t1.Nanosecond()/1000) == (t2.Nanosecond()/1000)
}

// lookup returns the cached file of req if it was rendered for themeTime.
func (dc *diskCache) lookup(req protocol.Request, themeTime time.Time) (string, bool) {
	file := dc.fileName(req)
	info, err := os.Stat(file)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warning(err)
		}
		return "", false
	}
	if info.Size() == 0 {
		logger.Warningf("file %q already exists, but the content is empty", file)
		return "", false
	}
	if !modTimeEqual(info.ModTime(), themeTime) {
		logger.Debugf("file %q is out of date", file)
		return "", false
	}
	dc.remember(file, req)
	return file, true
}

func (dc *diskCache) remember(file string, req protocol.Request) {
	dc.mu.Lock()
	dc.index[file] = req
	dc.mu.Unlock()
}

// store writes raster as PNG. The file is renamed into place, readers never
// see a partial file.
func (dc *diskCache) store(req protocol.Request, raster *protocol.Raster, themeTime time.Time) (file string, err error) {
	err = os.MkdirAll(dc.dir, 0755)
	if err != nil {
		return "", xerrors.Errorf("failed to make cache dir: %w", err)
	}

	fh, err := os.CreateTemp(dc.dir, ".thumbnail-*")
	if err != nil {
		return "", xerrors.Errorf("failed to create temp file: %w", err)
	}
	tmpFile := fh.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpFile)
		}
	}()

	bufWriter := bufio.NewWriter(fh)
	err = png.Encode(bufWriter, raster.Image())
	if err == nil {
		err = bufWriter.Flush()
	}
	closeErr := fh.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return "", xerrors.Errorf("failed to write png: %w", err)
	}

	err = os.Chtimes(tmpFile, time.Now(), themeTime)
	if err != nil {
		return "", xerrors.Errorf("failed to set file modify time: %w", err)
	}
	file = dc.fileName(req)
	err = os.Rename(tmpFile, file)
	if err != nil {
		return "", xerrors.Errorf("failed to rename temp file: %w", err)
	}
	dc.remember(file, req)
	return file, nil
}

func (dc *diskCache) remove(req protocol.Request) {
	file := dc.fileName(req)
	dc.mu.Lock()
	delete(dc.index, file)
	dc.mu.Unlock()
	removeFile(file)
}

// removeTheme deletes the files known to use theme. Files of earlier runs
// are not in the index, they are caught by the mod time check.
func (dc *diskCache) removeTheme(theme string) int {
	var files []string
	dc.mu.Lock()
	for file, req := range dc.index {
		if req.Contains(theme) {
			files = append(files, file)
			delete(dc.index, file)
		}
	}
	dc.mu.Unlock()

	for _, file := range files {
		removeFile(file)
	}
	return len(files)
}

func removeFile(file string) {
	err := os.Remove(file)
	if err != nil && !os.IsNotExist(err) {
		logger.Warningf("failed to remove file %q: %v", file, err)
	}
}
