// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package render

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/linuxdeepin/go-lib/xdg/basedir"
)

func GtkThemeDirs() []string {
	return []string{
		filepath.Join(basedir.GetUserDataDir(), "themes"),
		filepath.Join(basedir.GetUserHomeDir(), ".themes"),
		"/usr/local/share/themes",
		"/usr/share/themes",
	}
}

// WMThemeDirs returns the window manager theme directories. They are shared
// with gtk themes, the wm part lives in a sub directory of the theme.
func WMThemeDirs() []string {
	return GtkThemeDirs()
}

func IconThemeDirs() []string {
	return []string{
		filepath.Join(basedir.GetUserDataDir(), "icons"),
		filepath.Join(basedir.GetUserHomeDir(), ".icons"),
		"/usr/local/share/icons",
		"/usr/share/icons",
	}
}

// validThemeName rejects names that would escape the theme directories.
func validThemeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsRune(name, os.PathSeparator)
}

// FindTheme returns the first directory named theme under dirs.
func FindTheme(dirs []string, theme string) (string, bool) {
	if !validThemeName(theme) {
		return "", false
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, theme)
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			return path, true
		}
	}
	return "", false
}
