// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package theme_thumbnail exports the theme thumbnail generator on the
// session bus.
package theme_thumbnail

import (
	"github.com/linuxdeepin/go-lib/dbusutil"
	"github.com/linuxdeepin/go-lib/log"
)

var logger = log.NewLogger("daemon/theme-thumbnail")

func run(cfg *Config) error {
	service, err := dbusutil.NewSessionService()
	if err != nil {
		return err
	}

	client, err := NewClient(cfg)
	if err != nil {
		return err
	}
	m := newManager(service, client, cfg)
	defer m.destroy()

	err = service.Export(dbusPath, m)
	if err != nil {
		return err
	}

	err = service.RequestName(dbusServiceName)
	if err != nil {
		return err
	}

	err = m.initWatcher()
	if err != nil {
		logger.Warning("failed to watch theme dirs:", err)
	}

	if cfg.AutoQuit > 0 {
		service.SetAutoQuitHandler(cfg.AutoQuit, m.canQuit)
	}
	service.Wait()
	return nil
}

func Run() {
	cfg, err := LoadConfig(ConfigFiles()...)
	if err != nil {
		logger.Warning(err)
		cfg = DefaultConfig()
	}

	err = run(cfg)
	if err != nil {
		logger.Fatal(err)
	}
}
