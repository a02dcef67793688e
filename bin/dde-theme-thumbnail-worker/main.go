// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

// dde-theme-thumbnail-worker renders theme thumbnails for
// dde-theme-thumbnail. It is started by its client with the request pipe on
// fd 3 and the response pipe on fd 4.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/linuxdeepin/go-lib/log"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/render"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/worker"
)

var logger = log.NewLogger("dde-theme-thumbnail-worker")

const logLevelUsage = "Set log level, possible value is error/warn/info/debug/no."

var (
	optLogLevel       string
	optMaxFieldLength int
)

func init() {
	flag.StringVar(&optLogLevel, "l", "", logLevelUsage)
	flag.StringVar(&optLogLevel, "loglevel", "", logLevelUsage)
	flag.IntVar(&optMaxFieldLength, "max-field-length", protocol.DefaultMaxFieldLength,
		"Longest theme name accepted, in bytes.")
}

func toLogLevel(name string) (log.Priority, error) {
	switch strings.ToLower(name) {
	case "":
		return log.LevelWarning, nil
	case "error":
		return log.LevelError, nil
	case "warn":
		return log.LevelWarning, nil
	case "info":
		return log.LevelInfo, nil
	case "debug":
		return log.LevelDebug, nil
	case "no":
		return log.LevelDisable, nil
	}
	return log.LevelWarning, fmt.Errorf("%s is not support", name)
}

func main() {
	flag.Parse()

	logLevel, err := toLogLevel(optLogLevel)
	if err != nil {
		logger.Warning(err)
	}
	logger.SetLogLevel(logLevel)
	worker.SetLogger(logger)
	render.SetLogger(logger)

	err = worker.ServeInherited(render.Safe(render.NewPreview(nil)),
		worker.WithMaxFieldLength(optMaxFieldLength))
	if err != nil {
		logger.Warning(err)
		os.Exit(1)
	}
}
