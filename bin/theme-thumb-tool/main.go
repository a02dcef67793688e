// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/linuxdeepin/go-gir/gio-2.0"
	"github.com/linuxdeepin/go-lib/log"
	dutils "github.com/linuxdeepin/go-lib/utils"

	theme_thumbnail "github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
)

const (
	TypeCurrent = "current"

	appearanceSchema = "com.deepin.dde.appearance"
	gsKeyGtkTheme    = "gtk-theme"
	gsKeyIconTheme   = "icon-theme"
	wmSchema         = "org.gnome.desktop.wm.preferences"
	gsKeyWMTheme     = "theme"

	forceFlagUsage     = "Force generate thumbnails"
	destDirUsage       = "Thumbnails output directory"
	inProcessFlagUsage = "Render in this process instead of starting the worker"
	verboseFlagUsage   = "Show debug output"
)

var logger = log.NewLogger("theme-thumb-tool")

var errThemeNamePath = errors.New("theme name contains a path separator")

var _forceFlag bool
var _destDir string
var _inProcessFlag bool
var _verboseFlag bool

func init() {
	flag.BoolVar(&_forceFlag, "force", false, forceFlagUsage)
	flag.BoolVar(&_forceFlag, "f", false, forceFlagUsage)
	flag.StringVar(&_destDir, "output", "", destDirUsage)
	flag.StringVar(&_destDir, "o", "", destDirUsage)
	flag.BoolVar(&_inProcessFlag, "inprocess", false, inProcessFlagUsage)
	flag.BoolVar(&_verboseFlag, "v", false, verboseFlagUsage)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if _verboseFlag {
		logger.SetLogLevel(log.LevelDebug)
	}

	var req protocol.Request
	switch {
	case flag.NArg() == 1 && flag.Arg(0) == TypeCurrent:
		var err error
		req, err = currentRequest()
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "read current themes failed:", err)
			os.Exit(1)
		}
	case flag.NArg() == 3:
		req = protocol.Request{ControlTheme: flag.Arg(0), WMTheme: flag.Arg(1), IconTheme: flag.Arg(2)}
	default:
		usage()
	}

	file, err := genThumbnail(req)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(file)
}

func usage() {
	fmt.Println("Desc:")
	fmt.Println("\ttheme-thumb-tool - theme preview thumbnail generator")
	fmt.Println("Usage:")
	fmt.Println("\ttheme-thumb-tool [Option] <gtk theme> <wm theme> <icon theme>")
	fmt.Println("\ttheme-thumb-tool [Option] current")
	fmt.Println("Option:")
	fmt.Println("\t-f --force: force to generate thumbnail regardless of file exist")
	fmt.Println("\t-o --output: thumbnails output directory")
	fmt.Println("\t-inprocess: render without starting the worker process")
	fmt.Println("\t-v: show debug output")
	fmt.Println("Type:")
	fmt.Println("\tcurrent: generate the thumbnail of the themes in use")

	os.Exit(0)
}

func currentRequest() (req protocol.Request, err error) {
	appearance, err := dutils.CheckAndNewGSettings(appearanceSchema)
	if err != nil {
		return req, err
	}
	defer appearance.Unref()

	req.ControlTheme = appearance.GetString(gsKeyGtkTheme)
	req.IconTheme = appearance.GetString(gsKeyIconTheme)
	req.WMTheme = req.ControlTheme

	wm, err := dutils.CheckAndNewGSettings(wmSchema)
	if err != nil {
		logger.Debug(err)
		return req, nil
	}
	defer wm.Unref()
	if theme := settingsString(wm, gsKeyWMTheme); theme != "" {
		req.WMTheme = theme
	}
	return req, nil
}

func settingsString(s *gio.Settings, key string) string {
	return strings.TrimSpace(s.GetString(key))
}

// checkThemeNames rejects names that would place the thumbnail outside the
// output directory.
func checkThemeNames(req protocol.Request) error {
	for _, name := range []string{req.ControlTheme, req.WMTheme, req.IconTheme} {
		if strings.ContainsRune(name, os.PathSeparator) {
			return fmt.Errorf("%w: %q", errThemeNamePath, name)
		}
	}
	return nil
}

// thumbFileName joins the three theme names, see checkThemeNames.
func thumbFileName(req protocol.Request) string {
	name := strings.Join([]string{req.ControlTheme, req.WMTheme, req.IconTheme}, "_")
	return name + ".png"
}

func genThumbnail(req protocol.Request) (string, error) {
	err := checkThemeNames(req)
	if err != nil {
		return "", err
	}
	destDir := _destDir
	if destDir == "" {
		destDir = "."
	}
	file := filepath.Join(destDir, thumbFileName(req))
	if !_forceFlag && dutils.IsFileExist(file) {
		logger.Debugf("%q exists, skip", file)
		return file, nil
	}

	cfg, err := theme_thumbnail.LoadConfig(theme_thumbnail.ConfigFiles()...)
	if err != nil {
		logger.Warning(err)
		cfg = theme_thumbnail.DefaultConfig()
	}
	if _inProcessFlag {
		cfg.InProcess = true
	}
	cfg.CacheSize = 0

	client, err := theme_thumbnail.NewClient(cfg)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = client.Close()
	}()

	raster, err := client.Generate(context.Background(), req)
	if err != nil {
		return "", err
	}
	return file, writeThumbFile(file, raster)
}

func writeThumbFile(file string, raster *protocol.Raster) error {
	err := os.MkdirAll(filepath.Dir(file), 0755)
	if err != nil {
		return fmt.Errorf("create %q failed: %v", filepath.Dir(file), err)
	}
	fh, err := os.Create(file)
	if err != nil {
		return err
	}
	bufWriter := bufio.NewWriter(fh)
	err = png.Encode(bufWriter, raster.Image())
	if err == nil {
		err = bufWriter.Flush()
	}
	closeErr := fh.Close()
	if err == nil {
		err = closeErr
	}
	return err
}
