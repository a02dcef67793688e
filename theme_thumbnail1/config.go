// SPDX-FileCopyrightText: 2024 UnionTech Software Technology Co., Ltd.
//
// SPDX-License-Identifier: GPL-3.0-or-later

package theme_thumbnail

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/linuxdeepin/go-lib/keyfile"
	"github.com/linuxdeepin/go-lib/utils"
	"github.com/linuxdeepin/go-lib/xdg/basedir"
	"golang.org/x/xerrors"
	"gopkg.in/retry.v1"

	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/factory"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/protocol"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/render"
	"github.com/linuxdeepin/dde-theme-thumbnail/theme_thumbnail1/worker"
)

const (
	configFileName  = "dde-theme-thumbnail.conf"
	systemConfigDir = "/etc/deepin"

	sectionWorker  = "Worker"
	sectionCache   = "Cache"
	sectionService = "Service"

	defaultWorkerPath = "/usr/lib/deepin-daemon/dde-theme-thumbnail-worker"
)

type Config struct {
	WorkerPath      string
	InProcess       bool
	RespawnAttempts int
	RequestTimeout  time.Duration
	MaxFieldLength  int

	CacheDir  string
	CacheSize int

	AutoQuit time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		WorkerPath:      defaultWorkerPath,
		RespawnAttempts: 3,
		RequestTimeout:  10 * time.Second,
		MaxFieldLength:  protocol.DefaultMaxFieldLength,
		CacheDir:        filepath.Join(basedir.GetUserCacheDir(), "deepin", "dde-theme-thumbnail"),
		CacheSize:       64,
		AutoQuit:        time.Minute,
	}
}

// ConfigFiles returns the system config file followed by the user's, which
// overrides it key by key.
func ConfigFiles() []string {
	return []string{
		filepath.Join(systemConfigDir, configFileName),
		filepath.Join(basedir.GetUserConfigDir(), "deepin", configFileName),
	}
}

// LoadConfig applies files in order on top of DefaultConfig. Missing files
// are skipped.
func LoadConfig(files ...string) (*Config, error) {
	cfg := DefaultConfig()
	for _, file := range files {
		if !utils.IsFileExist(file) {
			continue
		}
		kf := keyfile.NewKeyFile()
		err := kf.LoadFromFile(file)
		if err != nil {
			return nil, xerrors.Errorf("failed to load config %q: %w", file, err)
		}
		cfg.apply(kf)
		logger.Debug("load config", file)
	}
	return cfg, nil
}

func (cfg *Config) apply(kf *keyfile.KeyFile) {
	if v, err := kf.GetString(sectionWorker, "Path"); err == nil && v != "" {
		cfg.WorkerPath = v
	}
	if v, err := kf.GetBool(sectionWorker, "InProcess"); err == nil {
		cfg.InProcess = v
	}
	getInt(kf, sectionWorker, "RespawnAttempts", &cfg.RespawnAttempts)
	getDuration(kf, sectionWorker, "RequestTimeout", &cfg.RequestTimeout)
	getInt(kf, sectionWorker, "MaxFieldLength", &cfg.MaxFieldLength)

	if v, err := kf.GetString(sectionCache, "Dir"); err == nil && v != "" {
		cfg.CacheDir = v
	}
	getInt(kf, sectionCache, "Size", &cfg.CacheSize)

	getDuration(kf, sectionService, "AutoQuit", &cfg.AutoQuit)
}

func getInt(kf *keyfile.KeyFile, section, key string, dst *int) {
	v, err := kf.GetString(section, key)
	if err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.Warningf("invalid value %q for %s/%s", v, section, key)
		return
	}
	*dst = n
}

func getDuration(kf *keyfile.KeyFile, section, key string, dst *time.Duration) {
	v, err := kf.GetString(section, key)
	if err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		logger.Warningf("invalid duration %q for %s/%s", v, section, key)
		return
	}
	*dst = d
}

func (cfg *Config) spawnFunc() factory.SpawnFunc {
	if cfg.InProcess {
		return func() (*factory.Handle, error) {
			r := render.Safe(render.NewPreview(nil))
			return factory.StartInProcess(r, worker.WithMaxFieldLength(cfg.MaxFieldLength)), nil
		}
	}
	pc := factory.ProcessConfig{
		Path: cfg.WorkerPath,
		Args: []string{"-max-field-length", strconv.Itoa(cfg.MaxFieldLength)},
	}
	return func() (*factory.Handle, error) {
		return factory.Start(pc)
	}
}

func (cfg *Config) clientOptions() factory.Options {
	opts := factory.Options{
		ReplayHead:     true,
		RequestTimeout: cfg.RequestTimeout,
		CacheSize:      cfg.CacheSize,
	}
	if cfg.RespawnAttempts > 0 {
		opts.Respawn = retry.LimitCount(cfg.RespawnAttempts, retry.Exponential{
			Initial:  100 * time.Millisecond,
			Factor:   2,
			MaxDelay: 2 * time.Second,
		})
	}
	return opts
}

// NewClient starts a worker as configured by cfg.
func NewClient(cfg *Config) (*factory.Client, error) {
	return factory.NewClient(cfg.spawnFunc(), cfg.clientOptions())
}
