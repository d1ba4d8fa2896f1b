// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package config loads the settings of a slidecache fleet. Settings are read
// from an optional YAML file and then overridden by SLIDECACHE_* environment
// variables. Sizes accept humanized values ("64KiB", "256 MiB") and
// durations use time.ParseDuration syntax.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/cachemanager"
	"github.com/histoslide/slidecache/objstorage/remote"
	"github.com/histoslide/slidecache/rpc"
	"github.com/histoslide/slidecache/worker"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SLIDECACHE_"

// File is the raw, unparsed form of the configuration as it appears in YAML
// and the environment.
type File struct {
	PageSize          string   `yaml:"page-size" env:"PAGE_SIZE"`
	MaxPages          int      `yaml:"max-pages" env:"MAX_PAGES"`
	PurgePercent      int      `yaml:"purge-percent" env:"PURGE_PERCENT"`
	HandleIdleTimeout string   `yaml:"handle-idle-timeout" env:"HANDLE_IDLE_TIMEOUT"`
	AcceptTimeout     string   `yaml:"accept-timeout" env:"ACCEPT_TIMEOUT"`
	Workers           int      `yaml:"workers" env:"WORKERS"`
	SocketDir         string   `yaml:"socket-dir" env:"SOCKET_DIR"`
	WorkerAddrs       []string `yaml:"worker-addrs" env:"WORKER_ADDRS" envSeparator:","`
	EventQueue        int      `yaml:"event-queue" env:"EVENT_QUEUE"`
	MetricsAddr       string   `yaml:"metrics-addr" env:"METRICS_ADDR"`

	RPC struct {
		MaxFrameSize     string `yaml:"max-frame-size" env:"MAX_FRAME_SIZE"`
		IOTimeout        string `yaml:"io-timeout" env:"IO_TIMEOUT"`
		ImageCompression string `yaml:"image-compression" env:"IMAGE_COMPRESSION"`
		Retries          int    `yaml:"retries" env:"RETRIES"`
	} `yaml:"rpc" envPrefix:"RPC_"`

	Remote struct {
		MaxBytesPerSec string `yaml:"max-bytes-per-sec" env:"MAX_BYTES_PER_SEC"`
		LocalRoot      string `yaml:"local-root" env:"LOCAL_ROOT"`
		OSS            struct {
			Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
			AccessKeyID     string `yaml:"access-key-id" env:"ACCESS_KEY_ID"`
			AccessKeySecret string `yaml:"access-key-secret" env:"ACCESS_KEY_SECRET"`
		} `yaml:"oss" envPrefix:"OSS_"`
	} `yaml:"remote" envPrefix:"REMOTE_"`
}

// Config is the parsed configuration.
type Config struct {
	PageSize          int
	MaxPages          int
	PurgePercent      int
	HandleIdleTimeout time.Duration
	AcceptTimeout     time.Duration
	IOTimeout         time.Duration
	// WorkerAddrs has one listen address per worker.
	WorkerAddrs []string
	// EventQueue is the capacity of the access event channel.
	EventQueue   int
	MaxFrameSize int64
	ImageCodec   rpc.ImageCodec
	Retries      int
	// MaxBytesPerSec limits remote reads per worker; 0 disables pacing.
	MaxBytesPerSec int64
	// LocalRoot, if set, serves file:// URLs from this directory.
	LocalRoot string
	// OSS is set when an OSS endpoint is configured.
	OSS *remote.OSSConfig
	// MetricsAddr, if set, is where the serve command exposes /metrics.
	MetricsAddr string
}

// Defaults.
const (
	DefaultWorkers    = 4
	DefaultEventQueue = 4096
	DefaultRetries    = 3
)

// DefaultSocketDir is the directory holding the worker sockets when neither
// socket-dir nor worker-addrs is configured.
var DefaultSocketDir = filepath.Join(os.TempDir(), "slidecache")

// Default returns the configuration used when nothing is set.
func Default() File {
	var f File
	f.PageSize = "64KiB"
	f.MaxPages = cachemanager.DefaultMaxPages
	f.PurgePercent = cachemanager.DefaultPurgePercent
	f.HandleIdleTimeout = worker.DefaultHandleIdleTimeout.String()
	f.AcceptTimeout = worker.DefaultAcceptTimeout.String()
	f.Workers = DefaultWorkers
	f.SocketDir = DefaultSocketDir
	f.EventQueue = DefaultEventQueue
	f.RPC.MaxFrameSize = "256MiB"
	f.RPC.IOTimeout = worker.DefaultIOTimeout.String()
	f.RPC.ImageCompression = string(rpc.CodecNone)
	f.RPC.Retries = DefaultRetries
	f.Remote.MaxBytesPerSec = "0"
	return f
}

// Load reads the YAML file at path, if path is not empty, applies environment
// overrides and parses the result.
func Load(path string) (Config, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return Config{}, errors.Wrapf(err, "reading config %s", path)
		}
	}
	// A nil environment makes env read the process environment.
	return load(data, nil)
}

func load(data []byte, environ map[string]string) (Config, error) {
	f := Default()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, errors.Wrap(err, "parsing config")
	}
	if err := env.ParseWithOptions(&f, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, errors.Wrap(err, "parsing environment")
	}
	return f.Parse()
}

// Parse validates f and converts it to a Config.
func (f File) Parse() (Config, error) {
	var c Config
	pageSize, err := parseBytes("page-size", f.PageSize)
	if err != nil {
		return Config{}, err
	}
	if pageSize < 512 || pageSize&(pageSize-1) != 0 || pageSize > 1<<30 {
		return Config{}, errors.Newf("page-size %s must be a power of two of at least 512 bytes", f.PageSize)
	}
	c.PageSize = int(pageSize)

	if f.MaxPages <= 0 {
		return Config{}, errors.Newf("max-pages must be positive, got %d", f.MaxPages)
	}
	c.MaxPages = f.MaxPages
	if f.PurgePercent <= 0 || f.PurgePercent >= 100 {
		return Config{}, errors.Newf("purge-percent must be in (0, 100), got %d", f.PurgePercent)
	}
	c.PurgePercent = f.PurgePercent

	if c.HandleIdleTimeout, err = parseDuration("handle-idle-timeout", f.HandleIdleTimeout); err != nil {
		return Config{}, err
	}
	if c.AcceptTimeout, err = parseDuration("accept-timeout", f.AcceptTimeout); err != nil {
		return Config{}, err
	}
	if c.IOTimeout, err = parseDuration("rpc.io-timeout", f.RPC.IOTimeout); err != nil {
		return Config{}, err
	}

	c.WorkerAddrs = f.WorkerAddrs
	if len(c.WorkerAddrs) == 0 {
		if f.Workers <= 0 {
			return Config{}, errors.Newf("workers must be positive, got %d", f.Workers)
		}
		for i := 0; i < f.Workers; i++ {
			c.WorkerAddrs = append(c.WorkerAddrs,
				"unix://"+filepath.Join(f.SocketDir, fmt.Sprintf("worker-%d.sock", i)))
		}
	}
	for _, addr := range c.WorkerAddrs {
		if _, _, err := rpc.ParseAddr(addr); err != nil {
			return Config{}, err
		}
	}

	c.EventQueue = f.EventQueue
	if c.EventQueue <= 0 {
		c.EventQueue = DefaultEventQueue
	}

	frame, err := parseBytes("rpc.max-frame-size", f.RPC.MaxFrameSize)
	if err != nil {
		return Config{}, err
	}
	if frame == 0 || frame > 1<<40 {
		return Config{}, errors.Newf("rpc.max-frame-size %s out of range", f.RPC.MaxFrameSize)
	}
	c.MaxFrameSize = int64(frame)
	if c.ImageCodec, err = rpc.ParseImageCodec(f.RPC.ImageCompression); err != nil {
		return Config{}, err
	}
	c.Retries = f.RPC.Retries

	rate, err := parseBytes("remote.max-bytes-per-sec", f.Remote.MaxBytesPerSec)
	if err != nil {
		return Config{}, err
	}
	c.MaxBytesPerSec = int64(rate)
	c.LocalRoot = f.Remote.LocalRoot
	if oss := f.Remote.OSS; oss.Endpoint != "" {
		c.OSS = &remote.OSSConfig{
			Endpoint:        oss.Endpoint,
			AccessKeyID:     oss.AccessKeyID,
			AccessKeySecret: oss.AccessKeySecret,
		}
	}
	c.MetricsAddr = f.MetricsAddr
	return c, nil
}

func parseBytes(name, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := crhumanize.ParseBytes[uint64](s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	return v, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	if d <= 0 {
		return 0, errors.Newf("%s must be positive, got %s", name, s)
	}
	return d, nil
}

// Locator returns a remote.Locator with a storage registered for every
// configured backend: mem:// always, file:// when LocalRoot is set and oss://
// when OSS is set. The in-memory storage is returned so callers can populate
// it. If logf is not nil, every remote call of the file and oss backends is
// logged through it.
func (c Config) Locator(
	logf func(format string, args ...interface{}),
) (*remote.Locator, *remote.InMemStorage, error) {
	loc := remote.NewLocator()
	mem := remote.NewInMem()
	loc.Register("mem", mem)
	register := func(scheme string, s remote.Storage) {
		if logf != nil {
			s = remote.WithLogging(s, logf)
		}
		loc.Register(scheme, s)
	}
	if c.LocalRoot != "" {
		register("file", remote.NewLocalFS(c.LocalRoot))
	}
	if c.OSS != nil {
		s, err := remote.NewOSS(*c.OSS)
		if err != nil {
			return nil, nil, err
		}
		register("oss", s)
	}
	return loc, mem, nil
}
