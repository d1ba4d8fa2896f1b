// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package fleet runs a set of workers and the cache manager coordinating
// them in one process. Workers share the access event channel and the
// manager's watermark; nothing else is shared.
package fleet

import (
	"context"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/histoslide/slidecache/cachemanager"
	"github.com/histoslide/slidecache/config"
	"github.com/histoslide/slidecache/internal/base"
	"github.com/histoslide/slidecache/metrics"
	"github.com/histoslide/slidecache/objstorage/remote"
	"github.com/histoslide/slidecache/remotefile"
	"github.com/histoslide/slidecache/rpc"
	"github.com/histoslide/slidecache/worker"
	"golang.org/x/sync/errgroup"
)

// Options supply the collaborators a fleet does not build from its Config.
type Options struct {
	// Locator resolves slide URLs. Required.
	Locator *remote.Locator
	// Metrics, if set, receives every worker's and the manager's metrics.
	Metrics *metrics.Metrics
	// Logger defaults to base.DefaultLogger.
	Logger base.Logger
	// Listeners, if set, replace Config.WorkerAddrs; one worker is started
	// per listener.
	Listeners []net.Listener
}

// Fleet is a running set of workers and their cache manager.
type Fleet struct {
	cfg     config.Config
	opts    Options
	events  chan cachemanager.AccessEvent
	manager *cachemanager.Manager
	workers []*worker.Worker
}

// New creates the manager and one listening worker per configured address.
func New(cfg config.Config, opts Options) (*Fleet, error) {
	if opts.Locator == nil {
		return nil, errors.New("fleet: no locator")
	}
	if opts.Logger == nil {
		opts.Logger = base.DefaultLogger
	}
	f := &Fleet{
		cfg:    cfg,
		opts:   opts,
		events: make(chan cachemanager.AccessEvent, cfg.EventQueue),
	}
	f.manager = cachemanager.New(cachemanager.Options{
		MaxPages:     cfg.MaxPages,
		PurgePercent: cfg.PurgePercent,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger,
	})

	n := len(cfg.WorkerAddrs)
	if opts.Listeners != nil {
		n = len(opts.Listeners)
	}
	if n == 0 {
		return nil, errors.New("fleet: no workers configured")
	}
	for i := 0; i < n; i++ {
		wopts := worker.Options{
			ID:                i,
			PageSize:          cfg.PageSize,
			AcceptTimeout:     cfg.AcceptTimeout,
			HandleIdleTimeout: cfg.HandleIdleTimeout,
			IOTimeout:         cfg.IOTimeout,
			MaxFrameSize:      cfg.MaxFrameSize,
			ImageCodec:        cfg.ImageCodec,
			Locator:           opts.Locator,
			Events:            f.events,
			Watermark:         f.manager.Watermark(),
			Pacer:             remotefile.NewPacer(cfg.MaxBytesPerSec),
			Logger:            opts.Logger,
		}
		if opts.Listeners != nil {
			wopts.Listener = opts.Listeners[i]
		} else {
			wopts.Addr = cfg.WorkerAddrs[i]
		}
		if opts.Metrics != nil {
			wopts.Metrics = opts.Metrics.ForWorker(i)
		}
		w, err := worker.New(wopts)
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "worker %d", i), f.Close())
		}
		f.workers = append(f.workers, w)
	}
	return f, nil
}

// Run serves until ctx is canceled, a worker fails or every worker has been
// closed, and returns the first error. The manager stops once the last worker
// returns.
func (f *Fleet) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	managerCtx, stopManager := context.WithCancel(ctx)
	defer stopManager()
	g.Go(func() error {
		return f.manager.Run(managerCtx, f.events)
	})
	var serving sync.WaitGroup
	for _, w := range f.workers {
		w := w
		serving.Add(1)
		g.Go(func() error {
			defer serving.Done()
			return w.Serve(ctx)
		})
	}
	g.Go(func() error {
		serving.Wait()
		stopManager()
		return nil
	})
	f.opts.Logger.Infof("fleet: serving %d workers", len(f.workers))
	return g.Wait()
}

// Close stops every worker's listener.
func (f *Fleet) Close() error {
	var err error
	for _, w := range f.workers {
		if cerr := w.Close(); cerr != nil && !errors.Is(cerr, base.ErrClosed) {
			err = errors.CombineErrors(err, cerr)
		}
	}
	return err
}

// Addrs returns the address of each worker, in routing order.
func (f *Fleet) Addrs() []string {
	addrs := make([]string, len(f.workers))
	for i, w := range f.workers {
		a := w.Addr()
		if a.Network() == "unix" {
			addrs[i] = "unix://" + a.String()
		} else {
			addrs[i] = a.String()
		}
	}
	return addrs
}

// Client returns a client routing to the fleet's workers.
func (f *Fleet) Client() (*rpc.Client, error) {
	retries := f.cfg.Retries
	if retries == 0 {
		retries = -1
	}
	return rpc.NewClient(f.Addrs(), rpc.ClientOptions{
		IOTimeout:    f.cfg.IOTimeout,
		MaxFrameSize: f.cfg.MaxFrameSize,
		Retries:      retries,
		Logger:       f.opts.Logger,
	})
}

// Manager returns the fleet's cache manager.
func (f *Fleet) Manager() *cachemanager.Manager {
	return f.manager
}

// Workers returns the fleet's workers, indexed by worker ID.
func (f *Fleet) Workers() []*worker.Worker {
	return f.workers
}
