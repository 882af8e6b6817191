package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/btsvc/internal/loop"
	"github.com/srg/btsvc/internal/profile/hfp"
	"github.com/srg/btsvc/internal/profile/spp"
	"github.com/srg/btsvc/internal/sil"
	"github.com/srg/btsvc/internal/sil/bluez"
	"github.com/srg/btsvc/internal/sil/goble"
	"github.com/srg/btsvc/internal/sil/simstack"
	"github.com/srg/btsvc/internal/transport/sockettransport"
	"github.com/srg/btsvc/pkg/config"
)

// openBackend is swapped in tests.
var openBackend = func(cfg *config.Config, logger *logrus.Logger) (sil.Backend, error) {
	switch cfg.Backend {
	case config.BackendSim:
		return simstack.New(logger), nil
	case config.BackendBlueZ:
		return bluez.New(logger, bluez.Options{Adapter: cfg.Adapter})
	case config.BackendGoBLE:
		return goble.New(logger, goble.Options{})
	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}
}

// daemon owns every long-lived part of a running service.
type daemon struct {
	logger  *logrus.Logger
	backend sil.Backend
	lp      *loop.Loop
	server  *sockettransport.Server
	spp     *spp.Service
	hfp     *hfp.Service
}

// startDaemon opens the backend, starts the loop and the profile services and
// begins accepting clients.
func startDaemon(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*daemon, error) {
	backend, err := openBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", cfg.Backend, err)
	}

	d := &daemon{
		logger:  logger,
		backend: backend,
		lp:      loop.New(logger),
		server:  sockettransport.NewServer(cfg.SocketPath, logger, cfg.TransportOptions()),
	}
	if err := d.lp.Start(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}

	d.spp = spp.New(d.lp, d.server, backend.SPP(), logger, cfg.SPPOptions())
	d.spp.Register(d.server)
	d.hfp = hfp.New(d.lp, d.server, backend.HFP(), logger, cfg.HFPOptions())
	d.hfp.Register(d.server)

	if err := d.server.Start(ctx); err != nil {
		_ = d.close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"backend": cfg.Backend,
		"socket":  cfg.SocketPath,
		"bridge":  cfg.Bridge.Enabled,
	}).Info("Service started")
	return d, nil
}

// close stops accepting clients first so no request races the teardown of
// the services.
func (d *daemon) close() error {
	var errs []error
	if err := d.server.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	_ = d.lp.Do(func() {
		d.spp.Close()
		d.hfp.Close()
	})
	d.lp.Stop()
	if err := d.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	d.logger.Info("Service stopped")
	return errors.Join(errs...)
}
