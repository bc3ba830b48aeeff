// Package app assembles the daemon from its components and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/geekxflood/agentxd/config"
	"github.com/geekxflood/agentxd/logging"
	"github.com/geekxflood/agentxd/master"
	"github.com/geekxflood/agentxd/metrics"
	"github.com/geekxflood/agentxd/mib"
	"github.com/geekxflood/agentxd/region"
	"github.com/geekxflood/agentxd/router"
	"github.com/geekxflood/agentxd/snmp"
	"github.com/geekxflood/agentxd/trap"
)

// ShutdownTimeout bounds each component's stop.
const ShutdownTimeout = 10 * time.Second

// App is the running daemon.
type App struct {
	log     *logging.ComponentLogger
	started time.Time

	mu  sync.Mutex
	cfg *config.Config

	collector *metrics.Collector
	router    *router.Router
	system    *mib.System
	traps     *trap.Forwarder
	master    *master.Master
	snmp      *snmp.Server
	httpd     *metrics.Server
}

// New builds every component from cfg without starting any of them.
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("configuration cannot be nil")
	}
	a := &App{
		log:     logging.ForComponent(logger, "app", "daemon"),
		started: time.Now(),
		cfg:     cfg,
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, err
	}
	a.collector = collector

	a.router = router.New(region.New(cfg.AgentX.Contexts...), router.Config{
		Timeout:       cfg.AgentX.Timeout.Std(),
		MaxViolations: cfg.AgentX.MaxViolations,
		MaxVarbinds:   cfg.AgentX.MaxVarbinds,
		Logger:        logger,
		Observer:      collector,
	})

	info, err := systemInfo(cfg)
	if err != nil {
		return nil, err
	}
	a.system = mib.NewSystem(a.router, info, a.started, logger)

	a.traps, err = trap.New(trap.Config{
		Community: cfg.Traps.Community,
		QueueSize: cfg.Traps.QueueSize,
		Timeout:   cfg.AgentX.Timeout.Std(),
		Targets:   trapTargets(cfg),
		Logger:    logger,
		Uptime:    a.uptime,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid trap configuration: %w", err)
	}

	a.master = master.New(a.router, a.traps, a.started, master.Config{
		Listen:         cfg.AgentX.Listen,
		Timeout:        cfg.AgentX.Timeout.Std(),
		Retries:        cfg.AgentX.Retries,
		MaxParseErrors: cfg.AgentX.MaxParseErrors,
		MaxPDUSize:     cfg.AgentX.MaxPDUSize,
		Logger:         logger,
		Observer:       collector,
	})

	if cfg.SNMP.Enabled {
		a.snmp = snmp.New(a.router, snmp.Config{
			Listen:         cfg.SNMP.Listen,
			Community:      cfg.SNMP.Community,
			Workers:        cfg.SNMP.Workers,
			MaxPacketSize:  cfg.SNMP.MaxPacketSize,
			RequestTimeout: cfg.SNMP.RequestTimeout.Std(),
			Logger:         logger,
			Observer:       collector,
		})
	}

	if cfg.Metrics.Enabled {
		a.httpd = metrics.NewServer(collector.Registry(), metrics.ServerConfig{
			Listen: cfg.Metrics.Listen,
			Path:   cfg.Metrics.Path,
			Logger: logger,
		})
	}
	return a, nil
}

func (a *App) uptime() uint32 {
	return uint32(time.Since(a.started) / (10 * time.Millisecond))
}

// Run starts every component and blocks until ctx is cancelled. Subagents
// are sent Close(shutdown) before the router stops, so requests in flight
// are answered.
func (a *App) Run(ctx context.Context) error {
	routerCtx, stopRouter := context.WithCancel(context.Background())
	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		_ = a.router.Run(routerCtx)
	}()
	defer func() {
		stopRouter()
		<-routerDone
	}()

	if err := a.registerSystem(); err != nil {
		return err
	}

	a.traps.Start(ctx)
	defer a.stop("trap forwarder", a.traps.Stop)

	if a.httpd != nil {
		if err := a.httpd.Start(); err != nil {
			return err
		}
		defer a.stop("metrics server", a.httpd.Stop)
	}

	if a.snmp != nil {
		if err := a.snmp.Start(ctx); err != nil {
			return err
		}
		defer a.stop("snmp server", a.snmp.Stop)
	}

	a.log.Info("agentxd started",
		"agentx", a.Config().AgentX.Listen,
		"snmp", a.snmp != nil,
		"metrics", a.httpd != nil,
		"traps", len(a.traps.Targets()))

	err := a.master.Run(ctx)
	a.log.Info("agentxd stopping")
	return err
}

// registerSystem claims the system group on the loop before any subagent
// can connect.
func (a *App) registerSystem() error {
	done := make(chan error, 1)
	posted := a.router.Post(func() {
		_, err := a.router.Registry().Register("", a.system.Registration(), a.system)
		done <- err
	})
	if !posted {
		return router.ErrClosed
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to register system group: %w", err)
	}
	return nil
}

func (a *App) stop(name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.log.Warn("component did not stop cleanly", "component", name, "error", err)
	}
}

// Reload applies the parts of cfg that can change at runtime: log level,
// system group values and trap targets. Other differences are logged and
// take effect on restart.
func (a *App) Reload(cfg *config.Config) error {
	info, err := systemInfo(cfg)
	if err != nil {
		return err
	}
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		return err
	}
	if err := a.traps.SetTargets(trapTargets(cfg)); err != nil {
		return fmt.Errorf("invalid trap targets: %w", err)
	}
	a.system.Update(info)

	a.mu.Lock()
	prev := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	for _, key := range restartKeys(prev, cfg) {
		a.log.Warn("configuration change requires a restart", "key", key)
	}
	a.log.Info("configuration applied", "log_level", cfg.Log.Level, "traps", len(cfg.Traps.Targets))
	return nil
}

// Config returns the configuration in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

func restartKeys(prev, next *config.Config) []string {
	var keys []string
	if !slices.Equal(prev.AgentX.Listen, next.AgentX.Listen) {
		keys = append(keys, "agentx.listen")
	}
	if !slices.Equal(prev.AgentX.Contexts, next.AgentX.Contexts) {
		keys = append(keys, "agentx.contexts")
	}
	if prev.SNMP != next.SNMP {
		keys = append(keys, "snmp")
	}
	if prev.Metrics != next.Metrics {
		keys = append(keys, "metrics")
	}
	return keys
}

func systemInfo(cfg *config.Config) (mib.Info, error) {
	id, err := cfg.SystemObjectID()
	if err != nil {
		return mib.Info{}, fmt.Errorf("system.object_id: %w", err)
	}
	return mib.Info{
		Description: cfg.System.Description,
		ObjectID:    id,
		Contact:     cfg.System.Contact,
		Name:        cfg.System.Name,
		Location:    cfg.System.Location,
		Services:    cfg.System.Services,
	}, nil
}

func trapTargets(cfg *config.Config) []trap.Target {
	targets := make([]trap.Target, len(cfg.Traps.Targets))
	for i, t := range cfg.Traps.Targets {
		targets[i] = trap.Target{Address: t.Address, Version: t.Version, Community: t.Community}
	}
	return targets
}
