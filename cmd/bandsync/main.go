package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stagehand/bandsync/internal/cache"
	"github.com/stagehand/bandsync/internal/config"
	"github.com/stagehand/bandsync/internal/localstore"
	"github.com/stagehand/bandsync/internal/netmon"
	"github.com/stagehand/bandsync/internal/offline"
	"github.com/stagehand/bandsync/internal/permission"
	"github.com/stagehand/bandsync/internal/remote"
)

func main() {
	configPath := flag.String("config", strings.TrimSpace(os.Getenv("BANDSYNC_CONFIG")), "config file path")
	groupID := flag.String("group", strings.TrimSpace(os.Getenv("BANDSYNC_GROUP")), "group ID to resolve")
	role := flag.String("role", "", "print access for one role only")
	once := flag.Bool("once", false, "resolve, print access, drain pending mutations, exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if strings.TrimSpace(*groupID) == "" {
		log.Fatalf("group is required (--group or BANDSYNC_GROUP)")
	}

	logger := newLogger(cfg.LogLevel)

	store, err := localstore.BuildFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("failed to open local store %q: %v", cfg.StoreDSN, err)
	}
	defer func() {
		if err := localstore.Close(store); err != nil {
			logger.Warn("local store close failed", "error", err)
		}
	}()

	var tokens *remote.TokenSource
	if cfg.TokenSecret != "" {
		tokens, err = remote.NewTokenSource(cfg.TokenSecret, cfg.DeviceID, cfg.UserID, time.Hour)
		if err != nil {
			log.Fatalf("failed to build token source: %v", err)
		}
	}
	client := remote.NewClient(remote.Options{
		BaseURL:    cfg.ServerURL,
		Tokens:     tokens,
		MaxRetries: cfg.MaxRetries,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	monitor := netmon.New(netmon.Options{
		Probe:    netmon.HTTPProbe(cfg.ServerURL, nil),
		Interval: cfg.ProbeInterval,
		Logger:   logger,
	})
	monitor.Start(rootCtx)
	defer monitor.Stop()

	queue, err := offline.NewQueue(store)
	if err != nil {
		log.Fatalf("failed to open pending mutation queue: %v", err)
	}
	scheduler, err := offline.NewScheduler(offline.SchedulerOptions{
		Queue: queue,
		Applier: offline.ApplierFunc(func(ctx context.Context, m offline.Mutation) error {
			return client.Commit(ctx, []remote.Write{{
				Op:         remote.WriteOpPut,
				Collection: m.Collection,
				Document:   remote.Document{ID: m.ID, GroupID: m.GroupID, Data: m.Payload},
			}})
		}),
		Monitor:    monitor,
		Interval:   cfg.SyncInterval,
		Logger:     logger,
		SweepStore: store,
		SweepAge:   cfg.SweepAge,
	})
	if err != nil {
		log.Fatalf("failed to build sync scheduler: %v", err)
	}

	snapshots := cache.NewSnapshots(store, logger)
	resolver := permission.NewResolver(permission.ResolverOptions{
		Client:    client,
		Snapshots: snapshots,
		Monitor:   monitor,
		Bootstrap: permission.NewCoordinator(permission.CoordinatorOptions{
			Client:    client,
			Snapshots: snapshots,
			Attempts:  cfg.BootstrapAttempts,
			Delay:     cfg.BootstrapDelay,
			Logger:    logger,
		}),
		Logger: logger,
	})
	defer resolver.Close()

	if err := resolver.Resolve(*groupID); err != nil {
		log.Fatalf("failed to start resolution for %q: %v", *groupID, err)
	}
	state := waitForResolution(rootCtx, resolver)
	logger.Info("permission resolution settled", "group", *groupID, "state", state.String())
	if err := resolver.LastError(); err != nil {
		logger.Warn("resolution degraded", "error", err)
	}
	printAccess(resolver, *role)

	if *once {
		if pending := queue.Len(); pending > 0 {
			logger.Info("draining pending mutations", "count", pending)
			if err := scheduler.Drain(rootCtx); err != nil {
				logger.Warn("drain incomplete", "error", err, "remaining", queue.Len())
			}
		}
		return
	}

	scheduler.Start(rootCtx)
	defer scheduler.Stop()
	logger.Info("sync loop running", "interval", cfg.SyncInterval.String())
	<-rootCtx.Done()
	logger.Info("shutting down", "reason", rootCtx.Err())
}

// waitForResolution blocks until the resolver leaves its transitional
// states or the context ends.
func waitForResolution(ctx context.Context, resolver *permission.Resolver) permission.State {
	settled := make(chan struct{}, 1)
	unsubscribe := resolver.OnChange(func(_ *permission.Set, state permission.State) {
		switch state {
		case permission.StateReady, permission.StateDegraded, permission.StateUnresolved:
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for {
		switch resolver.State() {
		case permission.StateReady, permission.StateDegraded, permission.StateUnresolved:
			return resolver.State()
		}
		select {
		case <-settled:
		case <-deadline.C:
			return resolver.State()
		case <-ctx.Done():
			return resolver.State()
		}
	}
}

func printAccess(resolver *permission.Resolver, only string) {
	roles := permission.AllRoles()
	if only != "" {
		parsed, err := permission.ParseRole(only)
		if err != nil {
			log.Fatalf("unknown role %q", only)
		}
		roles = []permission.Role{parsed}
	}
	for _, role := range roles {
		modules := resolver.AccessibleModules(role)
		names := make([]string, 0, len(modules))
		for _, module := range modules {
			names = append(names, string(module))
		}
		fmt.Printf("%-10s %s\n", role, strings.Join(names, ", "))
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
