// Blutgang: a caching JSON-RPC load balancer for EVM chains.
//
// Blutgang fronts a set of upstream nodes, routes every client request
// to the fastest node that is keeping up with the chain, caches
// deterministic responses and expires them on reorganizations, and
// continuously arbitrates which nodes are healthy enough to serve.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/piavgh/blutgang/internal/log"
	"github.com/piavgh/blutgang/pkg/admin"
	"github.com/piavgh/blutgang/pkg/balancer"
	"github.com/piavgh/blutgang/pkg/cache"
	"github.com/piavgh/blutgang/pkg/config"
	"github.com/piavgh/blutgang/pkg/health"
	"github.com/piavgh/blutgang/pkg/pool"
	"github.com/piavgh/blutgang/pkg/rpc"
	"github.com/piavgh/blutgang/pkg/ws"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			fmt.Printf("blutgang %s (%s)\n", Version, GitCommit)
			os.Exit(0)
		}
	}

	settings, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "blutgang: %v\n", err)
		os.Exit(1)
	}
	if err := settings.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "blutgang: %v\n", err)
		os.Exit(1)
	}

	log.Init(settings.LogLevel, settings.LogJSON)
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Int("rpcs", len(settings.Rpcs)).
		Msg("starting blutgang")

	if err := run(settings, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("blutgang exited with error")
	}
	logger.Info().Msg("blutgang stopped")
}

func run(settings config.Settings, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The admin namespace cancels this to shut the process down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cacheCfg := cache.DefaultConfig(filepath.Join(settings.CacheDir, "responses"))
	cacheCfg.Compression = settings.CacheCompression
	store, err := cache.New(cacheCfg)
	if err != nil {
		return fmt.Errorf("open response cache: %w", err)
	}
	defer store.Close()

	if settings.DoClear {
		if err := store.Flush(); err != nil {
			return fmt.Errorf("clear response cache: %w", err)
		}
		logger.Info().Msg("response cache cleared")
	}
	if err := ensureCacheMatchesUpstreams(store, settings, logger); err != nil {
		return err
	}

	index, err := cache.OpenHeadIndex(filepath.Join(settings.CacheDir, "heads.db"))
	if err != nil {
		return fmt.Errorf("open head index: %w", err)
	}
	defer index.Close()

	nodes := make([]rpc.Rpc, len(settings.Rpcs))
	for i, e := range settings.Rpcs {
		nodes[i] = rpc.NewRpc(e.URL, e.WSURL, settings.MaxConsecutive, settings.MinTimeDelta)
	}
	registry := pool.NewRegistry(nodes)

	settingsStore := config.NewStore(settings)
	checker := health.NewChecker(registry, settingsStore)

	g, ctx := errgroup.WithContext(ctx)

	var manager *ws.Manager
	if settings.IsWS {
		manager = ws.NewManager(registry, ws.NewSubscriptionData(), ws.DefaultConfig())

		drops := make(chan health.Dropped, 16)
		manager.SetOnDrop(func(e ws.ChannelErr) {
			drops <- health.Dropped{Index: e.Index, URL: e.URL}
		})
		checker.SetSubscriptionMover(manager)
		checker.SetReconnector(manager)

		g.Go(func() error { return manager.Run(ctx) })
		g.Go(func() error {
			if err := checker.DroppedListener(ctx, drops); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("drop listener stopped")
			}
			return nil
		})
		g.Go(func() error { return watchHeads(ctx, manager, checker, logger) })
	}

	if settings.HealthCheck {
		// A dead health loop freezes the pools at their last state; the
		// request path keeps serving on whatever arbitration decided last.
		g.Go(func() error {
			if err := checker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("health check loop stopped, pools frozen")
			}
			return nil
		})
	} else {
		logger.Warn().Msg("health check disabled, requests are served without node arbitration")
	}

	cacheManager := cache.NewManager(store, index)
	heads := checker.Heads().Subscribe()
	finalized := checker.Finalized().Subscribe()
	g.Go(func() error { return cacheManager.Run(ctx, heads, finalized) })

	if settings.AdminEnabled {
		adminCfg := admin.DefaultConfig()
		adminCfg.Addr = settings.AdminAddress
		adm := admin.New(adminCfg, settingsStore, registry, store, cancel)
		if manager != nil {
			adm.SetReconnector(manager)
		}
		g.Go(func() error { return adm.Start(ctx) })
	}

	balancerCfg := balancer.DefaultConfig()
	balancerCfg.Addr = settings.Address
	srv := balancer.New(balancerCfg, settingsStore, registry, store, index, checker.Named())
	g.Go(func() error { return srv.Start(ctx) })

	return g.Wait()
}

// watchHeads keeps the new-heads subscription alive. The subscribe can
// fail at startup when no connection is up yet, so failures retry
// instead of ending the process.
func watchHeads(ctx context.Context, manager *ws.Manager, checker *health.Checker, logger zerolog.Logger) error {
	for {
		err := ws.WatchNewHeads(ctx, manager, checker.Heads())
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Warn().Err(err).Msg("new-heads stream interrupted, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// fingerprintKey marks which upstream set filled the cache.
var fingerprintKey = []byte("!blutgang/rpc_fingerprint")

// ensureCacheMatchesUpstreams flushes the cache when the configured
// upstream set changed since it was written. A cache filled by a
// different rpc list may hold responses from another chain entirely.
func ensureCacheMatchesUpstreams(store *cache.Store, settings config.Settings, logger zerolog.Logger) error {
	urls := make([]string, len(settings.Rpcs))
	for i, e := range settings.Rpcs {
		urls[i] = e.URL
	}
	sort.Strings(urls)
	fingerprint := cache.Key([]byte(strings.Join(urls, ",")))

	previous, ok, err := store.Get(fingerprintKey)
	if err != nil {
		return fmt.Errorf("read cache fingerprint: %w", err)
	}
	if ok && !bytes.Equal(previous, fingerprint) {
		logger.Warn().Msg("rpc list changed since the cache was written, flushing")
		if err := store.Flush(); err != nil {
			return fmt.Errorf("flush stale cache: %w", err)
		}
	}
	if err := store.Set(fingerprintKey, fingerprint); err != nil {
		return fmt.Errorf("write cache fingerprint: %w", err)
	}
	return nil
}
