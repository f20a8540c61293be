package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/worldhost/world-host-server/internal/analytics"
	"github.com/worldhost/world-host-server/internal/auth"
	"github.com/worldhost/world-host-server/internal/control"
	"github.com/worldhost/world-host-server/internal/ipinfo"
	"github.com/worldhost/world-host-server/internal/mccrypt"
	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/ratelimit"
	"github.com/worldhost/world-host-server/internal/registry"
	"github.com/worldhost/world-host-server/internal/relay"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg := &Config{}
	cmd := &cobra.Command{
		Use:          "world-host-server",
		Short:        "Rendezvous and relay server for World Host",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	bindFlags(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		obs.Error("server exited", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config) error {
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	externals, err := loadExternalProxies(cfg.ExternalProxiesPath)
	if err != nil {
		return err
	}
	baseAddr := cfg.BaseAddr
	if fallback := fallbackBaseAddr(externals); fallback != "" {
		if baseAddr == "" {
			baseAddr = fallback
		} else {
			obs.Info("--base-addr overrides the base_addr in external_proxies.json", nil)
		}
	}
	exJavaPort := cfg.ExJavaPort
	if exJavaPort == 0 {
		exJavaPort = cfg.InJavaPort
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.ShutdownTime > 0 {
		obs.Info("automatic shutdown armed", obs.Fields{"after": cfg.ShutdownTime.String()})
		shutdownTimer := time.AfterFunc(cfg.ShutdownTime, func() {
			obs.Info("shutting down because --shutdown-time was reached", nil)
			cancel()
		})
		defer shutdownTimer.Stop()
	}

	directory, err := registry.NewDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer directory.Close()
	reg := registry.NewHostRegistry(directory)
	go directory.StartMaintenance(ctx, reg.Keys)

	obs.Info("generating key pair", nil)
	keyPair, err := mccrypt.GenerateKeyPair()
	if err != nil {
		return err
	}

	ipMap := loadIPInfo(ctx, cfg.IPInfoURLs)

	limiter := ratelimit.NewLimiter(
		ratelimit.NewBucket("per_minute", 20, time.Minute, nil),
		ratelimit.NewBucket("per_hour", 400, time.Hour, nil),
	)
	go limiter.RunPump(ctx, nil, time.Minute)

	tracker := relay.NewTracker()
	proxies := advertisedProxies(externals)
	go pingExternalProxies(proxies)

	ctl := &control.Server{
		Registry:        reg,
		Tracker:         tracker,
		Verifier:        auth.NewVerifier(auth.NewYggdrasilService(nil, cfg.AuthServer)),
		KeyPair:         keyPair,
		Limiter:         limiter,
		IPInfo:          ipMap,
		BaseAddr:        baseAddr,
		ExJavaPort:      uint16(exJavaPort),
		ExternalProxies: proxies,
	}

	ctlLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	defer ctlLn.Close()
	obs.Info("started control server", obs.Fields{"addr": ctlLn.Addr().String()})

	var relayLn net.Listener
	engine := relay.NewEngine(reg, tracker, baseAddr)
	if baseAddr == "" {
		obs.Info("relay server disabled by request", nil)
	} else {
		relayLn, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.InJavaPort))
		if err != nil {
			return fmt.Errorf("listen relay: %w", err)
		}
		defer relayLn.Close()
		obs.Info("started relay server", obs.Fields{"addr": relayLn.Addr().String(), "base_addr": baseAddr})
	}

	state := &runState{}
	go startMetricsServer(cfg.MetricsAddr, state, reg, tracker)

	writer := analytics.NewWriter(cfg.AnalyticsPath, reg.Snapshot)
	go writer.Run(ctx, cfg.AnalyticsTime)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = ctl.Serve(ctx, ctlLn) }()
	if relayLn != nil {
		wg.Add(1)
		go func() { defer wg.Done(); _ = engine.Serve(relayLn) }()
	}

	state.setReady(true)
	obs.Info("server ready", obs.Fields{"port": cfg.Port})

	<-ctx.Done()
	obs.Info("shutting down", nil)
	state.setClosing(true)

	_ = ctlLn.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if relayLn != nil {
		engine.Drain(drainCtx, relayLn)
	} else {
		tracker.WaitEmpty(drainCtx)
	}
	wg.Wait()
	obs.Info("shutdown complete", nil)
	return nil
}

// loadIPInfo downloads the GeoLite ranges. Failures degrade analytics and
// proxy selection but never block startup.
func loadIPInfo(ctx context.Context, urls []string) *ipinfo.Map {
	if len(urls) == 0 {
		return nil
	}
	obs.Info("downloading ip info map", nil)
	start := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	ipMap, err := ipinfo.LoadFromURLs(loadCtx, &http.Client{}, urls)
	if err != nil {
		obs.Error("failed to download ip info map", obs.Fields{
			"err":      err.Error(),
			"duration": time.Since(start).String(),
		})
		return nil
	}
	obs.Info("downloaded ip info map", obs.Fields{
		"entries":  ipMap.Len(),
		"duration": time.Since(start).String(),
	})
	return ipMap
}
