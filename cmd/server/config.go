package main

import (
	"time"

	"github.com/spf13/cobra"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	Port       int
	BaseAddr   string
	InJavaPort int
	ExJavaPort int

	AnalyticsTime time.Duration
	AnalyticsPath string
	ShutdownTime  time.Duration

	MetricsAddr string
	Debug       bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthServer string
	IPInfoURLs []string

	ExternalProxiesPath string
}

func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.IntVarP(&cfg.Port, "port", "p", 9646, "port to bind the control channel to")
	f.StringVarP(&cfg.BaseAddr, "base-addr", "a", "", "base address for relayed Java Edition connections")
	f.IntVarP(&cfg.InJavaPort, "in-java-port", "j", 25565, "port to bind the Java Edition relay to")
	f.IntVarP(&cfg.ExJavaPort, "ex-java-port", "J", 0, "externally visible Java Edition port (defaults to --in-java-port)")
	f.DurationVar(&cfg.AnalyticsTime, "analytics-time", 0, "time between analytics syncs (0 disables)")
	f.StringVar(&cfg.AnalyticsPath, "analytics-path", "analytics.csv", "path of the analytics CSV file")
	f.DurationVar(&cfg.ShutdownTime, "shutdown-time", 0, "automatically shut down after this long (useful for restart scripts)")
	f.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	f.StringVar(&cfg.RedisAddr, "redis-addr", "", "redis address for the multi-instance host directory (empty = single instance)")
	f.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	f.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	f.StringVar(&cfg.AuthServer, "auth-server", "https://sessionserver.mojang.com", "Mojang-compatible session server for identity verification")
	f.StringSliceVar(&cfg.IPInfoURLs, "ip-info", []string{
		"https://github.com/sapics/ip-location-db/raw/main/geolite2-city/geolite2-city-ipv4-num.csv.gz",
		"https://github.com/sapics/ip-location-db/raw/main/geolite2-city/geolite2-city-ipv6-num.csv.gz",
	}, "gzip-compressed numeric GeoLite2 city CSVs to load (empty disables)")
	f.StringVar(&cfg.ExternalProxiesPath, "external-proxies", "external_proxies.json", "path of the external proxy configuration")
}
