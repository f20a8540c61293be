package main

import (
	"time"

	"github.com/spf13/cobra"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr string
	Target     string
	Username   string
	UserUUID   string
	Key        string
	Retry      time.Duration
	Debug      bool
}

func bindFlags(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	f.StringVarP(&cfg.ServerAddr, "server", "s", "127.0.0.1:9646", "control channel address of the World Host server")
	f.StringVarP(&cfg.Target, "target", "t", "127.0.0.1:25565", "local Minecraft server to expose")
	f.StringVarP(&cfg.Username, "username", "u", "Dev", "Minecraft username to identify as")
	f.StringVar(&cfg.UserUUID, "uuid", "", "Minecraft UUID to identify as (defaults to the offline UUID of --username)")
	f.StringVarP(&cfg.Key, "key", "k", "", "routing key to request (empty = server assigned)")
	f.DurationVar(&cfg.Retry, "retry", 2*time.Second, "delay before reconnecting after a dropped control connection")
	f.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}
