package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/worldhost/world-host-server/internal/control"
	"github.com/worldhost/world-host-server/internal/ipinfo"
	"github.com/worldhost/world-host-server/internal/obs"
	"github.com/worldhost/world-host-server/internal/proto"
)

// externalProxyEntry mirrors one element of external_proxies.json. An entry
// without an addr describes this server itself; its base_addr acts as a
// fallback for --base-addr.
type externalProxyEntry struct {
	LatLong  [2]float64 `json:"lat_long"`
	Addr     string     `json:"addr"`
	Port     uint16     `json:"port"`
	BaseAddr string     `json:"base_addr"`
	MCPort   uint16     `json:"mc_port"`
}

func loadExternalProxies(path string) ([]externalProxyEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []externalProxyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	local := 0
	for i := range entries {
		if entries[i].Port == 0 {
			entries[i].Port = 9656
		}
		if entries[i].MCPort == 0 {
			entries[i].MCPort = 25565
		}
		if entries[i].Addr == "" {
			local++
		}
	}
	if local > 1 {
		return nil, fmt.Errorf("%s must have no more than one entry without an addr field", path)
	}
	return entries, nil
}

// fallbackBaseAddr returns the local entry's base_addr, if any.
func fallbackBaseAddr(entries []externalProxyEntry) string {
	for _, e := range entries {
		if e.Addr == "" && e.BaseAddr != "" {
			return e.BaseAddr
		}
	}
	return ""
}

// advertisedProxies converts the remote entries into the form the control
// channel hands to hosting clients.
func advertisedProxies(entries []externalProxyEntry) []control.ExternalProxy {
	var proxies []control.ExternalProxy
	for _, e := range entries {
		if e.Addr == "" {
			continue
		}
		baseAddr := e.BaseAddr
		if baseAddr == "" {
			baseAddr = e.Addr
		}
		proxies = append(proxies, control.ExternalProxy{
			Message: proto.ExternalProxyServer{
				Host:     e.Addr,
				Port:     e.Port,
				BaseAddr: baseAddr,
				MCPort:   e.MCPort,
			},
			Location:    ipinfo.LatLong{Lat: e.LatLong[0], Long: e.LatLong[1]},
			HasLocation: true,
		})
	}
	return proxies
}

// pingExternalProxies checks that the configured proxies accept connections,
// so a bad deployment shows up in the logs right away.
func pingExternalProxies(proxies []control.ExternalProxy) {
	for _, p := range proxies {
		addr := net.JoinHostPort(p.Message.Host, fmt.Sprint(p.Message.Port))
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err != nil {
			obs.Warn("external proxy is unreachable", obs.Fields{"addr": addr, "err": err.Error()})
			continue
		}
		_ = conn.Close()
		obs.Info("external proxy is reachable", obs.Fields{"addr": addr})
	}
}
