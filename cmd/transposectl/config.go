package main

import (
	"strings"

	"github.com/danmuck/transposectl/internal/config"
	"github.com/danmuck/transposectl/internal/server"
)

// resolveServiceConfig layers flag overrides on top of the config file, which
// in turn layers on top of the service defaults.
func resolveServiceConfig(path, listen string, maxClients int) (server.ServiceConfig, error) {
	cfg := server.DefaultServiceConfig()
	if p := strings.TrimSpace(path); p != "" {
		loaded, err := config.LoadServerConfig(p)
		if err != nil {
			return server.ServiceConfig{}, err
		}
		cfg = loaded
	}
	if l := strings.TrimSpace(listen); l != "" {
		cfg.ListenAddr = l
	}
	if maxClients >= 0 {
		cfg.MaxClients = maxClients
	}
	return cfg, cfg.Validate()
}
