package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/transposectl/internal/logging"
	"github.com/danmuck/transposectl/internal/server"
)

func main() {
	configPath := flag.String("config", "", "server config path (TOML); defaults apply when empty")
	listen := flag.String("listen", "", "listen address override, e.g. :12345")
	maxClients := flag.Int("max-clients", -1, "concurrent connection cap override (0 = unlimited)")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := resolveServiceConfig(*configPath, *listen, *maxClients)
	if err != nil {
		fmt.Fprintf(os.Stderr, "transposectl: %v\n", err)
		os.Exit(2)
	}

	svc := server.NewServiceWithConfig(cfg)
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "transposectl: %v\n", err)
		os.Exit(1)
	}
}
