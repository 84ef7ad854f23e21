package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path as the given kind and discards the result.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		_, err := LoadServerConfig(path)
		return err
	case "client":
		_, err := LoadClientConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const serverTemplate = `listen_addr = ":12345"
max_clients = 0
reuse_addr = true
max_matrix_dim = 4096
max_configs = 64
heartbeat_interval = "30s"
metrics_addr = ""
`

const clientTemplate = `server_addr = "127.0.0.1:12345"
dial_timeout = "5s"
matrix_size = 512
thread_configs = [1, 2, 4, 8, 16]
seed = 1
`
