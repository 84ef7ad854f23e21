package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/danmuck/transposectl/internal/client"
	"github.com/danmuck/transposectl/internal/config"
	"github.com/danmuck/transposectl/internal/logging"
	"github.com/danmuck/transposectl/internal/transpose"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// App runs one benchmark session from the terminal.
type App struct {
	reader      *bufio.Reader
	out         io.Writer
	outMu       sync.Mutex
	interactive bool
	settings    config.ClientSettings
}

func main() {
	configPath := flag.String("config", "", "client config path (TOML); defaults apply when empty")
	addr := flag.String("addr", "", "server address override")
	size := flag.Int("n", 0, "matrix size override")
	threads := flag.String("threads", "", "thread configs override, e.g. 1,2,4,8")
	seed := flag.Int64("seed", 0, "matrix seed override (0 keeps the configured seed)")
	flag.Parse()

	logging.ConfigureRuntime()
	settings, err := resolveSettings(*configPath, *addr, *size, *threads, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "client-tm: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := NewApp(os.Stdin, os.Stdout, term.IsTerminal(int(os.Stdin.Fd())), settings)
	if err := app.Run(ctx); err != nil {
		log.Error().Err(err).Msg("client-tm failed")
		os.Exit(1)
	}
}

func NewApp(in io.Reader, out io.Writer, interactive bool, settings config.ClientSettings) *App {
	return &App{
		reader:      bufio.NewReader(in),
		out:         out,
		interactive: interactive,
		settings:    settings,
	}
}

func resolveSettings(path, addr string, size int, threads string, seed int64) (config.ClientSettings, error) {
	settings := config.DefaultClientSettings()
	if p := strings.TrimSpace(path); p != "" {
		loaded, err := config.LoadClientConfig(p)
		if err != nil {
			return config.ClientSettings{}, err
		}
		settings = loaded
	}
	if a := strings.TrimSpace(addr); a != "" {
		settings.Client.Addr = a
	}
	if size > 0 {
		settings.MatrixSize = size
	}
	if strings.TrimSpace(threads) != "" {
		configs, err := config.ParseThreadConfigs(threads)
		if err != nil {
			return config.ClientSettings{}, err
		}
		settings.ThreadConfigs = configs
	}
	if seed != 0 {
		settings.Seed = seed
	}
	return settings, config.ValidateClientSettings(settings)
}

// Run connects, uploads, starts the run, polls status on each input line,
// and prints the final report.
func (a *App) Run(ctx context.Context) error {
	if a.interactive {
		if err := a.promptSettings(); err != nil {
			return err
		}
	}

	cfg := a.settings.Client
	cfg.OnNotice = func(msg string) { a.printf("[server] %s\n", msg) }
	c, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	a.printf("[client] Connected to %s\n", cfg.Addr)

	reply, err := c.Hello()
	if err != nil {
		return err
	}
	a.printf("[server] %s\n", reply)

	m := randomMatrix(a.settings.MatrixSize, a.settings.Seed)
	reply, err = c.Upload(m, a.settings.ThreadConfigs)
	if err != nil {
		return err
	}
	a.printf("[server] %s\n", reply)

	run, err := c.Start()
	if err != nil {
		return err
	}
	if a.interactive {
		a.printf("\nPress Enter to request STATUS, until finished\n")
	}
	pollCtx, stopPolling := context.WithCancel(ctx)
	report, err := run.Drive(ctx, a.lineTriggers(pollCtx))
	stopPolling()
	if err != nil {
		return err
	}

	a.printf("\n===== RESULT =====\n%s\n", report)
	return c.Quit()
}

// promptSettings asks for the matrix size and thread list, keeping the
// configured values on an empty line.
func (a *App) promptSettings() error {
	for {
		line, err := a.promptLine(fmt.Sprintf("Enter matrix size n [%d]", a.settings.MatrixSize))
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		n, err := strconv.Atoi(line)
		if err != nil || n <= 0 {
			a.printf("matrix size must be a positive integer\n")
			continue
		}
		a.settings.MatrixSize = n
		break
	}
	for {
		line, err := a.promptLine(fmt.Sprintf("Enter thread configs [%s]", config.FormatThreadConfigs(a.settings.ThreadConfigs)))
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		configs, err := config.ParseThreadConfigs(line)
		if err != nil {
			a.printf("invalid thread configs: %v\n", err)
			continue
		}
		a.settings.ThreadConfigs = configs
		return nil
	}
}

func (a *App) promptLine(label string) (string, error) {
	if strings.TrimSpace(label) != "" {
		a.printf("%s: ", label)
	}
	line, err := a.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// lineTriggers turns each input line into a status poll. The channel closes
// at end of input.
func (a *App) lineTriggers(ctx context.Context) <-chan struct{} {
	triggers := make(chan struct{})
	go func() {
		defer close(triggers)
		for {
			if _, err := a.reader.ReadString('\n'); err != nil {
				return
			}
			select {
			case triggers <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return triggers
}

func (a *App) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

// randomMatrix fills an n x n matrix with values in [0, 100).
func randomMatrix(n int, seed int64) transpose.Matrix {
	rng := rand.New(rand.NewPCG(uint64(seed), 0))
	m := transpose.NewMatrix(n)
	for i := range m.Cells {
		m.Cells[i] = int32(rng.IntN(100))
	}
	return m
}
