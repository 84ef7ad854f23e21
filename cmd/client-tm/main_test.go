package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/transposectl/internal/config"
	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/server"
	"github.com/danmuck/transposectl/internal/testutil/testlog"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startServer(t *testing.T) string {
	t.Helper()
	cfg := server.DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 0
	svc := server.NewServiceWithConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := svc.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})
	return ln.Addr().String()
}

func TestRandomMatrixIsSeeded(t *testing.T) {
	a := randomMatrix(8, 7)
	b := randomMatrix(8, 7)
	if !a.Equal(b) {
		t.Fatalf("same seed must produce the same matrix")
	}
	for _, v := range a.Cells {
		if v < 0 || v >= 100 {
			t.Fatalf("cell out of range: %d", v)
		}
	}
	if a.Equal(randomMatrix(8, 8)) {
		t.Fatalf("different seeds should differ")
	}
}

func TestResolveSettingsOverrides(t *testing.T) {
	settings, err := resolveSettings("", "10.1.1.1:12345", 16, "1 2 4", 9)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if settings.Client.Addr != "10.1.1.1:12345" || settings.MatrixSize != 16 || settings.Seed != 9 {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	if config.FormatThreadConfigs(settings.ThreadConfigs) != "1,2,4" {
		t.Fatalf("unexpected thread configs: %v", settings.ThreadConfigs)
	}
	if _, err := resolveSettings("", "", 0, "x", 0); err == nil {
		t.Fatalf("expected thread config parse error")
	}
}

func TestPromptSettingsKeepsDefaultsOnEmptyLines(t *testing.T) {
	out := &syncBuffer{}
	app := NewApp(strings.NewReader("\n\n"), out, true, config.DefaultClientSettings())
	if err := app.promptSettings(); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if app.settings.MatrixSize != 512 || len(app.settings.ThreadConfigs) != 5 {
		t.Fatalf("defaults changed: %+v", app.settings)
	}
	if !strings.Contains(out.String(), "Enter matrix size n [512]") {
		t.Fatalf("missing prompt: %q", out.String())
	}
}

func TestPromptSettingsRetriesInvalidInput(t *testing.T) {
	out := &syncBuffer{}
	app := NewApp(strings.NewReader("zero\n6\n1,x\n2,3\n"), out, true, config.DefaultClientSettings())
	if err := app.promptSettings(); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if app.settings.MatrixSize != 6 {
		t.Fatalf("unexpected size: %d", app.settings.MatrixSize)
	}
	if config.FormatThreadConfigs(app.settings.ThreadConfigs) != "2,3" {
		t.Fatalf("unexpected configs: %v", app.settings.ThreadConfigs)
	}
}

func TestAppRunPrintsResult(t *testing.T) {
	testlog.Start(t)
	addr := startServer(t)

	settings := config.DefaultClientSettings()
	settings.Client.Addr = addr
	settings.MatrixSize = 8
	settings.ThreadConfigs = []int{1, 2}

	out := &syncBuffer{}
	app := NewApp(strings.NewReader("\n"), out, false, settings)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	text := out.String()
	for _, want := range []string{
		"[server] " + protocol.ReplyWelcome,
		"[server] " + protocol.ReplyMatrixReceived,
		"[server] INFO: threads=1,",
		"[server] INFO: threads=2,",
		"===== RESULT =====",
		"Matrix 8x8",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Press Enter") {
		t.Fatalf("non-interactive run should not prompt:\n%s", text)
	}
}
