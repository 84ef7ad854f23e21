// Package client drives one compute session against a transpose server.
//
// The upload phase is strictly sequential. Once START_TRANSPOSE is sent, a
// listener goroutine owns all reads from the connection while the caller owns
// all writes, so command order on the wire stays deterministic.
package client

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/transposectl/internal/logging"
	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/protocol/frame"
	"github.com/danmuck/transposectl/internal/protocol/upload"
	"github.com/danmuck/transposectl/internal/transpose"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrUnexpectedReply = errors.New("client: unexpected reply")
	ErrRunActive       = errors.New("client: listener owns the connection")
	ErrNoData          = errors.New("client: server has no data to transpose")
	ErrNoResults       = errors.New("client: server has no results")
	ErrListenerStopped = errors.New("client: listener stopped before result")
)

// DefaultAddr matches the server's default listen port.
const DefaultAddr = "127.0.0.1:12345"

// Config configures one client connection.
type Config struct {
	Addr        string
	DialTimeout time.Duration
	// OnNotice receives server lines the listener passes through
	// (INFO, TRANSPOSE_STARTED, STATUS, errors). Called from the listener goroutine.
	OnNotice func(msg string)
}

func DefaultConfig() Config {
	return Config{
		Addr:        DefaultAddr,
		DialTimeout: 5 * time.Second,
	}
}

// Client is one connection to the compute server.
type Client struct {
	conn net.Conn
	cfg  Config
	log  zerolog.Logger

	wmu sync.Mutex
	mu  sync.Mutex
	run *Run
}

func Dial(ctx context.Context, cfg Config) (*Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return New(conn, cfg), nil
}

// New wraps an established connection.
func New(conn net.Conn, cfg Config) *Client {
	return &Client{
		conn: conn,
		cfg:  cfg,
		log:  logging.Component("client"),
	}
}

func (c *Client) send(cmd string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return errors.Wrapf(frame.WriteCommand(c.conn, cmd), "send %s", cmd)
}

func (c *Client) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil
}

// recv reads one reply directly; only valid before a run starts.
func (c *Client) recv() (string, error) {
	if c.running() {
		return "", ErrRunActive
	}
	msg, err := frame.ReadCommand(c.conn)
	if err != nil {
		return "", errors.Wrap(err, "receive reply")
	}
	return msg, nil
}

func (c *Client) expect(cmd, want string) (string, error) {
	if c.running() {
		return "", ErrRunActive
	}
	if err := c.send(cmd); err != nil {
		return "", err
	}
	reply, err := c.recv()
	if err != nil {
		return "", err
	}
	if reply != want {
		return reply, errors.Wrapf(ErrUnexpectedReply, "%s: got %q want %q", cmd, reply, want)
	}
	return reply, nil
}

// Hello performs the greeting handshake.
func (c *Client) Hello() (string, error) {
	return c.expect(protocol.CmdHello, protocol.ReplyWelcome)
}

// Upload sends the matrix and thread-count list in the order the server reads them.
func (c *Client) Upload(m transpose.Matrix, configs []int) (string, error) {
	if c.running() {
		return "", ErrRunActive
	}
	if err := c.send(protocol.CmdUploadMatrix); err != nil {
		return "", err
	}
	c.wmu.Lock()
	err := upload.Write(c.conn, m, configs)
	c.wmu.Unlock()
	if err != nil {
		return "", errors.Wrap(err, "send upload body")
	}
	reply, err := c.recv()
	if err != nil {
		return "", err
	}
	if reply != protocol.ReplyMatrixReceived {
		return reply, errors.Wrapf(ErrUnexpectedReply, "upload: got %q", reply)
	}
	c.log.Debug().Int("n", m.N).Ints("configs", configs).Msg("matrix uploaded")
	return reply, nil
}

// Start sends START_TRANSPOSE and hands reads to a listener goroutine.
func (c *Client) Start() (*Run, error) {
	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		return nil, ErrRunActive
	}
	r := newRun(c)
	c.run = r
	c.mu.Unlock()

	if err := c.send(protocol.CmdStartTranspose); err != nil {
		c.mu.Lock()
		c.run = nil
		c.mu.Unlock()
		return nil, err
	}
	go r.listen()
	return r, nil
}

// Quit sends QUIT, waits for any listener, reads BYE best-effort, and closes.
func (c *Client) Quit() error {
	err := c.send(protocol.CmdQuit)
	c.mu.Lock()
	r := c.run
	c.mu.Unlock()
	if r != nil {
		<-r.exited
		c.mu.Lock()
		c.run = nil
		c.mu.Unlock()
	}
	if err == nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(time.Second))
		if reply, rerr := c.recv(); rerr == nil && reply != protocol.ReplyBye {
			c.log.Debug().Str("reply", reply).Msg("unexpected quit reply")
		}
	}
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) notice(msg string) {
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(msg)
		return
	}
	c.log.Info().Str("server", msg).Msg("notice")
}
