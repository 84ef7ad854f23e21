package server

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/transposectl/internal/logging"
	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/protocol/frame"
	"github.com/danmuck/transposectl/internal/protocol/upload"
	"github.com/danmuck/transposectl/internal/testutil/testlog"
	"github.com/danmuck/transposectl/internal/transpose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startService runs a service on a loopback port and stops it on cleanup.
func startService(t *testing.T, cfg ServiceConfig) (*Service, string) {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.HeartbeatInterval = 0
	svc := NewServiceWithConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := svc.Listen(ctx)
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	})
	return svc, ln.Addr().String()
}

type rawClient struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &rawClient{t: t, conn: conn}
}

func (c *rawClient) send(cmd string) {
	c.t.Helper()
	require.NoError(c.t, frame.WriteCommand(c.conn, cmd))
}

func (c *rawClient) recv() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	msg, err := frame.ReadCommand(c.conn)
	require.NoError(c.t, err)
	return msg
}

func (c *rawClient) roundTrip(cmd string) string {
	c.t.Helper()
	c.send(cmd)
	return c.recv()
}

func (c *rawClient) upload(m transpose.Matrix, configs []int) string {
	c.t.Helper()
	c.send(protocol.CmdUploadMatrix)
	require.NoError(c.t, upload.Write(c.conn, m, configs))
	return c.recv()
}

func TestServiceHandshakeUnknownAndQuit(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	assert.Equal(t, protocol.ReplyWelcome, c.roundTrip(protocol.CmdHello))
	assert.Equal(t, protocol.ReplyError, c.roundTrip("FLY_TO_MOON"))
	assert.Equal(t, protocol.ReplyStatusFinished, c.roundTrip(protocol.CmdRequestStatus))
	assert.Equal(t, protocol.ReplyBye, c.roundTrip(protocol.CmdQuit))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := frame.ReadCommand(c.conn)
	assert.ErrorIs(t, err, frame.ErrShortFrame)
}

func TestServiceInvalidRequestsKeepConnectionOpen(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	assert.Equal(t, protocol.ReplyErrorNoResults, c.roundTrip(protocol.CmdRequestResults))
	assert.Equal(t, protocol.ReplyErrorNoData, c.roundTrip(protocol.CmdStartTranspose))
	assert.Equal(t, protocol.ReplyErrorNoResults, c.roundTrip(protocol.CmdRequestResults))
	assert.Equal(t, protocol.ReplyWelcome, c.roundTrip(protocol.CmdHello))
}

func TestServiceEndToEndTwoConfigurations(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	m := transpose.NewMatrix(4)
	for i := range m.Cells {
		m.Cells[i] = int32(i * 3)
	}
	require.Equal(t, protocol.ReplyMatrixReceived, c.upload(m, []int{1, 2}))
	require.Equal(t, protocol.ReplyTransposeStarted, c.roundTrip(protocol.CmdStartTranspose))

	for _, threads := range []int{1, 2} {
		tm, err := protocol.ParseInfo(c.recv())
		require.NoError(t, err)
		assert.Equal(t, threads, tm.Threads)
		assert.GreaterOrEqual(t, tm.Seconds, 0.0)
	}
	require.Equal(t, protocol.ReplyTransposeCompleted, c.recv())
	assert.Equal(t, protocol.ReplyStatusFinished, c.roundTrip(protocol.CmdRequestStatus))

	report := c.roundTrip(protocol.CmdRequestResults)
	res, err := protocol.ParseResult(report)
	require.NoError(t, err)
	assert.Contains(t, report, "Matrix 4x4")
	assert.Equal(t, 4, res.N)
	require.Len(t, res.Timings, 2)
	assert.Equal(t, 1, res.Timings[0].Threads)
	assert.Equal(t, 2, res.Timings[1].Threads)
	for _, tm := range res.Timings {
		assert.GreaterOrEqual(t, tm.Seconds, 0.0)
	}

	// The same session can run again with the loaded data.
	require.Equal(t, protocol.ReplyTransposeStarted, c.roundTrip(protocol.CmdStartTranspose))
	c.recv()
	c.recv()
	require.Equal(t, protocol.ReplyTransposeCompleted, c.recv())
}

func TestServiceClampsNonPositiveThreadCounts(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	require.Equal(t, protocol.ReplyMatrixReceived, c.upload(transpose.NewMatrix(3), []int{0, -7}))
	require.Equal(t, protocol.ReplyTransposeStarted, c.roundTrip(protocol.CmdStartTranspose))
	for i := 0; i < 2; i++ {
		assert.True(t, strings.HasPrefix(c.recv(), "INFO: threads=1,"))
	}
	require.Equal(t, protocol.ReplyTransposeCompleted, c.recv())
}

func TestServiceByteCountMismatchClosesConnection(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	c.send(protocol.CmdUploadMatrix)
	hdr := upload.EncodeHeader(upload.Header{N: 4, ConfigCount: 1, ExpectedBytes: 63})
	_, err := c.conn.Write(hdr)
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = frame.ReadCommand(c.conn)
	assert.ErrorIs(t, err, frame.ErrShortFrame)
}

func TestServiceReuploadReplacesMatrixAndClearsTimings(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	require.Equal(t, protocol.ReplyMatrixReceived, c.upload(transpose.NewMatrix(4), []int{2}))
	require.Equal(t, protocol.ReplyTransposeStarted, c.roundTrip(protocol.CmdStartTranspose))
	c.recv()
	require.Equal(t, protocol.ReplyTransposeCompleted, c.recv())
	require.True(t, protocol.IsResult(c.roundTrip(protocol.CmdRequestResults)))

	require.Equal(t, protocol.ReplyMatrixReceived, c.upload(transpose.NewMatrix(2), []int{1, 3}))
	assert.Equal(t, protocol.ReplyErrorNoResults, c.roundTrip(protocol.CmdRequestResults))

	require.Equal(t, protocol.ReplyTransposeStarted, c.roundTrip(protocol.CmdStartTranspose))
	c.recv()
	c.recv()
	require.Equal(t, protocol.ReplyTransposeCompleted, c.recv())
	res, err := protocol.ParseResult(c.roundTrip(protocol.CmdRequestResults))
	require.NoError(t, err)
	assert.Equal(t, 2, res.N)
	assert.Len(t, res.Timings, 2)
}

func TestServiceUploadOverLimitClosesConnection(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.Limits = upload.Limits{MaxDim: 2, MaxConfigs: 4}
	_, addr := startService(t, cfg)
	c := dialRaw(t, addr)

	c.send(protocol.CmdUploadMatrix)
	_, err := c.conn.Write(upload.EncodeHeader(upload.NewHeader(3, 1)))
	require.NoError(t, err)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = frame.ReadCommand(c.conn)
	assert.ErrorIs(t, err, frame.ErrShortFrame)
}

func TestServiceSessionsAreConnectionLocal(t *testing.T) {
	testlog.Start(t)
	svc, addr := startService(t, DefaultServiceConfig())
	a := dialRaw(t, addr)
	b := dialRaw(t, addr)

	require.Equal(t, protocol.ReplyMatrixReceived, a.upload(transpose.NewMatrix(3), []int{1}))
	assert.Equal(t, protocol.ReplyErrorNoData, b.roundTrip(protocol.CmdStartTranspose))
	assert.Equal(t, int64(2), svc.ActiveClients())
}

// pipeHandler runs a command loop over net.Pipe for deterministic state tests.
func pipeHandler(t *testing.T) (*connHandler, *rawClient) {
	t.Helper()
	srv, cli := net.Pipe()
	h := newConnHandler(srv, upload.Limits{}, logging.Component("server"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = cli.Close()
		<-done
	})
	return h, &rawClient{t: t, conn: cli}
}

func TestStartWhileRunningRepliesAlready(t *testing.T) {
	testlog.Start(t)
	h, c := pipeHandler(t)
	require.NoError(t, h.sess.Load(upload.Upload{Matrix: transpose.NewMatrix(2), Configs: []int{1, 2}}))
	// Hold the session busy without a dispatcher so the state is stable.
	_, _, err := h.sess.Begin(context.Background())
	require.NoError(t, err)
	t.Cleanup(h.sess.finish)
	h.sess.advance(1)
	h.sess.record(time.Millisecond)

	assert.Equal(t, protocol.ReplyErrorAlready, c.roundTrip(protocol.CmdStartTranspose))
	assert.Equal(t, "STATUS: 2/2", c.roundTrip(protocol.CmdRequestStatus))
	st := h.sess.Status()
	assert.Equal(t, 1, st.Cursor)
	_, timings, err := h.sess.Results()
	require.NoError(t, err)
	assert.Len(t, timings, 1)

	// Uploads during a run are drained and refused without breaking framing.
	c.send(protocol.CmdUploadMatrix)
	go func() { _ = upload.Write(c.conn, transpose.NewMatrix(3), []int{4}) }()
	assert.Equal(t, protocol.ReplyErrorAlready, c.recv())
	assert.Equal(t, protocol.ReplyWelcome, c.roundTrip(protocol.CmdHello))
}

func TestMalformedFrameLengthClosesConnection(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	raw := make([]byte, frame.Size)
	binary.BigEndian.PutUint32(raw, frame.PayloadCap+10)
	_, err := c.conn.Write(raw)
	require.NoError(t, err)
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = frame.ReadCommand(c.conn)
	assert.ErrorIs(t, err, frame.ErrShortFrame)
}

func TestServiceCloseDuringRunReleasesHandler(t *testing.T) {
	testlog.Start(t)
	svc, addr := startService(t, DefaultServiceConfig())
	c := dialRaw(t, addr)

	m := transpose.NewMatrix(1024)
	for i := range m.Cells {
		m.Cells[i] = int32(i)
	}
	configs := []int{1, 1, 2, 2, 4, 4, 8, 8}
	require.Equal(t, protocol.ReplyMatrixReceived, c.upload(m, configs))
	require.Equal(t, protocol.ReplyTransposeStarted, c.roundTrip(protocol.CmdStartTranspose))
	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		return svc.ActiveClients() == 0
	}, 5*time.Second, 10*time.Millisecond, "handler did not exit after close during run")

	// The service keeps accepting new sessions afterwards.
	next := dialRaw(t, addr)
	assert.Equal(t, protocol.ReplyWelcome, next.roundTrip(protocol.CmdHello))
}
