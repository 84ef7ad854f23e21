package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/danmuck/transposectl/internal/observability"
	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/protocol/frame"
	"github.com/danmuck/transposectl/internal/protocol/upload"
	"github.com/rs/zerolog"
)

var (
	ErrReplyClosed = errors.New("server: reply writer closed")
	errQuit        = errors.New("server: client quit")
)

// replyWriter serializes whole frames from the command loop and the
// dispatcher onto one connection.
type replyWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

func newReplyWriter(w io.Writer) *replyWriter {
	return &replyWriter{w: w}
}

func (rw *replyWriter) Send(cmd string) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.closed {
		return ErrReplyClosed
	}
	if err := frame.WriteCommand(rw.w, cmd); err != nil {
		if !errors.Is(err, frame.ErrPayloadTooLarge) {
			rw.closed = true
		}
		return err
	}
	return nil
}

func (rw *replyWriter) Close() {
	rw.mu.Lock()
	rw.closed = true
	rw.mu.Unlock()
}

// connHandler runs the command loop for one accepted connection.
type connHandler struct {
	conn   io.ReadWriteCloser
	sess   *Session
	out    *replyWriter
	limits upload.Limits
	log    zerolog.Logger
	jobs   sync.WaitGroup
}

func newConnHandler(conn io.ReadWriteCloser, limits upload.Limits, logger zerolog.Logger) *connHandler {
	return &connHandler{
		conn:   conn,
		sess:   NewSession(),
		out:    newReplyWriter(conn),
		limits: limits,
		log:    logger,
	}
}

// serve decodes frames until QUIT, a malformed frame, or a transport error.
// It returns nil for a clean QUIT or peer close.
func (h *connHandler) serve(ctx context.Context) error {
	defer h.shutdown()
	for {
		cmd, err := frame.ReadCommand(h.conn)
		if err != nil {
			if errors.Is(err, frame.ErrShortFrame) {
				// Peer closed mid-frame or between frames; both end the session.
				return nil
			}
			return err
		}
		if err := h.handle(ctx, cmd); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
	}
}

func (h *connHandler) handle(ctx context.Context, cmd string) error {
	observability.RecordCommand(cmd)
	switch cmd {
	case protocol.CmdHello:
		return h.reply(protocol.ReplyWelcome)
	case protocol.CmdUploadMatrix:
		return h.handleUpload()
	case protocol.CmdStartTranspose:
		return h.handleStart(ctx)
	case protocol.CmdRequestStatus:
		return h.reply(h.sess.StatusReply())
	case protocol.CmdRequestResults:
		return h.handleResults()
	case protocol.CmdQuit:
		if err := h.reply(protocol.ReplyBye); err != nil {
			return err
		}
		return errQuit
	default:
		h.log.Debug().Str("cmd", cmd).Msg("unknown command")
		return h.reply(protocol.ReplyError)
	}
}

func (h *connHandler) handleUpload() error {
	u, err := upload.Read(h.conn, h.limits)
	if err != nil {
		observability.RecordUpload("rejected")
		return fmt.Errorf("upload rejected: %w", err)
	}
	if err := h.sess.Load(u); err != nil {
		if errors.Is(err, ErrAlready) {
			observability.RecordUpload("refused")
			return h.reply(protocol.ReplyErrorAlready)
		}
		return err
	}
	observability.RecordUpload("accepted")
	h.log.Info().
		Int("n", u.Matrix.N).
		Ints("configs", u.Configs).
		Str("matrix_digest", fmt.Sprintf("%016x", h.sess.Digest())).
		Msg("matrix received")
	return h.reply(protocol.ReplyMatrixReceived)
}

func (h *connHandler) handleStart(ctx context.Context) error {
	jobCtx, job, err := h.sess.Begin(ctx)
	switch {
	case errors.Is(err, ErrNoData):
		return h.reply(protocol.ReplyErrorNoData)
	case errors.Is(err, ErrAlready):
		return h.reply(protocol.ReplyErrorAlready)
	case err != nil:
		return err
	}
	if err := h.reply(protocol.ReplyTransposeStarted); err != nil {
		h.sess.finish()
		return err
	}
	h.log.Info().Int("n", job.Matrix.N).Ints("configs", job.Configs).Msg("transpose started")
	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		runJob(jobCtx, h.sess, job, h.out, h.log)
	}()
	return nil
}

func (h *connHandler) handleResults() error {
	n, timings, err := h.sess.Results()
	if errors.Is(err, ErrNoResults) {
		return h.reply(protocol.ReplyErrorNoResults)
	}
	if err != nil {
		return err
	}
	report, dropped := protocol.FormatResult(n, timings)
	if dropped > 0 {
		h.log.Warn().Int("dropped", dropped).Int("configs", len(timings)).Msg("result report truncated to one frame")
	}
	return h.reply(report)
}

func (h *connHandler) reply(msg string) error {
	return h.out.Send(msg)
}

// shutdown closes the connection, stops further replies, and waits for a
// running job to notice. Closing first unblocks a job stuck in a write.
func (h *connHandler) shutdown() {
	_ = h.conn.Close()
	h.out.Close()
	<-h.sess.Close()
	h.jobs.Wait()
}

func remoteAddr(c net.Conn) string {
	if c == nil || c.RemoteAddr() == nil {
		return ""
	}
	return c.RemoteAddr().String()
}
