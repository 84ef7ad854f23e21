package client

import (
	"context"
	"sync"

	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/protocol/frame"
	"github.com/pkg/errors"
)

// Run tracks one START_TRANSPOSE from the client side.
type Run struct {
	c *Client

	done     chan struct{}
	doneOnce sync.Once

	// result is closed after resultMsg/resultErr are written.
	result    chan struct{}
	resultMsg string
	resultErr error

	exited chan struct{}
	err    error
}

func newRun(c *Client) *Run {
	return &Run{
		c:      c,
		done:   make(chan struct{}),
		result: make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// Done is closed when the server reports TRANSPOSE_COMPLETED, or when the run
// cannot complete (no data, listener failure).
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Exited is closed when the listener goroutine returns.
func (r *Run) Exited() <-chan struct{} {
	return r.exited
}

// Err reports why the listener stopped, if it stopped on an error.
func (r *Run) Err() error {
	select {
	case <-r.exited:
		return r.err
	default:
		return nil
	}
}

// PollStatus sends REQUEST_STATUS; the reply arrives as a notice.
func (r *Run) PollStatus() error {
	return r.c.send(protocol.CmdRequestStatus)
}

// Results sends REQUEST_RESULTS and waits for the listener to capture the report.
func (r *Run) Results(ctx context.Context) (string, error) {
	if err := r.c.send(protocol.CmdRequestResults); err != nil {
		return "", err
	}
	return r.WaitResult(ctx)
}

// WaitResult blocks until a RESULT frame is captured.
func (r *Run) WaitResult(ctx context.Context) (string, error) {
	select {
	case <-r.result:
		return r.resultMsg, r.resultErr
	case <-r.exited:
		// The listener may publish a result right before exiting.
		select {
		case <-r.result:
			return r.resultMsg, r.resultErr
		default:
		}
		if r.err != nil {
			return "", errors.Wrap(r.err, "wait result")
		}
		return "", ErrListenerStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Drive polls status on every trigger until the run completes, then fetches
// the final report.
func (r *Run) Drive(ctx context.Context, triggers <-chan struct{}) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.done:
			if err := r.doneErr(); err != nil {
				return "", err
			}
			return r.Results(ctx)
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if err := r.PollStatus(); err != nil {
				return "", err
			}
		}
	}
}

// doneErr distinguishes a completed run from one that ended early.
func (r *Run) doneErr() error {
	select {
	case <-r.exited:
		if r.err != nil {
			return r.err
		}
	default:
	}
	select {
	case <-r.result:
		return r.resultErr
	default:
	}
	return nil
}

func (r *Run) markDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Run) publish(msg string, err error) {
	r.resultMsg = msg
	r.resultErr = err
	close(r.result)
}

// listen owns every read from the connection until a RESULT frame arrives.
func (r *Run) listen() {
	defer r.markDone()
	defer close(r.exited)
	for {
		msg, err := frame.ReadCommand(r.c.conn)
		if err != nil {
			if !errors.Is(err, frame.ErrShortFrame) {
				r.err = errors.Wrap(err, "listener read")
			} else {
				r.err = errors.Wrap(err, "server closed connection")
			}
			return
		}
		switch {
		case protocol.IsResult(msg):
			r.publish(msg, nil)
			return
		case msg == protocol.ReplyTransposeCompleted:
			r.c.notice(msg)
			r.markDone()
		case msg == protocol.ReplyErrorNoData:
			r.c.notice(msg)
			r.publish("", ErrNoData)
			return
		case msg == protocol.ReplyErrorNoResults:
			r.c.notice(msg)
			r.publish("", ErrNoResults)
			return
		default:
			r.c.notice(msg)
		}
	}
}
