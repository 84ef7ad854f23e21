package server

import (
	"context"

	"github.com/danmuck/transposectl/internal/observability"
	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/transpose"
	"github.com/rs/zerolog"
)

// replier sends one reply frame to the peer.
type replier interface {
	Send(cmd string) error
}

// runJob executes every configuration of job in order. Each run starts from a
// fresh copy of the base matrix. It stops sending once ctx is cancelled.
func runJob(ctx context.Context, sess *Session, job Job, out replier, logger zerolog.Logger) {
	if job.Matrix.Empty() || len(job.Configs) == 0 {
		sess.finish()
		_ = out.Send(protocol.ReplyErrorNoData)
		return
	}

	for i, threads := range job.Configs {
		if ctx.Err() != nil {
			logger.Debug().Int("completed", i).Msg("job abandoned")
			sess.finish()
			return
		}
		sess.advance(i)
		work := job.Matrix.Clone()
		elapsed := transpose.Measure(work, threads)
		sess.record(elapsed)
		observability.RecordTranspose(threads, elapsed)

		logger.Debug().
			Int("threads", threads).
			Dur("elapsed", elapsed).
			Int("index", i).
			Msg("configuration done")
		if ctx.Err() != nil {
			continue
		}
		if err := out.Send(protocol.FormatInfo(threads, elapsed.Seconds())); err != nil {
			logger.Debug().Err(err).Msg("progress send failed")
		}
	}

	abandoned := ctx.Err() != nil
	sess.finish()
	if abandoned {
		return
	}
	if err := out.Send(protocol.ReplyTransposeCompleted); err != nil {
		logger.Debug().Err(err).Msg("completion send failed")
		return
	}
	logger.Info().Int("configs", len(job.Configs)).Int("n", job.Matrix.N).Msg("transpose completed")
}
