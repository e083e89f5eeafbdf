// Package service polls the submission queue and fans leased
// submissions out to a bounded worker pool. The loop never exits on its
// own; database hiccups are logged and retried on the next tick.
package service

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"kadai/internal/judge/model"
	"kadai/internal/judge/repository"
	appErr "kadai/pkg/errors"
	"kadai/pkg/utils/contextkey"
	"kadai/pkg/utils/logger"
)

// defaultTick is the pause between queue polls.
const defaultTick = 5 * time.Second

// Judger runs one leased submission to completion.
type Judger interface {
	Run(ctx context.Context, sub *model.Submission) error
}

// Options wires the service loop.
type Options struct {
	Submissions repository.SubmissionRepository
	Judger      Judger
	Pool        *Pool
	Tick        time.Duration
}

// Service leases queued submissions on a fixed tick and dispatches them
// to the pool.
type Service struct {
	submissions repository.SubmissionRepository
	judger      Judger
	pool        *Pool
	tick        time.Duration
}

// NewService validates the options and returns a ready Service.
func NewService(opts Options) (*Service, error) {
	if opts.Submissions == nil {
		return nil, appErr.ValidationError("submissions", "submission repository is required")
	}
	if opts.Judger == nil {
		return nil, appErr.ValidationError("judger", "judger is required")
	}
	pool := opts.Pool
	if pool == nil {
		pool = NewPool(DefaultPoolSize)
	}
	tick := opts.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	return &Service{
		submissions: opts.Submissions,
		judger:      opts.Judger,
		pool:        pool,
		tick:        tick,
	}, nil
}

// Run requeues submissions stranded by a previous crash and then polls
// the queue until ctx is canceled. On return the pool is drained and
// anything still marked running has been reset to queued.
func (s *Service) Run(ctx context.Context) {
	s.recoverInterrupted(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	logger.Info(ctx, "judge service started",
		zap.Duration("tick", s.tick),
		zap.Int("workers", s.pool.Capacity()))

	for {
		select {
		case <-ctx.Done():
			s.drain(context.WithoutCancel(ctx))
			logger.Info(ctx, "judge service stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll logs finished jobs, then fills the free workers with freshly
// leased submissions. Jobs receive a detached context so a shutdown
// drains them instead of cutting their database writes short.
func (s *Service) poll(ctx context.Context) {
	s.logHarvest(ctx)

	free := s.pool.Available()
	if free == 0 {
		return
	}
	subs, err := s.submissions.LeaseQueued(ctx, free)
	if err != nil {
		logger.Error(ctx, "lease queued submissions failed", zap.Error(err))
		return
	}
	for _, sub := range subs {
		sub := sub
		key := jobKey(sub.ID)
		jobCtx := contextkey.WithSubmissionID(context.WithoutCancel(ctx), sub.ID)
		jobCtx = contextkey.WithJobKey(jobCtx, key)
		ok := s.pool.Submit(jobCtx, key, func(jobCtx context.Context) error {
			return s.judger.Run(jobCtx, sub)
		})
		if !ok {
			// The row stays running until the next recovery pass.
			logger.Warn(ctx, "worker pool rejected job", zap.String("job", key))
			continue
		}
		logger.Info(ctx, "submission dispatched", zap.String("job", key))
	}
}

func (s *Service) logHarvest(ctx context.Context) {
	for _, rec := range s.pool.Harvest() {
		if rec.Err != nil {
			logger.Error(ctx, "judge job failed",
				zap.String("job", rec.Key),
				zap.Duration("elapsed", time.Since(rec.SubmittedAt)),
				zap.Error(rec.Err))
			continue
		}
		logger.Info(ctx, "judge job finished",
			zap.String("job", rec.Key),
			zap.Duration("elapsed", time.Since(rec.SubmittedAt)))
	}
}

// drain stops the pool, waits for in-flight jobs, logs their outcomes
// and requeues whatever still sits in running state.
func (s *Service) drain(ctx context.Context) {
	s.pool.Shutdown(true)
	s.logHarvest(ctx)
	s.recoverInterrupted(ctx)
}

// recoverInterrupted requeues submissions stranded in running state.
// Failures are logged only.
func (s *Service) recoverInterrupted(ctx context.Context) {
	n, err := s.submissions.UndoRunning(ctx)
	if err != nil {
		logger.Error(ctx, "undo running submissions failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info(ctx, "requeued interrupted submissions", zap.Int64("count", n))
	}
}

// jobKey names a pool job after its submission for log correlation.
func jobKey(submissionID int64) string {
	return "submission-" + strconv.FormatInt(submissionID, 10)
}
