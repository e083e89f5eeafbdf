package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"kadai/internal/common/cache"
	"kadai/internal/judge/model"
	appErr "kadai/pkg/errors"

	"github.com/zeromicro/go-zero/core/logx"
)

const progressKeyPrefix = "judge:progress:"

// ProgressCache mirrors submission progress into a cache so pollers can
// follow a running submission without touching the database. The mirror
// is best effort; the Submission row stays the source of truth.
type ProgressCache struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewProgressCache creates a new progress cache.
func NewProgressCache(cacheClient cache.Cache, ttl time.Duration) *ProgressCache {
	return &ProgressCache{cache: cacheClient, TTL: ttl}
}

// Get returns the latest snapshot for a submission.
func (r *ProgressCache) Get(ctx context.Context, submissionID int64) (model.ProgressSnapshot, error) {
	logger := logx.WithContext(ctx)
	logger.Infof("get progress start submission_id=%d", submissionID)
	if submissionID <= 0 {
		logger.Error("submission_id is required")
		return model.ProgressSnapshot{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.ProgressSnapshot{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, progressKey(submissionID))
	if err != nil || val == "" {
		if err != nil {
			logger.Errorf("get progress failed: %v", err)
		}
		return model.ProgressSnapshot{}, appErr.New(appErr.NotFound).WithMessage("submission progress not found")
	}
	var snapshot model.ProgressSnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		logger.Errorf("decode progress failed: %v", err)
		return model.ProgressSnapshot{}, appErr.Wrapf(err, appErr.CacheError, "decode progress failed")
	}
	return snapshot, nil
}

// Save persists a snapshot.
func (r *ProgressCache) Save(ctx context.Context, snapshot model.ProgressSnapshot) error {
	logger := logx.WithContext(ctx)
	if snapshot.SubmissionID <= 0 {
		logger.Error("submission_id is required")
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal progress failed: %w", err)
	}
	if err := r.cache.Set(ctx, progressKey(snapshot.SubmissionID), string(data), cache.JitterTTL(r.TTL)); err != nil {
		logger.Errorf("store progress failed: %v", err)
		return appErr.Wrapf(err, appErr.CacheError, "store progress failed")
	}
	return nil
}

func progressKey(submissionID int64) string {
	return progressKeyPrefix + strconv.FormatInt(submissionID, 10)
}
