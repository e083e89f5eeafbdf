package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	SubmissionID key = "submission_id"
	JobKey       key = "job_key"
)

// WithSubmissionID attaches a submission id to the context.
func WithSubmissionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, SubmissionID, id)
}

// SubmissionIDFrom extracts the submission id, zero when absent.
func SubmissionIDFrom(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(SubmissionID).(int64)
	return id, ok
}

// WithJobKey attaches a worker-pool job key to the context.
func WithJobKey(ctx context.Context, jobKey string) context.Context {
	return context.WithValue(ctx, JobKey, jobKey)
}

// JobKeyFrom extracts the job key, empty when absent.
func JobKeyFrom(ctx context.Context) (string, bool) {
	jobKey, ok := ctx.Value(JobKey).(string)
	return jobKey, ok
}
