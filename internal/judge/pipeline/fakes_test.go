package pipeline_test

import (
	"context"
	"fmt"

	"kadai/internal/judge/model"
	"kadai/internal/judge/repository"
	"kadai/internal/judge/sandbox"
)

// fakeRuntime is a scriptable sandbox.Runtime. Exec and RunTask consume
// their scripted outcomes in order; an exhausted script yields success
// with empty output.
type fakeRuntime struct {
	volumeErr error
	stageErr  error
	createErr error
	startErr  error

	execScript []execOutcome
	taskScript []taskOutcome

	volumes     int
	staged      []sandbox.StageConfig
	created     []sandbox.ContainerConfig
	started     []string
	execs       []sandbox.ExecConfig
	tasks       []sandbox.TaskConfig
	removedCtrs []string
	removedVols []string
}

type execOutcome struct {
	res sandbox.ExecResult
	err error
}

type taskOutcome struct {
	res sandbox.TaskResult
	err error
}

var _ sandbox.Runtime = (*fakeRuntime)(nil)

func (f *fakeRuntime) CreateVolume(context.Context) (string, error) {
	if f.volumeErr != nil {
		return "", f.volumeErr
	}
	f.volumes++
	return fmt.Sprintf("volume-%d", f.volumes), nil
}

func (f *fakeRuntime) StageFiles(_ context.Context, cfg sandbox.StageConfig) error {
	if f.stageErr != nil {
		return f.stageErr
	}
	f.staged = append(f.staged, cfg)
	return nil
}

func (f *fakeRuntime) RemoveVolume(_ context.Context, name string) error {
	f.removedVols = append(f.removedVols, name)
	return nil
}

func (f *fakeRuntime) CreateContainer(_ context.Context, cfg sandbox.ContainerConfig) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, cfg)
	return fmt.Sprintf("container-%d", len(f.created)), nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, cfg sandbox.ExecConfig) (sandbox.ExecResult, error) {
	f.execs = append(f.execs, cfg)
	if len(f.execScript) == 0 {
		return sandbox.ExecResult{}, nil
	}
	next := f.execScript[0]
	f.execScript = f.execScript[1:]
	return next.res, next.err
}

func (f *fakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.removedCtrs = append(f.removedCtrs, id)
	return nil
}

func (f *fakeRuntime) RunTask(_ context.Context, cfg sandbox.TaskConfig) (sandbox.TaskResult, error) {
	f.tasks = append(f.tasks, cfg)
	if len(f.taskScript) == 0 {
		return sandbox.TaskResult{}, nil
	}
	next := f.taskScript[0]
	f.taskScript = f.taskScript[1:]
	return next.res, next.err
}

// fakeSubmissions is an in-memory repository.SubmissionRepository that
// records the finalize call for assertions.
type fakeSubmissions struct {
	uploaded     []*model.UploadedFile
	uploadedErr  error
	incremented  int
	incrementErr error
	finalized    *finalizeCall
	finalizeErr  error
}

type finalizeCall struct {
	submission *model.Submission
	summary    *model.SubmissionSummary
	results    []*model.JudgeResult
}

var _ repository.SubmissionRepository = (*fakeSubmissions)(nil)

func (f *fakeSubmissions) LeaseQueued(context.Context, int) ([]*model.Submission, error) {
	return nil, nil
}

func (f *fakeSubmissions) UndoRunning(context.Context) (int64, error) {
	return 0, nil
}

func (f *fakeSubmissions) IncrementCompleted(context.Context, int64) error {
	if f.incrementErr != nil {
		return f.incrementErr
	}
	f.incremented++
	return nil
}

func (f *fakeSubmissions) GetUploadedFiles(context.Context, int64) ([]*model.UploadedFile, error) {
	if f.uploadedErr != nil {
		return nil, f.uploadedErr
	}
	return f.uploaded, nil
}

func (f *fakeSubmissions) Finalize(_ context.Context, submission *model.Submission, summary *model.SubmissionSummary, results []*model.JudgeResult) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	f.finalized = &finalizeCall{submission: submission, summary: summary, results: results}
	return nil
}

// fakeProblems serves one canned aggregate or a fixed error.
type fakeProblems struct {
	agg *model.ProblemAggregate
	err error
}

var _ repository.ProblemRepository = (*fakeProblems)(nil)

func (f *fakeProblems) GetAggregate(context.Context, int64, int64, bool) (*model.ProblemAggregate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.agg, nil
}

// fakeEvents records published final summaries.
type fakeEvents struct {
	published []*model.SubmissionSummary
	err       error
}

var _ repository.SummaryEventPublisher = (*fakeEvents)(nil)

func (f *fakeEvents) PublishFinalSummary(_ context.Context, _ *model.Submission, summary *model.SubmissionSummary) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, summary)
	return nil
}
