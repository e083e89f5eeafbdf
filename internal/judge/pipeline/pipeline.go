// Package pipeline judges one leased submission end to end: it checks
// the upload against the problem requirements, builds the sources in a
// sandbox container, runs every judge testcase and persists the
// aggregated outcome in a single transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"kadai/internal/judge/checker"
	"kadai/internal/judge/model"
	"kadai/internal/judge/repository"
	"kadai/internal/judge/sandbox"
	appErr "kadai/pkg/errors"
	"kadai/pkg/utils/logger"
)

// User-facing summary messages. The Japanese strings are shown to
// students verbatim by the frontend and must not change.
const (
	msgFileMissing     = "ファイルが存在しません"
	msgBuildFailed     = "ビルドに失敗しました"
	msgArtifactMissing = "実行ファイルが出力されていません"
	msgSandboxError    = "Internal error while executing sandbox"
	msgArgFileMissing  = "argument file not found"
)

// outputClipLen bounds the stdout/stderr stored per judge result, in
// runes so a multibyte character is never split.
const outputClipLen = 256

const (
	defaultBuildImage    = "checker-lang-gcc"
	defaultRunImage      = "binary-runner"
	defaultWorkDir       = "/home/guest"
	defaultBuildTimeout  = 2 * time.Second
	defaultBuildMemoryMB = 512
)

// Config carries the sandbox and filesystem parameters of the pipeline.
type Config struct {
	// BuildImage is the image used for staging, compiling and artifact
	// inspection. RunImage is the image judge testcases execute in.
	BuildImage string
	RunImage   string

	// WorkDir is the path inside both images where the submission
	// volume is mounted. It doubles as the working directory of every
	// command the pipeline runs.
	WorkDir string

	// ResourcePath is the host directory problem resources live under:
	// argument, stdin and expected output files, and arranged files.
	// UploadDirPath is the host directory uploaded files live under.
	ResourcePath  string
	UploadDirPath string

	// GuestUID and GuestGID identify the unprivileged in-container user
	// every command runs as.
	GuestUID string
	GuestGID string

	// CgroupParent is the cgroup sandbox containers are placed in.
	// CpusetCPUs optionally pins the build container to specific cores.
	CgroupParent string
	CpusetCPUs   string

	// BuildTimeout and BuildMemoryMB bound each build-phase command.
	// Judge testcases use the limits of the problem instead.
	BuildTimeout  time.Duration
	BuildMemoryMB int64
}

func (c *Config) applyDefaults() {
	if c.BuildImage == "" {
		c.BuildImage = defaultBuildImage
	}
	if c.RunImage == "" {
		c.RunImage = defaultRunImage
	}
	if c.WorkDir == "" {
		c.WorkDir = defaultWorkDir
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = defaultBuildTimeout
	}
	if c.BuildMemoryMB <= 0 {
		c.BuildMemoryMB = defaultBuildMemoryMB
	}
}

// Options wires the collaborators of a Processor. Progress and Events
// are optional; when nil the pipeline skips the progress mirror and the
// summary event publish.
type Options struct {
	Submissions repository.SubmissionRepository
	Problems    repository.ProblemRepository
	Runtime     sandbox.Runtime
	Progress    *repository.ProgressCache
	Events      repository.SummaryEventPublisher
	Config      Config
}

// Processor judges submissions. A single Processor is safe for
// concurrent use; every Run call keeps its own state.
type Processor struct {
	submissions repository.SubmissionRepository
	problems    repository.ProblemRepository
	runtime     sandbox.Runtime
	progress    *repository.ProgressCache
	events      repository.SummaryEventPublisher
	cfg         Config
}

// New validates the options and returns a ready Processor.
func New(opts Options) (*Processor, error) {
	if opts.Submissions == nil {
		return nil, appErr.ValidationError("submissions", "submission repository is required")
	}
	if opts.Problems == nil {
		return nil, appErr.ValidationError("problems", "problem repository is required")
	}
	if opts.Runtime == nil {
		return nil, appErr.ValidationError("runtime", "sandbox runtime is required")
	}
	cfg := opts.Config
	cfg.applyDefaults()
	return &Processor{
		submissions: opts.Submissions,
		problems:    opts.Problems,
		runtime:     opts.Runtime,
		progress:    opts.Progress,
		events:      opts.Events,
		cfg:         cfg,
	}, nil
}

// runState accumulates everything one submission produces while it
// moves through the phases.
type runState struct {
	sub      *model.Submission
	agg      *model.ProblemAggregate
	cases    map[int64]model.TestCase
	uploaded []*model.UploadedFile
	rows     []*model.JudgeResult
	volume   string
	buildCtr string
}

// summarySeed tells finalize how to aggregate: the starting verdict,
// the summary message (empty means the standard completion message)
// and the leading detail text. Finalize appends one line per non-AC
// row after the seed detail.
type summarySeed struct {
	verdict model.Verdict
	message string
	detail  string
}

// Run judges one leased submission to completion. It returns an error
// only when the database rejects a read or write; every judgeable
// failure, sandbox breakage included, ends in a persisted summary.
func (p *Processor) Run(ctx context.Context, sub *model.Submission) error {
	st := &runState{sub: sub}
	defer p.cleanup(ctx, st)

	agg, err := p.problems.GetAggregate(ctx, sub.LectureID, sub.AssignmentID, sub.Eval)
	if err != nil {
		if errors.Is(err, repository.ErrProblemNotFound) {
			return p.finalize(ctx, st, summarySeed{
				verdict: model.VerdictIE,
				message: fmt.Sprintf("Error on Problem %d-%d:%t: Not found",
					sub.LectureID, sub.AssignmentID, sub.Eval),
			})
		}
		return err
	}
	st.agg = agg
	st.cases = make(map[int64]model.TestCase, len(agg.TestCases))
	for _, tc := range agg.TestCases {
		st.cases[tc.ID] = tc
	}
	sub.TotalTask = int64(len(agg.TestCases))

	if done, err := p.preCheck(ctx, st); done || err != nil {
		return err
	}
	if done, err := p.prepare(ctx, st); done || err != nil {
		return err
	}
	if done, err := p.compile(ctx, st); done || err != nil {
		return err
	}
	if done, err := p.artifactCheck(ctx, st); done || err != nil {
		return err
	}
	if done, err := p.judge(ctx, st); done || err != nil {
		return err
	}
	return p.finalize(ctx, st, summarySeed{verdict: model.VerdictAC})
}

// preCheck verifies every required file was uploaded. Uploads keep
// their original names below a submission-specific directory, so the
// comparison is by basename.
func (p *Processor) preCheck(ctx context.Context, st *runState) (bool, error) {
	uploaded, err := p.submissions.GetUploadedFiles(ctx, st.sub.ID)
	if err != nil {
		return false, err
	}
	st.uploaded = uploaded

	have := make(map[string]struct{}, len(uploaded))
	for _, f := range uploaded {
		have[filepath.Base(f.Path)] = struct{}{}
	}
	var missing []string
	for _, rf := range st.agg.RequiredFiles {
		if _, ok := have[rf.Name]; !ok {
			missing = append(missing, rf.Name)
		}
	}
	if len(missing) > 0 {
		return true, p.finalize(ctx, st, summarySeed{
			verdict: model.VerdictFN,
			message: msgFileMissing,
			detail:  strings.Join(missing, " "),
		})
	}
	return false, nil
}

// prepare creates the working volume, stages uploaded and arranged
// files into it and starts the build container the compile phase execs
// into. The container idles until it is torn down after the artifact
// check.
func (p *Processor) prepare(ctx context.Context, st *runState) (bool, error) {
	volume, err := p.runtime.CreateVolume(ctx)
	if err != nil {
		return true, p.finalizeSandboxError(ctx, st, err)
	}
	st.volume = volume

	hostPaths := make([]string, 0, len(st.uploaded)+len(st.agg.ArrangedFiles))
	for _, f := range st.uploaded {
		hostPaths = append(hostPaths, filepath.Join(p.cfg.UploadDirPath, f.Path))
	}
	for _, f := range st.agg.ArrangedFiles {
		hostPaths = append(hostPaths, filepath.Join(p.cfg.ResourcePath, f.Path))
	}
	err = p.runtime.StageFiles(ctx, sandbox.StageConfig{
		VolumeName: volume,
		Image:      p.cfg.BuildImage,
		HostPaths:  hostPaths,
	})
	if err != nil {
		return true, p.finalizeSandboxError(ctx, st, err)
	}

	containerID, err := p.runtime.CreateContainer(ctx, sandbox.ContainerConfig{
		Image:        p.cfg.BuildImage,
		Cmd:          []string{"sleep", "infinity"},
		User:         p.cfg.GuestUID,
		GroupAdd:     []string{p.cfg.GuestGID},
		WorkDir:      p.cfg.WorkDir,
		CgroupParent: p.cfg.CgroupParent,
		CpusetCPUs:   p.cfg.CpusetCPUs,
		MemoryMB:     p.cfg.BuildMemoryMB,
		StackKB:      -1,
		Mounts: []sandbox.Mount{
			{VolumeName: volume, Path: p.cfg.WorkDir},
		},
	})
	if err != nil {
		return true, p.finalizeSandboxError(ctx, st, err)
	}
	st.buildCtr = containerID

	if err := p.runtime.StartContainer(ctx, containerID); err != nil {
		return true, p.finalizeSandboxError(ctx, st, err)
	}
	return false, nil
}

// compile runs every build testcase inside the build container in
// problem order. The exit status alone decides the verdict; build
// output is recorded but never compared against anything.
func (p *Processor) compile(ctx context.Context, st *runState) (bool, error) {
	for _, tc := range st.agg.BuiltCases() {
		argv, failed := p.buildArgv(tc)
		if failed != nil {
			return true, p.finalize(ctx, st, *failed)
		}

		res, err := p.runtime.Exec(ctx, sandbox.ExecConfig{
			ContainerID:  st.buildCtr,
			Argv:         argv,
			User:         p.cfg.GuestUID,
			WorkDir:      p.cfg.WorkDir,
			CgroupParent: p.cfg.CgroupParent,
			Timeout:      p.cfg.BuildTimeout,
		})
		if err != nil {
			return true, p.finalizeSandboxError(ctx, st, err)
		}

		verdict := model.VerdictAC
		if res.ExitCode != 0 {
			verdict = model.VerdictCE
		}
		st.rows = append(st.rows, &model.JudgeResult{
			SubmissionID: st.sub.ID,
			TestCaseID:   tc.ID,
			Result:       verdict,
			Command:      strings.Join(argv, " "),
			TimeMS:       res.TimeMS,
			MemoryKB:     res.MemoryKB,
			ExitCode:     res.ExitCode,
			Stdout:       clip(res.Stdout),
			Stderr:       clip(res.Stderr),
		})
		if err := p.recordTaskDone(ctx, st); err != nil {
			return false, err
		}
		if verdict != model.VerdictAC {
			return true, p.finalize(ctx, st, summarySeed{
				verdict: model.VerdictAC,
				message: msgBuildFailed,
			})
		}
	}
	return false, nil
}

// artifactCheck lists the volume root and verifies the build produced
// every expected executable. ls -p marks directories with a trailing
// slash so they are never mistaken for artifacts. The build container
// is torn down here; later phases only read the volume.
func (p *Processor) artifactCheck(ctx context.Context, st *runState) (bool, error) {
	res, err := p.runtime.Exec(ctx, sandbox.ExecConfig{
		ContainerID:  st.buildCtr,
		Argv:         []string{"ls", "-p"},
		User:         p.cfg.GuestUID,
		WorkDir:      p.cfg.WorkDir,
		CgroupParent: p.cfg.CgroupParent,
		Timeout:      p.cfg.BuildTimeout,
	})
	if err != nil {
		return true, p.finalizeSandboxError(ctx, st, err)
	}

	produced := make(map[string]struct{})
	for _, name := range strings.Fields(res.Stdout) {
		if strings.HasSuffix(name, "/") {
			continue
		}
		produced[name] = struct{}{}
	}
	var missing []string
	for _, exe := range st.agg.Executables {
		if _, ok := produced[exe.Name]; !ok {
			missing = append(missing, exe.Name)
		}
	}

	p.teardownBuildContainer(ctx, st)

	if len(missing) > 0 {
		return true, p.finalize(ctx, st, summarySeed{
			verdict: model.VerdictCE,
			message: msgArtifactMissing,
			detail:  strings.Join(missing, " "),
		})
	}
	return false, nil
}

// judge executes every run testcase in a fresh one-shot container with
// the volume mounted read-only. A sandbox failure aborts the loop and
// keeps the rows judged so far; every other outcome is recorded and
// the loop continues so partial credit still accumulates.
func (p *Processor) judge(ctx context.Context, st *runState) (bool, error) {
	for _, tc := range st.agg.JudgeCases() {
		argv, failed := p.buildArgv(tc)
		if failed != nil {
			return true, p.finalize(ctx, st, *failed)
		}
		in, failed := p.readJudgeInputs(tc)
		if failed != nil {
			return true, p.finalize(ctx, st, *failed)
		}

		res, err := p.runtime.RunTask(ctx, sandbox.TaskConfig{
			Image:        p.cfg.RunImage,
			Argv:         argv,
			Stdin:        in.stdin,
			User:         p.cfg.GuestUID,
			GroupAdd:     []string{p.cfg.GuestGID},
			WorkDir:      p.cfg.WorkDir,
			CgroupParent: p.cfg.CgroupParent,
			Timeout:      time.Duration(st.agg.Problem.TimeMS) * time.Millisecond,
			MemoryMB:     st.agg.Problem.MemoryMB,
			Mounts: []sandbox.Mount{
				{VolumeName: st.volume, Path: p.cfg.WorkDir, ReadOnly: true},
			},
		})
		if err != nil {
			return true, p.finalizeSandboxError(ctx, st, err)
		}

		st.rows = append(st.rows, &model.JudgeResult{
			SubmissionID: st.sub.ID,
			TestCaseID:   tc.ID,
			Result:       classify(tc, in, res),
			Command:      strings.Join(argv, " "),
			TimeMS:       res.TimeMS,
			MemoryKB:     res.MemoryKB,
			ExitCode:     res.ExitCode,
			Stdout:       clip(res.Stdout),
			Stderr:       clip(res.Stderr),
		})
		if err := p.recordTaskDone(ctx, st); err != nil {
			return false, err
		}
	}
	return false, nil
}

// classify maps one task result onto a verdict. Resource limits win
// over exit status, exit status wins over output comparison.
func classify(tc model.TestCase, in judgeInputs, res sandbox.TaskResult) model.Verdict {
	switch {
	case res.TLE:
		return model.VerdictTLE
	case res.MLE:
		return model.VerdictMLE
	case tc.ExpectsNormalExit() && res.ExitCode != 0:
		return model.VerdictRE
	case in.expectedStdout != nil && !checker.Match(*in.expectedStdout, res.Stdout):
		return model.VerdictWA
	case in.expectedStderr != nil && !checker.Match(*in.expectedStderr, res.Stderr):
		return model.VerdictWA
	case !tc.ExpectsNormalExit() && res.ExitCode == 0:
		return model.VerdictWA
	default:
		return model.VerdictAC
	}
}

// buildArgv assembles the command line of a testcase: the shell-split
// command followed by the whitespace-split content of its argument
// file. A missing argument file has its own summary message because it
// is the most common problem-authoring mistake.
func (p *Processor) buildArgv(tc model.TestCase) ([]string, *summarySeed) {
	argv, err := shlex.Split(tc.Command)
	if err != nil {
		return nil, &summarySeed{
			verdict: model.VerdictIE,
			message: msgSandboxError,
			detail:  err.Error(),
		}
	}
	if tc.ArgumentPath != nil {
		content, err := os.ReadFile(filepath.Join(p.cfg.ResourcePath, *tc.ArgumentPath))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &summarySeed{
					verdict: model.VerdictIE,
					message: msgArgFileMissing,
					detail:  *tc.ArgumentPath,
				}
			}
			return nil, &summarySeed{
				verdict: model.VerdictIE,
				message: msgSandboxError,
				detail:  err.Error(),
			}
		}
		argv = append(argv, strings.Fields(string(content))...)
	}
	if len(argv) == 0 {
		return nil, &summarySeed{
			verdict: model.VerdictIE,
			message: msgSandboxError,
			detail:  "testcase command is empty",
		}
	}
	return argv, nil
}

// judgeInputs carries the testcase resource files read from disk.
type judgeInputs struct {
	stdin          string
	expectedStdout *string
	expectedStderr *string
}

// readJudgeInputs loads stdin and the expected outputs referenced by a
// testcase. A missing resource is an internal error, not a student
// failure.
func (p *Processor) readJudgeInputs(tc model.TestCase) (judgeInputs, *summarySeed) {
	var in judgeInputs
	if tc.StdinPath != nil {
		content, failed := p.readResource(*tc.StdinPath)
		if failed != nil {
			return in, failed
		}
		in.stdin = content
	}
	if tc.StdoutPath != nil {
		content, failed := p.readResource(*tc.StdoutPath)
		if failed != nil {
			return in, failed
		}
		in.expectedStdout = &content
	}
	if tc.StderrPath != nil {
		content, failed := p.readResource(*tc.StderrPath)
		if failed != nil {
			return in, failed
		}
		in.expectedStderr = &content
	}
	return in, nil
}

func (p *Processor) readResource(rel string) (string, *summarySeed) {
	content, err := os.ReadFile(filepath.Join(p.cfg.ResourcePath, rel))
	if err != nil {
		return "", &summarySeed{
			verdict: model.VerdictIE,
			message: msgSandboxError,
			detail:  err.Error(),
		}
	}
	return string(content), nil
}

// recordTaskDone persists the task counter and mirrors it into the
// progress cache. Cache failures only warn; the database row is the
// source of truth.
func (p *Processor) recordTaskDone(ctx context.Context, st *runState) error {
	if err := p.submissions.IncrementCompleted(ctx, st.sub.ID); err != nil {
		return err
	}
	st.sub.CompletedTask++
	p.mirrorProgress(ctx, st.sub)
	return nil
}

func (p *Processor) mirrorProgress(ctx context.Context, sub *model.Submission) {
	if p.progress == nil {
		return
	}
	err := p.progress.Save(ctx, model.ProgressSnapshot{
		SubmissionID:  sub.ID,
		Progress:      sub.Progress,
		TotalTask:     sub.TotalTask,
		CompletedTask: sub.CompletedTask,
		UpdatedAt:     time.Now().Unix(),
	})
	if err != nil {
		logger.Warn(ctx, "progress mirror save failed",
			zap.Int64("submission_id", sub.ID), zap.Error(err))
	}
}

// finalizeSandboxError records a sandbox-layer failure as an internal
// error verdict, keeping the rows judged before the failure.
func (p *Processor) finalizeSandboxError(ctx context.Context, st *runState, cause error) error {
	logger.Error(ctx, "sandbox failure while judging",
		zap.Int64("submission_id", st.sub.ID), zap.Error(cause))
	return p.finalize(ctx, st, summarySeed{
		verdict: model.VerdictIE,
		message: msgSandboxError,
		detail:  cause.Error(),
	})
}

// finalize folds the rows into a summary and persists submission,
// summary and rows in one transaction. The summary event and the
// progress mirror are best effort once the transaction commits.
func (p *Processor) finalize(ctx context.Context, st *runState, seed summarySeed) error {
	result := seed.verdict
	var score, maxTime, maxMemory int64
	for _, row := range st.rows {
		result = model.MaxBySeverity(result, row.Result)
		if row.Result.IsAccepted() {
			if tc, ok := st.cases[row.TestCaseID]; ok {
				score += tc.Score
			}
		}
		if row.TimeMS > maxTime {
			maxTime = row.TimeMS
		}
		if row.MemoryKB > maxMemory {
			maxMemory = row.MemoryKB
		}
	}

	message := seed.message
	if message == "" {
		message = fmt.Sprintf("Judge completed. Result: %s", result)
	}
	detail := seed.detail
	if lines := p.describeFailures(st); lines != "" {
		if detail != "" {
			detail += "\n"
		}
		detail += lines
	}

	st.sub.Progress = model.ProgressDone
	summary := &model.SubmissionSummary{
		SubmissionID: st.sub.ID,
		BatchID:      st.sub.BatchID,
		UserID:       st.sub.UserID,
		Result:       result,
		Message:      message,
		Detail:       detail,
		Score:        score,
		TimeMS:       maxTime,
		MemoryKB:     maxMemory,
	}
	if err := p.submissions.Finalize(ctx, st.sub, summary, st.rows); err != nil {
		return err
	}

	if p.events != nil {
		if err := p.events.PublishFinalSummary(ctx, st.sub, summary); err != nil {
			logger.Warn(ctx, "summary event publish failed",
				zap.Int64("submission_id", st.sub.ID), zap.Error(err))
		}
	}
	p.mirrorProgress(ctx, st.sub)

	logger.Info(ctx, "submission judged",
		zap.Int64("submission_id", st.sub.ID),
		zap.String("result", string(result)),
		zap.Int64("score", score))
	return nil
}

// describeFailures assembles the detail block: one line per failed
// testcase with its configured message, verdict and the points lost.
func (p *Processor) describeFailures(st *runState) string {
	var b strings.Builder
	for _, row := range st.rows {
		if row.Result.IsAccepted() {
			continue
		}
		tc, ok := st.cases[row.TestCaseID]
		if !ok {
			continue
		}
		message := ""
		if tc.MessageOnFail != nil {
			message = *tc.MessageOnFail
		}
		fmt.Fprintf(&b, "%s: %s (-%d)\n", message, row.Result, tc.Score)
	}
	return b.String()
}

// teardownBuildContainer removes the build container once execs are
// done. On failure the id stays set so the deferred cleanup retries.
func (p *Processor) teardownBuildContainer(ctx context.Context, st *runState) {
	if st.buildCtr == "" {
		return
	}
	if err := p.runtime.RemoveContainer(ctx, st.buildCtr); err != nil {
		logger.Warn(ctx, "build container remove failed",
			zap.String("container_id", st.buildCtr), zap.Error(err))
		return
	}
	st.buildCtr = ""
}

// cleanup tears down whatever sandbox state the run left behind. It
// runs on every exit path; failures are logged, never returned.
func (p *Processor) cleanup(ctx context.Context, st *runState) {
	ctx = context.WithoutCancel(ctx)
	if st.buildCtr != "" {
		if err := p.runtime.RemoveContainer(ctx, st.buildCtr); err != nil {
			logger.Warn(ctx, "build container cleanup failed",
				zap.String("container_id", st.buildCtr), zap.Error(err))
		}
		st.buildCtr = ""
	}
	if st.volume != "" {
		if err := p.runtime.RemoveVolume(ctx, st.volume); err != nil {
			logger.Warn(ctx, "volume cleanup failed",
				zap.String("volume", st.volume), zap.Error(err))
		}
		st.volume = ""
	}
}

// clip truncates output to the stored limit.
func clip(s string) string {
	if len(s) <= outputClipLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= outputClipLen {
		return s
	}
	return string(runes[:outputClipLen])
}
