package model

import "time"

// Progress represents the lifecycle state of a submission row.
type Progress string

const (
	ProgressPending Progress = "pending"
	ProgressQueued  Progress = "queued"
	ProgressRunning Progress = "running"
	ProgressDone    Progress = "done"
)

// Submission represents one row of the Submission table.
type Submission struct {
	ID            int64
	TS            time.Time
	BatchID       *int64
	UserID        string
	LectureID     int64
	AssignmentID  int64
	Eval          bool
	Progress      Progress
	TotalTask     int64
	CompletedTask int64
}

// UploadedFile points at one file the submitter uploaded for a submission.
type UploadedFile struct {
	ID           int64
	TS           time.Time
	SubmissionID int64
	Path         string
}

// Problem represents one row of the Problem table. TimeMS and MemoryMB
// are the per-testcase execution limits.
type Problem struct {
	LectureID       int64
	AssignmentID    int64
	Title           string
	DescriptionPath string
	TimeMS          int64
	MemoryMB        int64
}

// Executable names a build artifact the compile phase must produce.
type Executable struct {
	ID           int64
	LectureID    int64
	AssignmentID int64
	Eval         bool
	Name         string
}

// RequiredFile names a file the submitter must upload.
type RequiredFile struct {
	ID           int64
	LectureID    int64
	AssignmentID int64
	Eval         bool
	Name         string
}

// ArrangedFile points at a problem-provided file staged next to the
// submitter's files before the build.
type ArrangedFile struct {
	ID           int64
	LectureID    int64
	AssignmentID int64
	Eval         bool
	Path         string
}

// TestType separates build-phase checks from run-phase testcases.
type TestType string

const (
	TestTypeBuilt TestType = "Built"
	TestTypeJudge TestType = "Judge"
)

// TestCase represents one row of the TestCases table. The *Path fields
// are relative to the problem resource root and may be absent.
type TestCase struct {
	ID            int64
	LectureID     int64
	AssignmentID  int64
	Eval          bool
	Type          TestType
	Score         int64
	Title         string
	Description   *string
	MessageOnFail *string
	Command       string
	ArgumentPath  *string
	StdinPath     *string
	StdoutPath    *string
	StderrPath    *string
	ExitCode      int64
}

// ExpectsNormalExit reports whether the testcase expects the command to
// terminate with exit status zero.
func (t TestCase) ExpectsNormalExit() bool {
	return t.ExitCode == 0
}

// JudgeResult represents one per-testcase outcome row.
type JudgeResult struct {
	ID           int64
	TS           time.Time
	SubmissionID int64
	TestCaseID   int64
	Result       Verdict
	Command      string
	TimeMS       int64
	MemoryKB     int64
	ExitCode     int64
	Stdout       string
	Stderr       string
}

// SubmissionSummary represents the aggregate outcome row for a submission.
type SubmissionSummary struct {
	SubmissionID int64
	BatchID      *int64
	UserID       string
	Result       Verdict
	Message      string
	Detail       string
	Score        int64
	TimeMS       int64
	MemoryKB     int64
}

// ProblemAggregate bundles a problem with every related record the
// pipeline needs, filtered to the submission's evaluation mode.
type ProblemAggregate struct {
	Problem       Problem
	Executables   []Executable
	RequiredFiles []RequiredFile
	ArrangedFiles []ArrangedFile
	TestCases     []TestCase
}

// BuiltCases returns the build-phase testcases in input order.
func (a *ProblemAggregate) BuiltCases() []TestCase {
	return a.casesOfType(TestTypeBuilt)
}

// JudgeCases returns the run-phase testcases in input order.
func (a *ProblemAggregate) JudgeCases() []TestCase {
	return a.casesOfType(TestTypeJudge)
}

func (a *ProblemAggregate) casesOfType(t TestType) []TestCase {
	out := make([]TestCase, 0, len(a.TestCases))
	for _, tc := range a.TestCases {
		if tc.Type == t {
			out = append(out, tc)
		}
	}
	return out
}
