package repository

import (
	"context"
	"errors"
	"strings"

	"kadai/internal/common/db"
	"kadai/internal/judge/model"

	"github.com/zeromicro/go-zero/core/logx"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
)

const submissionColumns = "id, ts, batch_id, user_id, lecture_id, assignment_id, eval, progress, total_task, completed_task"

// SubmissionRepository covers the write side of the judge queue: leasing
// queued rows, progress bookkeeping, and the final atomic result write.
type SubmissionRepository interface {
	// LeaseQueued atomically claims up to limit queued submissions. Each
	// claimed row is flipped to running with total_task computed from the
	// testcases visible to the submission's evaluation mode.
	LeaseQueued(ctx context.Context, limit int) ([]*model.Submission, error)

	// UndoRunning reverts every running submission to queued and deletes
	// any partial results. Returns the number of recovered rows.
	UndoRunning(ctx context.Context) (int64, error)

	// IncrementCompleted bumps completed_task by one so external pollers
	// can watch a submission advance.
	IncrementCompleted(ctx context.Context, submissionID int64) error

	// GetUploadedFiles returns the upload set of a submission in insert order.
	GetUploadedFiles(ctx context.Context, submissionID int64) ([]*model.UploadedFile, error)

	// Finalize writes the summary and all testcase rows and marks the
	// submission done, all in one transaction.
	Finalize(ctx context.Context, submission *model.Submission, summary *model.SubmissionSummary, results []*model.JudgeResult) error
}

// MySQLSubmissionRepository implements SubmissionRepository with MySQL.
type MySQLSubmissionRepository struct {
	dbProvider db.Provider
}

// NewSubmissionRepository creates a submission repository.
func NewSubmissionRepository(provider db.Provider) SubmissionRepository {
	return &MySQLSubmissionRepository{dbProvider: provider}
}

// LeaseQueued claims queued rows oldest-first. SKIP LOCKED keeps
// concurrent judge processes from blocking on each other's leases.
func (r *MySQLSubmissionRepository) LeaseQueued(ctx context.Context, limit int) ([]*model.Submission, error) {
	if limit <= 0 {
		return nil, nil
	}
	logger := logx.WithContext(ctx)
	database, err := db.CurrentDatabase(r.dbProvider)
	if err != nil {
		logger.Errorf("lease queued failed: %v", err)
		return nil, err
	}

	var leased []*model.Submission
	err = database.Transaction(ctx, func(tx db.Transaction) error {
		query := "SELECT " + submissionColumns + " FROM Submission WHERE progress = ? ORDER BY id LIMIT ? FOR UPDATE SKIP LOCKED"
		rows, err := tx.Query(ctx, query, string(model.ProgressQueued), limit)
		if err != nil {
			return err
		}
		subs, err := scanSubmissions(rows)
		if err != nil {
			return err
		}

		for _, sub := range subs {
			var total int64
			countQuery := "SELECT COUNT(*) FROM TestCases WHERE lecture_id = ? AND assignment_id = ? AND (eval = ? OR eval = FALSE)"
			if err := tx.QueryRow(ctx, countQuery, sub.LectureID, sub.AssignmentID, sub.Eval).Scan(&total); err != nil {
				return err
			}
			updateQuery := "UPDATE Submission SET progress = ?, total_task = ?, completed_task = 0 WHERE id = ?"
			if _, err := tx.Exec(ctx, updateQuery, string(model.ProgressRunning), total, sub.ID); err != nil {
				return err
			}
			sub.Progress = model.ProgressRunning
			sub.TotalTask = total
			sub.CompletedTask = 0
		}
		leased = subs
		return nil
	})
	if err != nil {
		logger.Errorf("lease queued failed: %v", err)
		return nil, err
	}
	if len(leased) > 0 {
		logger.Infof("lease queued done count=%d", len(leased))
	}
	return leased, nil
}

// UndoRunning is called at startup and shutdown so submissions
// interrupted mid-judge are reprocessed from scratch.
func (r *MySQLSubmissionRepository) UndoRunning(ctx context.Context) (int64, error) {
	logger := logx.WithContext(ctx)
	logger.Info("undo running start")
	database, err := db.CurrentDatabase(r.dbProvider)
	if err != nil {
		logger.Errorf("undo running failed: %v", err)
		return 0, err
	}

	var recovered int64
	err = database.Transaction(ctx, func(tx db.Transaction) error {
		rows, err := tx.Query(ctx, "SELECT id FROM Submission WHERE progress = ? FOR UPDATE", string(model.ProgressRunning))
		if err != nil {
			return err
		}
		ids, err := scanIDs(rows)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		placeholders := idPlaceholders(len(ids))
		args := make([]interface{}, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if _, err := tx.Exec(ctx, "DELETE FROM JudgeResult WHERE submission_id IN ("+placeholders+")", args...); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "DELETE FROM SubmissionSummary WHERE submission_id IN ("+placeholders+")", args...); err != nil {
			return err
		}
		updateArgs := append([]interface{}{string(model.ProgressQueued)}, args...)
		updateQuery := "UPDATE Submission SET progress = ?, total_task = 0, completed_task = 0 WHERE id IN (" + placeholders + ")"
		if _, err := tx.Exec(ctx, updateQuery, updateArgs...); err != nil {
			return err
		}
		recovered = int64(len(ids))
		return nil
	})
	if err != nil {
		logger.Errorf("undo running failed: %v", err)
		return 0, err
	}
	return recovered, nil
}

// IncrementCompleted persists one unit of progress.
func (r *MySQLSubmissionRepository) IncrementCompleted(ctx context.Context, submissionID int64) error {
	logger := logx.WithContext(ctx)
	if submissionID <= 0 {
		logger.Error("submissionID is required")
		return errors.New("submissionID is required")
	}
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return err
	}
	if _, err := querier.Exec(ctx, "UPDATE Submission SET completed_task = completed_task + 1 WHERE id = ?", submissionID); err != nil {
		logger.Errorf("increment completed failed: %v", err)
		return err
	}
	return nil
}

// GetUploadedFiles retrieves the files uploaded for a submission.
func (r *MySQLSubmissionRepository) GetUploadedFiles(ctx context.Context, submissionID int64) ([]*model.UploadedFile, error) {
	logger := logx.WithContext(ctx)
	logger.Infof("get uploaded files start submission_id=%d", submissionID)
	if submissionID <= 0 {
		logger.Error("submissionID is required")
		return nil, errors.New("submissionID is required")
	}
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return nil, err
	}
	rows, err := querier.Query(ctx, "SELECT id, ts, submission_id, path FROM UploadedFiles WHERE submission_id = ? ORDER BY id", submissionID)
	if err != nil {
		logger.Errorf("get uploaded files failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	var files []*model.UploadedFile
	for rows.Next() {
		file := &model.UploadedFile{}
		if err := rows.Scan(&file.ID, &file.TS, &file.SubmissionID, &file.Path); err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return files, nil
}

// Finalize commits the outcome of one submission. Result rows, the
// summary, and the done flip land together or not at all, so observers
// never see a done submission without its summary.
func (r *MySQLSubmissionRepository) Finalize(ctx context.Context, submission *model.Submission, summary *model.SubmissionSummary, results []*model.JudgeResult) error {
	logger := logx.WithContext(ctx)
	if submission == nil {
		logger.Error("submission is nil")
		return errors.New("submission is nil")
	}
	if summary == nil {
		logger.Error("summary is nil")
		return errors.New("summary is nil")
	}
	logger.Infof("finalize start submission_id=%d result=%s results=%d", submission.ID, summary.Result, len(results))
	database, err := db.CurrentDatabase(r.dbProvider)
	if err != nil {
		logger.Errorf("finalize failed: %v", err)
		return err
	}

	err = database.Transaction(ctx, func(tx db.Transaction) error {
		resultQuery := `
			INSERT INTO JudgeResult
			(submission_id, testcase_id, result, command, timeMS, memoryKB, exit_code, stdout, stderr)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		for _, res := range results {
			_, err := tx.Exec(
				ctx,
				resultQuery,
				res.SubmissionID,
				res.TestCaseID,
				string(res.Result),
				res.Command,
				res.TimeMS,
				res.MemoryKB,
				res.ExitCode,
				res.Stdout,
				res.Stderr,
			)
			if err != nil {
				return err
			}
		}

		summaryQuery := `
			INSERT INTO SubmissionSummary
			(submission_id, batch_id, user_id, result, message, detail, score, timeMS, memoryKB)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.Exec(
			ctx,
			summaryQuery,
			summary.SubmissionID,
			summary.BatchID,
			summary.UserID,
			string(summary.Result),
			summary.Message,
			summary.Detail,
			summary.Score,
			summary.TimeMS,
			summary.MemoryKB,
		)
		if err != nil {
			return err
		}

		updateQuery := "UPDATE Submission SET progress = ?, total_task = ?, completed_task = ? WHERE id = ?"
		result, err := tx.Exec(ctx, updateQuery, string(model.ProgressDone), submission.TotalTask, submission.CompletedTask, submission.ID)
		if err != nil {
			return err
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return ErrSubmissionNotFound
		}
		return nil
	})
	if err != nil {
		logger.Errorf("finalize failed: %v", err)
		return err
	}
	return nil
}

func scanSubmissions(rows db.Rows) ([]*model.Submission, error) {
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub := &model.Submission{}
		var progress string
		if err := rows.Scan(
			&sub.ID,
			&sub.TS,
			&sub.BatchID,
			&sub.UserID,
			&sub.LectureID,
			&sub.AssignmentID,
			&sub.Eval,
			&progress,
			&sub.TotalTask,
			&sub.CompletedTask,
		); err != nil {
			return nil, err
		}
		sub.Progress = model.Progress(progress)
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

func scanIDs(rows db.Rows) ([]int64, error) {
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func idPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
