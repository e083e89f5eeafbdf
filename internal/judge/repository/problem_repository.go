package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kadai/internal/common/cache"
	"kadai/internal/common/db"
	"kadai/internal/judge/model"

	"github.com/zeromicro/go-zero/core/logx"
)

const (
	defaultProblemCacheTTL      = 30 * time.Second
	defaultProblemCacheEmptyTTL = 5 * time.Second
	problemCacheKeyPrefix       = "judge:problem:"
)

var (
	ErrProblemNotFound = errors.New("problem not found")
)

// ProblemRepository is the read-only gateway to problem definitions.
// Rows carrying an eval flag are filtered to the submission's mode:
// evaluation submissions see everything, others see only non-eval rows.
type ProblemRepository interface {
	GetAggregate(ctx context.Context, lectureID, assignmentID int64, eval bool) (*model.ProblemAggregate, error)
}

// MySQLProblemRepository implements ProblemRepository with MySQL and an
// optional cache in front. Problem definitions change rarely, so even a
// short TTL takes most of the read load off the database.
type MySQLProblemRepository struct {
	dbProvider db.Provider
	cache      cache.Cache
	ttl        time.Duration
	emptyTTL   time.Duration
}

// NewProblemRepository creates a problem repository with default TTLs.
// cacheClient may be nil; reads then always go to the database.
func NewProblemRepository(provider db.Provider, cacheClient cache.Cache) ProblemRepository {
	return NewProblemRepositoryWithTTL(provider, cacheClient, defaultProblemCacheTTL, defaultProblemCacheEmptyTTL)
}

// NewProblemRepositoryWithTTL creates a problem repository with custom TTLs.
func NewProblemRepositoryWithTTL(provider db.Provider, cacheClient cache.Cache, ttl, emptyTTL time.Duration) ProblemRepository {
	if ttl <= 0 {
		ttl = defaultProblemCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultProblemCacheEmptyTTL
	}
	return &MySQLProblemRepository{
		dbProvider: provider,
		cache:      cacheClient,
		ttl:        ttl,
		emptyTTL:   emptyTTL,
	}
}

// GetAggregate loads a problem and all of its children in one shot.
func (r *MySQLProblemRepository) GetAggregate(ctx context.Context, lectureID, assignmentID int64, eval bool) (*model.ProblemAggregate, error) {
	logger := logx.WithContext(ctx)
	logger.Infof("get problem start lecture_id=%d assignment_id=%d eval=%t", lectureID, assignmentID, eval)
	if lectureID <= 0 || assignmentID <= 0 {
		logger.Error("lectureID and assignmentID are required")
		return nil, errors.New("lectureID and assignmentID are required")
	}
	if r.cache != nil {
		aggregate, err := cache.GetWithCached[*model.ProblemAggregate](
			ctx,
			r.cache,
			problemCacheKey(lectureID, assignmentID, eval),
			r.ttl,
			r.emptyTTL,
			func(aggregate *model.ProblemAggregate) bool { return aggregate == nil },
			marshalAggregate,
			unmarshalAggregate,
			func(ctx context.Context) (*model.ProblemAggregate, error) {
				aggregate, err := r.getAggregateFromDB(ctx, lectureID, assignmentID, eval)
				if err != nil {
					if errors.Is(err, ErrProblemNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return aggregate, nil
			},
		)
		if err != nil {
			logger.Errorf("get problem failed: %v", err)
			return nil, err
		}
		if aggregate == nil {
			return nil, ErrProblemNotFound
		}
		return aggregate, nil
	}
	return r.getAggregateFromDB(ctx, lectureID, assignmentID, eval)
}

func (r *MySQLProblemRepository) getAggregateFromDB(ctx context.Context, lectureID, assignmentID int64, eval bool) (*model.ProblemAggregate, error) {
	querier, err := db.GetProviderQuerier(r.dbProvider, nil)
	if err != nil {
		return nil, err
	}

	aggregate := &model.ProblemAggregate{}

	problemQuery := "SELECT lecture_id, assignment_id, title, description_path, timeMS, memoryMB FROM Problem WHERE lecture_id = ? AND assignment_id = ? LIMIT 1"
	row := querier.QueryRow(ctx, problemQuery, lectureID, assignmentID)
	if err := row.Scan(
		&aggregate.Problem.LectureID,
		&aggregate.Problem.AssignmentID,
		&aggregate.Problem.Title,
		&aggregate.Problem.DescriptionPath,
		&aggregate.Problem.TimeMS,
		&aggregate.Problem.MemoryMB,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrProblemNotFound
		}
		return nil, err
	}

	if aggregate.Executables, err = r.getExecutables(ctx, querier, lectureID, assignmentID, eval); err != nil {
		return nil, err
	}
	if aggregate.RequiredFiles, err = r.getRequiredFiles(ctx, querier, lectureID, assignmentID, eval); err != nil {
		return nil, err
	}
	if aggregate.ArrangedFiles, err = r.getArrangedFiles(ctx, querier, lectureID, assignmentID, eval); err != nil {
		return nil, err
	}
	if aggregate.TestCases, err = r.getTestCases(ctx, querier, lectureID, assignmentID, eval); err != nil {
		return nil, err
	}
	return aggregate, nil
}

func (r *MySQLProblemRepository) getExecutables(ctx context.Context, querier db.Querier, lectureID, assignmentID int64, eval bool) ([]model.Executable, error) {
	query := "SELECT id, lecture_id, assignment_id, eval, name FROM Executables WHERE lecture_id = ? AND assignment_id = ? AND (eval = ? OR eval = FALSE) ORDER BY id"
	rows, err := querier.Query(ctx, query, lectureID, assignmentID, eval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Executable
	for rows.Next() {
		var e model.Executable
		if err := rows.Scan(&e.ID, &e.LectureID, &e.AssignmentID, &e.Eval, &e.Name); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *MySQLProblemRepository) getRequiredFiles(ctx context.Context, querier db.Querier, lectureID, assignmentID int64, eval bool) ([]model.RequiredFile, error) {
	query := "SELECT id, lecture_id, assignment_id, eval, name FROM RequiredFiles WHERE lecture_id = ? AND assignment_id = ? AND (eval = ? OR eval = FALSE) ORDER BY id"
	rows, err := querier.Query(ctx, query, lectureID, assignmentID, eval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RequiredFile
	for rows.Next() {
		var f model.RequiredFile
		if err := rows.Scan(&f.ID, &f.LectureID, &f.AssignmentID, &f.Eval, &f.Name); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *MySQLProblemRepository) getArrangedFiles(ctx context.Context, querier db.Querier, lectureID, assignmentID int64, eval bool) ([]model.ArrangedFile, error) {
	query := "SELECT id, lecture_id, assignment_id, eval, path FROM ArrangedFiles WHERE lecture_id = ? AND assignment_id = ? AND (eval = ? OR eval = FALSE) ORDER BY id"
	rows, err := querier.Query(ctx, query, lectureID, assignmentID, eval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ArrangedFile
	for rows.Next() {
		var f model.ArrangedFile
		if err := rows.Scan(&f.ID, &f.LectureID, &f.AssignmentID, &f.Eval, &f.Path); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *MySQLProblemRepository) getTestCases(ctx context.Context, querier db.Querier, lectureID, assignmentID int64, eval bool) ([]model.TestCase, error) {
	query := `
		SELECT id, lecture_id, assignment_id, eval, type, score, title, description,
		       message_on_fail, command, argument_path, stdin_path, stdout_path, stderr_path, exit_code
		FROM TestCases
		WHERE lecture_id = ? AND assignment_id = ? AND (eval = ? OR eval = FALSE)
		ORDER BY id
	`
	rows, err := querier.Query(ctx, query, lectureID, assignmentID, eval)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TestCase
	for rows.Next() {
		var tc model.TestCase
		var testType string
		if err := rows.Scan(
			&tc.ID,
			&tc.LectureID,
			&tc.AssignmentID,
			&tc.Eval,
			&testType,
			&tc.Score,
			&tc.Title,
			&tc.Description,
			&tc.MessageOnFail,
			&tc.Command,
			&tc.ArgumentPath,
			&tc.StdinPath,
			&tc.StdoutPath,
			&tc.StderrPath,
			&tc.ExitCode,
		); err != nil {
			return nil, err
		}
		tc.Type = model.TestType(testType)
		out = append(out, tc)
	}
	return out, rows.Err()
}

func problemCacheKey(lectureID, assignmentID int64, eval bool) string {
	return fmt.Sprintf("%s%d-%d:%t", problemCacheKeyPrefix, lectureID, assignmentID, eval)
}

func marshalAggregate(aggregate *model.ProblemAggregate) string {
	if aggregate == nil {
		return ""
	}
	data, err := json.Marshal(aggregate)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalAggregate(data string) (*model.ProblemAggregate, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var aggregate model.ProblemAggregate
	if err := json.Unmarshal([]byte(data), &aggregate); err != nil {
		return nil, err
	}
	return &aggregate, nil
}
