package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/internal/dbutil"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is a durable Store backed by modernc.org/sqlite, for the
// desktop client's single-node local persistence. SQLite serializes
// writers internally; SQLiteStore additionally takes a process-wide
// write mutex so that a single check-then-write sequence (e.g. the
// state-machine validation in SetStatus) is itself atomic.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path is the database file path ("" uses an in-memory database,
	// useful for tests).
	Path string
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store and
// runs its migrations.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("jobstore: opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: connecting to sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: setting WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobstore: enabling foreign keys: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_directory TEXT NOT NULL,
			workflow_id TEXT,
			workflow_stage_name TEXT,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			model_id TEXT,
			temperature REAL,
			max_output_tokens INTEGER,
			response TEXT NOT NULL DEFAULT '',
			tokens_sent INTEGER NOT NULL DEFAULT 0,
			tokens_received INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			chars_received INTEGER NOT NULL DEFAULT 0,
			actual_cost TEXT NOT NULL DEFAULT '0.000000',
			error_message TEXT,
			error_category TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			end_time TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);
		CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id);
	`)
	if err != nil {
		return fmt.Errorf("jobstore: running migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func rowToJob(
	id, sessionID, projectDir string,
	workflowID, workflowStage sql.NullString,
	kind, status string,
	priority int,
	payload sql.NullString,
	modelID sql.NullString,
	temperature sql.NullFloat64,
	maxOutputTokens sql.NullInt64,
	response string,
	tokensSent, tokensReceived, totalTokens, charsReceived int,
	actualCost string,
	errMsg, errCat sql.NullString,
	metadata sql.NullString,
	createdAt, updatedAt time.Time,
	endTime sql.NullTime,
) (*job.Job, error) {
	j := &job.Job{
		ID:               id,
		SessionID:        sessionID,
		ProjectDirectory: projectDir,
		Kind:             job.Kind(kind),
		Status:           job.Status(status),
		Priority:         priority,
		Response:         response,
		TokensSent:       tokensSent,
		TokensReceived:   tokensReceived,
		TotalTokens:      totalTokens,
		CharsReceived:    charsReceived,
		CreatedAt:        createdAt,
		UpdatedAt:        updatedAt,
	}
	if workflowID.Valid {
		j.WorkflowID = workflowID.String
	}
	if workflowStage.Valid {
		j.WorkflowStageName = workflowStage.String
	}
	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	if modelID.Valid {
		j.ModelID = modelID.String
	}
	if temperature.Valid {
		t := temperature.Float64
		j.Temperature = &t
	}
	if maxOutputTokens.Valid {
		m := int(maxOutputTokens.Int64)
		j.MaxOutputTokens = &m
	}
	cost, err := money.Parse(actualCost)
	if err != nil {
		return nil, fmt.Errorf("jobstore: parsing actual_cost: %w", err)
	}
	j.ActualCost = cost
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if errCat.Valid {
		j.ErrorCategory = errCat.String
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
			return nil, fmt.Errorf("jobstore: parsing metadata: %w", err)
		}
	}
	if endTime.Valid {
		t := endTime.Time
		j.EndTime = &t
	}
	return j, nil
}

const selectColumns = `id, session_id, project_directory, workflow_id, workflow_stage_name,
	kind, status, priority, payload, model_id, temperature, max_output_tokens,
	response, tokens_sent, tokens_received, total_tokens, chars_received,
	actual_cost, error_message, error_category, metadata, created_at, updated_at, end_time`

func scanJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var (
		id, sessionID, projectDir, kind, status, response, actualCost string
		workflowID, workflowStage, payload, modelID, errMsg, errCat   sql.NullString
		metadata                                                      sql.NullString
		temperature                                                   sql.NullFloat64
		maxOutputTokens                                                sql.NullInt64
		priority, tokensSent, tokensReceived, totalTokens, charsReceived int
		createdAt, updatedAt                                          time.Time
		endTime                                                       sql.NullTime
	)
	if err := row.Scan(
		&id, &sessionID, &projectDir, &workflowID, &workflowStage,
		&kind, &status, &priority, &payload, &modelID, &temperature, &maxOutputTokens,
		&response, &tokensSent, &tokensReceived, &totalTokens, &charsReceived,
		&actualCost, &errMsg, &errCat, &metadata, &createdAt, &updatedAt, &endTime,
	); err != nil {
		return nil, err
	}
	return rowToJob(id, sessionID, projectDir, workflowID, workflowStage, kind, status, priority,
		payload, modelID, temperature, maxOutputTokens, response, tokensSent, tokensReceived,
		totalTokens, charsReceived, actualCost, errMsg, errCat, metadata, createdAt, updatedAt, endTime)
}

func (s *SQLiteStore) Create(ctx context.Context, j *job.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, j.ID).Scan(&exists); err == nil {
		return &IDCollisionError{JobID: j.ID}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("jobstore: checking id collision: %w", err)
	}

	createdAt := now()
	metadataJSON, err := marshalMetadata(j.Metadata)
	if err != nil {
		return err
	}
	err = dbutil.RetryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO jobs (id, session_id, project_directory, workflow_id, workflow_stage_name,
				kind, status, priority, payload, model_id, temperature, max_output_tokens,
				response, tokens_sent, tokens_received, total_tokens, chars_received,
				actual_cost, error_message, error_category, metadata, created_at, updated_at, end_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, 0, 0, '0.000000', ?, ?, ?, ?, ?, NULL)
		`, j.ID, j.SessionID, j.ProjectDirectory, nullable(j.WorkflowID), nullable(j.WorkflowStageName),
			string(j.Kind), string(job.StatusCreated), j.Priority, nullableBytes(j.Payload),
			nullable(j.ModelID), j.Temperature, j.MaxOutputTokens,
			nullable(j.ErrorMessage), nullable(j.ErrorCategory), metadataJSON, createdAt, createdAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("jobstore: inserting job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: getting job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, where string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM jobs WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: querying jobs: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore: scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetBySession(ctx context.Context, sessionID string) ([]*job.Job, error) {
	return s.queryJobs(ctx, "session_id = ?", sessionID)
}

func (s *SQLiteStore) GetActive(ctx context.Context) ([]*job.Job, error) {
	terminal := []job.Status{job.StatusCompleted, job.StatusFailed, job.StatusCanceled}
	placeholders := make([]string, len(terminal))
	args := make([]any, len(terminal))
	for i, st := range terminal {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return s.queryJobs(ctx, "status NOT IN ("+strings.Join(placeholders, ",")+")", args...)
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status job.Status, message string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &NotFoundError{JobID: id}
		}
		return fmt.Errorf("jobstore: reading current status: %w", err)
	}
	from := job.Status(current)
	if !job.CanTransition(from, status) {
		return &InvalidTransitionError{JobID: id, From: from, To: status}
	}

	t := now()
	var endTime any
	if status.IsTerminal() {
		endTime = t
	}
	err := dbutil.RetryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_message = COALESCE(NULLIF(?, ''), error_message),
				updated_at = ?, end_time = COALESCE(?, end_time)
			WHERE id = ?
		`, string(status), message, t, endTime, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("jobstore: updating status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendStream(ctx context.Context, id string, chunk string, tokenDelta int, charTotal int, metadata map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var status string
	var existingMetaJSON sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT status, metadata FROM jobs WHERE id = ?`, id).Scan(&status, &existingMetaJSON); err != nil {
		if err == sql.ErrNoRows {
			return &NotFoundError{JobID: id}
		}
		return fmt.Errorf("jobstore: reading job for append: %w", err)
	}
	if job.Status(status) != job.StatusRunning {
		return &NotRunningError{JobID: id, Status: job.Status(status)}
	}

	mergedMeta, err := mergeMetadataJSON(existingMetaJSON, metadata)
	if err != nil {
		return err
	}

	err = dbutil.RetryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET response = response || ?,
				tokens_received = tokens_received + ?,
				total_tokens = tokens_sent + tokens_received + ?,
				chars_received = ?,
				metadata = ?,
				updated_at = ?
			WHERE id = ?
		`, chunk, tokenDelta, tokenDelta, charTotal, mergedMeta, now(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("jobstore: appending stream chunk: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, id string, final job.Status, usage Usage, modelUsed string, metadata map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !final.IsTerminal() {
		return &InvalidTransitionError{JobID: id, To: final}
	}
	var current string
	var existingMetaJSON sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT status, metadata FROM jobs WHERE id = ?`, id).Scan(&current, &existingMetaJSON); err != nil {
		if err == sql.ErrNoRows {
			return &NotFoundError{JobID: id}
		}
		return fmt.Errorf("jobstore: reading job for finalize: %w", err)
	}
	from := job.Status(current)
	if !job.CanTransition(from, final) {
		return &InvalidTransitionError{JobID: id, From: from, To: final}
	}

	mergedMeta, err := mergeMetadataJSON(existingMetaJSON, metadata)
	if err != nil {
		return err
	}

	t := now()
	err = dbutil.RetryWrite(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, tokens_sent = ?, tokens_received = ?, total_tokens = ?,
				actual_cost = ?, model_id = COALESCE(NULLIF(?, ''), model_id),
				metadata = ?, end_time = ?, updated_at = ?
			WHERE id = ?
		`, string(final), usage.TokensSent, usage.TokensReceived, usage.TotalTokens,
			usage.Cost.String(), modelUsed, mergedMeta, t, t, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("jobstore: finalizing job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelSession(ctx context.Context, sessionID string, exceptKinds []job.Kind) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exceptStrs := make([]string, len(exceptKinds))
	for i, k := range exceptKinds {
		exceptStrs[i] = string(k)
	}
	placeholders := make([]string, len(exceptStrs))
	args := []any{sessionID, string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCanceled)}
	for i, k := range exceptStrs {
		placeholders[i] = "?"
		args = append(args, k)
	}
	exceptClause := ""
	if len(placeholders) > 0 {
		exceptClause = " AND kind NOT IN (" + strings.Join(placeholders, ",") + ")"
	}

	t := now()
	args = append([]any{string(job.StatusCanceled), t, t}, args...)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, end_time = ?, updated_at = ?
		WHERE session_id = ? AND status NOT IN (?, ?, ?)`+exceptClause,
		args...)
	if err != nil {
		return 0, fmt.Errorf("jobstore: canceling session: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) MarkCanceledWithUsage(ctx context.Context, id string, reason string, tokensSent, tokensReceived int, model string, cost money.Amount) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return &NotFoundError{JobID: id}
		}
		return fmt.Errorf("jobstore: reading job: %w", err)
	}
	from := job.Status(current)
	if !job.CanTransition(from, job.StatusCanceled) {
		return &InvalidTransitionError{JobID: id, From: from, To: job.StatusCanceled}
	}

	t := now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?,
			tokens_sent = CASE WHEN ? > 0 THEN ? ELSE tokens_sent END,
			tokens_received = CASE WHEN ? > 0 THEN ? ELSE tokens_received END,
			total_tokens = (CASE WHEN ? > 0 THEN ? ELSE tokens_sent END) +
				(CASE WHEN ? > 0 THEN ? ELSE tokens_received END),
			actual_cost = ?, model_id = COALESCE(NULLIF(?, ''), model_id),
			end_time = ?, updated_at = ?
		WHERE id = ?
	`, string(job.StatusCanceled), reason, tokensSent, tokensSent, tokensReceived, tokensReceived,
		tokensSent, tokensSent, tokensReceived, tokensReceived,
		cost.String(), model, t, t, id)
	if err != nil {
		return fmt.Errorf("jobstore: marking canceled with usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("jobstore: purging job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{JobID: id}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshaling metadata: %w", err)
	}
	return string(b), nil
}

func mergeMetadataJSON(existing sql.NullString, patch map[string]any) (any, error) {
	merged := make(map[string]any)
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &merged); err != nil {
			return nil, fmt.Errorf("jobstore: parsing existing metadata: %w", err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	return marshalMetadata(merged)
}
