package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loonghao/taskchain/pkg/schema"
)

// LibSQLStore implements the TaskStore interface using libSQL (embedded
// SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Task records ---

func (s *LibSQLStore) CreateTask(ctx context.Context, t *TaskRecord) error {
	deps, err := marshalSliceOrNil(t.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}
	files, err := marshalSliceOrNil(t.RelatedFiles)
	if err != nil {
		return fmt.Errorf("marshal related_files: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, chain_id, step_index, name, description, notes, status, dependencies, related_files,
		   parent_task_id, child_task_id, chain_data, mapped_input, output, error, retry_count,
		   created_at, updated_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChainID, t.StepIndex, t.Name, nullStr(t.Description), nullStr(t.Notes),
		string(t.Status), deps, files, nullStr(t.ParentTaskID), nullStr(t.ChildTaskID),
		nullRaw(t.ChainData), nullRaw(t.MappedInput), nullRaw(t.Output), nullStr(t.Error),
		t.RetryCount, timeOrNow(t.CreatedAt), timeOrNow(t.UpdatedAt),
		nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetTaskByID(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *update.Notes)
	}
	if update.ChainData != nil {
		sets = append(sets, "chain_data = ?")
		args = append(args, string(update.ChainData))
	}
	if update.MappedInput != nil {
		sets = append(sets, "mapped_input = ?")
		args = append(args, string(update.MappedInput))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) UpdateTaskStatus(ctx context.Context, id string, status schema.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) ListChainTasks(ctx context.Context, chainID string) ([]*TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		taskSelect+` WHERE chain_id = ? ORDER BY step_index ASC`, chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	var conds []string
	var args []any
	if filter.ChainID != "" {
		conds = append(conds, "chain_id = ?")
		args = append(args, filter.ChainID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	q := taskSelect
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY chain_id, step_index ASC"
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

const taskSelect = `SELECT id, chain_id, step_index, name, description, notes, status, dependencies, related_files,
	parent_task_id, child_task_id, chain_data, mapped_input, output, error, retry_count,
	created_at, updated_at, started_at, completed_at FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	t := &TaskRecord{}
	var (
		desc, notes, deps, files, parentID, childID sql.NullString
		chainData, mappedInput, output, errMsg      sql.NullString
		status                                      string
		startedAt, completedAt                      sql.NullTime
	)
	err := row.Scan(&t.ID, &t.ChainID, &t.StepIndex, &t.Name, &desc, &notes, &status,
		&deps, &files, &parentID, &childID, &chainData, &mappedInput, &output, &errMsg,
		&t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Notes = notes.String
	t.Status = schema.TaskStatus(status)
	t.ParentTaskID = parentID.String
	t.ChildTaskID = childID.String
	t.ChainData = rawOrNil(chainData)
	t.MappedInput = rawOrNil(mappedInput)
	t.Output = rawOrNil(output)
	t.Error = errMsg.String
	if deps.Valid && deps.String != "" {
		_ = json.Unmarshal([]byte(deps.String), &t.Dependencies)
	}
	if files.Valid && files.String != "" {
		_ = json.Unmarshal([]byte(files.String), &t.RelatedFiles)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*TaskRecord, error) {
	var tasks []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-chain
// sequence. The sequence read and insert run in one transaction; the store is
// opened with a single connection so writers cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE chain_id = ?`, event.ChainID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (chain_id, task_id, step_index, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ChainID, nullStr(event.TaskID), event.StepIndex, event.Type,
		nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a chain with sequence > since, ordered by
// sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, chainID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chain_id, task_id, step_index, event_type, payload, timestamp, sequence
		 FROM events WHERE chain_id = ? AND sequence > ? ORDER BY sequence ASC`,
		chainID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var taskID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ChainID, &taskID, &e.StepIndex, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ChainError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalSliceOrNil(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
