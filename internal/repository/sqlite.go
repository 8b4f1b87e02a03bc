package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store and migrates it.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}

// Migrator returns a migrator bound to this store's handle.
func (s *SQLiteStore) Migrator() (*Migrator, error) {
	return NewSQLiteMigrator(s.db)
}

// DB exposes the underlying handle for tests and tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertTeam inserts or replaces a team definition.
func (s *SQLiteStore) UpsertTeam(ctx context.Context, team *domain.Team) error {
	def, err := json.Marshal(team)
	if err != nil {
		return errors.Wrap(err, "marshal team")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teams (team_id, name, description, definition, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(team_id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   definition = excluded.definition,
		   source = excluded.source,
		   updated_at = excluded.updated_at`,
		team.TeamID, team.Name, nullString(team.Description), string(def), nullString(team.Source),
		formatTime(team.CreatedAt), formatTime(team.UpdatedAt))
	return errors.Wrapf(err, "upsert team %s", team.TeamID)
}

// GetTeam returns a team by id.
func (s *SQLiteStore) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	var def string
	var createdAt, updatedAt sqliteTime
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, created_at, updated_at FROM teams WHERE team_id = ?`, teamID).
		Scan(&def, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTeam([]byte(def), createdAt.Time, updatedAt.Time)
}

// ListTeams returns a page of teams ordered by creation time and the total count.
func (s *SQLiteStore) ListTeams(ctx context.Context, limit, offset int) ([]domain.Team, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM teams`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT definition, created_at, updated_at FROM teams ORDER BY created_at ASC, team_id ASC LIMIT ? OFFSET ?`,
		clampLimit(limit, defaultListLimit, 500), max(offset, 0))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var teams []domain.Team
	for rows.Next() {
		var def string
		var createdAt, updatedAt sqliteTime
		if err := rows.Scan(&def, &createdAt, &updatedAt); err != nil {
			return nil, 0, err
		}
		team, err := decodeTeam([]byte(def), createdAt.Time, updatedAt.Time)
		if err != nil {
			return nil, 0, err
		}
		teams = append(teams, *team)
	}
	return teams, total, rows.Err()
}

// DeleteTeam removes a team definition. Executions are kept.
func (s *SQLiteStore) DeleteTeam(ctx context.Context, teamID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE team_id = ?`, teamID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateExecution persists an execution and all of its nodes in one transaction.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *domain.Execution, nodes []domain.ExecutionNode) error {
	cfg, err := json.Marshal(exec.Config)
	if err != nil {
		return errors.Wrap(err, "marshal execution config")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions (execution_id, team_id, status, config, error, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ExecutionID, exec.TeamID, exec.Status, string(cfg), nullString(exec.Error),
		formatTime(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.EndedAt)); err != nil {
		return errors.Wrapf(err, "insert execution %s", exec.ExecutionID)
	}

	for _, n := range nodes {
		deps, err := json.Marshal(n.Dependencies)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_nodes (execution_id, node_id, name, kind, position, dependencies, status, started_at, ended_at, result, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ExecutionID, n.NodeID, n.Name, n.Kind, n.Position, string(deps), n.Status,
			nullTime(n.StartedAt), nullTime(n.EndedAt), nullStringBytes(n.Result), nullString(n.Error)); err != nil {
			return errors.Wrapf(err, "insert node %s", n.NodeID)
		}
	}

	return tx.Commit()
}

// GetExecution returns an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT execution_id, team_id, status, config, error, created_at, started_at, ended_at
		 FROM executions WHERE execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return exec, err
}

// ListExecutions returns a page of executions, newest first, and the total count.
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, int, error) {
	where, args := executionWhere(filter, func(int) string { return "?" })

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT execution_id, team_id, status, config, error, created_at, started_at, ended_at FROM executions` +
		where + ` ORDER BY created_at DESC, execution_id DESC` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", clampLimit(filter.Limit, defaultListLimit, 500), max(filter.Offset, 0))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *exec)
	}
	return out, total, rows.Err()
}

// UpdateExecutionStatus sets the status; started_at is stamped on entering
// running and ended_at on entering a terminal status.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error {
	var err error
	switch {
	case status == domain.ExecutionStatusRunning:
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, started_at = ? WHERE execution_id = ?`,
			status, formatTime(at), executionID)
	case status.IsTerminal():
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ?, error = ?, ended_at = ? WHERE execution_id = ?`,
			status, nullString(errMsg), formatTime(at), executionID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = ? WHERE execution_id = ?`, status, executionID)
	}
	return errors.Wrapf(err, "update execution %s", executionID)
}

// ListNodes returns the nodes of an execution in declaration order.
func (s *SQLiteStore) ListNodes(ctx context.Context, executionID string) ([]domain.ExecutionNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, node_id, name, kind, position, dependencies, status, started_at, ended_at, result, error
		 FROM execution_nodes WHERE execution_id = ? ORDER BY position ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []domain.ExecutionNode
	for rows.Next() {
		var n domain.ExecutionNode
		var deps, result, errMsg sql.NullString
		var startedAt, endedAt sqliteTime
		if err := rows.Scan(&n.ExecutionID, &n.NodeID, &n.Name, &n.Kind, &n.Position, &deps, &n.Status,
			&startedAt, &endedAt, &result, &errMsg); err != nil {
			return nil, err
		}
		if deps.Valid && deps.String != "" {
			if err := json.Unmarshal([]byte(deps.String), &n.Dependencies); err != nil {
				return nil, errors.Wrapf(err, "decode dependencies of %s", n.NodeID)
			}
		}
		n.StartedAt = startedAt.Ptr()
		n.EndedAt = endedAt.Ptr()
		if result.Valid {
			n.Result = json.RawMessage(result.String)
		}
		n.Error = errMsg.String
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpdateNode writes the mutable columns of a node.
func (s *SQLiteStore) UpdateNode(ctx context.Context, node *domain.ExecutionNode) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_nodes SET status = ?, started_at = ?, ended_at = ?, result = ?, error = ?
		 WHERE execution_id = ? AND node_id = ?`,
		node.Status, nullTime(node.StartedAt), nullTime(node.EndedAt), nullStringBytes(node.Result), nullString(node.Error),
		node.ExecutionID, node.NodeID)
	return errors.Wrapf(err, "update node %s/%s", node.ExecutionID, node.NodeID)
}

// AppendEvent inserts one event row. The caller assigns timestamp and sequence.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, timestamp, sequence, event_type, node_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, formatTime(event.Timestamp), event.Sequence, event.Type,
		nullString(event.NodeID), nullStringBytes(event.Payload))
	return errors.Wrapf(err, "append event %s to %s", event.Type, event.ExecutionID)
}

// LastEventPosition returns the greatest (timestamp, sequence) recorded for
// an execution, or nil when it has no events.
func (s *SQLiteStore) LastEventPosition(ctx context.Context, executionID string) (*domain.Cursor, error) {
	var ts sqliteTime
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp, sequence FROM execution_events WHERE execution_id = ?
		 ORDER BY timestamp DESC, sequence DESC LIMIT 1`, executionID).Scan(&ts, &seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Cursor{Timestamp: ts.Time, Sequence: seq}, nil
}

// ListEvents returns events ordered by (timestamp, sequence), strictly after
// the cursor when one is given.
func (s *SQLiteStore) ListEvents(ctx context.Context, executionID string, after *domain.Cursor, limit int) ([]domain.Event, error) {
	query := `SELECT execution_id, timestamp, sequence, event_type, node_id, payload FROM execution_events WHERE execution_id = ?`
	args := []interface{}{executionID}

	if after != nil {
		ts := formatTime(after.Timestamp)
		query += ` AND (timestamp > ? OR (timestamp = ? AND sequence > ?))`
		args = append(args, ts, ts, after.Sequence)
	}

	query += ` ORDER BY timestamp ASC, sequence ASC, id ASC`
	query += fmt.Sprintf(" LIMIT %d", clampLimit(limit, maxEventPage, maxEventPage))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var ts sqliteTime
		var nodeID, payload sql.NullString
		if err := rows.Scan(&event.ExecutionID, &ts, &event.Sequence, &event.Type, &nodeID, &payload); err != nil {
			return nil, err
		}
		event.Timestamp = ts.Time
		event.NodeID = nodeID.String
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*domain.Execution, error) {
	var exec domain.Execution
	var cfg, errMsg sql.NullString
	var createdAt, startedAt, endedAt sqliteTime
	if err := row.Scan(&exec.ExecutionID, &exec.TeamID, &exec.Status, &cfg, &errMsg, &createdAt, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &exec.Config); err != nil {
			return nil, errors.Wrapf(err, "decode config of %s", exec.ExecutionID)
		}
	}
	exec.Error = errMsg.String
	exec.CreatedAt = createdAt.Time
	exec.StartedAt = startedAt.Ptr()
	exec.EndedAt = endedAt.Ptr()
	return &exec, nil
}

func executionWhere(filter domain.ExecutionFilter, placeholder func(int) string) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if filter.TeamID != "" {
		args = append(args, filter.TeamID)
		clauses = append(clauses, "team_id = "+placeholder(len(args)))
	}
	if len(filter.Statuses) > 0 {
		ph := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			args = append(args, string(st))
			ph[i] = placeholder(len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(ph, ",")))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func decodeTeam(def []byte, createdAt, updatedAt time.Time) (*domain.Team, error) {
	var team domain.Team
	if err := json.Unmarshal(def, &team); err != nil {
		return nil, errors.Wrap(err, "decode team definition")
	}
	team.CreatedAt = createdAt
	team.UpdatedAt = updatedAt
	return &team, nil
}

// sqliteTimeLayout is fixed-width so lexical order in TEXT-backed DATETIME
// columns equals chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

var sqliteParseLayouts = []string{
	sqliteTimeLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// sqliteTime scans DATETIME columns whether the driver hands back a
// time.Time or the raw text.
type sqliteTime struct {
	Time  time.Time
	Valid bool
}

func (st *sqliteTime) Scan(v interface{}) error {
	switch x := v.(type) {
	case nil:
		st.Time, st.Valid = time.Time{}, false
		return nil
	case time.Time:
		st.Time, st.Valid = x.UTC(), true
		return nil
	case string:
		return st.parse(x)
	case []byte:
		return st.parse(string(x))
	}
	return fmt.Errorf("unsupported time value %T", v)
}

func (st *sqliteTime) parse(s string) error {
	for _, layout := range sqliteParseLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			st.Time, st.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", s)
}

// Ptr returns nil for NULL.
func (st sqliteTime) Ptr() *time.Time {
	if !st.Valid {
		return nil
	}
	t := st.Time
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
