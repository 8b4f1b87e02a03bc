package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/catface996/aiops-executor/internal/domain"
)

// PostgresStore implements Store on PostgreSQL through sqlx.
type PostgresStore struct {
	db  *sqlx.DB
	dsn string
}

// NewPostgresStore connects with a postgres:// URL and migrates the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := &PostgresStore{db: db, dsn: dsn}
	m, err := s.Migrator()
	if err != nil {
		db.Close()
		return nil, err
	}
	defer m.Close()
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an already migrated handle.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrator returns a migrator using the store's connection URL.
func (s *PostgresStore) Migrator() (*Migrator, error) {
	if s.dsn == "" {
		return nil, errors.New("postgres store has no connection url")
	}
	return NewPostgresMigrator(s.dsn)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgTeamRow struct {
	Definition []byte    `db:"definition"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type pgExecutionRow struct {
	ExecutionID string         `db:"execution_id"`
	TeamID      string         `db:"team_id"`
	Status      string         `db:"status"`
	Config      []byte         `db:"config"`
	Error       sql.NullString `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	EndedAt     sql.NullTime   `db:"ended_at"`
}

type pgNodeRow struct {
	ExecutionID  string         `db:"execution_id"`
	NodeID       string         `db:"node_id"`
	Name         string         `db:"name"`
	Kind         string         `db:"kind"`
	Position     int            `db:"position"`
	Dependencies []byte         `db:"dependencies"`
	Status       string         `db:"status"`
	StartedAt    sql.NullTime   `db:"started_at"`
	EndedAt      sql.NullTime   `db:"ended_at"`
	Result       []byte         `db:"result"`
	Error        sql.NullString `db:"error"`
}

type pgEventRow struct {
	ExecutionID string         `db:"execution_id"`
	Timestamp   time.Time      `db:"timestamp"`
	Sequence    int64          `db:"sequence"`
	EventType   string         `db:"event_type"`
	NodeID      sql.NullString `db:"node_id"`
	Payload     []byte         `db:"payload"`
}

const pgExecutionColumns = `execution_id, team_id, status, config, error, created_at, started_at, ended_at`

// UpsertTeam inserts or replaces a team definition.
func (s *PostgresStore) UpsertTeam(ctx context.Context, team *domain.Team) error {
	def, err := json.Marshal(team)
	if err != nil {
		return errors.Wrap(err, "marshal team")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teams (team_id, name, description, definition, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
		 ON CONFLICT (team_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   definition = EXCLUDED.definition,
		   source = EXCLUDED.source,
		   updated_at = EXCLUDED.updated_at`,
		team.TeamID, team.Name, nullString(team.Description), string(def), nullString(team.Source),
		pgTime(team.CreatedAt), pgTime(team.UpdatedAt))
	return errors.Wrapf(err, "upsert team %s", team.TeamID)
}

// GetTeam returns a team by id.
func (s *PostgresStore) GetTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	var row pgTeamRow
	err := s.db.GetContext(ctx, &row, `SELECT definition, created_at, updated_at FROM teams WHERE team_id = $1`, teamID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTeam(row.Definition, row.CreatedAt.UTC(), row.UpdatedAt.UTC())
}

// ListTeams returns a page of teams and the total count.
func (s *PostgresStore) ListTeams(ctx context.Context, limit, offset int) ([]domain.Team, int, error) {
	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM teams`); err != nil {
		return nil, 0, err
	}
	var rows []pgTeamRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT definition, created_at, updated_at FROM teams ORDER BY created_at ASC, team_id ASC LIMIT $1 OFFSET $2`,
		clampLimit(limit, defaultListLimit, 500), max(offset, 0)); err != nil {
		return nil, 0, err
	}
	teams := make([]domain.Team, 0, len(rows))
	for _, r := range rows {
		team, err := decodeTeam(r.Definition, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
		if err != nil {
			return nil, 0, err
		}
		teams = append(teams, *team)
	}
	return teams, total, nil
}

// DeleteTeam removes a team definition.
func (s *PostgresStore) DeleteTeam(ctx context.Context, teamID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE team_id = $1`, teamID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateExecution persists an execution and its nodes in one transaction.
func (s *PostgresStore) CreateExecution(ctx context.Context, exec *domain.Execution, nodes []domain.ExecutionNode) error {
	cfg, err := json.Marshal(exec.Config)
	if err != nil {
		return errors.Wrap(err, "marshal execution config")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO executions (`+pgExecutionColumns+`) VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)`,
		exec.ExecutionID, exec.TeamID, string(exec.Status), string(cfg), nullString(exec.Error),
		pgTime(exec.CreatedAt), pgNullTime(exec.StartedAt), pgNullTime(exec.EndedAt)); err != nil {
		return errors.Wrapf(err, "insert execution %s", exec.ExecutionID)
	}

	for _, n := range nodes {
		deps, err := json.Marshal(n.Dependencies)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO execution_nodes (execution_id, node_id, name, kind, position, dependencies, status, started_at, ended_at, result, error)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10::jsonb, $11)`,
			exec.ExecutionID, n.NodeID, n.Name, string(n.Kind), n.Position, string(deps), string(n.Status),
			pgNullTime(n.StartedAt), pgNullTime(n.EndedAt), nullStringBytes(n.Result), nullString(n.Error)); err != nil {
			return errors.Wrapf(err, "insert node %s", n.NodeID)
		}
	}
	return tx.Commit()
}

// GetExecution returns an execution by id.
func (s *PostgresStore) GetExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	var row pgExecutionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+pgExecutionColumns+` FROM executions WHERE execution_id = $1`, executionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

// ListExecutions returns a page of executions, newest first, and the total count.
func (s *PostgresStore) ListExecutions(ctx context.Context, filter domain.ExecutionFilter) ([]domain.Execution, int, error) {
	where, args := executionWhere(filter, func(i int) string { return fmt.Sprintf("$%d", i) })

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM executions`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + pgExecutionColumns + ` FROM executions` + where +
		` ORDER BY created_at DESC, execution_id DESC` +
		fmt.Sprintf(" LIMIT %d OFFSET %d", clampLimit(filter.Limit, defaultListLimit, 500), max(filter.Offset, 0))
	var rows []pgExecutionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	out := make([]domain.Execution, 0, len(rows))
	for _, r := range rows {
		exec, err := r.toDomain()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *exec)
	}
	return out, total, nil
}

// UpdateExecutionStatus sets the status and stamps started_at/ended_at.
func (s *PostgresStore) UpdateExecutionStatus(ctx context.Context, executionID string, status domain.ExecutionStatus, errMsg string, at time.Time) error {
	var err error
	switch {
	case status == domain.ExecutionStatusRunning:
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = $1, started_at = $2 WHERE execution_id = $3`,
			string(status), pgTime(at), executionID)
	case status.IsTerminal():
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = $1, error = $2, ended_at = $3 WHERE execution_id = $4`,
			string(status), nullString(errMsg), pgTime(at), executionID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE executions SET status = $1 WHERE execution_id = $2`, string(status), executionID)
	}
	return errors.Wrapf(err, "update execution %s", executionID)
}

// ListNodes returns the nodes of an execution in declaration order.
func (s *PostgresStore) ListNodes(ctx context.Context, executionID string) ([]domain.ExecutionNode, error) {
	var rows []pgNodeRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT execution_id, node_id, name, kind, position, dependencies, status, started_at, ended_at, result, error
		 FROM execution_nodes WHERE execution_id = $1 ORDER BY position ASC`, executionID); err != nil {
		return nil, err
	}
	nodes := make([]domain.ExecutionNode, 0, len(rows))
	for _, r := range rows {
		n := domain.ExecutionNode{
			ExecutionID: r.ExecutionID,
			NodeID:      r.NodeID,
			Name:        r.Name,
			Kind:        domain.NodeKind(r.Kind),
			Position:    r.Position,
			Status:      domain.NodeStatus(r.Status),
			StartedAt:   fromNullTime(r.StartedAt),
			EndedAt:     fromNullTime(r.EndedAt),
			Error:       r.Error.String,
		}
		if len(r.Dependencies) > 0 {
			if err := json.Unmarshal(r.Dependencies, &n.Dependencies); err != nil {
				return nil, errors.Wrapf(err, "decode dependencies of %s", r.NodeID)
			}
		}
		if len(r.Result) > 0 {
			n.Result = json.RawMessage(r.Result)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// UpdateNode writes the mutable columns of a node.
func (s *PostgresStore) UpdateNode(ctx context.Context, node *domain.ExecutionNode) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_nodes SET status = $1, started_at = $2, ended_at = $3, result = $4::jsonb, error = $5
		 WHERE execution_id = $6 AND node_id = $7`,
		string(node.Status), pgNullTime(node.StartedAt), pgNullTime(node.EndedAt), nullStringBytes(node.Result),
		nullString(node.Error), node.ExecutionID, node.NodeID)
	return errors.Wrapf(err, "update node %s/%s", node.ExecutionID, node.NodeID)
}

// AppendEvent inserts one event row.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, "timestamp", sequence, event_type, node_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		event.ExecutionID, event.Timestamp.UTC(), event.Sequence, string(event.Type),
		nullString(event.NodeID), nullStringBytes(event.Payload))
	return errors.Wrapf(err, "append event %s to %s", event.Type, event.ExecutionID)
}

// LastEventPosition returns the greatest recorded (timestamp, sequence).
func (s *PostgresStore) LastEventPosition(ctx context.Context, executionID string) (*domain.Cursor, error) {
	var row struct {
		Timestamp time.Time `db:"timestamp"`
		Sequence  int64     `db:"sequence"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT "timestamp", sequence FROM execution_events WHERE execution_id = $1
		 ORDER BY "timestamp" DESC, sequence DESC LIMIT 1`, executionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Cursor{Timestamp: row.Timestamp.UTC(), Sequence: row.Sequence}, nil
}

// ListEvents returns events ordered by (timestamp, sequence) after the cursor.
func (s *PostgresStore) ListEvents(ctx context.Context, executionID string, after *domain.Cursor, limit int) ([]domain.Event, error) {
	query := `SELECT execution_id, "timestamp", sequence, event_type, node_id, payload FROM execution_events WHERE execution_id = $1`
	args := []interface{}{executionID}
	if after != nil {
		query += ` AND ("timestamp" > $2 OR ("timestamp" = $2 AND sequence > $3))`
		args = append(args, after.Timestamp.UTC(), after.Sequence)
	}
	query += ` ORDER BY "timestamp" ASC, sequence ASC, id ASC`
	query += fmt.Sprintf(" LIMIT %d", clampLimit(limit, maxEventPage, maxEventPage))

	var rows []pgEventRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(rows))
	for _, r := range rows {
		ev := domain.Event{
			ExecutionID: r.ExecutionID,
			Timestamp:   r.Timestamp.UTC(),
			Sequence:    r.Sequence,
			Type:        domain.EventType(r.EventType),
			NodeID:      r.NodeID.String,
		}
		if len(r.Payload) > 0 {
			ev.Payload = json.RawMessage(r.Payload)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (r pgExecutionRow) toDomain() (*domain.Execution, error) {
	exec := &domain.Execution{
		ExecutionID: r.ExecutionID,
		TeamID:      r.TeamID,
		Status:      domain.ExecutionStatus(r.Status),
		Error:       r.Error.String,
		CreatedAt:   r.CreatedAt.UTC(),
		StartedAt:   fromNullTime(r.StartedAt),
		EndedAt:     fromNullTime(r.EndedAt),
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &exec.Config); err != nil {
			return nil, errors.Wrapf(err, "decode config of %s", r.ExecutionID)
		}
	}
	return exec, nil
}

func pgTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func pgNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
