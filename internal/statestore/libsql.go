package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/triagekit/triagekit/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
//
// Field state is versioned in state_versions; the execution log and error list
// are append-only side tables shared by all versions of a session. Reads
// reassemble the full WorkflowState from the three.
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
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *LibSQLStore) Create(ctx context.Context, req *schema.IntakeRequest) (*schema.WorkflowState, error) {
	state := newSessionState(req)

	stateJSON, err := marshalState(state)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin create tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (session_id, ticket_id, current_stage, completed, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		state.SessionID, state.TicketID, state.CurrentStage, state.CreatedAt, state.UpdatedAt,
	); err != nil {
		return nil, storeErr("insert session", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_versions (session_id, version, state, created_at) VALUES (?, 1, ?, ?)`,
		state.SessionID, stateJSON, state.CreatedAt,
	); err != nil {
		return nil, storeErr("insert initial version", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit create", err)
	}
	return state, nil
}

func (s *LibSQLStore) ApplyUpdate(ctx context.Context, sessionID, stageName string, updates schema.Updates) (*schema.WorkflowState, error) {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	state, version, err := latestVersionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := attachLogAndErrors(ctx, tx, sessionID, state); err != nil {
		return nil, err
	}

	errorsBefore := len(state.Errors)
	next := state.Clone()
	next.ApplyUpdates(stageName, updates)

	stateJSON, err := marshalState(next)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO state_versions (session_id, version, state, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, version+1, stateJSON, next.UpdatedAt,
	); err != nil {
		return nil, storeErr("insert version", err)
	}

	// Diagnostics produced while applying (unknown fields, bad values).
	for _, msg := range next.Errors[errorsBefore:] {
		if err := appendErrorTx(ctx, tx, sessionID, msg); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET current_stage = ?, completed = ?, updated_at = ? WHERE session_id = ?`,
		next.CurrentStage, boolInt(isTerminalStage(next)), next.UpdatedAt, sessionID,
	); err != nil {
		return nil, storeErr("update session summary", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit update", err)
	}
	return next, nil
}

func (s *LibSQLStore) AppendLogEntry(ctx context.Context, sessionID string, entry *schema.ExecutionLogEntry) error {
	normalizeEntry(entry)

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return storeErr("marshal log entry", err)
	}

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The session must exist; also refreshes updated_at for retention sweeps.
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return storeErr("touch session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sessionNotFound(sessionID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_log WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return storeErr("next log sequence", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO execution_log (session_id, seq, entry) VALUES (?, ?, ?)`,
		sessionID, seq, string(entryJSON),
	); err != nil {
		return storeErr("insert log entry", err)
	}

	if entry.ErrorMessage != "" {
		msg := fmt.Sprintf("%s: %s", entry.StageName, entry.ErrorMessage)
		if err := appendErrorTx(ctx, tx, sessionID, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit log entry", err)
	}
	return nil
}

func (s *LibSQLStore) GetLatest(ctx context.Context, sessionID string) (*schema.WorkflowState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin read tx", err)
	}
	defer tx.Rollback()

	state, _, err := latestVersionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := attachLogAndErrors(ctx, tx, sessionID, state); err != nil {
		return nil, err
	}
	return state, tx.Commit()
}

func (s *LibSQLStore) GetHistory(ctx context.Context, sessionID string) ([]*schema.WorkflowState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin read tx", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT state FROM state_versions WHERE session_id = ? ORDER BY version ASC`, sessionID)
	if err != nil {
		return nil, storeErr("query versions", err)
	}
	defer rows.Close()

	var history []*schema.WorkflowState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storeErr("scan version", err)
		}
		state := &schema.WorkflowState{}
		if err := json.Unmarshal([]byte(raw), state); err != nil {
			return nil, storeErr("unmarshal version", err)
		}
		history = append(history, state)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate versions", err)
	}
	if len(history) == 0 {
		return nil, sessionNotFound(sessionID)
	}

	// The log and error list are session-wide; attach them to the latest view.
	if err := attachLogAndErrors(ctx, tx, sessionID, history[len(history)-1]); err != nil {
		return nil, err
	}
	return history, tx.Commit()
}

func (s *LibSQLStore) ListSessions(ctx context.Context) ([]*SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.session_id, s.ticket_id, s.current_stage, s.completed, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM state_versions v WHERE v.session_id = s.session_id)
		 FROM sessions s ORDER BY s.created_at ASC`)
	if err != nil {
		return nil, storeErr("query sessions", err)
	}
	defer rows.Close()

	var infos []*SessionInfo
	for rows.Next() {
		info := &SessionInfo{}
		var completed int
		if err := rows.Scan(&info.SessionID, &info.TicketID, &info.CurrentStage,
			&completed, &info.CreatedAt, &info.UpdatedAt, &info.Versions); err != nil {
			return nil, storeErr("scan session", err)
		}
		info.Completed = completed != 0
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *LibSQLStore) Purge(ctx context.Context, sessionID string) error {
	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"execution_log", "session_errors", "state_versions", "sessions"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, table), sessionID); err != nil {
			return storeErr("purge "+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit purge", err)
	}
	return nil
}

// beginWrite starts a transaction and forces write-lock acquisition up front.
// In WAL mode BeginTx alone may start a deferred transaction, which lets
// concurrent writers interleave sequence reads and writes.
func (s *LibSQLStore) beginWrite(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin write tx", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		_ = tx.Rollback()
		return nil, storeErr("acquire write lock", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		_ = tx.Rollback()
		return nil, storeErr("cleanup write lock", err)
	}
	return tx, nil
}

func latestVersionTx(ctx context.Context, tx *sql.Tx, sessionID string) (*schema.WorkflowState, int64, error) {
	var raw string
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT state, version FROM state_versions WHERE session_id = ? ORDER BY version DESC LIMIT 1`,
		sessionID,
	).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, 0, sessionNotFound(sessionID)
	}
	if err != nil {
		return nil, 0, storeErr("query latest version", err)
	}

	state := &schema.WorkflowState{}
	if err := json.Unmarshal([]byte(raw), state); err != nil {
		return nil, 0, storeErr("unmarshal state", err)
	}
	return state, version, nil
}

func attachLogAndErrors(ctx context.Context, tx *sql.Tx, sessionID string, state *schema.WorkflowState) error {
	logRows, err := tx.QueryContext(ctx,
		`SELECT entry FROM execution_log WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return storeErr("query log", err)
	}
	defer logRows.Close()

	state.ExecutionLog = nil
	for logRows.Next() {
		var raw string
		if err := logRows.Scan(&raw); err != nil {
			return storeErr("scan log entry", err)
		}
		var entry schema.ExecutionLogEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return storeErr("unmarshal log entry", err)
		}
		state.ExecutionLog = append(state.ExecutionLog, entry)
	}
	if err := logRows.Err(); err != nil {
		return storeErr("iterate log", err)
	}

	errRows, err := tx.QueryContext(ctx,
		`SELECT message FROM session_errors WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return storeErr("query errors", err)
	}
	defer errRows.Close()

	state.Errors = nil
	for errRows.Next() {
		var msg string
		if err := errRows.Scan(&msg); err != nil {
			return storeErr("scan error", err)
		}
		state.Errors = append(state.Errors, msg)
	}
	return errRows.Err()
}

func appendErrorTx(ctx context.Context, tx *sql.Tx, sessionID, msg string) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_errors WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return storeErr("next error sequence", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_errors (session_id, seq, message) VALUES (?, ?, ?)`,
		sessionID, seq, msg,
	); err != nil {
		return storeErr("insert error", err)
	}
	return nil
}

// marshalState serializes field state without the log and error list, which
// live in their own append-only tables.
func marshalState(state *schema.WorkflowState) (string, error) {
	stripped := state.Clone()
	stripped.ExecutionLog = nil
	stripped.Errors = nil
	data, err := json.Marshal(stripped)
	if err != nil {
		return "", storeErr("marshal state", err)
	}
	return string(data), nil
}

func storeErr(op string, err error) *schema.TriageError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
