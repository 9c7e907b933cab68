// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite or mattn/go-sqlite3
// ABOUTME: Provides agent, session, turn log, audio and lease persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store at path using the named database/sql driver.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	// Ensure parent directory exists
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: pragmas are per-connection and SQLite has a single writer anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (agent_id) REFERENCES agents(id),

			CHECK (status IN ('active', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_agent
			ON sessions(agent_id, created_at);

		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			modality TEXT NOT NULL,
			text TEXT NOT NULL,
			audio_id TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id),

			CHECK (role IN ('user', 'assistant')),
			CHECK (modality IN ('text', 'voice'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_session_seq
			ON turns(session_id, seq);

		CREATE TABLE IF NOT EXISTS audio_artifacts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			turn_id TEXT,
			format TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_audio_turn
			ON audio_artifacts(turn_id);

		CREATE TABLE IF NOT EXISTS session_leases (
			session_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		column string // Column name for logging
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('turns') WHERE name = 'request_id'`,
			apply:  `ALTER TABLE turns ADD COLUMN request_id TEXT`,
			column: "turns.request_id",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_turns_request ON turns(session_id, request_id)`); err != nil {
		return fmt.Errorf("creating request index: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString converts empty strings to NULL for optional columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// timeLayout is fixed-width so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateAgent inserts a new agent. ID and timestamps must already be set.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	query := `
		INSERT INTO agents (id, name, instructions, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.Instructions,
		agent.Model,
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

const agentColumns = `id, name, instructions, model, created_at, updated_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&a.ID, &a.Name, &a.Instructions, &a.Model, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

// ListAgents returns all agents, oldest first
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// UpdateAgent applies the non-nil fields of update and returns the stored agent.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, id string, update AgentUpdate) (*Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanAgent(tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if update.Name != nil {
		current.Name = *update.Name
	}
	if update.Instructions != nil {
		current.Instructions = *update.Instructions
	}
	if update.Model != nil {
		current.Model = *update.Model
	}
	current.UpdatedAt = time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE agents SET name = ?, instructions = ?, model = ?, updated_at = ? WHERE id = ?`,
		current.Name, current.Instructions, current.Model, formatTime(current.UpdatedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing agent update: %w", err)
	}
	return current, nil
}

// DeleteAgent removes an agent that has no sessions.
// Returns ErrAgentHasSessions if any session references it, ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE agent_id = ?`, id).Scan(&count); err != nil {
		return fmt.Errorf("counting sessions: %w", err)
	}
	if count > 0 {
		return ErrAgentHasSessions
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

const sessionColumns = `id, agent_id, name, status, created_at, updated_at`

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, createdAtStr, updatedAtStr string
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.Name, &status, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	var err error
	if sess.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

// CreateSession inserts a new active session. An empty Name becomes "Chat N",
// N being the agent's next session number. Returns ErrAgentNotFound for an unknown agent.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE id = ?`, session.AgentID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("querying agent: %w", err)
	}

	if session.Name == "" {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE agent_id = ?`, session.AgentID).Scan(&count); err != nil {
			return fmt.Errorf("counting sessions: %w", err)
		}
		session.Name = SessionName(count + 1)
	}
	if session.Status == "" {
		session.Status = SessionActive
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.AgentID,
		session.Name,
		string(session.Status),
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "agent_id", session.AgentID, "name", session.Name)
	return nil
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns an agent's sessions, oldest first
func (s *SQLiteStore) ListSessions(ctx context.Context, agentID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE agent_id = ? ORDER BY created_at ASC, id ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// RenameSession sets a session's display name.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) RenameSession(ctx context.Context, id, name string) (*Session, error) {
	return s.updateSession(ctx, id, `UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`, name)
}

// CloseSession marks a session closed. Closing is idempotent.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) CloseSession(ctx context.Context, id string) (*Session, error) {
	return s.updateSession(ctx, id, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(SessionClosed))
}

func (s *SQLiteStore) updateSession(ctx context.Context, id, query, value string) (*Session, error) {
	result, err := s.db.ExecContext(ctx, query, value, formatTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	return s.GetSession(ctx, id)
}

const turnColumns = `id, session_id, seq, role, modality, text, audio_id, request_id, created_at`

func scanTurn(row rowScanner) (*Turn, error) {
	var t Turn
	var role, modality, createdAtStr string
	var audioID, requestID *string
	if err := row.Scan(&t.ID, &t.SessionID, &t.Seq, &role, &modality, &t.Text, &audioID, &requestID, &createdAtStr); err != nil {
		return nil, err
	}
	t.Role = Role(role)
	t.Modality = Modality(modality)

	// Handle nullable fields
	if audioID != nil {
		t.AudioID = *audioID
	}
	if requestID != nil {
		t.RequestID = *requestID
	}

	var err error
	if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing turn created_at: %w", err)
	}
	return &t, nil
}

// AppendTurn persists a turn at the end of the session's log and returns it with its
// assigned Seq. The session check, sequence assignment and insert share one transaction.
// Returns ErrSessionNotFound, ErrSessionClosed or ErrInvalidTurn.
func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, payload *TurnPayload) (*Turn, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if SessionStatus(status) != SessionActive {
		return nil, ErrSessionClosed
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, sessionID).Scan(&next); err != nil {
		return nil, fmt.Errorf("assigning sequence: %w", err)
	}

	now := time.Now().UTC()
	turn := &Turn{
		ID:        newID(),
		SessionID: sessionID,
		Seq:       next,
		Role:      payload.Role,
		Modality:  payload.Modality,
		Text:      payload.Text,
		AudioID:   payload.AudioID,
		RequestID: payload.RequestID,
		CreatedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (`+turnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		turn.ID,
		turn.SessionID,
		turn.Seq,
		string(turn.Role),
		string(turn.Modality),
		turn.Text,
		nullString(turn.AudioID),
		nullString(turn.RequestID),
		formatTime(turn.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("sequence %d already taken in session %s: %w", next, sessionID, err)
		}
		return nil, fmt.Errorf("inserting turn: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, formatTime(now), sessionID); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}

	s.logger.Debug("appended turn", "session_id", sessionID, "seq", turn.Seq, "role", turn.Role)
	return turn, nil
}

// ReadTurns returns a window of a session's turns in ascending Seq order.
// An unknown session yields an empty slice.
func (s *SQLiteStore) ReadTurns(ctx context.Context, sessionID string, opts ReadOptions) ([]*Turn, error) {
	query := `SELECT ` + turnColumns + ` FROM turns WHERE session_id = ? AND seq > ?`
	args := []any{sessionID, opts.AfterSeq}
	if opts.UpToSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, opts.UpToSeq)
	}
	query += ` ORDER BY seq ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning turn row: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turn rows: %w", err)
	}
	return turns, nil
}

// Turns pages lazily through a session's turns. See the package-level Turns.
func (s *SQLiteStore) Turns(ctx context.Context, sessionID string, upTo int64, pageSize int) iter.Seq2[*Turn, error] {
	return Turns(ctx, s, sessionID, upTo, pageSize)
}

// FindTurnByRequest returns the earliest turn with the given role produced by requestID.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindTurnByRequest(ctx context.Context, sessionID, requestID string, role Role) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+turnColumns+`
		FROM turns
		WHERE session_id = ? AND request_id = ? AND role = ?
		ORDER BY seq ASC
		LIMIT 1
	`, sessionID, requestID, string(role))
	t, err := scanTurn(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying turn by request: %w", err)
	}
	return t, nil
}

// SaveAudio stores an audio artifact. ID is generated when empty.
// Returns ErrSessionNotFound for an unknown session.
func (s *SQLiteStore) SaveAudio(ctx context.Context, artifact *AudioArtifact) error {
	if artifact.ID == "" {
		artifact.ID = newID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, artifact.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("querying session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audio_artifacts (id, session_id, turn_id, format, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, artifact.ID, artifact.SessionID, nullString(artifact.TurnID), artifact.Format, artifact.Data, formatTime(artifact.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting audio artifact: %w", err)
	}
	return nil
}

const audioColumns = `id, session_id, turn_id, format, data, created_at`

func scanAudio(row rowScanner) (*AudioArtifact, error) {
	var a AudioArtifact
	var turnID *string
	var createdAtStr string
	if err := row.Scan(&a.ID, &a.SessionID, &turnID, &a.Format, &a.Data, &createdAtStr); err != nil {
		return nil, err
	}
	if turnID != nil {
		a.TurnID = *turnID
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// GetAudio retrieves an audio artifact by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetAudio(ctx context.Context, id string) (*AudioArtifact, error) {
	a, err := scanAudio(s.db.QueryRowContext(ctx, `SELECT `+audioColumns+` FROM audio_artifacts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying audio artifact: %w", err)
	}
	return a, nil
}

// FindAudioByTurn retrieves the most recent artifact pointing back at turnID.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindAudioByTurn(ctx context.Context, turnID string) (*AudioArtifact, error) {
	a, err := scanAudio(s.db.QueryRowContext(ctx,
		`SELECT `+audioColumns+` FROM audio_artifacts WHERE turn_id = ? ORDER BY created_at DESC LIMIT 1`, turnID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying audio by turn: %w", err)
	}
	return a, nil
}

// AcquireLease takes the session's exclusivity token for owner, or renews it when owner
// already holds it. An expired lease is taken over.
// Returns ErrLeaseHeld when another owner holds a live lease, ErrSessionNotFound for an unknown session.
func (s *SQLiteStore) AcquireLease(ctx context.Context, sessionID, owner string, ttl time.Duration) (*Lease, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	now := time.Now()
	expires := now.Add(ttl)
	result, err := tx.ExecContext(ctx, `
		INSERT INTO session_leases (session_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE
			SET owner = excluded.owner, expires_at = excluded.expires_at
			WHERE session_leases.expires_at <= ? OR session_leases.owner = excluded.owner
	`, sessionID, owner, expires.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("upserting lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrLeaseHeld
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}

	return &Lease{SessionID: sessionID, Owner: owner, ExpiresAt: time.UnixMilli(expires.UnixMilli())}, nil
}

// ReleaseLease drops the session's lease if owner still holds it.
// Releasing a lease that was lost or never taken is not an error.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, sessionID, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_leases WHERE session_id = ? AND owner = ?`, sessionID, owner); err != nil {
		return fmt.Errorf("deleting lease: %w", err)
	}
	return nil
}
