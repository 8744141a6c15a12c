package coordinator

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when an agent or command does not exist.
var ErrNotFound = errors.New("not found")

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	StatusPending   CommandStatus = "pending"
	StatusSent      CommandStatus = "sent"
	StatusExecuting CommandStatus = "executing"
	StatusCompleted CommandStatus = "completed"
	StatusFailed    CommandStatus = "failed"
	StatusTimeout   CommandStatus = "timeout"
	StatusCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Command is one row of the command lifecycle table.
type Command struct {
	CommandID      string        `json:"command_id"`
	AgentID        string        `json:"agent_id"`
	Command        string        `json:"command"`
	TimeoutSeconds int           `json:"timeout_seconds"`
	Priority       int           `json:"priority"`
	Status         CommandStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	SentAt         *time.Time    `json:"sent_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Stdout         string        `json:"stdout,omitempty"`
	Stderr         string        `json:"stderr,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	ExecutionTime  *float64      `json:"execution_time,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
}

// Agent is one row of the agents table.
type Agent struct {
	AgentID       string     `json:"agent_id"`
	Status        string     `json:"status"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
	Metadata      string     `json:"metadata,omitempty"`
}

// TransitionUpdate carries the optional field updates applied together with
// a status transition. Nil fields are left untouched.
type TransitionUpdate struct {
	Stdout        *string
	Stderr        *string
	ExitCode      *int
	ExecutionTime *float64
	ErrorMessage  *string
}

// ListFilter narrows ListCommands. Zero values mean "no constraint".
type ListFilter struct {
	AgentID string
	Status  CommandStatus
	Since   time.Time
	Limit   int
	Offset  int
}

// Statistics is the aggregate shape served by GET /statistics.
type Statistics struct {
	TotalCommands    int     `json:"total_commands"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Pending          int     `json:"pending"`
	Timeout          int     `json:"timeout"`
	Cancelled        int     `json:"cancelled"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
}

// Store is the durable command and agent registry on SQLite. All writes go
// through database/sql on a WAL-mode database; callers serialize per-agent
// ordering themselves (the queue engine holds its agent lock across the
// transition it depends on).
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed creates) the database at path.
func OpenStore(path string) (*Store, error) {
	// WAL for concurrent readers, busy_timeout so writers queue instead of
	// failing under contention. The pragmas travel in the DSN so the driver
	// applies them to every connection in the database/sql pool, not just the
	// one a PRAGMA statement would happen to run on.
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'offline',
		first_seen TEXT NOT NULL,
		last_connected TEXT,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		command_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		command TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		sent_at TEXT,
		completed_at TEXT,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		execution_time REAL,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// UpsertAgent records an agent sighting: inserts on first contact, otherwise
// updates status and last_connected.
func (s *Store) UpsertAgent(agentID, status, metadata string) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO agents (agent_id, status, first_seen, last_connected, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			status = excluded.status,
			last_connected = excluded.last_connected,
			metadata = CASE WHEN excluded.metadata != '' THEN excluded.metadata ELSE agents.metadata END
	`, agentID, status, now, now, metadata)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", agentID, err)
	}
	return nil
}

// MarkAgent sets an agent's status without touching metadata. Returns
// ErrNotFound for an agent that was never seen.
func (s *Store) MarkAgent(agentID, status string) error {
	res, err := s.db.Exec(`UPDATE agents SET status = ? WHERE agent_id = ?`, status, agentID)
	if err != nil {
		return fmt.Errorf("mark agent %s: %w", agentID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllAgentsOffline resets agent status at startup; agents flip back to
// online when they reconnect.
func (s *Store) MarkAllAgentsOffline() error {
	_, err := s.db.Exec(`UPDATE agents SET status = 'offline' WHERE status = 'online'`)
	return err
}

// GetAgent returns one agent or ErrNotFound.
func (s *Store) GetAgent(agentID string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, status, first_seen, last_connected, COALESCE(metadata, '')
		FROM agents WHERE agent_id = ?
	`, agentID)
	return scanAgent(row)
}

// ListAgents returns all known agents ordered by id.
func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, status, first_seen, last_connected, COALESCE(metadata, '')
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var firstSeen string
	var lastConnected sql.NullString
	err := row.Scan(&a.AgentID, &a.Status, &firstSeen, &lastConnected, &a.Metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.FirstSeen = parseTime(firstSeen)
	a.LastConnected = parseNullTime(lastConnected)
	return &a, nil
}

// InsertCommand persists a freshly accepted command. The caller fills
// CommandID, AgentID, Command, TimeoutSeconds and Priority; status and
// created_at are assigned here.
func (s *Store) InsertCommand(cmd *Command) error {
	cmd.Status = StatusPending
	cmd.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO commands (command_id, agent_id, command, timeout_seconds, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, cmd.CommandID, cmd.AgentID, cmd.Command, cmd.TimeoutSeconds, cmd.Priority,
		string(cmd.Status), formatTime(cmd.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert command %s: %w", cmd.CommandID, err)
	}
	return nil
}

// Transition performs a compare-and-set status change: the update applies
// only if the current status is in from. Returns false when the row exists
// but the precondition failed, ErrNotFound when the row does not exist.
// sent_at is stamped on a transition to sent, completed_at on any terminal
// transition.
func (s *Store) Transition(commandID string, from []CommandStatus, to CommandStatus, upd *TransitionUpdate) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires a non-empty from set")
	}

	set := []string{"status = ?"}
	args := []any{string(to)}

	now := formatTime(time.Now())
	if to == StatusSent {
		set = append(set, "sent_at = ?")
		args = append(args, now)
	}
	if to.Terminal() {
		set = append(set, "completed_at = ?")
		args = append(args, now)
	}
	if upd != nil {
		if upd.Stdout != nil {
			set = append(set, "stdout = ?")
			args = append(args, *upd.Stdout)
		}
		if upd.Stderr != nil {
			set = append(set, "stderr = ?")
			args = append(args, *upd.Stderr)
		}
		if upd.ExitCode != nil {
			set = append(set, "exit_code = ?")
			args = append(args, *upd.ExitCode)
		}
		if upd.ExecutionTime != nil {
			set = append(set, "execution_time = ?")
			args = append(args, *upd.ExecutionTime)
		}
		if upd.ErrorMessage != nil {
			set = append(set, "error_message = ?")
			args = append(args, *upd.ErrorMessage)
		}
	}

	placeholders := make([]string, len(from))
	args = append(args, commandID)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`UPDATE commands SET %s WHERE command_id = ? AND status IN (%s)`,
		strings.Join(set, ", "), strings.Join(placeholders, ", "))

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("transition command %s to %s: %w", commandID, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	// Distinguish a lost CAS race from a missing row.
	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM commands WHERE command_id = ?`, commandID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

const commandColumns = `command_id, agent_id, command, timeout_seconds, priority, status,
	created_at, sent_at, completed_at, stdout, stderr, exit_code, execution_time, error_message`

// GetCommand returns one command or ErrNotFound.
func (s *Store) GetCommand(commandID string) (*Command, error) {
	row := s.db.QueryRow(`SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	return scanCommand(row)
}

// ListCommands returns commands newest first, narrowed by the filter.
func (s *Store) ListCommands(f ListFilter) ([]Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(f.Since))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// PendingForAgent returns the agent's pending commands in dispatch order:
// higher priority first, then oldest first.
func (s *Store) PendingForAgent(agentID string) ([]Command, error) {
	rows, err := s.db.Query(`
		SELECT `+commandColumns+` FROM commands
		WHERE agent_id = ? AND status = ?
		ORDER BY priority DESC, created_at ASC
	`, agentID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("pending for agent %s: %w", agentID, err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

func collectCommands(rows *sql.Rows) ([]Command, error) {
	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *c)
	}
	return cmds, rows.Err()
}

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var status, createdAt string
	var sentAt, completedAt sql.NullString
	var exitCode sql.NullInt64
	var execTime sql.NullFloat64
	err := row.Scan(&c.CommandID, &c.AgentID, &c.Command, &c.TimeoutSeconds, &c.Priority,
		&status, &createdAt, &sentAt, &completedAt, &c.Stdout, &c.Stderr,
		&exitCode, &execTime, &c.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}
	c.Status = CommandStatus(status)
	c.CreatedAt = parseTime(createdAt)
	c.SentAt = parseNullTime(sentAt)
	c.CompletedAt = parseNullTime(completedAt)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		c.ExitCode = &v
	}
	if execTime.Valid {
		v := execTime.Float64
		c.ExecutionTime = &v
	}
	return &c, nil
}

// RecoverStartup fails every command left in sent or executing by a previous
// coordinator process. Dispatch state does not survive a restart, so these
// can never complete.
func (s *Store) RecoverStartup() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE commands
		SET status = ?, completed_at = ?, error_message = 'coordinator restart'
		WHERE status IN (?, ?)
	`, string(StatusFailed), formatTime(time.Now()), string(StatusSent), string(StatusExecuting))
	if err != nil {
		return 0, fmt.Errorf("recover interrupted commands: %w", err)
	}
	return res.RowsAffected()
}

// PurgeOlderThan deletes terminal commands completed before the cutoff.
// Non-terminal rows are never purged.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM commands
		WHERE status IN (?, ?, ?, ?) AND completed_at < ?
	`, string(StatusCompleted), string(StatusFailed), string(StatusTimeout), string(StatusCancelled),
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge commands: %w", err)
	}
	return res.RowsAffected()
}

// GetStatistics aggregates command counts and average execution time,
// optionally narrowed to one agent.
func (s *Store) GetStatistics(agentID string) (*Statistics, error) {
	query := `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status IN ('pending', 'sent', 'executing') THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN status = 'completed' THEN execution_time END), 0)
		FROM commands`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}

	var st Statistics
	var completed, failed, pending, timeout, cancelled sql.NullInt64
	err := s.db.QueryRow(query, args...).Scan(&st.TotalCommands, &completed, &failed,
		&pending, &timeout, &cancelled, &st.AvgExecutionTime)
	if err != nil {
		return nil, fmt.Errorf("statistics: %w", err)
	}
	st.Completed = int(completed.Int64)
	st.Failed = int(failed.Int64)
	st.Pending = int(pending.Int64)
	st.Timeout = int(timeout.Int64)
	st.Cancelled = int(cancelled.Int64)
	return &st, nil
}
