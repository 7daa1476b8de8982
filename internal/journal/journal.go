// ABOUTME: SQLite event journal of agent status transitions using modernc.org/sqlite
// ABOUTME: Write-only history for inspection; never used to restore fleet state

package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/fleet-commander/internal/fleet"
)

// MemoryPath keeps the journal in memory for the lifetime of the process.
const MemoryPath = ":memory:"

// DefaultLimit caps ListTransitions when no limit is given.
const DefaultLimit = 100

// Event is one recorded transition.
type Event struct {
	ID      int64             `json:"id"`
	AgentID string            `json:"agent_id"`
	From    fleet.AgentStatus `json:"from"`
	To      fleet.AgentStatus `json:"to"`
	PID     *int              `json:"pid"`
	At      time.Time         `json:"at"`
}

// Journal stores transitions in SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens a journal at path. The schema is created if it
// doesn't exist and parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "journal")

	if path == "" {
		path = MemoryPath
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite journal initialized", "path", path)
	return j, nil
}

func (j *Journal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			pid INTEGER,
			at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_agent
			ON transitions(agent_id, id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends one transition.
func (j *Journal) Record(ctx context.Context, t fleet.Transition) error {
	var pid sql.NullInt64
	if t.PID > 0 {
		pid = sql.NullInt64{Int64: int64(t.PID), Valid: true}
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (agent_id, from_status, to_status, pid, at) VALUES (?, ?, ?, ?, ?)`,
		t.AgentID, string(t.From), string(t.To), pid, t.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// ListTransitions returns up to limit transitions for an agent, newest first.
func (j *Journal) ListTransitions(ctx context.Context, agentID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, agent_id, from_status, to_status, pid, at
		 FROM transitions WHERE agent_id = ? ORDER BY id DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var (
			e        Event
			from, to string
			pid      sql.NullInt64
			at       string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &from, &to, &pid, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		e.From = fleet.AgentStatus(from)
		e.To = fleet.AgentStatus(to)
		if pid.Valid {
			p := int(pid.Int64)
			e.PID = &p
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parsing transition time: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return events, nil
}

// Run records every transition from events until the channel closes or ctx ends.
func (j *Journal) Run(ctx context.Context, events <-chan fleet.Transition) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-events:
			if !ok {
				return nil
			}
			if err := j.Record(ctx, t); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				j.logger.Warn("failed to journal transition",
					"agent_id", t.AgentID, "to", t.To, "error", err)
			}
		}
	}
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
