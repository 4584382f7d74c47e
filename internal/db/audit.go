package db

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/exoengine/exocore/internal/events"
)

var auditSchema = []string{
	`CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		client_id TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_session_events_kind ON session_events(kind, outcome);`,
}

// AuditEntry is one recorded session event.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	ClientID  string    `json:"client_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	Name      string    `json:"name,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog stores session events in SQLite.
type AuditLog struct {
	db     *Database
	logger zerolog.Logger
}

// NewAuditLog opens the audit database at dbPath and migrates its schema.
func NewAuditLog(dbPath string) (*AuditLog, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := database.Migrate(auditSchema); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	return &AuditLog{
		db:     database,
		logger: log.With().Str("component", "audit").Logger(),
	}, nil
}

// Record stores an entry. A zero CreatedAt is set to now.
func (a *AuditLog) Record(e AuditEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := a.db.Exec(
		`INSERT INTO session_events (kind, client_id, address, name, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.ClientID, e.Address, e.Name, e.Outcome, e.Detail, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s: %w", e.Kind, err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.
func (a *AuditLog) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(
		`SELECT id, kind, client_id, address, name, outcome, detail, created_at
		 FROM session_events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.ClientID, &e.Address, &e.Name, &e.Outcome, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// OutcomeCounts returns the number of handshakes per outcome.
func (a *AuditLog) OutcomeCounts() (map[string]int, error) {
	rows, err := a.db.Query(
		`SELECT outcome, COUNT(*) FROM session_events
		 WHERE kind IN (?, ?) GROUP BY outcome`,
		string(events.EventHandshakeAccepted), string(events.EventHandshakeRefused))
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// Prune removes entries older than before and returns how many went.
func (a *AuditLog) Prune(before time.Time) (int64, error) {
	res, err := a.db.Exec("DELETE FROM session_events WHERE created_at < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	return res.RowsAffected()
}

// Attach records handshake outcomes, protocol errors and peer departures
// published on bus.
func (a *AuditLog) Attach(bus *events.EventBus) {
	for _, t := range []events.EventType{
		events.EventHandshakeAccepted,
		events.EventHandshakeRefused,
		events.EventProtocolError,
		events.EventPeerRemoved,
	} {
		bus.Subscribe(t, "audit", a.handle)
	}
}

func (a *AuditLog) handle(_ context.Context, evt events.Event) error {
	entry, ok := EntryFromEvent(evt)
	if !ok {
		return nil
	}
	if _, err := a.Record(entry); err != nil {
		a.logger.Warn().Err(err).Str("event", string(evt.Type)).Msg("failed to record event")
		return err
	}
	return nil
}

// EntryFromEvent maps a session event to an audit entry.
func EntryFromEvent(evt events.Event) (AuditEntry, bool) {
	e := AuditEntry{Kind: string(evt.Type), CreatedAt: evt.Time}
	switch p := evt.Payload.(type) {
	case events.HandshakePayload:
		e.ClientID, e.Address, e.Name = p.ClientID, p.Address, p.Name
		e.Outcome, e.Detail = p.Outcome, p.Reason
	case events.ProtocolErrorPayload:
		e.ClientID, e.Address = p.ClientID, p.Address
		e.Outcome = p.Reply
		e.Detail = fmt.Sprintf("%s in %s", p.Packet, p.State)
		if p.Detail != "" {
			e.Detail += ": " + p.Detail
		}
	case events.PeerPayload:
		e.ClientID, e.Address, e.Name = p.ClientID, p.Address, p.Name
		e.Outcome = p.State
	default:
		return AuditEntry{}, false
	}
	return e, true
}

// Close closes the database.
func (a *AuditLog) Close() error {
	return a.db.Close()
}
