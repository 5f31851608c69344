package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is how timestamps are stored; lexicographic order matches
// chronological order, which the stuck-call queries rely on.
const timeLayout = time.RFC3339Nano

// SQLite implements Store on an embedded SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path with WAL mode enabled
// and runs any pending migrations.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("database opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
	}
	return nil
}

func encodeTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func decodeTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}

const callColumns = `linked_id, direction, display_status, started_at, answered_at, ended_at,
	agent_extension, other_party, dial_status, disposition, hangup_cause, ring_seconds, talk_seconds`

func scanCall(row interface{ Scan(...any) error }) (*Call, error) {
	var c Call
	var direction, disposition, startedAt string
	var answeredAt, endedAt sql.NullString
	err := row.Scan(&c.LinkedID, &direction, &c.DisplayStatus, &startedAt, &answeredAt, &endedAt,
		&c.AgentExtension, &c.OtherParty, &c.DialStatus, &disposition, &c.HangupCause,
		&c.RingSeconds, &c.TalkSeconds)
	if err != nil {
		return nil, err
	}
	c.Direction = Direction(direction)
	c.Disposition = Disposition(disposition)
	c.StartedAt = decodeTime(startedAt)
	c.AnsweredAt = decodeTimePtr(answeredAt)
	c.EndedAt = decodeTimePtr(endedAt)
	return &c, nil
}

func (s *SQLite) FindOrCreateCall(ctx context.Context, linkedID string, startedAt time.Time) (*Call, bool, error) {
	// ON CONFLICT DO NOTHING makes a concurrent creation race harmless:
	// whichever writer loses simply reads the winner's row back.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (linked_id, direction, started_at) VALUES (?, 'unknown', ?)
		 ON CONFLICT (linked_id) DO NOTHING`,
		linkedID, encodeTime(startedAt))
	if err != nil {
		return nil, false, fmt.Errorf("inserting call %s: %w", linkedID, err)
	}
	n, _ := res.RowsAffected()

	call, err := s.GetCall(ctx, linkedID)
	if err != nil {
		return nil, false, err
	}
	if call == nil {
		return nil, false, fmt.Errorf("call %s vanished after insert", linkedID)
	}
	return call, n > 0, nil
}

func (s *SQLite) GetCall(ctx context.Context, linkedID string) (*Call, error) {
	call, err := scanCall(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE linked_id = ?`, linkedID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting call %s: %w", linkedID, err)
	}
	return call, nil
}

func (s *SQLite) UpdateCall(ctx context.Context, call *Call) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE calls SET direction = ?, display_status = ?, started_at = ?, answered_at = ?,
		 ended_at = ?, agent_extension = ?, other_party = ?, dial_status = ?, disposition = ?,
		 hangup_cause = ?, ring_seconds = ?, talk_seconds = ? WHERE linked_id = ?`,
		string(call.Direction), call.DisplayStatus, encodeTime(call.StartedAt),
		encodeTimePtr(call.AnsweredAt), encodeTimePtr(call.EndedAt),
		call.AgentExtension, call.OtherParty, call.DialStatus, string(call.Disposition),
		call.HangupCause, call.RingSeconds, call.TalkSeconds, call.LinkedID)
	if err != nil {
		return fmt.Errorf("updating call %s: %w", call.LinkedID, err)
	}
	return nil
}

func (s *SQLite) queryCalls(ctx context.Context, query string, args ...any) ([]*Call, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("selecting calls: %w", err)
	}
	defer rows.Close()

	var out []*Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) OpenCalls(ctx context.Context) ([]*Call, error) {
	return s.queryCalls(ctx, `SELECT `+callColumns+` FROM calls WHERE ended_at IS NULL`)
}

func (s *SQLite) StuckCalls(ctx context.Context, ringBefore, answerBefore time.Time) ([]*Call, error) {
	return s.queryCalls(ctx,
		`SELECT `+callColumns+` FROM calls WHERE ended_at IS NULL AND (
		 (answered_at IS NULL AND started_at < ?) OR (answered_at IS NOT NULL AND answered_at < ?))`,
		encodeTime(ringBefore), encodeTime(answerBefore))
}

const legColumns = `unique_id, linked_id, channel, context, exten, state_code, state_desc,
	caller_id_num, caller_id_name, connected_line_num, connected_line_name,
	started_at, hangup_at, hangup_cause`

func scanLeg(row interface{ Scan(...any) error }) (*CallLeg, error) {
	var l CallLeg
	var startedAt string
	var hangupAt sql.NullString
	err := row.Scan(&l.UniqueID, &l.LinkedID, &l.Channel, &l.Context, &l.Exten,
		&l.StateCode, &l.StateDesc, &l.CallerIDNum, &l.CallerIDName,
		&l.ConnectedLineNum, &l.ConnectedLineName, &startedAt, &hangupAt, &l.HangupCause)
	if err != nil {
		return nil, err
	}
	l.StartedAt = decodeTime(startedAt)
	l.HangupAt = decodeTimePtr(hangupAt)
	return &l, nil
}

func (s *SQLite) FindLeg(ctx context.Context, uniqueID string) (*CallLeg, error) {
	leg, err := scanLeg(s.db.QueryRowContext(ctx,
		`SELECT `+legColumns+` FROM call_legs WHERE unique_id = ?`, uniqueID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting leg %s: %w", uniqueID, err)
	}
	return leg, nil
}

func (s *SQLite) UpsertLeg(ctx context.Context, leg *CallLeg) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_legs (`+legColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (unique_id) DO UPDATE SET
		 linked_id = excluded.linked_id, channel = excluded.channel, context = excluded.context,
		 exten = excluded.exten, state_code = excluded.state_code, state_desc = excluded.state_desc,
		 caller_id_num = excluded.caller_id_num, caller_id_name = excluded.caller_id_name,
		 connected_line_num = excluded.connected_line_num, connected_line_name = excluded.connected_line_name,
		 started_at = excluded.started_at, hangup_at = excluded.hangup_at, hangup_cause = excluded.hangup_cause`,
		leg.UniqueID, leg.LinkedID, leg.Channel, leg.Context, leg.Exten,
		leg.StateCode, leg.StateDesc, leg.CallerIDNum, leg.CallerIDName,
		leg.ConnectedLineNum, leg.ConnectedLineName, encodeTime(leg.StartedAt),
		encodeTimePtr(leg.HangupAt), leg.HangupCause)
	if err != nil {
		return fmt.Errorf("upserting leg %s: %w", leg.UniqueID, err)
	}
	return nil
}

func (s *SQLite) OpenLegs(ctx context.Context, linkedID string) ([]*CallLeg, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+legColumns+` FROM call_legs WHERE linked_id = ? AND hangup_at IS NULL`, linkedID)
	if err != nil {
		return nil, fmt.Errorf("selecting open legs for %s: %w", linkedID, err)
	}
	defer rows.Close()

	var out []*CallLeg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning leg: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) CloseOpenLegs(ctx context.Context, linkedID string, at time.Time, cause string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE call_legs SET hangup_at = ?, hangup_cause = ? WHERE linked_id = ? AND hangup_at IS NULL`,
		encodeTime(at), cause, linkedID)
	if err != nil {
		return fmt.Errorf("closing open legs for %s: %w", linkedID, err)
	}
	return nil
}

func (s *SQLite) OpenBridgeSegment(ctx context.Context, seg *BridgeSegment) error {
	// The partial unique index on (linked_id, channel) WHERE left_at IS NULL
	// turns a replayed join into a no-op.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bridge_segments (linked_id, channel, unique_id, entered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		seg.LinkedID, seg.Channel, seg.UniqueID, encodeTime(seg.EnteredAt))
	if err != nil {
		return fmt.Errorf("opening bridge segment %s/%s: %w", seg.LinkedID, seg.Channel, err)
	}
	return nil
}

func (s *SQLite) CloseBridgeSegment(ctx context.Context, linkedID, channel string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bridge_segments SET left_at = ? WHERE linked_id = ? AND channel = ? AND left_at IS NULL`,
		encodeTime(at), linkedID, channel)
	if err != nil {
		return fmt.Errorf("closing bridge segment %s/%s: %w", linkedID, channel, err)
	}
	return nil
}

func (s *SQLite) CloseOpenSegments(ctx context.Context, linkedID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bridge_segments SET left_at = ? WHERE linked_id = ? AND left_at IS NULL`,
		encodeTime(at), linkedID)
	if err != nil {
		return fmt.Errorf("closing open segments for %s: %w", linkedID, err)
	}
	return nil
}

func (s *SQLite) OpenSegments(ctx context.Context, linkedID string) ([]*BridgeSegment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT linked_id, channel, unique_id, entered_at, left_at
		 FROM bridge_segments WHERE linked_id = ? AND left_at IS NULL`, linkedID)
	if err != nil {
		return nil, fmt.Errorf("selecting open segments for %s: %w", linkedID, err)
	}
	defer rows.Close()

	var out []*BridgeSegment
	for rows.Next() {
		var seg BridgeSegment
		var enteredAt string
		var leftAt sql.NullString
		if err := rows.Scan(&seg.LinkedID, &seg.Channel, &seg.UniqueID, &enteredAt, &leftAt); err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		seg.EnteredAt = decodeTime(enteredAt)
		seg.LeftAt = decodeTimePtr(leftAt)
		out = append(out, &seg)
	}
	return out, rows.Err()
}

func (s *SQLite) GetExtension(ctx context.Context, number string) (*Extension, error) {
	var e Extension
	var status, lastSeen string
	err := s.db.QueryRowContext(ctx,
		`SELECT number, status, status_code, device_state, last_seen FROM extensions WHERE number = ?`,
		number).Scan(&e.Number, &status, &e.StatusCode, &e.DeviceState, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting extension %s: %w", number, err)
	}
	e.Status = ExtensionStatus(status)
	e.LastSeen = decodeTime(lastSeen)
	return &e, nil
}

func (s *SQLite) UpsertExtension(ctx context.Context, ext *Extension) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extensions (number, status, status_code, device_state, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (number) DO UPDATE SET
		 status = excluded.status, status_code = excluded.status_code,
		 device_state = excluded.device_state, last_seen = excluded.last_seen`,
		ext.Number, string(ext.Status), ext.StatusCode, ext.DeviceState, encodeTime(ext.LastSeen))
	if err != nil {
		return fmt.Errorf("upserting extension %s: %w", ext.Number, err)
	}
	return nil
}
