package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"resq/go-sos-agent/internal/model"

	_ "modernc.org/sqlite"
)

// Store is the local SQLite journal of sessions, ratings and observed beacons.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			local_id TEXT PRIMARY KEY,
			incident_id TEXT,
			state TEXT NOT NULL,
			display TEXT,
			payload TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);`,
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id TEXT NOT NULL REFERENCES sessions(local_id) ON DELETE CASCADE,
			incident_id TEXT,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			display TEXT,
			detail TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_local ON session_events(local_id, id);`,
		`CREATE TABLE IF NOT EXISTS ratings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id TEXT,
			incident_id TEXT NOT NULL,
			stars INTEGER NOT NULL,
			feedback TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS discovered_beacons (
			scanner_id TEXT NOT NULL,
			tag_address TEXT NOT NULL,
			tag_name TEXT,
			rssi INTEGER,
			manufacturer_data TEXT,
			tx_power INTEGER,
			event_type TEXT,
			last_seen TEXT NOT NULL,
			PRIMARY KEY (scanner_id, tag_address)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// UpsertSession records the latest state of a session. A nil Session keeps the stored payload.
func (s *Store) UpsertSession(ctx context.Context, rec model.SessionRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	var payload sql.NullString
	if rec.Session != nil {
		raw, err := json.Marshal(rec.Session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (local_id, incident_id, state, display, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(local_id)
		 DO UPDATE SET incident_id = COALESCE(NULLIF(excluded.incident_id, ''), sessions.incident_id),
				 state = excluded.state,
				 display = excluded.display,
				 payload = COALESCE(excluded.payload, sessions.payload),
				 updated_at = excluded.updated_at;`,
		rec.LocalID,
		rec.IncidentID.String(),
		rec.State,
		rec.Display,
		payload,
		rec.CreatedAt.UTC().Format(timeLayout),
		rec.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// AppendSessionEvent adds one lifecycle event to a session's history.
func (s *Store) AppendSessionEvent(ctx context.Context, ev model.SessionEventRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO session_events (local_id, incident_id, kind, state, display, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		ev.LocalID,
		ev.IncidentID.String(),
		ev.Kind,
		ev.State,
		ev.Display,
		ev.Detail,
		createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}

// RecentSessions returns sessions ordered by last update, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT local_id, incident_id, state, display, payload, created_at, updated_at
		 FROM sessions
		 ORDER BY updated_at DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	records := make([]model.SessionRecord, 0, limit)
	for rows.Next() {
		var (
			localID      string
			incidentID   sql.NullString
			state        string
			display      sql.NullString
			payload      sql.NullString
			createdAtStr string
			updatedAtStr string
		)
		if err := rows.Scan(&localID, &incidentID, &state, &display, &payload, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		rec := model.SessionRecord{
			LocalID:    localID,
			IncidentID: model.ID(incidentID.String),
			State:      state,
			Display:    display.String,
			CreatedAt:  parseTime(createdAtStr),
			UpdatedAt:  parseTime(updatedAtStr),
		}
		if payload.Valid && payload.String != "" {
			var session model.IncidentSession
			if err := json.Unmarshal([]byte(payload.String), &session); err != nil {
				return nil, fmt.Errorf("decode session %s: %w", localID, err)
			}
			rec.Session = &session
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return records, nil
}

// SessionEvents returns the history of one session in the order it happened.
func (s *Store) SessionEvents(ctx context.Context, localID string) ([]model.SessionEventRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, local_id, incident_id, kind, state, display, detail, created_at
		 FROM session_events
		 WHERE local_id = ?
		 ORDER BY id ASC;`,
		localID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []model.SessionEventRecord
	for rows.Next() {
		var (
			ev           model.SessionEventRecord
			incidentID   sql.NullString
			display      sql.NullString
			detail       sql.NullString
			createdAtStr string
		)
		if err := rows.Scan(&ev.ID, &ev.LocalID, &incidentID, &ev.Kind, &ev.State, &display, &detail, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		ev.IncidentID = model.ID(incidentID.String)
		ev.Display = display.String
		ev.Detail = detail.String
		ev.CreatedAt = parseTime(createdAtStr)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}

	return events, nil
}

// InsertRating stores a rating left for a resolved incident.
func (s *Store) InsertRating(ctx context.Context, localID string, rating model.Rating) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	createdAt := rating.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ratings (local_id, incident_id, stars, feedback, created_at) VALUES (?, ?, ?, ?, ?);`,
		localID,
		rating.IncidentID.String(),
		rating.Stars,
		rating.Feedback,
		createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

// Ratings returns stored ratings, newest first.
func (s *Store) Ratings(ctx context.Context) ([]model.Rating, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT incident_id, stars, feedback, created_at FROM ratings ORDER BY id DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()

	var ratings []model.Rating
	for rows.Next() {
		var (
			incidentID   string
			stars        int
			feedback     sql.NullString
			createdAtStr string
		)
		if err := rows.Scan(&incidentID, &stars, &feedback, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		ratings = append(ratings, model.Rating{
			IncidentID: model.ID(incidentID),
			Stars:      stars,
			Feedback:   feedback.String,
			CreatedAt:  parseTime(createdAtStr),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ratings: %w", err)
	}

	return ratings, nil
}

// RecordAdvertisement upserts the tag behind an advertisement into discovered_beacons.
func (s *Store) RecordAdvertisement(ctx context.Context, adv model.Advertisement) error {
	beacon := model.DiscoveredBeacon{
		ScannerID:  adv.ScannerID,
		TagAddress: adv.Address,
		TagName:    adv.Name,
		TxPower:    adv.TxPower,
		EventType:  adv.EventType,
		LastSeen:   adv.Timestamp,
	}
	if beacon.TagName == "" {
		beacon.TagName = adv.LocalName
	}
	if adv.RSSI != nil {
		beacon.RSSI = *adv.RSSI
	}
	if len(adv.ManufacturerData) > 0 {
		beacon.ManufacturerData = base64.StdEncoding.EncodeToString(adv.ManufacturerData)
	}
	return s.UpsertDiscoveredBeacon(ctx, beacon)
}

// UpsertDiscoveredBeacon records or updates metadata for a beacon heard by a scanner gateway.
func (s *Store) UpsertDiscoveredBeacon(ctx context.Context, beacon model.DiscoveredBeacon) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if beacon.LastSeen.IsZero() {
		beacon.LastSeen = time.Now().UTC()
	}

	var txPower sql.NullInt64
	if beacon.TxPower != nil {
		txPower = sql.NullInt64{Int64: int64(*beacon.TxPower), Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO discovered_beacons (scanner_id, tag_address, tag_name, rssi, manufacturer_data, tx_power, event_type, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scanner_id, tag_address)
		 DO UPDATE SET tag_name = excluded.tag_name,
				 rssi = excluded.rssi,
				 manufacturer_data = excluded.manufacturer_data,
				 tx_power = excluded.tx_power,
				 event_type = excluded.event_type,
				 last_seen = excluded.last_seen;`,
		beacon.ScannerID,
		beacon.TagAddress,
		beacon.TagName,
		beacon.RSSI,
		beacon.ManufacturerData,
		txPower,
		beacon.EventType,
		beacon.LastSeen.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert discovered beacon: %w", err)
	}
	return nil
}

// ListDiscoveredBeacons returns every tag heard so far, most recently seen first.
func (s *Store) ListDiscoveredBeacons(ctx context.Context) ([]model.DiscoveredBeacon, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT scanner_id, tag_address, tag_name, rssi, manufacturer_data, tx_power, event_type, last_seen FROM discovered_beacons ORDER BY last_seen DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query discovered beacons: %w", err)
	}
	defer rows.Close()

	var beacons []model.DiscoveredBeacon

	for rows.Next() {
		var (
			scannerID       string
			tagAddress      string
			tagName         sql.NullString
			rssi            sql.NullInt64
			manufacturerRaw sql.NullString
			txPower         sql.NullInt64
			eventType       sql.NullString
			lastSeenStr     string
		)

		if err := rows.Scan(&scannerID, &tagAddress, &tagName, &rssi, &manufacturerRaw, &txPower, &eventType, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan discovered beacon: %w", err)
		}

		beacon := model.DiscoveredBeacon{
			ScannerID:        scannerID,
			TagAddress:       tagAddress,
			TagName:          tagName.String,
			RSSI:             int(rssi.Int64),
			ManufacturerData: manufacturerRaw.String,
			EventType:        eventType.String,
			LastSeen:         parseTime(lastSeenStr),
		}
		if txPower.Valid {
			power := int(txPower.Int64)
			beacon.TxPower = &power
		}

		beacons = append(beacons, beacon)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate discovered beacons: %w", err)
	}

	return beacons, nil
}

// WipeData removes the journal and beacon observations.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	stmts := []string{
		`DELETE FROM session_events;`,
		`DELETE FROM ratings;`,
		`DELETE FROM sessions;`,
		`DELETE FROM discovered_beacons;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", raw)
	}
	return t
}
