// Package store persists admitted canonical events to SQLite for the
// status API's recent-event queries.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/you/streambridge/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS events (
  id TEXT NOT NULL,
  platform TEXT NOT NULL,
  type TEXT NOT NULL,
  origin_ts TEXT NOT NULL,
  ingest_ts TEXT NOT NULL,
  user_id TEXT NOT NULL,
  username TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  gift_type TEXT NOT NULL DEFAULT '',
  amount REAL NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  count INTEGER NOT NULL DEFAULT 0,
  aggregated INTEGER NOT NULL DEFAULT 0,
  detail_json TEXT NOT NULL DEFAULT '{}',
  PRIMARY KEY (platform, id)
);`

// Order controls result ordering for list queries.
type Order int

const (
	OrderDesc Order = iota
	OrderAsc
)

// Filters narrow list and count queries.
type Filters struct {
	Platforms []string
	Types     []string
	Usernames []string
	Since     *time.Time
	Limit     int
	Order     Order
}

const defaultListLimit = 100

// SQLite is the event store. Safe for concurrent use.
type SQLite struct {
	db *sql.DB
}

// Open creates or opens the database and applies the schema.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	applyPragmas(context.Background(), db)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping() error { return s.db.Ping() }

// Write inserts one event; duplicate fingerprints are ignored.
func (s *SQLite) Write(ev core.Event) error {
	const q = `INSERT INTO events (id, platform, type, origin_ts, ingest_ts, user_id, username, message, gift_type, amount, currency, count, aggregated, detail_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, id) DO NOTHING;`
	detail, err := json.Marshal(eventDetail(ev))
	if err != nil {
		return errors.Wrap(err, "encode detail")
	}
	aggregated := 0
	if ev.Aggregated {
		aggregated = 1
	}
	_, err = s.db.Exec(q,
		ev.ID, string(ev.Platform), string(ev.Type),
		ev.OriginTS.UTC().Format(time.RFC3339Nano),
		ev.IngestTS.UTC().Format(time.RFC3339Nano),
		ev.User.ID, ev.User.DisplayName,
		ev.SanitizedMessage, ev.GiftType, ev.Amount, ev.Currency, ev.Count,
		aggregated, string(detail))
	return errors.Wrap(err, "insert event")
}

func eventDetail(ev core.Event) map[string]any {
	detail := map[string]any{}
	if ev.Months > 0 {
		detail["months"] = ev.Months
	}
	if ev.Level > 0 {
		detail["level"] = ev.Level
	}
	if ev.PaidTier > 0 {
		detail["paidTier"] = ev.PaidTier
	}
	if ev.Viewers > 0 {
		detail["viewers"] = ev.Viewers
	}
	if ev.WindowID != "" {
		detail["windowId"] = ev.WindowID
	}
	if ev.IsError {
		detail["isError"] = true
	}
	return detail
}

// Count returns the number of matching events.
func (s *SQLite) Count(ctx context.Context, filters Filters) (int64, error) {
	query, args := buildEventQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count events")
	}
	return n, nil
}

// List returns matching events, newest first unless OrderAsc.
func (s *SQLite) List(ctx context.Context, filters Filters) ([]core.Event, error) {
	query, args := buildEventQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		var (
			ev         core.Event
			platform   string
			typ        string
			originTS   string
			ingestTS   string
			aggregated int
			detail     string
		)
		if err := rows.Scan(&ev.ID, &platform, &typ, &originTS, &ingestTS,
			&ev.User.ID, &ev.User.DisplayName, &ev.SanitizedMessage,
			&ev.GiftType, &ev.Amount, &ev.Currency, &ev.Count, &aggregated, &detail); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Platform = core.Platform(platform)
		ev.Type = core.EventType(typ)
		ev.Aggregated = aggregated != 0
		if t, err := time.Parse(time.RFC3339Nano, originTS); err == nil {
			ev.OriginTS = t
		}
		if t, err := time.Parse(time.RFC3339Nano, ingestTS); err == nil {
			ev.IngestTS = t
		}
		applyDetail(&ev, detail)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func applyDetail(ev *core.Event, raw string) {
	if raw == "" || raw == "{}" {
		return
	}
	var detail map[string]any
	if err := json.Unmarshal([]byte(raw), &detail); err != nil {
		return
	}
	if v, ok := detail["months"].(float64); ok {
		ev.Months = int(v)
	}
	if v, ok := detail["level"].(float64); ok {
		ev.Level = int(v)
	}
	if v, ok := detail["paidTier"].(float64); ok {
		ev.PaidTier = int(v)
	}
	if v, ok := detail["viewers"].(float64); ok {
		ev.Viewers = int(v)
	}
	if v, ok := detail["windowId"].(string); ok {
		ev.WindowID = v
	}
	if v, ok := detail["isError"].(bool); ok {
		ev.IsError = v
	}
}

func buildEventQuery(filters Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT id, platform, type, origin_ts, ingest_ts, user_id, username, message, gift_type, amount, currency, count, aggregated, detail_json FROM events")
	}

	var (
		conditions []string
		args       []any
	)
	if len(filters.Platforms) > 0 {
		placeholders := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			placeholders = append(placeholders, "?")
			args = append(args, p)
		}
		conditions = append(conditions, fmt.Sprintf("platform IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filters.Types) > 0 {
		placeholders := make([]string, 0, len(filters.Types))
		for _, t := range filters.Types {
			placeholders = append(placeholders, "?")
			args = append(args, t)
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, strings.ToLower(u))
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}
	if filters.Since != nil {
		conditions = append(conditions, "origin_ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	if !count {
		order := "DESC"
		if filters.Order == OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY origin_ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}
	builder.WriteString(";")
	return builder.String(), args
}
