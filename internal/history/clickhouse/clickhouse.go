package clickhouse

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"github.com/loykin/svctl/internal/history"
)

const DefaultTable = "control_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Options selects the server and table. Empty fields take ClickHouse defaults.
type Options struct {
	Addr     string // host:port of the native protocol
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	// Test the connection
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			id UUID,
			occurred_at DateTime64(6, 'UTC'),
			type LowCardinality(String),
			app String,
			pid Int64,
			outcome LowCardinality(String),
			detail String
		) ENGINE = MergeTree()
		ORDER BY (app, occurred_at)`)
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, occurred_at, type, app, pid, outcome, detail) VALUES (?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		e.ID,
		e.OccurredAt.UTC(),
		string(e.Type),
		e.App,
		int64(e.PID),
		e.Outcome,
		e.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Event, error) {
	query := fmt.Sprintf(`SELECT id, occurred_at, type, app, pid, outcome, detail FROM %s ORDER BY occurred_at DESC LIMIT ?`, s.table)
	rows, err := s.conn.Query(ctx, query, history.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query ClickHouse history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			id  uuid.UUID
			at  time.Time
			typ string
			app string
			pid int64
			oc  string
			det string
		)
		if err := rows.Scan(&id, &at, &typ, &app, &pid, &oc, &det); err != nil {
			return nil, err
		}
		out = append(out, history.Event{
			ID: id, OccurredAt: at.UTC(), Type: history.EventType(typ),
			App: app, PID: int(pid), Outcome: oc, Detail: det,
		})
	}
	return out, rows.Err()
}
