package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// TablePoller is the table-poll ingestion source variant
// (SPEC_FULL.md's supplemented ingestion feature): it reads unconsumed
// rows from sz_dm_inbox, written there by an upstream CDC/outbox
// process, and marks them consumed as it emits them.
type TablePoller struct {
	db       *sql.DB
	interval time.Duration
	batch    int
	events   chan Event
}

// NewTablePoller constructs a poller against the sz_dm_inbox table.
func NewTablePoller(db *sql.DB, interval time.Duration, batchSize int) *TablePoller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TablePoller{db: db, interval: interval, batch: batchSize, events: make(chan Event, batchSize*2)}
}

// Events implements Source, starting the poll loop on first call.
func (p *TablePoller) Events(ctx context.Context) (<-chan Event, error) {
	go p.run(ctx)
	return p.events, nil
}

func (p *TablePoller) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				slog.Error("table poll failed", "component", "ingest", "error", err)
			}
		}
	}
}

func (p *TablePoller) pollOnce(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, data_source, record_id, entity_id
		FROM sz_dm_inbox
		WHERE consumed_at IS NULL
		ORDER BY id ASC
		LIMIT ?
	`, p.batch)
	if err != nil {
		return fmt.Errorf("query inbox: %w", err)
	}
	defer rows.Close()

	type inboxRow struct {
		id    int64
		event Event
	}
	var batch []inboxRow
	for rows.Next() {
		var r inboxRow
		if err := rows.Scan(&r.id, &r.event.DataSource, &r.event.RecordID, &r.event.EntityID); err != nil {
			return fmt.Errorf("scan inbox row: %w", err)
		}
		batch = append(batch, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate inbox rows: %w", err)
	}

	for _, r := range batch {
		select {
		case p.events <- r.event:
		case <-ctx.Done():
			return ctx.Err()
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := p.db.ExecContext(ctx, `UPDATE sz_dm_inbox SET consumed_at = ? WHERE id = ?`, now, r.id); err != nil {
			return fmt.Errorf("mark inbox row %d consumed: %w", r.id, err)
		}
	}
	return nil
}
