package repository

import (
	"context"
	"database/sql"

	"github.com/akylbek/payment-system/qr-scanner/internal/models"
)

type ScanEventRepository struct {
	db *sql.DB
}

func NewScanEventRepository(db *sql.DB) *ScanEventRepository {
	return &ScanEventRepository{db: db}
}

func (r *ScanEventRepository) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS scan_events (
			id BIGSERIAL PRIMARY KEY,
			flow_id VARCHAR(64) NOT NULL,
			event VARCHAR(50) NOT NULL,
			from_stage VARCHAR(20),
			to_stage VARCHAR(20) NOT NULL,
			merchant_id VARCHAR(255),
			detail TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_events_flow_id ON scan_events(flow_id, id DESC)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

func (r *ScanEventRepository) InsertEvent(ctx context.Context, event *models.ScanEvent) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO scan_events (flow_id, event, from_stage, to_stage, merchant_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, event.FlowID, event.Event, event.FromStage, event.ToStage, event.MerchantID, event.Detail,
	).Scan(&event.ID, &event.CreatedAt)
}

func (r *ScanEventRepository) ListRecent(ctx context.Context, flowID string, limit int) ([]models.ScanEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, flow_id, event, COALESCE(from_stage, ''), to_stage,
		       COALESCE(merchant_id, ''), COALESCE(detail, ''), created_at
		FROM scan_events WHERE flow_id = $1
		ORDER BY id DESC LIMIT $2
	`, flowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []models.ScanEvent{}
	for rows.Next() {
		var e models.ScanEvent
		if err := rows.Scan(&e.ID, &e.FlowID, &e.Event, &e.FromStage, &e.ToStage,
			&e.MerchantID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
