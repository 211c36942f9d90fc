package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

const bulkColumns = `id, type, recipients, communication_ids, progress, status, content, template,
	priority, settings, context, scheduled_at, created_at, updated_at, completed_at`

type PgBulkRepository struct {
	db     DBTX
	logger *slog.Logger
}

func NewPgBulkRepository(db DBTX, logger *slog.Logger) *PgBulkRepository {
	return &PgBulkRepository{db: db, logger: logger.With("component", "bulk_repository_pg")}
}

func (r *PgBulkRepository) Create(ctx context.Context, b *domain.BulkCommunication) error {
	var (
		raw [6][]byte
		err error
	)
	for i, v := range []any{b.Recipients, b.Progress, b.Content, b.Template, b.Settings, b.Context} {
		if raw[i], err = jsonOrNull(v); err != nil {
			return err
		}
	}
	_, err = r.db.Exec(ctx, `INSERT INTO bulk_communications (`+bulkColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		b.ID, string(b.Type), raw[0], b.CommunicationIDs, raw[1], string(b.Status), raw[2], raw[3],
		string(b.Priority), raw[4], raw[5], b.ScheduledAt, b.CreatedAt, b.UpdatedAt, b.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bulk communication %s: %w", b.ID, err)
	}
	return nil
}

func (r *PgBulkRepository) GetByID(ctx context.Context, id string) (*domain.BulkCommunication, error) {
	var (
		b                                                   domain.BulkCommunication
		recipients, progress, content, tpl, settings, cctx []byte
	)
	err := r.db.QueryRow(ctx, `SELECT `+bulkColumns+` FROM bulk_communications WHERE id = $1`, id).Scan(
		&b.ID, &b.Type, &recipients, &b.CommunicationIDs, &progress, &b.Status, &content, &tpl,
		&b.Priority, &settings, &cctx, &b.ScheduledAt, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	decode := []struct {
		raw []byte
		dst any
	}{
		{recipients, &b.Recipients}, {progress, &b.Progress}, {content, &b.Content},
		{tpl, &b.Template}, {settings, &b.Settings}, {cctx, &b.Context},
	}
	for _, d := range decode {
		if err := unmarshalIfPresent(d.raw, d.dst); err != nil {
			return nil, fmt.Errorf("decode bulk communication %s: %w", id, err)
		}
	}
	return &b, nil
}

func (r *PgBulkRepository) UpdateProgress(ctx context.Context, id string, progress domain.Progress, status domain.BulkStatus, completedAt *time.Time) (domain.BulkStatus, error) {
	raw, err := jsonOrNull(progress)
	if err != nil {
		return "", err
	}
	var stored string
	err = r.db.QueryRow(ctx, `
		UPDATE bulk_communications
		SET progress = $2,
			status = CASE WHEN status = 'cancelled' THEN status ELSE $3 END,
			completed_at = COALESCE(completed_at, $4),
			updated_at = $5
		WHERE id = $1
		RETURNING status`,
		id, raw, string(status), completedAt, time.Now().UTC()).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("update bulk progress %s: %w", id, err)
	}
	if domain.BulkStatus(stored) != status {
		r.logger.DebugContext(ctx, "Bulk status kept", "bulk_id", id, "stored", stored, "requested", status)
	}
	return domain.BulkStatus(stored), nil
}

type PgTemplateRepository struct {
	db DBTX
}

func NewPgTemplateRepository(db DBTX) *PgTemplateRepository {
	return &PgTemplateRepository{db: db}
}

func (r *PgTemplateRepository) GetByID(ctx context.Context, id string) (*domain.Template, error) {
	var (
		t                          domain.Template
		subject, body, html, title *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, type, name, subject, body, html, title, created_at, updated_at
		FROM templates WHERE id = $1`, id).Scan(
		&t.ID, &t.Type, &t.Name, &subject, &body, &html, &title, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	t.Subject, t.Body, t.HTML, t.Title = derefString(subject), derefString(body), derefString(html), derefString(title)
	return &t, nil
}
