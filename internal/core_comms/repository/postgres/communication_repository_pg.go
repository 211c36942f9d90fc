package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
	"github.com/rentdesk/comms_services/internal/core_comms/repository"
)

const communicationColumns = `id, bulk_id, type, status, priority, recipients, content, template,
	provider, provider_message_id, scheduled_at, sent_at, delivered_at, cost, delivery_status,
	error, settings, context, retry_count, next_retry_at, idempotency_key, created_at, updated_at`

type PgCommunicationRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewPgCommunicationRepository creates a new communication store for PostgreSQL.
func NewPgCommunicationRepository(db DBTX, logger *slog.Logger) *PgCommunicationRepository {
	return &PgCommunicationRepository{
		db:     db,
		logger: logger.With("component", "communication_repository_pg"),
	}
}

func (r *PgCommunicationRepository) Create(ctx context.Context, c *domain.Communication) error {
	args, err := insertArgs(c)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(ctx, insertCommunicationSQL, args...); err != nil {
		if isIdempotencyKeyViolation(err) {
			return fmt.Errorf("insert communication %s with key %q: %w", c.ID, c.IdempotencyKey, domain.ErrDuplicateIdempotencyKey)
		}
		return fmt.Errorf("insert communication %s: %w", c.ID, err)
	}
	return nil
}

const (
	uniqueViolation          = "23505"
	idempotencyKeyConstraint = "communications_idempotency_key_key"
)

func isIdempotencyKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == idempotencyKeyConstraint
}

// CreateMany inserts all communications in one transaction.
func (r *PgCommunicationRepository) CreateMany(ctx context.Context, cs []*domain.Communication) error {
	if len(cs) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range cs {
		args, err := insertArgs(c)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertCommunicationSQL, args...); err != nil {
			if isIdempotencyKeyViolation(err) {
				return fmt.Errorf("insert communication %s with key %q: %w", c.ID, c.IdempotencyKey, domain.ErrDuplicateIdempotencyKey)
			}
			return fmt.Errorf("insert communication %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit communications: %w", err)
	}
	r.logger.DebugContext(ctx, "Communications inserted", "count", len(cs))
	return nil
}

const insertCommunicationSQL = `
	INSERT INTO communications (` + communicationColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

func insertArgs(c *domain.Communication) ([]any, error) {
	to, err := jsonOrNull(c.To)
	if err != nil {
		return nil, err
	}
	content, err := jsonOrNull(c.Content)
	if err != nil {
		return nil, err
	}
	tpl, err := jsonOrNull(c.Template)
	if err != nil {
		return nil, err
	}
	ds, err := jsonOrNull(c.DeliveryStatus)
	if err != nil {
		return nil, err
	}
	commErr, err := jsonOrNull(c.Error)
	if err != nil {
		return nil, err
	}
	settings, err := jsonOrNull(c.Settings)
	if err != nil {
		return nil, err
	}
	cctx, err := jsonOrNull(c.Context)
	if err != nil {
		return nil, err
	}
	return []any{
		c.ID, c.BulkID, string(c.Type), string(c.Status), string(c.Priority), to, content, tpl,
		nullIfEmpty(c.Provider), nullIfEmpty(c.ProviderMessageID), c.ScheduledAt, c.SentAt, c.DeliveredAt, c.Cost, ds,
		commErr, settings, cctx, c.RetryCount, c.NextRetryAt, nullIfEmpty(c.IdempotencyKey), c.CreatedAt, c.UpdatedAt,
	}, nil
}

func scanCommunication(row pgx.Row) (*domain.Communication, error) {
	var (
		c                                       domain.Communication
		provider, providerMsgID, idemKey        *string
		to, content, tpl, ds, commErr, settings []byte
		cctx                                    []byte
	)
	err := row.Scan(
		&c.ID, &c.BulkID, &c.Type, &c.Status, &c.Priority, &to, &content, &tpl,
		&provider, &providerMsgID, &c.ScheduledAt, &c.SentAt, &c.DeliveredAt, &c.Cost, &ds,
		&commErr, &settings, &cctx, &c.RetryCount, &c.NextRetryAt, &idemKey, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Provider = derefString(provider)
	c.ProviderMessageID = derefString(providerMsgID)
	c.IdempotencyKey = derefString(idemKey)
	for _, col := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"recipients", to, &c.To},
		{"content", content, &c.Content},
		{"template", tpl, &c.Template},
		{"delivery_status", ds, &c.DeliveryStatus},
		{"error", commErr, &c.Error},
		{"settings", settings, &c.Settings},
		{"context", cctx, &c.Context},
	} {
		if err := unmarshalIfPresent(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode %s of communication %s: %w", col.name, c.ID, err)
		}
	}
	return &c, nil
}

func (r *PgCommunicationRepository) getOne(ctx context.Context, where string, args ...any) (*domain.Communication, error) {
	query := `SELECT ` + communicationColumns + ` FROM communications WHERE ` + where + ` LIMIT 1`
	c, err := scanCommunication(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *PgCommunicationRepository) GetByID(ctx context.Context, id string) (*domain.Communication, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PgCommunicationRepository) GetByProviderMessageID(ctx context.Context, provider, providerMessageID string) (*domain.Communication, error) {
	if provider == "" {
		return r.getOne(ctx, `provider_message_id = $1`, providerMessageID)
	}
	return r.getOne(ctx, `provider = $1 AND provider_message_id = $2`, provider, providerMessageID)
}

func (r *PgCommunicationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Communication, error) {
	return r.getOne(ctx, `idempotency_key = $1`, key)
}

func (r *PgCommunicationRepository) List(ctx context.Context, q repository.ListQuery) ([]*domain.Communication, int, error) {
	q = q.Normalized()
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Type != "" {
		add("type = $%d", string(q.Type))
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.BulkID != "" {
		add("bulk_id = $%d", q.BulkID)
	}
	if q.UserID != "" {
		add("context->>'userId' = $%d", q.UserID)
	}
	if q.OrgID != "" {
		add("context->>'orgId' = $%d", q.OrgID)
	}
	if q.CampaignID != "" {
		add("context->>'campaignId' = $%d", q.CampaignID)
	}
	if q.From != nil {
		add("created_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("created_at <= $%d", *q.To)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM communications`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count communications: %w", err)
	}

	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset())
	query := fmt.Sprintf(`SELECT %s FROM communications%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		communicationColumns, where, len(args)+1, len(args)+2)
	items, err := r.queryMany(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return items, int(total), nil
}

func (r *PgCommunicationRepository) queryMany(ctx context.Context, query string, args ...any) ([]*domain.Communication, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query communications: %w", err)
	}
	defer rows.Close()

	var out []*domain.Communication
	for rows.Next() {
		c, err := scanCommunication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const transitionSQL = `
	UPDATE communications SET
		status = $2,
		provider = COALESCE($3, provider),
		provider_message_id = COALESCE($4, provider_message_id),
		cost = COALESCE($5, cost),
		error = $6,
		sent_at = COALESCE(sent_at, $7),
		delivered_at = COALESCE(delivered_at, $8),
		retry_count = COALESCE($9, retry_count),
		next_retry_at = $10,
		delivery_status = COALESCE($11, delivery_status),
		updated_at = $12
	WHERE id = $1 AND status = ANY($13) AND ($14 = false OR status <> 'failed' OR next_retry_at IS NOT NULL)
	RETURNING ` + communicationColumns

// Transition is the per-id conditional update every writer goes through.
func (r *PgCommunicationRepository) Transition(ctx context.Context, id string, upd repository.StatusUpdate) (*domain.Communication, error) {
	commErr, err := jsonOrNull(upd.Error)
	if err != nil {
		return nil, err
	}
	ds, err := jsonOrNull(upd.DeliveryStatus)
	if err != nil {
		return nil, err
	}
	from := make([]string, 0, len(upd.From))
	for _, s := range upd.From {
		from = append(from, string(s))
	}

	c, err := scanCommunication(r.db.QueryRow(ctx, transitionSQL,
		id, string(upd.To), upd.Provider, upd.ProviderMessageID, upd.Cost, commErr,
		upd.SentAt, upd.DeliveredAt, upd.RetryCount, upd.NextRetryAt, ds, time.Now().UTC(),
		from, upd.RequireRetryPending,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition communication %s to %s: %w", id, upd.To, err)
	}
	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, &domain.ConflictError{ID: id, Current: current.Status, To: upd.To}
}

func (r *PgCommunicationRepository) UpdateDeliveryStatus(ctx context.Context, id string, expected []domain.Status, ds domain.DeliveryStatus) error {
	raw, err := jsonOrNull(ds)
	if err != nil {
		return err
	}
	statuses := make([]string, 0, len(expected))
	for _, s := range expected {
		statuses = append(statuses, string(s))
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE communications SET delivery_status = $2, updated_at = $3 WHERE id = $1 AND status = ANY($4)`,
		id, raw, time.Now().UTC(), statuses)
	if err != nil {
		return fmt.Errorf("update delivery status of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		return &domain.ConflictError{ID: id, Current: current.Status, To: current.Status}
	}
	return nil
}

func (r *PgCommunicationRepository) CountStatuses(ctx context.Context, bulkID string) ([]domain.StatusCount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, (status = 'failed' AND next_retry_at IS NOT NULL) AS retry_scheduled, COUNT(*)
		FROM communications WHERE bulk_id = $1
		GROUP BY 1, 2`, bulkID)
	if err != nil {
		return nil, fmt.Errorf("count statuses for bulk %s: %w", bulkID, err)
	}
	defer rows.Close()

	var out []domain.StatusCount
	for rows.Next() {
		var (
			sc domain.StatusCount
			n  int64
		)
		if err := rows.Scan(&sc.Status, &sc.RetryScheduled, &n); err != nil {
			return nil, err
		}
		sc.Count = int(n)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *PgCommunicationRepository) ListDuePending(ctx context.Context, now time.Time, limit int) ([]*domain.Communication, error) {
	return r.queryMany(ctx, `SELECT `+communicationColumns+` FROM communications
		WHERE status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC LIMIT $2`, now, limit)
}

func (r *PgCommunicationRepository) ListSentBefore(ctx context.Context, before time.Time, limit int) ([]*domain.Communication, error) {
	return r.queryMany(ctx, `SELECT `+communicationColumns+` FROM communications
		WHERE status = 'sent' AND sent_at <= $1
			AND COALESCE(provider_message_id, '') <> ''
			AND COALESCE(delivery_status->>'state', '') <> 'unconfirmed'
		ORDER BY COALESCE((delivery_status->>'checkedAt')::timestamptz, sent_at) ASC
		LIMIT $2`, before, limit)
}

func (r *PgCommunicationRepository) ListStalled(ctx context.Context, now, queuedBefore time.Time, limit int) ([]*domain.Communication, error) {
	return r.queryMany(ctx, `SELECT `+communicationColumns+` FROM communications
		WHERE (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
			OR (status = 'queued' AND updated_at < $2)
		ORDER BY updated_at ASC LIMIT $3`, now, queuedBefore, limit)
}

func (r *PgCommunicationRepository) MarkChecked(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE communications
		SET delivery_status = jsonb_set(COALESCE(delivery_status, '{}'::jsonb), '{checkedAt}', to_jsonb($2::timestamptz))
		WHERE id = $1 AND status = 'sent'`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark communication %s checked: %w", id, err)
	}
	return nil
}
