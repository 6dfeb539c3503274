package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// PostgresSessionStore implements SessionStore using PostgreSQL.
type PostgresSessionStore struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

// NewPostgresSessionStore creates a new PostgreSQL-backed session store.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool, nowFn: time.Now}
}

// GetSession retrieves a live session by ID.
func (s *PostgresSessionStore) GetSession(ctx context.Context, id string) (*models.SessionTracking, error) {
	var (
		sess                                            models.SessionTracking
		firstClick, lastClick, fingerprint, ip, country *string
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, visitor_id, organization_id, started_at, last_activity_at, page_views, event_ids,
		       first_click_id, last_click_id, click_ids, device_fingerprint, ip, country, expires_at
		FROM sessions WHERE id = $1 AND expires_at > $2
	`, id, s.nowFn()).Scan(&sess.SessionID, &sess.VisitorID, &sess.OrganizationID, &sess.StartedAt,
		&sess.LastActivityAt, &sess.PageViews, &sess.EventIDs, &firstClick, &lastClick, &sess.ClickIDs,
		&fingerprint, &ip, &country, &sess.ExpiresAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	sess.FirstClickID = derefString(firstClick)
	sess.LastClickID = derefString(lastClick)
	sess.DeviceFingerprint = derefString(fingerprint)
	sess.IP = derefString(ip)
	sess.Country = derefString(country)
	return &sess, nil
}

// UpsertSession inserts or replaces a session.
func (s *PostgresSessionStore) UpsertSession(ctx context.Context, sess *models.SessionTracking) error {
	if sess == nil {
		return nil
	}

	eventIDs, clickIDs := sess.EventIDs, sess.ClickIDs
	if eventIDs == nil {
		eventIDs = []string{}
	}
	if clickIDs == nil {
		clickIDs = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, visitor_id, organization_id, started_at, last_activity_at, page_views,
			event_ids, first_click_id, last_click_id, click_ids, device_fingerprint, ip, country, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			last_activity_at   = EXCLUDED.last_activity_at,
			page_views         = EXCLUDED.page_views,
			event_ids          = EXCLUDED.event_ids,
			first_click_id     = EXCLUDED.first_click_id,
			last_click_id      = EXCLUDED.last_click_id,
			click_ids          = EXCLUDED.click_ids,
			device_fingerprint = EXCLUDED.device_fingerprint,
			ip                 = EXCLUDED.ip,
			country            = EXCLUDED.country,
			expires_at         = EXCLUDED.expires_at
	`, sess.SessionID, sess.VisitorID, sess.OrganizationID, sess.StartedAt, sess.LastActivityAt,
		sess.PageViews, eventIDs, nullString(sess.FirstClickID), nullString(sess.LastClickID), clickIDs,
		nullString(sess.DeviceFingerprint), nullString(sess.IP), nullString(sess.Country), sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions past their inactivity expiry.
func (s *PostgresSessionStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
