package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

const clickColumns = `id, ts, affiliate_id, campaign_id, organization_id, session_id, visitor_id,
	context, expires_at, converted, conversion_id, conversion_type, converted_at`

// PostgresClickStore implements ClickStore using PostgreSQL.
type PostgresClickStore struct {
	pool *pgxpool.Pool
}

// NewPostgresClickStore creates a new PostgreSQL-backed click store.
func NewPostgresClickStore(pool *pgxpool.Pool) *PostgresClickStore {
	return &PostgresClickStore{pool: pool}
}

// SaveClick stores a click.
func (s *PostgresClickStore) SaveClick(ctx context.Context, click *models.ClickData) error {
	if click == nil {
		return nil
	}

	contextJSON, err := json.Marshal(click.Context)
	if err != nil {
		return fmt.Errorf("failed to encode click context: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO clicks (id, ts, affiliate_id, campaign_id, organization_id, session_id, visitor_id, context, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, click.ClickID, click.Time(), click.AffiliateID, click.CampaignID, click.OrganizationID,
		click.SessionID, click.VisitorID, contextJSON, time.UnixMilli(click.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save click: %w", err)
	}
	return nil
}

// GetClick retrieves a click by ID.
func (s *PostgresClickStore) GetClick(ctx context.Context, id string) (*models.ClickData, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clickColumns+` FROM clicks WHERE id = $1`, id)

	click, err := scanClick(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get click: %w", err)
	}
	return click, nil
}

// FindClicks returns eligible clicks for a visitor or session.
func (s *PostgresClickStore) FindClicks(ctx context.Context, visitorID, sessionID string, since time.Time) ([]*models.ClickData, error) {
	if visitorID == "" && sessionID == "" {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+clickColumns+`
		FROM clicks
		WHERE NOT converted
		  AND ts >= $3
		  AND (($1 <> '' AND visitor_id = $1) OR ($2 <> '' AND session_id = $2))
		ORDER BY ts ASC, id ASC
	`, visitorID, sessionID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to find clicks: %w", err)
	}
	defer rows.Close()

	var clicks []*models.ClickData
	for rows.Next() {
		click, err := scanClick(rows)
		if err != nil {
			return nil, err
		}
		clicks = append(clicks, click)
	}
	return clicks, rows.Err()
}

// MarkClickConverted records the conversion on an unconverted click.
func (s *PostgresClickStore) MarkClickConverted(ctx context.Context, id, conversionID, conversionType string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clicks
		SET converted = TRUE, conversion_id = $2, conversion_type = $3, converted_at = $4
		WHERE id = $1 AND NOT converted
	`, id, conversionID, conversionType, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark click converted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpiredClicks removes unconverted clicks past their expiry.
func (s *PostgresClickStore) DeleteExpiredClicks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM clicks WHERE NOT converted AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired clicks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanClick(row pgx.Row) (*models.ClickData, error) {
	var (
		c                            models.ClickData
		ts, expiresAt                time.Time
		contextJSON                  []byte
		conversionID, conversionType *string
		convertedAt                  *time.Time
	)

	if err := row.Scan(&c.ClickID, &ts, &c.AffiliateID, &c.CampaignID, &c.OrganizationID,
		&c.SessionID, &c.VisitorID, &contextJSON, &expiresAt, &c.Converted,
		&conversionID, &conversionType, &convertedAt); err != nil {
		return nil, err
	}

	c.Timestamp = ts.UnixMilli()
	c.ExpiresAt = expiresAt.UnixMilli()
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &c.Context); err != nil {
			return nil, fmt.Errorf("failed to decode click context: %w", err)
		}
	}
	if conversionID != nil {
		c.ConversionID = *conversionID
	}
	if conversionType != nil {
		c.ConversionType = *conversionType
	}
	if convertedAt != nil {
		c.ConvertedAt = convertedAt.UnixMilli()
	}
	return &c, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
