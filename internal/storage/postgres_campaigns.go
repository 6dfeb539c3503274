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

// PostgresCampaignRepo implements CampaignRepo using PostgreSQL. Attribution,
// payout and fraud settings live in a JSONB column.
type PostgresCampaignRepo struct {
	pool *pgxpool.Pool
}

// NewPostgresCampaignRepo creates a new PostgreSQL-backed campaign repository.
func NewPostgresCampaignRepo(pool *pgxpool.Pool) *PostgresCampaignRepo {
	return &PostgresCampaignRepo{pool: pool}
}

// GetCampaign returns a campaign by ID.
func (r *PostgresCampaignRepo) GetCampaign(ctx context.Context, id string) (*models.Campaign, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT settings, created_at, updated_at FROM campaigns WHERE id = $1
	`, id)

	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// ListCampaigns returns all campaigns.
func (r *PostgresCampaignRepo) ListCampaigns(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT settings, created_at, updated_at FROM campaigns ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// UpsertCampaign inserts or updates a campaign.
func (r *PostgresCampaignRepo) UpsertCampaign(ctx context.Context, c *models.Campaign) error {
	if c == nil {
		return nil
	}

	settings, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode campaign: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, organization_id, name, status, settings)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name            = EXCLUDED.name,
			status          = EXCLUDED.status,
			settings        = EXCLUDED.settings,
			updated_at      = NOW()
	`, c.ID, c.OrganizationID, c.Name, string(c.Status), settings)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var (
		c                    models.Campaign
		settings             []byte
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&settings, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(settings, &c); err != nil {
		return nil, fmt.Errorf("failed to decode campaign: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = createdAt, updatedAt
	return &c, nil
}
