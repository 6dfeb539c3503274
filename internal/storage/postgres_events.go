package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

const eventColumns = `id, type, organization_id, campaign_id, affiliate_id, session_id, visitor_id,
	click_id, email, phone, user_id, order_id, amount, currency, custom_event_name, metadata,
	context, attribution, status, rejection_reason, fraud_flags, payout, payout_currency,
	payout_status, ts, created_at, archived_at`

// PostgresEventStore implements EventStore using PostgreSQL.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// SaveEvent stores a tracking event once.
func (s *PostgresEventStore) SaveEvent(ctx context.Context, ev *models.TrackingEvent) (bool, error) {
	if ev == nil {
		return false, nil
	}

	metadata, err := marshalNullable(ev.Metadata, len(ev.Metadata) > 0)
	if err != nil {
		return false, err
	}
	attribution, err := marshalNullable(ev.Attribution, ev.Attribution != nil)
	if err != nil {
		return false, err
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return false, fmt.Errorf("failed to encode event context: %w", err)
	}

	flags := ev.FraudFlags
	if flags == nil {
		flags = []string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tracking_events (
			id, type, organization_id, campaign_id, affiliate_id, attributed_affiliate_id,
			session_id, visitor_id, click_id, email, phone, user_id, order_id, amount, currency,
			custom_event_name, metadata, context, attribution, status, rejection_reason,
			fraud_flags, payout, payout_currency, payout_status, ts, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (id) DO NOTHING
	`, ev.EventID, string(ev.Type), ev.OrganizationID, ev.CampaignID, ev.AffiliateID, ev.AttributedAffiliateID(),
		ev.SessionID, ev.VisitorID, nullString(ev.ClickID), nullString(ev.Email), nullString(ev.Phone),
		nullString(ev.UserID), nullString(ev.OrderID), ev.Amount, nullString(ev.Currency),
		nullString(ev.CustomEventName), metadata, contextJSON, attribution, string(ev.Status),
		nullString(ev.RejectionReason), flags, ev.Payout, nullString(ev.PayoutCurrency),
		string(ev.PayoutStatus), ev.Timestamp, ev.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEvent retrieves an event by ID.
func (s *PostgresEventStore) GetEvent(ctx context.Context, id string) (*models.TrackingEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM tracking_events WHERE id = $1`, id)

	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

// ListEvents returns events matching the filter, oldest first.
func (s *PostgresEventStore) ListEvents(ctx context.Context, filter EventFilter) ([]*models.TrackingEvent, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.OrganizationID != "" {
		add("organization_id = $%d", filter.OrganizationID)
	}
	if filter.CampaignID != "" {
		add("campaign_id = $%d", filter.CampaignID)
	}
	if filter.AffiliateID != "" {
		add("(affiliate_id = $%[1]d OR attributed_affiliate_id = $%[1]d)", filter.AffiliateID)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if !filter.From.IsZero() {
		add("ts >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("ts < $%d", filter.To)
	}

	query := `SELECT ` + eventColumns + ` FROM tracking_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY ts ASC, id ASC LIMIT %d`, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.TrackingEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*models.TrackingEvent, error) {
	var (
		ev                                   models.TrackingEvent
		evType, status, payoutStatus         string
		clickID, email, phone, userID        *string
		orderID, currency, customName        *string
		rejectionReason, payoutCurrency      *string
		metadata, contextJSON, attributionJS []byte
	)

	if err := row.Scan(&ev.EventID, &evType, &ev.OrganizationID, &ev.CampaignID, &ev.AffiliateID,
		&ev.SessionID, &ev.VisitorID, &clickID, &email, &phone, &userID, &orderID, &ev.Amount,
		&currency, &customName, &metadata, &contextJSON, &attributionJS, &status,
		&rejectionReason, &ev.FraudFlags, &ev.Payout, &payoutCurrency, &payoutStatus,
		&ev.Timestamp, &ev.CreatedAt, &ev.ArchivedAt); err != nil {
		return nil, err
	}

	ev.Type = models.EventType(evType)
	ev.Status = models.EventStatus(status)
	ev.PayoutStatus = models.PayoutStatus(payoutStatus)
	ev.ClickID = derefString(clickID)
	ev.Email = derefString(email)
	ev.Phone = derefString(phone)
	ev.UserID = derefString(userID)
	ev.OrderID = derefString(orderID)
	ev.Currency = derefString(currency)
	ev.CustomEventName = derefString(customName)
	ev.RejectionReason = derefString(rejectionReason)
	ev.PayoutCurrency = derefString(payoutCurrency)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
			return nil, fmt.Errorf("failed to decode event context: %w", err)
		}
	}
	if len(attributionJS) > 0 {
		ev.Attribution = &models.AttributionData{}
		if err := json.Unmarshal(attributionJS, ev.Attribution); err != nil {
			return nil, fmt.Errorf("failed to decode event attribution: %w", err)
		}
	}
	return &ev, nil
}

func marshalNullable(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return b, nil
}
