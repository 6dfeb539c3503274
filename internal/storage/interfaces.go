package storage

import (
	"context"
	"errors"
	"time"

	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// ErrNotFound is returned where a caller must tell a missing record apart
// from an empty result.
var ErrNotFound = errors.New("not found")

// =============================================
// CLICK STORE
// =============================================

// ClickStore is the system of record for clicks. The attribution cache
// mirrors it for the lifetime of each click.
type ClickStore interface {
	// SaveClick inserts the click. Saving an existing click id is a no-op.
	SaveClick(ctx context.Context, click *models.ClickData) error
	// GetClick returns nil, nil when the click does not exist.
	GetClick(ctx context.Context, id string) (*models.ClickData, error)
	// FindClicks returns unconverted clicks of the visitor or session with
	// timestamp >= since, ordered by timestamp ascending.
	FindClicks(ctx context.Context, visitorID, sessionID string, since time.Time) ([]*models.ClickData, error)
	// MarkClickConverted sets the conversion fields once. It reports false
	// when the click is missing or already converted.
	MarkClickConverted(ctx context.Context, id, conversionID, conversionType string, at time.Time) (bool, error)
	// DeleteExpiredClicks removes unconverted clicks whose expiry passed.
	DeleteExpiredClicks(ctx context.Context, now time.Time) (int64, error)
}

// =============================================
// EVENT STORE
// =============================================

// EventStore persists tracking events. Event ids are unique.
type EventStore interface {
	// SaveEvent reports false when an event with the same id already exists.
	SaveEvent(ctx context.Context, ev *models.TrackingEvent) (bool, error)
	// GetEvent returns nil, nil when the event does not exist.
	GetEvent(ctx context.Context, id string) (*models.TrackingEvent, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*models.TrackingEvent, error)
}

// EventFilter narrows ListEvents. Zero fields are not applied.
type EventFilter struct {
	OrganizationID string
	CampaignID     string
	AffiliateID    string // clicked or credited affiliate
	Type           models.EventType
	From           time.Time
	To             time.Time
	Limit          int
}

// DefaultListLimit caps ListEvents when the filter sets no limit.
const DefaultListLimit = 10000

func (f EventFilter) limit() int {
	if f.Limit <= 0 || f.Limit > DefaultListLimit {
		return DefaultListLimit
	}
	return f.Limit
}

// =============================================
// SESSION STORE
// =============================================

type SessionStore interface {
	// GetSession returns nil, nil when the session does not exist or expired.
	GetSession(ctx context.Context, id string) (*models.SessionTracking, error)
	UpsertSession(ctx context.Context, s *models.SessionTracking) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// =============================================
// CAMPAIGN REPOSITORY
// =============================================

// CampaignRepo stores campaign settings.
type CampaignRepo interface {
	// GetCampaign returns nil, nil when the campaign does not exist.
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaigns(ctx context.Context) ([]*models.Campaign, error)
	UpsertCampaign(ctx context.Context, c *models.Campaign) error
}
