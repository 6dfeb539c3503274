package models

import "time"

// SessionTracking aggregates one browsing session. It expires after a fixed
// inactivity window.
type SessionTracking struct {
	SessionID         string    `json:"session_id"`
	VisitorID         string    `json:"visitor_id"`
	OrganizationID    string    `json:"organization_id"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	PageViews         int       `json:"page_views"`
	EventIDs          []string  `json:"event_ids"`
	FirstClickID      string    `json:"first_click_id,omitempty"`
	LastClickID       string    `json:"last_click_id,omitempty"`
	ClickIDs          []string  `json:"click_ids"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	IP                string    `json:"ip,omitempty"`
	Country           string    `json:"country,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
}

// TimeOnSite is the span between session start and last activity.
func (s *SessionTracking) TimeOnSite() time.Duration {
	return s.LastActivityAt.Sub(s.StartedAt)
}

// Touch applies one event to the session and slides its expiry.
func (s *SessionTracking) Touch(ev *TrackingEvent, clickID string, now time.Time, inactivity time.Duration) {
	if s.StartedAt.IsZero() {
		s.StartedAt = now
	}
	s.LastActivityAt = now
	s.ExpiresAt = now.Add(inactivity)
	if ev.Type == EventVisit {
		s.PageViews++
	}
	if ev.EventID != "" && !contains(s.EventIDs, ev.EventID) {
		s.EventIDs = append(s.EventIDs, ev.EventID)
	}
	if clickID != "" {
		if s.FirstClickID == "" {
			s.FirstClickID = clickID
		}
		s.LastClickID = clickID
		if !contains(s.ClickIDs, clickID) {
			s.ClickIDs = append(s.ClickIDs, clickID)
		}
	}
	if ev.Context.DeviceFingerprint != "" {
		s.DeviceFingerprint = ev.Context.DeviceFingerprint
	}
	if ev.Context.IP != "" {
		s.IP = ev.Context.IP
	}
	if ev.Context.Geo.Country != "" {
		s.Country = ev.Context.Geo.Country
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
