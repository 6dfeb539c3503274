package tracker

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	VisitorCookie     = "_aff_vid"
	SessionCookie     = "_aff_sid"
	AttributionCookie = "_aff_attr"

	VisitorLifetime            = 2 * 365 * 24 * time.Hour
	SessionLifetime            = 30 * time.Minute
	DefaultAttributionLifetime = 7 * 24 * time.Hour
)

var errBadCookie = errors.New("invalid cookie")

// Attribution is the click bundle remembered between a click and a later
// conversion.
type Attribution struct {
	ClickID     string    `json:"cid"`
	AffiliateID string    `json:"aid"`
	CampaignID  string    `json:"cmp"`
	ClickedAt   time.Time `json:"cat"`
}

type attributionClaims struct {
	Attribution
	jwt.RegisteredClaims
}

// CookieManager issues and reads HS256-signed first-party cookies.
type CookieManager struct {
	secret []byte
	domain string
	secure bool
	nowFn  func() time.Time
}

// NewCookieManager creates a manager. domain may be empty for host-only
// cookies.
func NewCookieManager(secret []byte, domain string, secure bool) *CookieManager {
	return &CookieManager{secret: secret, domain: domain, secure: secure, nowFn: time.Now}
}

// VisitorID returns the visitor id from the request, issuing a new one when
// the cookie is missing or invalid. The cookie is refreshed either way.
func (m *CookieManager) VisitorID(w http.ResponseWriter, r *http.Request) (string, error) {
	id, err := m.readID(r, VisitorCookie)
	if err != nil {
		id = uuid.NewString()
	}
	return id, m.writeID(w, VisitorCookie, id, VisitorLifetime)
}

// SessionID returns the current session id. Sessions slide: every call
// pushes expiry out by SessionLifetime.
func (m *CookieManager) SessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	id, err := m.readID(r, SessionCookie)
	if err != nil {
		id = uuid.NewString()
	}
	return id, m.writeID(w, SessionCookie, id, SessionLifetime)
}

// SetAttribution stores a click bundle for lifetime, or
// DefaultAttributionLifetime when lifetime is zero.
func (m *CookieManager) SetAttribution(w http.ResponseWriter, a Attribution, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = DefaultAttributionLifetime
	}
	now := m.nowFn()
	token, err := m.sign(attributionClaims{
		Attribution: a,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
		},
	})
	if err != nil {
		return err
	}
	m.set(w, AttributionCookie, token, lifetime)
	return nil
}

// Attribution returns the stored click bundle, or nil when there is none or
// it expired.
func (m *CookieManager) Attribution(r *http.Request) *Attribution {
	c, err := r.Cookie(AttributionCookie)
	if err != nil {
		return nil
	}
	var claims attributionClaims
	if err := m.parse(c.Value, &claims); err != nil {
		return nil
	}
	return &claims.Attribution
}

// ClearAttribution expires the click bundle.
func (m *CookieManager) ClearAttribution(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AttributionCookie,
		Value:    "",
		Path:     "/",
		Domain:   m.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
	})
}

func (m *CookieManager) readID(r *http.Request, name string) (string, error) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	var claims jwt.RegisteredClaims
	if err := m.parse(c.Value, &claims); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errBadCookie
	}
	return claims.Subject, nil
}

func (m *CookieManager) writeID(w http.ResponseWriter, name, id string, lifetime time.Duration) error {
	now := m.nowFn()
	token, err := m.sign(jwt.RegisteredClaims{
		Subject:   id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
	})
	if err != nil {
		return err
	}
	m.set(w, name, token, lifetime)
	return nil
}

func (m *CookieManager) sign(claims jwt.Claims) (string, error) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign cookie: %w", err)
	}
	return token, nil
}

func (m *CookieManager) parse(value string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.nowFn),
	)
	return err
}

func (m *CookieManager) set(w http.ResponseWriter, name, value string, lifetime time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   m.domain,
		Expires:  m.nowFn().Add(lifetime),
		MaxAge:   int(lifetime / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
