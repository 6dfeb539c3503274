package tracking

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/radiusdt/affiliate-attribution/internal/models"
)

// MaxBatchSize bounds one batch request.
const MaxBatchSize = 100

// EventRequest is one event as submitted by the tracking SDK.
type EventRequest struct {
	// EventID makes the request idempotent when set.
	EventID        string           `json:"eventId,omitempty" validate:"omitempty,max=128"`
	Type           models.EventType `json:"type" validate:"required,oneof=click visit signup purchase custom"`
	OrganizationID string           `json:"organizationId" validate:"required,max=128"`
	CampaignID     string           `json:"campaignId" validate:"required,max=128"`
	AffiliateID    string           `json:"affiliateId,omitempty" validate:"required_if=Type click,max=128"`
	SessionID      string           `json:"sessionId,omitempty" validate:"required_without=VisitorID,max=128"`
	VisitorID      string           `json:"visitorId,omitempty" validate:"required_without=SessionID,max=128"`
	ClickID        string           `json:"clickId,omitempty" validate:"omitempty,max=128"`

	Email  string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Phone  string `json:"phone,omitempty" validate:"omitempty,max=32"`
	UserID string `json:"userId,omitempty" validate:"omitempty,max=128"`

	OrderID         string            `json:"orderId,omitempty" validate:"omitempty,max=128"`
	Amount          float64           `json:"amount,omitempty" validate:"gte=0,lte=1000000000"`
	Currency        string            `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	CustomEventName string            `json:"customEventName,omitempty" validate:"required_if=Type custom,max=128"`
	Metadata        map[string]string `json:"metadata,omitempty" validate:"max=50"`

	Context ContextRequest `json:"context"`
}

// ContextRequest is the client-side context snapshot.
type ContextRequest struct {
	URL               string            `json:"url,omitempty" validate:"omitempty,max=2048"`
	Referrer          string            `json:"referrer,omitempty" validate:"omitempty,max=2048"`
	UserAgent         string            `json:"userAgent,omitempty" validate:"omitempty,max=1024"`
	IP                string            `json:"ip,omitempty" validate:"omitempty,ip"`
	DeviceFingerprint string            `json:"deviceFingerprint,omitempty" validate:"omitempty,max=256"`
	Language          string            `json:"language,omitempty" validate:"omitempty,max=35"`
	UTM               UTMRequest        `json:"utm"`
	Country           string            `json:"country,omitempty" validate:"omitempty,iso3166_1_alpha2"`
	Extra             map[string]string `json:"extra,omitempty" validate:"max=20"`
}

// UTMRequest carries utm_* parameters.
type UTMRequest struct {
	Source   string `json:"source,omitempty" validate:"max=256"`
	Medium   string `json:"medium,omitempty" validate:"max=256"`
	Campaign string `json:"campaign,omitempty" validate:"max=256"`
	Term     string `json:"term,omitempty" validate:"max=256"`
	Content  string `json:"content,omitempty" validate:"max=256"`
}

// BatchRequest is the body of a batch submission.
type BatchRequest struct {
	Events []EventRequest `json:"events"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError converts validator output into an ErrValidation that names
// each offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "EventRequest.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
