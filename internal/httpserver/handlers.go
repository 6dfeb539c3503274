package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/radiusdt/affiliate-attribution/internal/models"
	"github.com/radiusdt/affiliate-attribution/internal/reporting"
	"github.com/radiusdt/affiliate-attribution/internal/storage"
	"github.com/radiusdt/affiliate-attribution/internal/tracking"
	"go.uber.org/zap"
)

// clickResponse is returned for clicks, including suppressed duplicates.
type clickResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId"`
	Message string `json:"message"`
}

type conversionResponse struct {
	Success               bool     `json:"success"`
	EventID               string   `json:"eventId"`
	Attributed            bool     `json:"attributed"`
	AttributedAffiliateID string   `json:"attributedAffiliateId,omitempty"`
	Validated             bool     `json:"validated"`
	FraudFlags            []string `json:"fraudFlags"`
	RejectionReason       string   `json:"rejectionReason,omitempty"`
	Payout                float64  `json:"payout"`
	PayoutCurrency        string   `json:"payoutCurrency,omitempty"`
	Message               string   `json:"message,omitempty"`
}

type batchItem struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId,omitempty"`
	Error   string `json:"error,omitempty"`

	// Retryable marks server-side failures the caller should resend.
	Retryable bool `json:"retryable,omitempty"`
}

// ---- Ingestion ----

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req tracking.EventRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.tracking.Track(r.Context(), &req, requestMeta(r))
	if err != nil {
		s.trackError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, responseFor(res))
}

func (s *Server) handleTrackBatch(w http.ResponseWriter, r *http.Request) {
	var req tracking.BatchRequest
	if !s.decode(w, r, &req) {
		return
	}

	results, err := s.tracking.TrackBatch(r.Context(), &req, requestMeta(r))
	if err != nil {
		s.trackError(w, err)
		return
	}

	out := make([]batchItem, len(results))
	for i, br := range results {
		if br.Err != nil {
			out[i] = batchItem{Error: publicError(br.Err), Retryable: !isClientError(br.Err)}
			continue
		}
		out[i] = batchItem{Success: true, EventID: br.Result.EventID}
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handlePostback accepts merchant S2S conversions as query or form params.
func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		s.errorResponse(w, "invalid form", http.StatusBadRequest)
		return
	}

	res, err := s.postback.Handle(r.Context(), r.Form)
	if err != nil {
		s.trackError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, responseFor(res))
}

func responseFor(res *tracking.Result) any {
	if res.Type == models.EventClick {
		return clickResponse{Success: true, EventID: res.EventID, Message: res.Message}
	}
	flags := res.FraudFlags
	if flags == nil {
		flags = []string{}
	}
	return conversionResponse{
		Success:               true,
		EventID:               res.EventID,
		Attributed:            res.AttributedAffiliateID != "",
		AttributedAffiliateID: res.AttributedAffiliateID,
		Validated:             res.Validated,
		FraudFlags:            flags,
		RejectionReason:       res.RejectionReason,
		Payout:                res.Payout,
		PayoutCurrency:        res.PayoutCurrency,
		Message:               res.Message,
	}
}

func (s *Server) trackError(w http.ResponseWriter, err error) {
	if isClientError(err) {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.Error("tracking failed", zap.Error(err))
	s.errorResponse(w, "internal error", http.StatusInternalServerError)
}

func isClientError(err error) bool {
	return errors.Is(err, tracking.ErrValidation) ||
		errors.Is(err, tracking.ErrCampaignNotFound) ||
		errors.Is(err, tracking.ErrNoAttribution)
}

// publicError hides infrastructure detail from batch callers.
func publicError(err error) string {
	if isClientError(err) {
		return err.Error()
	}
	return "internal error"
}

// ---- Reporting ----

func (s *Server) handleAffiliatePerformance(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	report, err := s.reporting.AffiliatePerformance(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.logger.Error("affiliate performance failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCampaignInsights(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	report, err := s.reporting.CampaignInsights(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.logger.Error("campaign insights failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.reporting.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		s.errorResponse(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get event failed", zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

// period parses from/to as RFC3339. Missing bounds default to the last 30 days.
func (s *Server) period(w http.ResponseWriter, r *http.Request) (reporting.Period, bool) {
	q := r.URL.Query()
	p := reporting.Period{To: s.nowFn().UTC()}

	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, "invalid to: expected RFC3339", http.StatusBadRequest)
			return p, false
		}
		p.To = t
	}
	p.From = p.To.Add(-defaultReportPeriod)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, "invalid from: expected RFC3339", http.StatusBadRequest)
			return p, false
		}
		p.From = t
	}
	if p.From.After(p.To) {
		s.errorResponse(w, "from must not be after to", http.StatusBadRequest)
		return p, false
	}
	return p, true
}
