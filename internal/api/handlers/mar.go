// Package handlers provides HTTP handlers for the MAR API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/api/middleware"
	"github.com/drfirst/go-mar/internal/care"
	"github.com/drfirst/go-mar/internal/mar"
	"github.com/drfirst/go-mar/pkg/apiclient"
	"github.com/drfirst/go-mar/pkg/circuitbreaker"
	"github.com/drfirst/go-mar/pkg/idempotency"
)

// Charts builds charts and rows
type Charts interface {
	ParseSpan(from, to string) (mar.Span, error)
	Build(ctx context.Context, patientID string, span mar.Span) (*mar.Chart, error)
	Row(ctx context.Context, patientID, prescriptionID string, span mar.Span) (*mar.Row, error)
}

// Records performs the MAR write actions against the CARE backend
type Records interface {
	RecordAdministration(ctx context.Context, patientID string, body care.AdministrationWrite) (mar.Administration, error)
	ArchiveAdministration(ctx context.Context, patientID, id string) (mar.Administration, error)
	DiscontinuePrescription(ctx context.Context, patientID, id, reason string) (mar.Prescription, error)
}

// Inbox makes a write take effect once per key
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// MARHandler serves a patient's medication administration record
type MARHandler struct {
	charts  Charts
	records Records
	inbox   Inbox
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a MARHandler
type Option func(*MARHandler)

// WithInbox deduplicates recorded administrations
func WithInbox(inbox Inbox) Option {
	return func(h *MARHandler) { h.inbox = inbox }
}

// NewMARHandler creates a new handler
func NewMARHandler(charts Charts, records Records, logger *zap.Logger, opts ...Option) *MARHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &MARHandler{
		charts:  charts,
		records: records,
		logger:  logger,
		tracer:  otel.Tracer("mar-handler"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the handler routes, mounted under /patients/{patientID}
func (h *MARHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/mar", h.Chart)
	r.Get("/prescriptions/{id}/mar", h.Row)
	r.Post("/prescriptions/{id}/discontinue", h.Discontinue)
	r.Post("/administrations", h.Record)
	r.Post("/administrations/{id}/archive", h.Archive)
	return r
}

// Chart handles GET /patients/{patientID}/mar
func (h *MARHandler) Chart(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")
	span, ok := h.span(w, r)
	if !ok {
		return
	}

	chart, err := h.charts.Build(r.Context(), patientID, span)
	if err != nil {
		h.fail(w, r, "build chart", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, chart)
}

// Row handles GET /patients/{patientID}/prescriptions/{id}/mar
func (h *MARHandler) Row(w http.ResponseWriter, r *http.Request) {
	span, ok := h.span(w, r)
	if !ok {
		return
	}

	row, err := h.charts.Row(r.Context(), chi.URLParam(r, "patientID"), chi.URLParam(r, "id"), span)
	if err != nil {
		h.fail(w, r, "build row", err)
		return
	}
	h.jsonResponse(w, http.StatusOK, row)
}

// RecordRequest is the body of POST /administrations
type RecordRequest struct {
	PrescriptionID string     `json:"prescription_id"`
	AdministeredAt *time.Time `json:"administered_at,omitempty"`
	Note           string     `json:"note,omitempty"`
}

// Record handles POST /patients/{patientID}/administrations
func (h *MARHandler) Record(w http.ResponseWriter, r *http.Request) {
	ctx, s := h.tracer.Start(r.Context(), "record_administration")
	defer s.End()

	var req RecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PrescriptionID == "" {
		h.jsonError(w, "prescription_id is required", http.StatusBadRequest)
		return
	}
	at := h.now().UTC()
	if req.AdministeredAt != nil {
		at = *req.AdministeredAt
	}
	if at.After(h.now()) {
		h.jsonError(w, "administered_at cannot be in the future", http.StatusBadRequest)
		return
	}
	s.SetAttributes(attribute.String("prescription_id", req.PrescriptionID))

	patientID := chi.URLParam(r, "patientID")
	write := func(ctx context.Context) (json.RawMessage, error) {
		adm, err := h.records.RecordAdministration(ctx, patientID, care.AdministrationWrite{
			Request:               req.PrescriptionID,
			OccurrencePeriodStart: &at,
			OccurrencePeriodEnd:   &at,
			Note:                  req.Note,
		})
		if err != nil {
			return nil, err
		}
		h.logger.Info("administration recorded",
			zap.String("id", adm.ID),
			zap.String("prescription_id", req.PrescriptionID),
			zap.String("request_id", middleware.GetRequestID(ctx)))
		return json.Marshal(adm)
	}

	if h.inbox == nil {
		body, err := write(ctx)
		if err != nil {
			h.fail(w, r, "record administration", err)
			return
		}
		h.rawResponse(w, http.StatusCreated, body)
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = idempotency.GenerateKey(patientID, req.PrescriptionID, at)
	} else {
		key = idempotency.GenerateKey(patientID, key)
	}
	res, err := h.inbox.Process(ctx, key, "record_administration", write)
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		h.jsonError(w, "this administration is already being recorded", http.StatusConflict)
	case err != nil:
		h.fail(w, r, "record administration", err)
	case res.Replayed:
		w.Header().Set("Idempotent-Replayed", "true")
		h.rawResponse(w, http.StatusOK, res.Result)
	default:
		h.rawResponse(w, http.StatusCreated, res.Result)
	}
}

// Archive handles POST /patients/{patientID}/administrations/{id}/archive
func (h *MARHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	adm, err := h.records.ArchiveAdministration(r.Context(), chi.URLParam(r, "patientID"), id)
	if err != nil {
		h.fail(w, r, "archive administration", err)
		return
	}

	h.logger.Info("administration archived",
		zap.String("id", id),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.jsonResponse(w, http.StatusOK, adm)
}

// DiscontinueRequest is the body of POST /prescriptions/{id}/discontinue
type DiscontinueRequest struct {
	Reason string `json:"reason"`
}

// Discontinue handles POST /patients/{patientID}/prescriptions/{id}/discontinue
func (h *MARHandler) Discontinue(w http.ResponseWriter, r *http.Request) {
	var req DiscontinueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		h.jsonError(w, "reason is required", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	rx, err := h.records.DiscontinuePrescription(r.Context(), chi.URLParam(r, "patientID"), id, req.Reason)
	if err != nil {
		h.fail(w, r, "discontinue prescription", err)
		return
	}

	h.logger.Info("prescription discontinued",
		zap.String("id", id),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	h.jsonResponse(w, http.StatusOK, rx)
}

func (h *MARHandler) span(w http.ResponseWriter, r *http.Request) (mar.Span, bool) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		h.jsonError(w, "from and to are required (YYYY-MM-DD)", http.StatusBadRequest)
		return mar.Span{}, false
	}
	span, err := h.charts.ParseSpan(from, to)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return mar.Span{}, false
	}
	return span, true
}

// fail maps a backend error to a response. Backend validation errors keep their
// status; everything else surfaces as a bad gateway.
func (h *MARHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var httpErr *apiclient.HTTPError
	switch {
	case apiclient.IsCanceled(err) && r.Context().Err() != nil:
		// client went away
		return
	case errors.Is(err, care.ErrNotFound):
		h.jsonError(w, apiclient.FormatError(err), http.StatusNotFound)
		return
	case errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError:
		h.jsonError(w, apiclient.FormatError(err), httpErr.StatusCode)
		return
	case circuitbreaker.IsRejected(err):
		h.jsonError(w, "CARE backend unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		h.jsonError(w, "CARE backend timed out", http.StatusGatewayTimeout)
	default:
		h.jsonError(w, apiclient.FormatError(err), http.StatusBadGateway)
	}
	h.logger.Error(op+" failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
		zap.Error(err))
}

func (h *MARHandler) jsonResponse(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *MARHandler) rawResponse(w http.ResponseWriter, code int, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n'))
}

func (h *MARHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, code, map[string]string{"error": message})
}
