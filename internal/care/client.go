package care

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/mar"
	"github.com/drfirst/go-mar/pkg/apiclient"
	"github.com/drfirst/go-mar/pkg/querycache"
)

// ErrNotFound is returned when CARE answers 404 for a record
var ErrNotFound = errors.New("not found")

// Status values written by the transitions below
const (
	StatusEnteredInError = "entered_in_error"
	StatusEnded          = "ended"
	StatusCompleted      = "completed"
)

// Config tunes the CARE client
type Config struct {
	// PageSize is the limit sent with list queries; rows are fetched in one page
	PageSize int
	// PrescriptionPageSize is the limit used when listing a patient's prescriptions
	PrescriptionPageSize int
}

// DefaultConfig returns the limits used by the chart
func DefaultConfig() Config {
	return Config{
		PageSize:             1000,
		PrescriptionPageSize: 100,
	}
}

// Client reads and writes medication records through the cached request layer
type Client struct {
	api    *apiclient.Client
	cache  *querycache.Cache
	config Config
	logger *zap.Logger
}

// NewClient creates a CARE client
func NewClient(api *apiclient.Client, cache *querycache.Cache, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	if cfg.PrescriptionPageSize <= 0 {
		cfg.PrescriptionPageSize = DefaultConfig().PrescriptionPageSize
	}
	return &Client{api: api, cache: cache, config: cfg, logger: logger}
}

// PrescriptionFilter narrows ListPrescriptions
type PrescriptionFilter struct {
	Status   []string
	AsNeeded *bool
	Limit    int
	Offset   int
}

func (f PrescriptionFilter) query(defaultLimit int) apiclient.Query {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	q := apiclient.Query{}
	if len(f.Status) > 0 {
		q = q.Set("status", strings.Join(f.Status, ","))
	}
	if f.AsNeeded != nil {
		q = q.Set("dosage_instruction__as_needed_boolean", *f.AsNeeded)
	}
	q = q.Set("limit", limit)
	if f.Offset > 0 {
		q = q.Set("offset", f.Offset)
	}
	return q
}

// ListPrescriptions returns the patient's medication requests
func (c *Client) ListPrescriptions(ctx context.Context, patientID string, filter PrescriptionFilter) ([]mar.Prescription, error) {
	res := read(ctx, c, Routes.ListRequests, apiclient.Options[Paginated[MedicationRequest], struct{}]{
		PathParams: patientParams(patientID),
		Query:      filter.query(c.config.PrescriptionPageSize),
	})
	if res.Err != nil {
		return nil, wrap("list prescriptions", res.Err)
	}
	if res.Data.Truncated() {
		c.logger.Warn("prescription list truncated",
			zap.String("patient_id", patientID),
			zap.Int("count", res.Data.Count),
			zap.Int("returned", len(res.Data.Results)))
	}

	out := make([]mar.Prescription, 0, len(res.Data.Results))
	for i := range res.Data.Results {
		out = append(out, res.Data.Results[i].ToPrescription())
	}
	return out, nil
}

// GetPrescription returns one medication request
func (c *Client) GetPrescription(ctx context.Context, patientID, id string) (mar.Prescription, error) {
	res := read(ctx, c, Routes.GetRequest, apiclient.Options[MedicationRequest, struct{}]{
		PathParams: recordParams(patientID, id),
	})
	if res.Err != nil {
		return mar.Prescription{}, wrap("get prescription", res.Err)
	}
	return res.Data.ToPrescription(), nil
}

// ListAdministrations fetches every administration of one prescription whose
// occurrence falls in span. It is a single list query bounded by calendar dates.
func (c *Client) ListAdministrations(ctx context.Context, patientID, prescriptionID string, span mar.Span) ([]mar.Administration, error) {
	res := read(ctx, c, Routes.ListAdministrations, apiclient.Options[Paginated[MedicationAdministration], struct{}]{
		PathParams: patientParams(patientID),
		Query: apiclient.Query{
			apiclient.Q("request", prescriptionID),
			apiclient.Q("occurrence_period_start_after", span.FromDate()),
			apiclient.Q("occurrence_period_start_before", span.ToDate()),
			apiclient.Q("limit", c.config.PageSize),
		},
	})
	if res.Err != nil {
		return nil, wrap("list administrations", res.Err)
	}
	if res.Data.Truncated() {
		c.logger.Warn("administration list truncated",
			zap.String("prescription_id", prescriptionID),
			zap.Int("count", res.Data.Count),
			zap.Int("returned", len(res.Data.Results)))
	}

	out := make([]mar.Administration, 0, len(res.Data.Results))
	for i := range res.Data.Results {
		out = append(out, res.Data.Results[i].ToAdministration())
	}
	return out, nil
}

// RecordAdministration logs a dose
func (c *Client) RecordAdministration(ctx context.Context, patientID string, body AdministrationWrite) (mar.Administration, error) {
	if err := body.Validate(); err != nil {
		return mar.Administration{}, fmt.Errorf("record administration: %w", err)
	}
	if body.Status == "" {
		body.Status = StatusCompleted
	}
	res := querycache.Mutate(ctx, c.cache, c.api, Routes.CreateAdministration, apiclient.Options[MedicationAdministration, AdministrationWrite]{
		PathParams: patientParams(patientID),
		Body:       &body,
	}, listPrefix(administrationsPath, patientID))
	if res.Err != nil {
		return mar.Administration{}, wrap("record administration", res.Err)
	}
	return res.Data.ToAdministration(), nil
}

// ArchiveAdministration marks a dose as entered in error. The record stays in the
// chart, rendered as archived.
func (c *Client) ArchiveAdministration(ctx context.Context, patientID, id string) (mar.Administration, error) {
	res := querycache.Mutate(ctx, c.cache, c.api, Routes.UpdateAdministration, apiclient.Options[MedicationAdministration, StatusUpdate]{
		PathParams: recordParams(patientID, id),
		Body:       &StatusUpdate{Status: StatusEnteredInError},
	}, listPrefix(administrationsPath, patientID))
	if res.Err != nil {
		return mar.Administration{}, wrap("archive administration", res.Err)
	}
	return res.Data.ToAdministration(), nil
}

// DiscontinuePrescription ends a medication request with a reason
func (c *Client) DiscontinuePrescription(ctx context.Context, patientID, id, reason string) (mar.Prescription, error) {
	if strings.TrimSpace(reason) == "" {
		return mar.Prescription{}, fmt.Errorf("discontinue prescription: a reason is required")
	}
	now := time.Now().UTC()
	res := querycache.Mutate(ctx, c.cache, c.api, Routes.UpdateRequest, apiclient.Options[MedicationRequest, StatusUpdate]{
		PathParams: recordParams(patientID, id),
		Body:       &StatusUpdate{Status: StatusEnded, StatusReason: reason, EffectiveAt: &now},
	}, listPrefix(requestsPath, patientID))
	if res.Err != nil {
		return mar.Prescription{}, wrap("discontinue prescription", res.Err)
	}
	return res.Data.ToPrescription(), nil
}

// Invalidate drops every cached read for a patient
func (c *Client) Invalidate(patientID string) int {
	return c.cache.Invalidate(listPrefix(requestsPath, patientID)) +
		c.cache.Invalidate(listPrefix(administrationsPath, patientID))
}

func read[TData any](ctx context.Context, c *Client, route apiclient.Route[TData, struct{}], opts apiclient.Options[TData, struct{}]) apiclient.Result[TData] {
	return querycache.NewQuery(c.cache, c.api, route, opts, querycache.QueryOptions{Scope: scope(ctx)}).Fetch(ctx)
}

// scope keeps callers with different credentials from sharing cached reads
func scope(ctx context.Context) string {
	token := apiclient.TokenFromContext(ctx)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

func wrap(op string, err error) error {
	var httpErr *apiclient.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
