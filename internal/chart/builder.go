// Package chart assembles a patient's medication administration record from the
// CARE backend: prescriptions are listed once, then every row is fetched on the
// worker pool and classified over the requested days.
package chart

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-mar/internal/care"
	"github.com/drfirst/go-mar/internal/mar"
	"github.com/drfirst/go-mar/pkg/workerpool"
)

// Source is the slice of the CARE client the builder reads from
type Source interface {
	ListPrescriptions(ctx context.Context, patientID string, filter care.PrescriptionFilter) ([]mar.Prescription, error)
	GetPrescription(ctx context.Context, patientID, id string) (mar.Prescription, error)
	ListAdministrations(ctx context.Context, patientID, prescriptionID string, span mar.Span) ([]mar.Administration, error)
}

// Recorder receives the classification tally of every built chart
type Recorder interface {
	ObserveCells(counts map[mar.CellState]int)
}

// Config tunes chart building
type Config struct {
	// Location sets where calendar days start and end
	Location *time.Location
	// Statuses limits which prescriptions appear on the chart
	Statuses []string
	// MaxDays bounds the requested span
	MaxDays int
}

// DefaultConfig shows every prescription a caregiver can act on or review
func DefaultConfig() Config {
	return Config{
		Location: time.UTC,
		Statuses: []string{"active", "on-hold", "ended", "stopped", "completed", "cancelled"},
		MaxDays:  31,
	}
}

// Builder builds charts and single rows
type Builder struct {
	source   Source
	pool     *workerpool.Pool
	config   Config
	recorder Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
}

type rowJob struct {
	patientID    string
	prescription mar.Prescription
	span         mar.Span
}

// NewBuilder creates a builder and its row worker pool. Call Start before use and
// Stop on shutdown.
func NewBuilder(source Source, poolCfg workerpool.Config, cfg Config, recorder Recorder, logger *zap.Logger) (*Builder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxDays <= 0 {
		cfg.MaxDays = DefaultConfig().MaxDays
	}

	b := &Builder{
		source:   source,
		config:   cfg,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("mar-chart"),
	}

	pool, err := workerpool.New(poolCfg, b.fetchRow, logger.Named("rows"))
	if err != nil {
		return nil, fmt.Errorf("failed to create row pool: %w", err)
	}
	b.pool = pool
	return b, nil
}

// Start launches the row workers
func (b *Builder) Start() { b.pool.Start() }

// Stop drains the row workers
func (b *Builder) Stop() error { return b.pool.Stop() }

// Healthy reports whether rows can still be fetched
func (b *Builder) Healthy() bool { return b.pool.IsHealthy() }

// Location is the zone days are cut in
func (b *Builder) Location() *time.Location { return b.config.Location }

// ParseSpan parses and bounds a from/to pair in the builder's zone
func (b *Builder) ParseSpan(from, to string) (mar.Span, error) {
	span, err := mar.ParseSpan(from, to, b.config.Location)
	if err != nil {
		return mar.Span{}, err
	}
	if days := span.Days(); days > b.config.MaxDays {
		return mar.Span{}, fmt.Errorf("span of %d days exceeds the maximum of %d", days, b.config.MaxDays)
	}
	return span, nil
}

// Build returns the full chart of a patient. A row whose fetch fails fails the chart.
func (b *Builder) Build(ctx context.Context, patientID string, span mar.Span) (*mar.Chart, error) {
	ctx, s := b.tracer.Start(ctx, "chart.build",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("from", span.FromDate()),
			attribute.String("to", span.ToDate()),
		))
	defer s.End()

	prescriptions, err := b.source.ListPrescriptions(ctx, patientID, care.PrescriptionFilter{Status: b.config.Statuses})
	if err != nil {
		s.RecordError(err)
		s.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	tasks := make([]*workerpool.Task, len(prescriptions))
	for i, p := range prescriptions {
		tasks[i] = &workerpool.Task{
			ID:      p.ID,
			Payload: rowJob{patientID: patientID, prescription: p, span: span},
			Context: ctx,
		}
	}

	chart := &mar.Chart{
		PatientID: patientID,
		Intervals: mar.DailyIntervals(span.From, span.To, b.config.Location),
		Rows:      make([]mar.Row, 0, len(prescriptions)),
	}

	for i, res := range b.pool.Map(ctx, tasks) {
		if !res.Success {
			s.RecordError(res.Error)
			s.SetStatus(codes.Error, res.Error.Error())
			return nil, fmt.Errorf("row %s: %w", res.TaskID, res.Error)
		}
		chart.Rows = append(chart.Rows, mar.BuildRow(prescriptions[i], res.Data.([]mar.Administration), chart.Intervals))
	}

	s.SetAttributes(attribute.Int("rows", len(chart.Rows)))
	b.observe(chart)
	b.logger.Debug("chart built",
		zap.String("patient_id", patientID),
		zap.Int("rows", len(chart.Rows)),
		zap.Int("days", len(chart.Intervals)))
	return chart, nil
}

// Row returns one prescription's row. It is fetched inline, not on the pool.
func (b *Builder) Row(ctx context.Context, patientID, prescriptionID string, span mar.Span) (*mar.Row, error) {
	ctx, s := b.tracer.Start(ctx, "chart.row",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("prescription_id", prescriptionID),
		))
	defer s.End()

	p, err := b.source.GetPrescription(ctx, patientID, prescriptionID)
	if err != nil {
		s.RecordError(err)
		return nil, err
	}
	events, err := b.source.ListAdministrations(ctx, patientID, prescriptionID, span)
	if err != nil {
		s.RecordError(err)
		return nil, err
	}

	row := mar.BuildRow(p, events, mar.DailyIntervals(span.From, span.To, b.config.Location))
	b.observe(&mar.Chart{Rows: []mar.Row{row}})
	return &row, nil
}

func (b *Builder) fetchRow(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	job := task.Payload.(rowJob)
	events, err := b.source.ListAdministrations(ctx, job.patientID, job.prescription.ID, job.span)
	if err != nil {
		return &workerpool.Result{Error: err}
	}
	return &workerpool.Result{Success: true, Data: events}
}

func (b *Builder) observe(chart *mar.Chart) {
	if b.recorder != nil {
		b.recorder.ObserveCells(chart.StateCounts())
	}
}
