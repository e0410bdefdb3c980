package chart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/go-mar/internal/care"
	"github.com/drfirst/go-mar/internal/mar"
	"github.com/drfirst/go-mar/pkg/apiclient"
	"github.com/drfirst/go-mar/pkg/querycache"
	"github.com/drfirst/go-mar/pkg/workerpool"
)

type stubSource struct {
	mu            sync.Mutex
	prescriptions []mar.Prescription
	events        map[string][]mar.Administration
	failRow       string
	filters       []care.PrescriptionFilter
	rowCalls      int
}

func (s *stubSource) ListPrescriptions(ctx context.Context, patientID string, filter care.PrescriptionFilter) ([]mar.Prescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, filter)
	return s.prescriptions, nil
}

func (s *stubSource) GetPrescription(ctx context.Context, patientID, id string) (mar.Prescription, error) {
	for _, p := range s.prescriptions {
		if p.ID == id {
			return p, nil
		}
	}
	return mar.Prescription{}, care.ErrNotFound
}

func (s *stubSource) ListAdministrations(ctx context.Context, patientID, prescriptionID string, span mar.Span) ([]mar.Administration, error) {
	s.mu.Lock()
	s.rowCalls++
	s.mu.Unlock()
	if prescriptionID == s.failRow {
		return nil, errors.New("backend unavailable")
	}
	return s.events[prescriptionID], nil
}

type tally struct {
	mu     sync.Mutex
	counts map[mar.CellState]int
}

func (t *tally) ObserveCells(counts map[mar.CellState]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[mar.CellState]int)
	}
	for k, v := range counts {
		t.counts[k] += v
	}
}

func ts(day, hour int) time.Time {
	return time.Date(2026, 10, day, hour, 0, 0, 0, time.UTC)
}

func fixture() *stubSource {
	return &stubSource{
		prescriptions: []mar.Prescription{
			{ID: "rx-1", Name: "Paracetamol", Status: mar.StatusActive, AuthoredOn: ts(1, 8)},
			{ID: "rx-2", Name: "Ceftriaxone", Status: mar.StatusStopped, AuthoredOn: ts(1, 8), StatusChanged: ts(3, 12), DiscontinuedReason: "rash"},
			{ID: "rx-3", Name: "Ondansetron", Status: mar.StatusActive, AuthoredOn: ts(1, 8), AsNeeded: true},
		},
		events: map[string][]mar.Administration{
			"rx-1": {{ID: "a", PrescriptionID: "rx-1", OccurrenceEnd: ts(2, 9)}, {ID: "b", PrescriptionID: "rx-1", OccurrenceEnd: ts(2, 21)}},
			"rx-2": {{ID: "c", PrescriptionID: "rx-2", OccurrenceEnd: ts(2, 9)}},
		},
	}
}

func newTestBuilder(t *testing.T, src Source, rec Recorder) *Builder {
	t.Helper()
	b, err := NewBuilder(src, workerpool.Config{Workers: 2, QueueSize: 4}, DefaultConfig(), rec, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	b.Start()
	t.Cleanup(func() { b.Stop() })
	return b
}

func TestBuild_RowsInPrescriptionOrder(t *testing.T) {
	src := fixture()
	rec := &tally{}
	b := newTestBuilder(t, src, rec)

	span, err := b.ParseSpan("2026-10-01", "2026-10-05")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chart, err := b.Build(context.Background(), "p-1", span)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(chart.Intervals) != 5 || len(chart.Rows) != 3 {
		t.Fatalf("expected 5 days by 3 rows, got %d by %d", len(chart.Intervals), len(chart.Rows))
	}
	for i, id := range []string{"rx-1", "rx-2", "rx-3"} {
		if chart.Rows[i].Prescription.ID != id {
			t.Errorf("row %d: expected %s, got %s", i, id, chart.Rows[i].Prescription.ID)
		}
	}

	day2 := chart.Rows[0].Cells[1]
	if day2.State != mar.CellAdministered || day2.Count != 2 {
		t.Errorf("unexpected cell %+v", day2)
	}
	if got := chart.Rows[1].Cells[2].State; got != mar.CellDiscontinued {
		t.Errorf("expected discontinued marker on day 3, got %s", got)
	}
	if got := chart.Rows[1].Cells[3].State; got != mar.CellEmpty {
		t.Errorf("expected empty after discontinuation, got %s", got)
	}

	if src.rowCalls != 3 {
		t.Errorf("expected one row fetch per prescription, got %d", src.rowCalls)
	}
	if len(src.filters) != 1 || len(src.filters[0].Status) == 0 {
		t.Errorf("expected a status filter, got %+v", src.filters)
	}
	if rec.counts[mar.CellAdministered] != 2 || rec.counts[mar.CellDiscontinued] != 1 {
		t.Errorf("unexpected recorded counts %v", rec.counts)
	}
}

func TestBuild_RowFailureFailsChart(t *testing.T) {
	src := fixture()
	src.failRow = "rx-2"
	b := newTestBuilder(t, src, nil)

	span, _ := b.ParseSpan("2026-10-01", "2026-10-02")
	if _, err := b.Build(context.Background(), "p-1", span); err == nil {
		t.Fatal("expected error")
	}
}

type countingNotifier struct{ n atomic.Int64 }

func (c *countingNotifier) Notify(context.Context, apiclient.Notification) { c.n.Add(1) }

func TestBuild_FailedRowIsFetchedOnce(t *testing.T) {
	var adminLists atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/patient/{patient}/medication/request/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(care.Paginated[care.MedicationRequest]{
			Count:   1,
			Results: []care.MedicationRequest{{ID: "rx-1", Status: "active", AuthoredOn: ts(1, 8)}},
		})
	})
	mux.HandleFunc("GET /api/v1/patient/{patient}/medication/administration/", func(w http.ResponseWriter, r *http.Request) {
		adminLists.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"detail":"boom"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	notes := &countingNotifier{}
	api := apiclient.New(srv.URL, apiclient.WithNotifier(notes))
	client := care.NewClient(api, querycache.New(querycache.DefaultPolicy(), nil, nil), care.DefaultConfig(), nil)

	b, err := NewBuilder(client, workerpool.DefaultConfig(), DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("failed to create builder: %v", err)
	}
	b.Start()
	defer b.Stop()

	span, _ := b.ParseSpan("2026-10-01", "2026-10-02")
	if _, err := b.Build(context.Background(), "p-1", span); err == nil {
		t.Fatal("expected error")
	}
	if n := adminLists.Load(); n != 1 {
		t.Errorf("expected one administration list request, got %d", n)
	}
	if n := notes.n.Load(); n != 1 {
		t.Errorf("expected one notification, got %d", n)
	}
}

func TestRow(t *testing.T) {
	b := newTestBuilder(t, fixture(), nil)
	span, _ := b.ParseSpan("2026-10-02", "2026-10-02")

	row, err := b.Row(context.Background(), "p-1", "rx-1", span)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Total != 2 || len(row.Cells) != 1 {
		t.Errorf("unexpected row %+v", row)
	}

	if _, err := b.Row(context.Background(), "p-1", "nope", span); !errors.Is(err, care.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestParseSpan_Bounded(t *testing.T) {
	b := newTestBuilder(t, fixture(), nil)
	if _, err := b.ParseSpan("2026-01-01", "2026-12-31"); err == nil {
		t.Error("expected span longer than the maximum to be rejected")
	}
}
