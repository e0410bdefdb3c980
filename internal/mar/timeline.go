package mar

import (
	"slices"
	"strings"
	"time"
)

// PrescriptionStatus mirrors the backend medication request status
type PrescriptionStatus string

const (
	StatusActive         PrescriptionStatus = "active"
	StatusOnHold         PrescriptionStatus = "on-hold"
	StatusEnded          PrescriptionStatus = "ended"
	StatusStopped        PrescriptionStatus = "stopped"
	StatusCompleted      PrescriptionStatus = "completed"
	StatusCancelled      PrescriptionStatus = "cancelled"
	StatusEnteredInError PrescriptionStatus = "entered_in_error"
	StatusDraft          PrescriptionStatus = "draft"
	StatusUnknown        PrescriptionStatus = "unknown"
)

// Prescription is the part of a medication request the timeline needs
type Prescription struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	Dosage             string             `json:"dosage,omitempty"`
	AsNeeded           bool               `json:"as_needed"`
	Status             PrescriptionStatus `json:"status"`
	AuthoredOn         time.Time          `json:"authored_on"`
	StatusChanged      time.Time          `json:"status_changed,omitempty"`
	DiscontinuedReason string             `json:"discontinued_reason,omitempty"`
}

// Discontinued reports a terminal status with a known transition time
func (p Prescription) Discontinued() bool {
	switch p.Status {
	case StatusEnded, StatusStopped, StatusCompleted, StatusCancelled:
		return !p.StatusChanged.IsZero()
	}
	return false
}

// AdministrationStatus mirrors the backend medication administration status
type AdministrationStatus string

const (
	AdministrationCompleted      AdministrationStatus = "completed"
	AdministrationInProgress     AdministrationStatus = "in_progress"
	AdministrationNotDone        AdministrationStatus = "not_done"
	AdministrationStopped        AdministrationStatus = "stopped"
	AdministrationEnteredInError AdministrationStatus = "entered_in_error"
)

// Administration is one logged dose
type Administration struct {
	ID             string               `json:"id"`
	PrescriptionID string               `json:"prescription_id"`
	OccurrenceEnd  time.Time            `json:"occurrence_end"`
	Note           string               `json:"note,omitempty"`
	Status         AdministrationStatus `json:"status"`
}

// EnteredInError marks an archived record; it is still shown and counted
func (a Administration) EnteredInError() bool {
	return a.Status == AdministrationEnteredInError
}

// CellState is the classification of one interval of a row
type CellState string

const (
	CellEmpty        CellState = "empty"
	CellAdministered CellState = "administered"
	CellNotYetDue    CellState = "not_yet_due"
	CellDiscontinued CellState = "discontinued"
)

// Dose is an administration as placed in a cell
type Dose struct {
	Administration
	Archived bool `json:"archived"`
}

// Discontinuation is the marker placed on the interval holding the status change
type Discontinuation struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Cell is a classified interval
type Cell struct {
	Interval        Interval         `json:"interval"`
	State           CellState        `json:"state"`
	Doses           []Dose           `json:"doses,omitempty"`
	Count           int              `json:"count"`
	HasNote         bool             `json:"has_note"`
	Discontinuation *Discontinuation `json:"discontinuation,omitempty"`
}

// ShowCount reports whether the count badge is rendered
func (c Cell) ShowCount() bool { return c.Count > 1 }

// Classify buckets events into interval for prescription p. It is a pure function
// of its inputs and leaves events untouched.
func Classify(events []Administration, interval Interval, p Prescription) Cell {
	cell := Cell{Interval: interval, State: CellEmpty}

	var matched []Administration
	for _, e := range events {
		if interval.Contains(e.OccurrenceEnd) {
			matched = append(matched, e)
		}
	}
	slices.SortStableFunc(matched, func(a, b Administration) int {
		return a.OccurrenceEnd.Compare(b.OccurrenceEnd)
	})

	discontinuedInWindow := p.Discontinued() && interval.End.After(p.StatusChanged)
	if p.Discontinued() && interval.Contains(p.StatusChanged) {
		cell.Discontinuation = &Discontinuation{At: p.StatusChanged, Reason: p.DiscontinuedReason}
	}

	switch {
	case len(matched) > 0:
		cell.State = CellAdministered
		cell.Count = len(matched)
		cell.Doses = make([]Dose, len(matched))
		for i, e := range matched {
			cell.Doses[i] = Dose{Administration: e, Archived: e.EnteredInError()}
			if strings.TrimSpace(e.Note) != "" {
				cell.HasNote = true
			}
		}
	case interval.Start.After(p.AuthoredOn) && !discontinuedInWindow:
		cell.State = CellNotYetDue
	case discontinuedInWindow && cell.Discontinuation != nil:
		cell.State = CellDiscontinued
	}
	return cell
}

// Row is one prescription across all intervals
type Row struct {
	Prescription Prescription `json:"prescription"`
	Cells        []Cell       `json:"cells"`
	Total        int          `json:"total"`
}

// BuildRow classifies every interval for one prescription
func BuildRow(p Prescription, events []Administration, intervals []Interval) Row {
	row := Row{Prescription: p, Cells: make([]Cell, len(intervals))}
	for i, interval := range intervals {
		row.Cells[i] = Classify(events, interval, p)
		row.Total += row.Cells[i].Count
	}
	return row
}

// Chart is the full grid for one patient
type Chart struct {
	PatientID string     `json:"patient_id"`
	Intervals []Interval `json:"intervals"`
	Rows      []Row      `json:"rows"`
}

// StateCounts tallies cell states across the chart
func (c Chart) StateCounts() map[CellState]int {
	out := make(map[CellState]int)
	for _, row := range c.Rows {
		for _, cell := range row.Cells {
			out[cell.State]++
		}
	}
	return out
}
