// Package care binds the CARE EMR REST API: wire types for medication requests and
// administrations, their route descriptors, and a cached client the chart is built from.
package care

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-mar/internal/mar"
)

// Code is a terminology coding as CARE serialises it.
type Code struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Quantity is a measured amount.
type Quantity struct {
	Value float64 `json:"value,omitempty"`
	Unit  *Code   `json:"unit,omitempty"`
}

// DoseRange is a low/high dose pair used for titrated orders.
type DoseRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// DoseAndRate holds the dose of one dosage instruction.
type DoseAndRate struct {
	Type         string     `json:"type,omitempty"`
	DoseQuantity *Quantity  `json:"dose_quantity,omitempty"`
	DoseRange    *DoseRange `json:"dose_range,omitempty"`
}

// TimingRepeat describes how often a dose repeats.
type TimingRepeat struct {
	Frequency  int     `json:"frequency,omitempty"`
	Period     float64 `json:"period,omitempty"`
	PeriodUnit string  `json:"period_unit,omitempty"`
}

// Timing wraps the repeat rule and its coded name (BD, TDS, ...).
type Timing struct {
	Repeat *TimingRepeat `json:"repeat,omitempty"`
	Code   *Code         `json:"code,omitempty"`
}

// DosageInstruction is one sig line of a medication request.
type DosageInstruction struct {
	Sequence           int          `json:"sequence,omitempty"`
	Text               string       `json:"text,omitempty"`
	PatientInstruction string       `json:"patient_instruction,omitempty"`
	Timing             *Timing      `json:"timing,omitempty"`
	AsNeededBoolean    bool         `json:"as_needed_boolean,omitempty"`
	AsNeededFor        *Code        `json:"as_needed_for,omitempty"`
	Route              *Code        `json:"route,omitempty"`
	Site               *Code        `json:"site,omitempty"`
	Method             *Code        `json:"method,omitempty"`
	DoseAndRate        *DoseAndRate `json:"dose_and_rate,omitempty"`
}

// Product is the product-knowledge entry a request may point at instead of a coded medication.
type Product struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Slug string `json:"slug,omitempty"`
}

// MedicationRequest is a prescription as returned by /medication/request/.
type MedicationRequest struct {
	ID                string              `json:"id"`
	Status            string              `json:"status"`
	StatusReason      string              `json:"status_reason,omitempty"`
	StatusChanged     *time.Time          `json:"status_changed,omitempty"`
	Intent            string              `json:"intent,omitempty"`
	Category          string              `json:"category,omitempty"`
	Priority          string              `json:"priority,omitempty"`
	DoNotPerform      bool                `json:"do_not_perform,omitempty"`
	Medication        *Code               `json:"medication,omitempty"`
	RequestedProduct  *Product            `json:"requested_product,omitempty"`
	AuthoredOn        time.Time           `json:"authored_on"`
	DosageInstruction []DosageInstruction `json:"dosage_instruction"`
	Note              string              `json:"note,omitempty"`
	CreatedDate       *time.Time          `json:"created_date,omitempty"`
	ModifiedDate      *time.Time          `json:"modified_date,omitempty"`
}

// GetMedicationDisplay returns the best available name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication != nil {
		if m.Medication.Display != "" {
			return m.Medication.Display
		}
		if m.Medication.Code != "" {
			return m.Medication.Code
		}
	}
	if m.RequestedProduct != nil {
		return m.RequestedProduct.Name
	}
	return ""
}

// GetSigText renders the first dosage instruction.
func (m *MedicationRequest) GetSigText() string {
	if len(m.DosageInstruction) == 0 {
		return ""
	}
	d := m.DosageInstruction[0]
	if d.Text != "" {
		return d.Text
	}

	var parts []string
	if d.DoseAndRate != nil {
		switch {
		case d.DoseAndRate.DoseQuantity != nil:
			parts = append(parts, formatQuantity(d.DoseAndRate.DoseQuantity))
		case d.DoseAndRate.DoseRange != nil && d.DoseAndRate.DoseRange.Low != nil && d.DoseAndRate.DoseRange.High != nil:
			parts = append(parts, formatQuantity(d.DoseAndRate.DoseRange.Low)+" - "+formatQuantity(d.DoseAndRate.DoseRange.High))
		}
	}
	if d.Route != nil && d.Route.Display != "" {
		parts = append(parts, d.Route.Display)
	}
	if d.Timing != nil && d.Timing.Code != nil && d.Timing.Code.Display != "" {
		parts = append(parts, d.Timing.Code.Display)
	}
	if d.AsNeededBoolean {
		parts = append(parts, "as needed")
	}
	return strings.Join(parts, ", ")
}

// AsNeeded reports a PRN order.
func (m *MedicationRequest) AsNeeded() bool {
	for _, d := range m.DosageInstruction {
		if d.AsNeededBoolean {
			return true
		}
	}
	return false
}

// ToPrescription maps the wire record onto the timeline's prescription.
func (m *MedicationRequest) ToPrescription() mar.Prescription {
	p := mar.Prescription{
		ID:         m.ID,
		Name:       m.GetMedicationDisplay(),
		Dosage:     m.GetSigText(),
		AsNeeded:   m.AsNeeded(),
		Status:     mar.PrescriptionStatus(m.Status),
		AuthoredOn: m.AuthoredOn,
	}
	if m.StatusChanged != nil {
		p.StatusChanged = *m.StatusChanged
	}
	p.DiscontinuedReason = m.StatusReason
	if p.DiscontinuedReason == "" {
		p.DiscontinuedReason = m.Note
	}
	return p
}

// AdministrationDosage is the dose actually given.
type AdministrationDosage struct {
	Text   string    `json:"text,omitempty"`
	Site   *Code     `json:"site,omitempty"`
	Route  *Code     `json:"route,omitempty"`
	Method *Code     `json:"method,omitempty"`
	Dose   *Quantity `json:"dose,omitempty"`
}

// MedicationAdministration is a logged dose as returned by /medication/administration/.
type MedicationAdministration struct {
	ID                    string                `json:"id"`
	Status                string                `json:"status"`
	StatusReason          *Code                 `json:"status_reason,omitempty"`
	Category              string                `json:"category,omitempty"`
	Medication            *Code                 `json:"medication,omitempty"`
	AuthoredOn            *time.Time            `json:"authored_on,omitempty"`
	OccurrencePeriodStart *time.Time            `json:"occurrence_period_start,omitempty"`
	OccurrencePeriodEnd   *time.Time            `json:"occurrence_period_end,omitempty"`
	Request               string                `json:"request"`
	Note                  string                `json:"note,omitempty"`
	Dosage                *AdministrationDosage `json:"dosage,omitempty"`
}

// OccurrenceEnd is the timestamp the dose is charted at. Records still in
// progress fall back to their start.
func (a *MedicationAdministration) OccurrenceEnd() time.Time {
	if a.OccurrencePeriodEnd != nil {
		return *a.OccurrencePeriodEnd
	}
	if a.OccurrencePeriodStart != nil {
		return *a.OccurrencePeriodStart
	}
	return time.Time{}
}

// ToAdministration maps the wire record onto the timeline's administration.
func (a *MedicationAdministration) ToAdministration() mar.Administration {
	return mar.Administration{
		ID:             a.ID,
		PrescriptionID: a.Request,
		OccurrenceEnd:  a.OccurrenceEnd(),
		Note:           a.Note,
		Status:         mar.AdministrationStatus(a.Status),
	}
}

// Paginated is the envelope of every CARE list endpoint.
type Paginated[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}

// Truncated reports that the backend holds more rows than this page carries.
func (p Paginated[T]) Truncated() bool {
	return p.Next != nil || p.Count > len(p.Results)
}

// AdministrationWrite is the body of a new administration.
type AdministrationWrite struct {
	Request               string                `json:"request"`
	Encounter             string                `json:"encounter,omitempty"`
	Status                string                `json:"status"`
	Medication            *Code                 `json:"medication,omitempty"`
	OccurrencePeriodStart *time.Time            `json:"occurrence_period_start,omitempty"`
	OccurrencePeriodEnd   *time.Time            `json:"occurrence_period_end,omitempty"`
	Note                  string                `json:"note,omitempty"`
	Dosage                *AdministrationDosage `json:"dosage,omitempty"`
}

// Validate checks the fields the backend would reject.
func (w AdministrationWrite) Validate() error {
	if w.Request == "" {
		return fmt.Errorf("request is required")
	}
	if w.OccurrencePeriodStart == nil && w.OccurrencePeriodEnd == nil {
		return fmt.Errorf("an occurrence time is required")
	}
	if w.OccurrencePeriodStart != nil && w.OccurrencePeriodEnd != nil && w.OccurrencePeriodEnd.Before(*w.OccurrencePeriodStart) {
		return fmt.Errorf("occurrence end is before its start")
	}
	return nil
}

// StatusUpdate is the partial update used for archive and discontinue transitions.
type StatusUpdate struct {
	Status       string     `json:"status,omitempty"`
	StatusReason string     `json:"status_reason,omitempty"`
	Note         string     `json:"note,omitempty"`
	EffectiveAt  *time.Time `json:"status_changed,omitempty"`
}

func formatQuantity(q *Quantity) string {
	v := strconv.FormatFloat(q.Value, 'f', -1, 64)
	if q.Unit != nil && q.Unit.Display != "" {
		return v + " " + q.Unit.Display
	}
	return v
}
