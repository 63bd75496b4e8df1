package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultSlotDuration  = 10 * time.Minute
	DefaultBreakDuration = 0
)

// AvailabilityWindow is a doctor's bookable interval at a clinic. Slots is nil
// until the first save fills it; after that only slot flags change.
type AvailabilityWindow struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	DoctorID      uuid.UUID     `db:"doctor_id" json:"doctor_id"`
	ClinicID      uuid.UUID     `db:"clinic_id" json:"clinic_id"`
	Start         time.Time     `db:"start_time" json:"start"`
	End           time.Time     `db:"end_time" json:"end"`
	SlotDuration  time.Duration `db:"slot_minutes" json:"-"`
	BreakDuration time.Duration `db:"break_minutes" json:"-"`
	Slots         *SlotMap      `db:"slot_map" json:"slots"`
	VersionID     int64         `db:"version_id" json:"version_id"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (w *AvailabilityWindow) GetVersionID() int64 { return w.VersionID }

// SetVersionID sets the current version.
func (w *AvailabilityWindow) SetVersionID(v int64) { w.VersionID = v }

// MarshalJSON adds the durations in minutes and the display label.
func (w *AvailabilityWindow) MarshalJSON() ([]byte, error) {
	type plain AvailabilityWindow
	return json.Marshal(struct {
		*plain
		SlotDurationMinutes  int    `json:"slot_duration_minutes"`
		BreakDurationMinutes int    `json:"break_duration_minutes"`
		Label                string `json:"label"`
	}{
		plain:                (*plain)(w),
		SlotDurationMinutes:  int(w.SlotDuration / time.Minute),
		BreakDurationMinutes: int(w.BreakDuration / time.Minute),
		Label:                w.Label(),
	})
}

// FillSlotsIfEmpty generates the slot map when none exists yet and reports
// whether it did. A populated map is left untouched.
func (w *AvailabilityWindow) FillSlotsIfEmpty() bool {
	if w.Slots.Len() > 0 {
		return false
	}
	w.Slots = GenerateSlots(w.Start, w.End, w.SlotDuration, w.BreakDuration)
	return true
}

// OpenSlots lists open keys in chronological order.
func (w *AvailabilityWindow) OpenSlots() []string {
	return w.Slots.Open()
}

// Label renders the window as Doctor-Date(HH:MM-HH:MM).
func (w *AvailabilityWindow) Label() string {
	return fmt.Sprintf("%s-%s(%s-%s)", w.DoctorID, w.Start.Format(time.DateOnly),
		w.Start.Format(slotKeyLayout), w.End.Format(slotKeyLayout))
}

// Reservation is a patient's claim on one slot of one window. It carries no
// slot state of its own.
type Reservation struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	WindowID  uuid.UUID `db:"window_id" json:"window_id"`
	SlotKey   string    `db:"slot_key" json:"slot_key"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WindowInput is what a doctor submits to create or edit a window. Zero
// durations fall back to the service defaults.
type WindowInput struct {
	DoctorID             uuid.UUID `json:"doctor_id"`
	ClinicID             uuid.UUID `json:"clinic_id"`
	Start                time.Time `json:"start"`
	End                  time.Time `json:"end"`
	SlotDurationMinutes  int       `json:"slot_duration_minutes,omitempty"`
	BreakDurationMinutes int       `json:"break_duration_minutes,omitempty"`
}

// WindowFilter narrows SearchWindows. Zero fields are ignored.
type WindowFilter struct {
	DoctorID *uuid.UUID
	ClinicID *uuid.UUID
	Date     *time.Time
}

// ReservationFilter narrows ListReservations. Zero fields are ignored.
type ReservationFilter struct {
	PatientID *uuid.UUID
	WindowID  *uuid.UUID
}
