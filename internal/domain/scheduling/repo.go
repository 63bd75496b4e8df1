package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type WindowRepository interface {
	Create(ctx context.Context, w *AvailabilityWindow) error
	GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error)
	// GetForUpdate reads the window and holds its lock until the surrounding
	// transaction ends. It must run inside Transactor.RunInTx.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error)
	// Update writes every editable column, guarded by w.VersionID. On success
	// w.VersionID is advanced; a stale version yields ErrStateConflict.
	Update(ctx context.Context, w *AvailabilityWindow) error
	// UpdateSlots writes only the slot map, with the same version guard.
	UpdateSlots(ctx context.Context, w *AvailabilityWindow) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error)
}

type ReservationRepository interface {
	// Create fails with ErrDuplicateBooking when the patient already holds a
	// reservation in the window.
	Create(ctx context.Context, r *Reservation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	GetByPatientWindow(ctx context.Context, patientID, windowID uuid.UUID) (*Reservation, error)
	UpdateSlot(ctx context.Context, r *Reservation) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f ReservationFilter, limit, offset int) ([]*Reservation, int, error)
	// HeldKeys returns the slot keys referenced by reservations in a window.
	HeldKeys(ctx context.Context, windowID uuid.UUID) (map[string]bool, error)
}

// Transactor runs fn in one atomic unit. Nested calls join the outer unit.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// IdentityChecker answers existence questions about people and places the
// booking core only knows by ID.
type IdentityChecker interface {
	DoctorExists(ctx context.Context, id uuid.UUID) (bool, error)
	ClinicExists(ctx context.Context, id uuid.UUID) (bool, error)
	PatientExists(ctx context.Context, id uuid.UUID) (bool, error)
}
