package scheduling

import (
	"errors"
	"fmt"
)

// TemporalKind names the temporal rule a window violated.
type TemporalKind string

const (
	PastDate        TemporalKind = "past_date"
	CrossDay        TemporalKind = "cross_day"
	TooShort        TemporalKind = "too_short"
	InvalidDuration TemporalKind = "invalid_duration"
)

// TemporalError rejects a window write before any slot is touched.
type TemporalError struct {
	Kind   TemporalKind
	Detail string
}

func (e *TemporalError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return e.Detail
}

// Is matches ErrTemporal for every kind, and another *TemporalError of the
// same kind regardless of detail.
func (e *TemporalError) Is(target error) bool {
	if target == ErrTemporal {
		return true
	}
	t, ok := target.(*TemporalError)
	return ok && t.Kind == e.Kind
}

// ReservationKind names why a reservation was refused.
type ReservationKind string

const (
	SlotUnavailable  ReservationKind = "slot_unavailable"
	DuplicateBooking ReservationKind = "duplicate_booking"
)

// ReservationError is an expected refusal the caller can recover from by
// picking another slot.
type ReservationError struct {
	Kind   ReservationKind
	Detail string
}

func (e *ReservationError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return e.Detail
}

func (e *ReservationError) Is(target error) bool {
	t, ok := target.(*ReservationError)
	return ok && t.Kind == e.Kind
}

var (
	ErrTemporal = errors.New("invalid window timing")

	ErrPastDate        = &TemporalError{Kind: PastDate, Detail: "window cannot start in the past"}
	ErrCrossDay        = &TemporalError{Kind: CrossDay, Detail: "window must start and end on the same day"}
	ErrTooShort        = &TemporalError{Kind: TooShort, Detail: "window is shorter than one slot"}
	ErrInvalidDuration = &TemporalError{Kind: InvalidDuration, Detail: "durations must be whole minutes"}

	ErrSlotUnavailable  = &ReservationError{Kind: SlotUnavailable, Detail: "slot is not available"}
	ErrDuplicateBooking = &ReservationError{Kind: DuplicateBooking, Detail: "patient already holds a reservation in this window"}

	ErrUnknownSlot     = errors.New("slot key not present in window")
	ErrNotFound        = errors.New("not found")
	ErrStateConflict   = errors.New("slot state changed concurrently")
	ErrUnknownIdentity = errors.New("unknown identity")
)

func temporalf(kind TemporalKind, format string, args ...any) error {
	return &TemporalError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func unavailablef(format string, args ...any) error {
	return &ReservationError{Kind: SlotUnavailable, Detail: fmt.Sprintf(format, args...)}
}
