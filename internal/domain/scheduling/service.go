package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clinic/booking/internal/platform/db"
	"github.com/clinic/booking/internal/platform/events"
	"github.com/clinic/booking/internal/platform/telemetry"
)

// OpenSlotCache holds the open-slot list per window. Misses and errors fall
// through to the repository. Set must ignore a version older than the one
// already cached, and Invalidate must keep later Sets of the window out.
type OpenSlotCache interface {
	Get(ctx context.Context, windowID uuid.UUID) ([]string, bool, error)
	Set(ctx context.Context, windowID uuid.UUID, version int64, keys []string) error
	Invalidate(ctx context.Context, windowID uuid.UUID) error
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithCache(c OpenSlotCache) Option { return func(s *Service) { s.cache = c } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

func WithMetrics(m *telemetry.BookingMetrics) Option { return func(s *Service) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithMaxRetries bounds how often an operation is replayed after losing a
// slot-map version race.
func WithMaxRetries(n int) Option { return func(s *Service) { s.maxRetries = n } }

// WithDefaultDurations sets the slot and break lengths used when a window
// input leaves them at zero.
func WithDefaultDurations(slot, brk time.Duration) Option {
	return func(s *Service) { s.defaultSlot, s.defaultBreak = slot, brk }
}

type Service struct {
	windows      WindowRepository
	reservations ReservationRepository
	tx           Transactor
	identity     IdentityChecker

	cache        OpenSlotCache
	events       events.Publisher
	metrics      *telemetry.BookingMetrics
	logger       zerolog.Logger
	now          func() time.Time
	maxRetries   int
	defaultSlot  time.Duration
	defaultBreak time.Duration
}

func NewService(windows WindowRepository, reservations ReservationRepository, tx Transactor, identity IdentityChecker, opts ...Option) *Service {
	s := &Service{
		windows:      windows,
		reservations: reservations,
		tx:           tx,
		identity:     identity,
		events:       events.NopPublisher{},
		logger:       zerolog.Nop(),
		now:          time.Now,
		maxRetries:   3,
		defaultSlot:  DefaultSlotDuration,
		defaultBreak: DefaultBreakDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxRetries < 1 {
		s.maxRetries = 1
	}
	return s
}

// -- Availability windows --

func (s *Service) checkIdentity(ctx context.Context, kind string, id uuid.UUID, exists func(context.Context, uuid.UUID) (bool, error)) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s_id is required", ErrUnknownIdentity, kind)
	}
	ok, err := exists(ctx, id)
	if err != nil {
		return fmt.Errorf("look up %s %s: %w", kind, id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownIdentity, kind, id)
	}
	return nil
}

func (s *Service) durations(in WindowInput) (time.Duration, time.Duration) {
	slot, brk := s.defaultSlot, s.defaultBreak
	if in.SlotDurationMinutes != 0 {
		slot = time.Duration(in.SlotDurationMinutes) * time.Minute
	}
	if in.BreakDurationMinutes != 0 {
		brk = time.Duration(in.BreakDurationMinutes) * time.Minute
	}
	return slot, brk
}

// CreateAvailabilityWindow validates the window, generates its slots and
// stores it. Nothing is written when any temporal rule fails.
func (s *Service) CreateAvailabilityWindow(ctx context.Context, in WindowInput) (*AvailabilityWindow, error) {
	if err := s.checkIdentity(ctx, "doctor", in.DoctorID, s.identity.DoctorExists); err != nil {
		return nil, err
	}
	if err := s.checkIdentity(ctx, "clinic", in.ClinicID, s.identity.ClinicExists); err != nil {
		return nil, err
	}

	slot, brk := s.durations(in)
	if err := ValidateWindow(in.Start, in.End, slot, brk, s.now()); err != nil {
		return nil, err
	}

	w := &AvailabilityWindow{
		DoctorID:      in.DoctorID,
		ClinicID:      in.ClinicID,
		Start:         in.Start,
		End:           in.End,
		SlotDuration:  slot,
		BreakDuration: brk,
	}
	w.FillSlotsIfEmpty()
	if err := s.windows.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}

	s.logger.Info().
		Str("window_id", w.ID.String()).
		Str("label", w.Label()).
		Int("slots", w.Slots.Len()).
		Msg("availability window created")
	return w, nil
}

func (s *Service) GetWindow(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	return s.windows.GetByID(ctx, id)
}

func (s *Service) SearchWindows(ctx context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error) {
	return s.windows.Search(ctx, f, limit, offset)
}

// UpdateWindow re-validates and saves a doctor's edit. An existing slot map
// is kept as is; it is only generated when the window has none.
func (s *Service) UpdateWindow(ctx context.Context, id uuid.UUID, in WindowInput) (*AvailabilityWindow, error) {
	if in.DoctorID != uuid.Nil {
		if err := s.checkIdentity(ctx, "doctor", in.DoctorID, s.identity.DoctorExists); err != nil {
			return nil, err
		}
	}
	if in.ClinicID != uuid.Nil {
		if err := s.checkIdentity(ctx, "clinic", in.ClinicID, s.identity.ClinicExists); err != nil {
			return nil, err
		}
	}

	var out *AvailabilityWindow
	err := s.withRetry(ctx, "window.update", func(ctx context.Context) error {
		w, err := s.windows.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if in.DoctorID != uuid.Nil {
			w.DoctorID = in.DoctorID
		}
		if in.ClinicID != uuid.Nil {
			w.ClinicID = in.ClinicID
		}
		if !in.Start.IsZero() {
			w.Start = in.Start
		}
		if !in.End.IsZero() {
			w.End = in.End
		}
		if in.SlotDurationMinutes != 0 {
			w.SlotDuration = time.Duration(in.SlotDurationMinutes) * time.Minute
		}
		if in.BreakDurationMinutes != 0 {
			w.BreakDuration = time.Duration(in.BreakDurationMinutes) * time.Minute
		}

		if err := ValidateWindow(w.Start, w.End, w.SlotDuration, w.BreakDuration, s.now()); err != nil {
			return err
		}
		w.FillSlotsIfEmpty()
		if err := s.windows.Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, out)
	return out, nil
}

// ReplaceSlots overwrites a window's slot map with an externally supplied
// one. Keys held by a reservation are forced closed; an empty map is
// regenerated from the window's times.
func (s *Service) ReplaceSlots(ctx context.Context, id uuid.UUID, slots *SlotMap) (*AvailabilityWindow, error) {
	var out *AvailabilityWindow
	err := s.withRetry(ctx, "window.replace_slots", func(ctx context.Context) error {
		w, err := s.windows.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		w.Slots = slots.Clone()
		w.FillSlotsIfEmpty()

		held, err := s.reservations.HeldKeys(ctx, id)
		if err != nil {
			return err
		}
		for key := range held {
			if _, ok := w.Slots.State(key); ok {
				if err := w.Slots.SetState(key, false); err != nil {
					return err
				}
			}
		}

		if err := s.windows.UpdateSlots(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, out)
	s.logger.Info().Str("window_id", id.String()).Int("slots", out.Slots.Len()).Msg("slot map replaced")
	return out, nil
}

// DeleteWindow removes the window together with its reservations.
func (s *Service) DeleteWindow(ctx context.Context, id uuid.UUID) error {
	if err := s.windows.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// DeleteClinicWindows removes every window held at a clinic. It backs the
// directory's clinic cleanup hook.
func (s *Service) DeleteClinicWindows(ctx context.Context, clinicID uuid.UUID) (int, error) {
	windows, _, err := s.windows.Search(ctx, WindowFilter{ClinicID: &clinicID}, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list clinic windows: %w", err)
	}
	deleted := 0
	for _, w := range windows {
		if err := s.DeleteWindow(ctx, w.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return deleted, err
		}
		deleted++
	}
	s.logger.Info().Str("clinic_id", clinicID.String()).Int("windows", deleted).Msg("clinic windows removed")
	return deleted, nil
}

// ListOpenSlots returns the window's open keys in chronological order.
func (s *Service) ListOpenSlots(ctx context.Context, windowID uuid.UUID) ([]string, error) {
	if s.cache != nil {
		keys, ok, err := s.cache.Get(ctx, windowID)
		if err != nil {
			s.logger.Warn().Err(err).Str("window_id", windowID.String()).Msg("open slot cache read failed")
		} else if ok {
			return keys, nil
		}
	}

	w, err := s.windows.GetByID(ctx, windowID)
	if err != nil {
		return nil, err
	}
	open := w.OpenSlots()

	if s.cache != nil {
		if err := s.cache.Set(ctx, windowID, w.VersionID, open); err != nil {
			s.logger.Warn().Err(err).Str("window_id", windowID.String()).Msg("open slot cache write failed")
		}
	}
	return open, nil
}

// -- Reservations --

// CreateReservation claims slotKey in the window for the patient. The window
// row stays locked from the slot check until the slot is closed.
func (s *Service) CreateReservation(ctx context.Context, patientID, windowID uuid.UUID, slotKey string) (*Reservation, error) {
	if err := s.checkIdentity(ctx, "patient", patientID, s.identity.PatientExists); err != nil {
		return nil, err
	}

	var (
		res    *Reservation
		booked *AvailabilityWindow
	)
	err := s.withRetry(ctx, "reservation.create", func(ctx context.Context) error {
		w, err := s.windows.GetForUpdate(ctx, windowID)
		if err != nil {
			return err
		}
		if err := requireOpen(w, slotKey); err != nil {
			return err
		}
		if _, err := s.reservations.GetByPatientWindow(ctx, patientID, windowID); err == nil {
			return ErrDuplicateBooking
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		r := &Reservation{PatientID: patientID, WindowID: windowID, SlotKey: slotKey}
		if err := s.reservations.Create(ctx, r); err != nil {
			return err
		}
		if err := s.writeSlot(ctx, w, slotKey, false); err != nil {
			return err
		}
		res, booked = r, w
		return nil
	}, attribute.String("window_id", windowID.String()), attribute.String("slot_key", slotKey))
	if err != nil {
		s.refused(ctx, err)
		return nil, err
	}

	s.metrics.Booked(ctx)
	s.refresh(ctx, booked)
	s.publish(ctx, events.SlotClosed, windowID, slotKey, res.ID)
	s.logger.Info().
		Str("reservation_id", res.ID.String()).
		Str("window_id", windowID.String()).
		Str("slot_key", slotKey).
		Msg("reservation created")
	return res, nil
}

// CancelReservation reopens the reserved slot, if it still exists, and
// deletes the reservation.
func (s *Service) CancelReservation(ctx context.Context, reservationID uuid.UUID) error {
	var (
		released *Reservation
		window   *AvailabilityWindow
	)
	err := s.withRetry(ctx, "reservation.cancel", func(ctx context.Context) error {
		r, err := s.lockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		w := r.window

		if _, ok := w.Slots.State(r.SlotKey); ok {
			if err := s.writeSlot(ctx, w, r.SlotKey, true); err != nil {
				return err
			}
		}
		if err := s.reservations.Delete(ctx, r.ID); err != nil {
			return err
		}
		released, window = r.Reservation, w
		return nil
	}, attribute.String("reservation_id", reservationID.String()))
	if err != nil {
		return err
	}

	s.metrics.Cancelled(ctx)
	s.refresh(ctx, window)
	s.publish(ctx, events.SlotOpened, released.WindowID, released.SlotKey, released.ID)
	s.logger.Info().
		Str("reservation_id", released.ID.String()).
		Str("window_id", released.WindowID.String()).
		Str("slot_key", released.SlotKey).
		Msg("reservation cancelled")
	return nil
}

// UpdateReservationSlot moves a reservation to another slot of the same
// window, releasing the old slot in the same transaction.
func (s *Service) UpdateReservationSlot(ctx context.Context, reservationID uuid.UUID, newKey string) (*Reservation, error) {
	var (
		moved  *Reservation
		window *AvailabilityWindow
		oldKey string
	)
	err := s.withRetry(ctx, "reservation.move", func(ctx context.Context) error {
		r, err := s.lockReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		w := r.window
		oldKey = r.SlotKey
		if oldKey == newKey {
			moved = r.Reservation
			return nil
		}

		if err := requireOpen(w, newKey); err != nil {
			return err
		}
		// The patient's only reservation in this window is r itself.
		if other, err := s.reservations.GetByPatientWindow(ctx, r.PatientID, w.ID); err == nil && other.ID != r.ID {
			return ErrDuplicateBooking
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if _, ok := w.Slots.State(oldKey); ok {
			if err := w.Slots.SetState(oldKey, true); err != nil {
				return err
			}
		}
		if err := s.writeSlot(ctx, w, newKey, false); err != nil {
			return err
		}
		r.SlotKey = newKey
		if err := s.reservations.UpdateSlot(ctx, r.Reservation); err != nil {
			return err
		}
		moved, window = r.Reservation, w
		return nil
	}, attribute.String("reservation_id", reservationID.String()), attribute.String("slot_key", newKey))
	if err != nil {
		s.refused(ctx, err)
		return nil, err
	}
	if oldKey == newKey {
		return moved, nil
	}

	s.metrics.Moved(ctx)
	s.refresh(ctx, window)
	s.publish(ctx, events.SlotOpened, moved.WindowID, oldKey, moved.ID)
	s.publish(ctx, events.SlotClosed, moved.WindowID, newKey, moved.ID)
	s.logger.Info().
		Str("reservation_id", moved.ID.String()).
		Str("from", oldKey).
		Str("to", newKey).
		Msg("reservation moved")
	return moved, nil
}

func (s *Service) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return s.reservations.GetByID(ctx, id)
}

func (s *Service) ListReservations(ctx context.Context, f ReservationFilter, limit, offset int) ([]*Reservation, int, error) {
	return s.reservations.List(ctx, f, limit, offset)
}

// -- internals --

type lockedReservation struct {
	*Reservation
	window *AvailabilityWindow
}

// lockReservation finds the reservation's window, locks it, then re-reads
// the reservation under the lock. Locks are always taken window first.
func (s *Service) lockReservation(ctx context.Context, id uuid.UUID) (*lockedReservation, error) {
	r, err := s.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	w, err := s.windows.GetForUpdate(ctx, r.WindowID)
	if err != nil {
		return nil, err
	}
	r, err = s.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &lockedReservation{Reservation: r, window: w}, nil
}

func requireOpen(w *AvailabilityWindow, key string) error {
	open, ok := w.Slots.State(key)
	if !ok {
		return unavailablef("slot %q does not exist in window %s", key, w.ID)
	}
	if !open {
		return unavailablef("slot %q in window %s is already taken", key, w.ID)
	}
	return nil
}

// writeSlot flips one key and persists the slot map under the version guard.
func (s *Service) writeSlot(ctx context.Context, w *AvailabilityWindow, key string, open bool) error {
	if err := w.Slots.SetState(key, open); err != nil {
		return err
	}
	if err := validateStructure(w.Start, w.End, w.SlotDuration, w.BreakDuration); err != nil {
		return err
	}
	return s.windows.UpdateSlots(ctx, w)
}

// withRetry runs fn in a transaction inside a span, replaying it when the
// slot map version moved underneath.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) (err error) {
	ctx, span := telemetry.StartSpan(ctx, op, attrs...)
	defer func() { telemetry.EndSpan(span, err) }()

	for attempt := 1; ; attempt++ {
		err = s.tx.RunInTx(ctx, fn)
		if !errors.Is(err, ErrStateConflict) {
			return err
		}
		s.metrics.Conflict(ctx)
		if attempt >= s.maxRetries {
			return err
		}
		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("slot state conflict, retrying")
	}
}

func (s *Service) refused(ctx context.Context, err error) {
	var re *ReservationError
	if errors.As(err, &re) {
		s.metrics.Refused(ctx, string(re.Kind))
		s.logger.Debug().Err(err).Msg("reservation refused")
	}
}

func (s *Service) invalidate(ctx context.Context, windowID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, windowID); err != nil {
		s.logger.Warn().Err(err).Str("window_id", windowID.String()).Msg("open slot cache invalidation failed")
	}
}

// refresh writes the committed window's open list through to the cache. If
// that fails the entry is invalidated so it cannot serve the old list.
func (s *Service) refresh(ctx context.Context, w *AvailabilityWindow) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, w.ID, w.VersionID, w.OpenSlots()); err != nil {
		s.logger.Warn().Err(err).Str("window_id", w.ID.String()).Msg("open slot cache write-through failed")
		s.invalidate(ctx, w.ID)
	}
}

func (s *Service) publish(ctx context.Context, kind string, windowID uuid.UUID, key string, reservationID uuid.UUID) {
	err := s.events.Publish(ctx, events.SlotEvent{
		Type:          kind,
		Tenant:        db.TenantFromContext(ctx),
		WindowID:      windowID,
		SlotKey:       key,
		ReservationID: reservationID,
		At:            s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("type", kind).Msg("slot event not published")
	}
}
