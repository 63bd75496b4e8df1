package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps windows and reservations in process memory with the same
// locking and rollback behaviour as the Postgres repositories. GetForUpdate
// takes a per-window mutex held until the transaction ends; a failed
// transaction replays its undo log before the locks are released.
type MemoryStore struct {
	mu           sync.Mutex
	windows      map[uuid.UUID]*AvailabilityWindow
	reservations map[uuid.UUID]*Reservation
	locks        map[uuid.UUID]*sync.Mutex
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:      make(map[uuid.UUID]*AvailabilityWindow),
		reservations: make(map[uuid.UUID]*Reservation),
		locks:        make(map[uuid.UUID]*sync.Mutex),
		now:          time.Now,
	}
}

// Windows returns the store as a WindowRepository.
func (s *MemoryStore) Windows() WindowRepository { return memWindows{s} }

// Reservations returns the store as a ReservationRepository.
func (s *MemoryStore) Reservations() ReservationRepository { return memReservations{s} }

// Ping satisfies the health check.
func (s *MemoryStore) Ping(context.Context) error { return nil }

type memTxKey struct{}

type memTx struct {
	undo   []func()
	locked map[uuid.UUID]*sync.Mutex
}

func memTxFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{locked: make(map[uuid.UUID]*sync.Mutex)}
	committed := false
	// Also runs when fn panics.
	defer func() {
		if !committed {
			s.mu.Lock()
			for i := len(tx.undo) - 1; i >= 0; i-- {
				tx.undo[i]()
			}
			s.mu.Unlock()
		}
		for _, l := range tx.locked {
			l.Unlock()
		}
	}()

	err := fn(context.WithValue(ctx, memTxKey{}, tx))
	committed = err == nil
	return err
}

// record registers an undo step. Callers hold s.mu.
func (s *MemoryStore) record(ctx context.Context, undo func()) {
	if tx := memTxFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func (s *MemoryStore) windowLock(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// lockWindow takes the window's mutex. Inside a transaction it is held until
// the transaction ends and release is a no-op.
func (s *MemoryStore) lockWindow(ctx context.Context, id uuid.UUID) (release func()) {
	if tx := memTxFrom(ctx); tx != nil {
		if _, held := tx.locked[id]; !held {
			l := s.windowLock(id)
			l.Lock()
			tx.locked[id] = l
		}
		return func() {}
	}
	l := s.windowLock(id)
	l.Lock()
	return l.Unlock
}

func cloneWindow(w *AvailabilityWindow) *AvailabilityWindow {
	c := *w
	c.Slots = w.Slots.Clone()
	return &c
}

func cloneReservation(r *Reservation) *Reservation {
	c := *r
	return &c
}

// =========== Windows ===========

type memWindows struct{ s *MemoryStore }

func (m memWindows) Create(ctx context.Context, w *AvailabilityWindow) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	w.ID = uuid.New()
	w.VersionID = 1
	w.CreatedAt = s.now()
	w.UpdatedAt = w.CreatedAt
	s.windows[w.ID] = cloneWindow(w)
	id := w.ID
	s.record(ctx, func() { delete(s.windows, id) })
	return nil
}

func (m memWindows) GetByID(_ context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWindow(w), nil
}

func (m memWindows) GetForUpdate(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	tx := memTxFrom(ctx)
	if tx == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	m.s.lockWindow(ctx, id)
	return m.GetByID(ctx, id)
}

func (m memWindows) Update(ctx context.Context, w *AvailabilityWindow) error {
	return m.cas(ctx, w, func(stored *AvailabilityWindow) {
		stored.DoctorID = w.DoctorID
		stored.ClinicID = w.ClinicID
		stored.Start = w.Start
		stored.End = w.End
		stored.SlotDuration = w.SlotDuration
		stored.BreakDuration = w.BreakDuration
		stored.Slots = w.Slots.Clone()
	})
}

func (m memWindows) UpdateSlots(ctx context.Context, w *AvailabilityWindow) error {
	return m.cas(ctx, w, func(stored *AvailabilityWindow) {
		stored.Slots = w.Slots.Clone()
	})
}

func (m memWindows) cas(ctx context.Context, w *AvailabilityWindow, apply func(*AvailabilityWindow)) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.windows[w.ID]
	if !ok {
		return ErrNotFound
	}
	if prev.VersionID != w.VersionID {
		return ErrStateConflict
	}

	next := cloneWindow(prev)
	apply(next)
	next.VersionID++
	next.UpdatedAt = s.now()
	s.windows[w.ID] = next
	s.record(ctx, func() { s.windows[prev.ID] = prev })

	w.VersionID = next.VersionID
	w.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete removes the window and, like the foreign key, its reservations. It
// waits for any transaction holding the window, like a row delete does.
func (m memWindows) Delete(ctx context.Context, id uuid.UUID) error {
	s := m.s
	release := s.lockWindow(ctx, id)
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.windows, id)

	var removed []*Reservation
	for rid, r := range s.reservations {
		if r.WindowID == id {
			removed = append(removed, r)
			delete(s.reservations, rid)
		}
	}
	s.record(ctx, func() {
		s.windows[id] = w
		for _, r := range removed {
			s.reservations[r.ID] = r
		}
	})
	return nil
}

func (m memWindows) Search(_ context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*AvailabilityWindow
	for _, w := range s.windows {
		if f.DoctorID != nil && w.DoctorID != *f.DoctorID {
			continue
		}
		if f.ClinicID != nil && w.ClinicID != *f.ClinicID {
			continue
		}
		if f.Date != nil {
			day := time.Date(f.Date.Year(), f.Date.Month(), f.Date.Day(), 0, 0, 0, 0, f.Date.Location())
			if w.Start.Before(day) || !w.Start.Before(day.AddDate(0, 0, 1)) {
				continue
			}
		}
		matched = append(matched, w)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Start.Equal(matched[j].Start) {
			return matched[i].Start.Before(matched[j].Start)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	var items []*AvailabilityWindow
	for _, w := range page(matched, limit, offset) {
		items = append(items, cloneWindow(w))
	}
	return items, total, nil
}

// =========== Reservations ===========

type memReservations struct{ s *MemoryStore }

func (m memReservations) Create(ctx context.Context, r *Reservation) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.windows[r.WindowID]; !ok {
		return ErrNotFound
	}
	for _, existing := range s.reservations {
		if existing.PatientID == r.PatientID && existing.WindowID == r.WindowID {
			return ErrDuplicateBooking
		}
	}

	r.ID = uuid.New()
	r.CreatedAt = s.now()
	r.UpdatedAt = r.CreatedAt
	s.reservations[r.ID] = cloneReservation(r)
	id := r.ID
	s.record(ctx, func() { delete(s.reservations, id) })
	return nil
}

func (m memReservations) GetByID(_ context.Context, id uuid.UUID) (*Reservation, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneReservation(r), nil
}

func (m memReservations) GetByPatientWindow(_ context.Context, patientID, windowID uuid.UUID) (*Reservation, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reservations {
		if r.PatientID == patientID && r.WindowID == windowID {
			return cloneReservation(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m memReservations) UpdateSlot(ctx context.Context, r *Reservation) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.reservations[r.ID]
	if !ok {
		return ErrNotFound
	}
	next := cloneReservation(prev)
	next.SlotKey = r.SlotKey
	next.UpdatedAt = s.now()
	s.reservations[r.ID] = next
	s.record(ctx, func() { s.reservations[prev.ID] = prev })
	r.UpdatedAt = next.UpdatedAt
	return nil
}

func (m memReservations) Delete(ctx context.Context, id uuid.UUID) error {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.reservations[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.reservations, id)
	s.record(ctx, func() { s.reservations[id] = prev })
	return nil
}

func (m memReservations) List(_ context.Context, f ReservationFilter, limit, offset int) ([]*Reservation, int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*Reservation
	for _, r := range s.reservations {
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		if f.WindowID != nil && r.WindowID != *f.WindowID {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	var items []*Reservation
	for _, r := range page(matched, limit, offset) {
		items = append(items, cloneReservation(r))
	}
	return items, total, nil
}

func (m memReservations) HeldKeys(_ context.Context, windowID uuid.UUID) (map[string]bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	held := make(map[string]bool)
	for _, r := range s.reservations {
		if r.WindowID == windowID {
			held[r.SlotKey] = true
		}
	}
	return held, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
