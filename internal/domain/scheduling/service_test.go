package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/booking/internal/platform/events"
)

// -- Fakes --

type fakeIdentity struct {
	known map[uuid.UUID]bool
}

func (f *fakeIdentity) add() uuid.UUID {
	id := uuid.New()
	f.known[id] = true
	return id
}

func (f *fakeIdentity) DoctorExists(_ context.Context, id uuid.UUID) (bool, error) {
	return f.known[id], nil
}

func (f *fakeIdentity) ClinicExists(_ context.Context, id uuid.UUID) (bool, error) {
	return f.known[id], nil
}

func (f *fakeIdentity) PatientExists(_ context.Context, id uuid.UUID) (bool, error) {
	return f.known[id], nil
}

type cacheEntry struct {
	version int64
	keys    []string
	deleted bool
}

// fakeCache keeps the newest version per window, like the redis cache.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[uuid.UUID]cacheEntry
	gets        int
	invalidated int
	failGet     bool
	failSet     bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[uuid.UUID]cacheEntry)}
}

func (c *fakeCache) Get(_ context.Context, id uuid.UUID) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGet {
		return nil, false, errors.New("cache down")
	}
	e, ok := c.entries[id]
	if !ok || e.deleted {
		return nil, false, nil
	}
	return e.keys, true, nil
}

func (c *fakeCache) Set(_ context.Context, id uuid.UUID, version int64, keys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSet {
		return errors.New("cache down")
	}
	if cur, ok := c.entries[id]; ok && (cur.deleted || cur.version >= version) {
		return nil
	}
	c.entries[id] = cacheEntry{version: version, keys: keys}
	return nil
}

func (c *fakeCache) Invalidate(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
	c.entries[id] = cacheEntry{deleted: true}
	return nil
}

func (c *fakeCache) entry(id uuid.UUID) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return e, ok
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.SlotEvent
}

func (p *fakePublisher) Publish(_ context.Context, e events.SlotEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

// flakyWindows loses the version race on the first n slot writes.
type flakyWindows struct {
	WindowRepository
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyWindows) UpdateSlots(ctx context.Context, w *AvailabilityWindow) error {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return ErrStateConflict
	}
	return f.WindowRepository.UpdateSlots(ctx, w)
}

// -- Helpers --

var testNow = time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type fixture struct {
	svc      *Service
	store    *MemoryStore
	identity *fakeIdentity
	doctor   uuid.UUID
	clinic   uuid.UUID
}

func newFixture(opts ...Option) *fixture {
	store := NewMemoryStore()
	ident := &fakeIdentity{known: make(map[uuid.UUID]bool)}
	opts = append([]Option{WithClock(fixedClock)}, opts...)
	return &fixture{
		svc:      NewService(store.Windows(), store.Reservations(), store, ident, opts...),
		store:    store,
		identity: ident,
		doctor:   ident.add(),
		clinic:   ident.add(),
	}
}

func at(hour, min int) time.Time {
	return time.Date(2025, 1, 1, hour, min, 0, 0, time.UTC)
}

func (f *fixture) window(t *testing.T, start, end time.Time, slotMin, breakMin int) *AvailabilityWindow {
	t.Helper()
	w, err := f.svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID:             f.doctor,
		ClinicID:             f.clinic,
		Start:                start,
		End:                  end,
		SlotDurationMinutes:  slotMin,
		BreakDurationMinutes: breakMin,
	})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	return w
}

func assertOpen(t *testing.T, svc *Service, windowID uuid.UUID, want ...string) {
	t.Helper()
	got, err := svc.ListOpenSlots(context.Background(), windowID)
	if err != nil {
		t.Fatalf("list open slots: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("open slots = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("open slots = %v, want %v", got, want)
		}
	}
}

// -- Window Tests --

func TestService_CreateWindow(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)

	if w.ID == uuid.Nil {
		t.Error("expected ID to be set")
	}
	if w.VersionID != 1 {
		t.Errorf("expected version 1, got %d", w.VersionID)
	}
	if w.SlotDuration != 10*time.Minute {
		t.Errorf("expected 10m slots, got %s", w.SlotDuration)
	}
	assertOpen(t, f.svc, w.ID, "09:00", "09:10", "09:20")
}

func TestService_CreateWindow_DefaultDurations(t *testing.T) {
	f := newFixture(WithDefaultDurations(15*time.Minute, 5*time.Minute))
	w := f.window(t, at(9, 0), at(10, 0), 0, 0)

	if w.SlotDuration != 15*time.Minute || w.BreakDuration != 5*time.Minute {
		t.Errorf("unexpected durations %s/%s", w.SlotDuration, w.BreakDuration)
	}
	assertOpen(t, f.svc, w.ID, "09:00", "09:20", "09:40")
}

func TestService_CreateWindow_TemporalRules(t *testing.T) {
	tests := []struct {
		name       string
		start, end time.Time
		slot, brk  int
		want       error
	}{
		{"past", time.Date(2024, 12, 30, 9, 0, 0, 0, time.UTC), time.Date(2024, 12, 30, 10, 0, 0, 0, time.UTC), 10, 0, ErrPastDate},
		{"cross day", at(23, 0), time.Date(2025, 1, 2, 1, 0, 0, 0, time.UTC), 10, 0, ErrCrossDay},
		{"shorter than a slot", at(9, 0), at(9, 5), 10, 0, ErrTooShort},
		{"exactly one slot", at(9, 0), at(9, 10), 10, 0, ErrTooShort},
		{"break leaves no room", at(9, 0), at(9, 15), 10, 10, ErrTooShort},
		{"negative slot", at(9, 0), at(10, 0), -10, 0, ErrInvalidDuration},
		{"negative break", at(9, 0), at(10, 0), 10, -5, ErrInvalidDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.CreateAvailabilityWindow(context.Background(), WindowInput{
				DoctorID: f.doctor, ClinicID: f.clinic,
				Start: tt.start, End: tt.end,
				SlotDurationMinutes: tt.slot, BreakDurationMinutes: tt.brk,
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrTemporal) {
				t.Error("expected a temporal error")
			}
			_, total, _ := f.svc.SearchWindows(context.Background(), WindowFilter{}, 10, 0)
			if total != 0 {
				t.Errorf("expected nothing stored, got %d windows", total)
			}
		})
	}
}

func TestService_CreateWindow_UnknownIdentity(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID: uuid.New(), ClinicID: f.clinic, Start: at(9, 0), End: at(10, 0),
	})
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	_, err = f.svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID: f.doctor, Start: at(9, 0), End: at(10, 0),
	})
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity for missing clinic, got %v", err)
	}
}

func TestService_UpdateWindow_KeepsSlotMap(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	patient := f.identity.add()
	if _, err := f.svc.CreateReservation(context.Background(), patient, w.ID, "09:10"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	updated, err := f.svc.UpdateWindow(context.Background(), w.ID, WindowInput{End: at(10, 0)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.End.Equal(at(10, 0)) {
		t.Errorf("expected end 10:00, got %s", updated.End)
	}
	// Slots are not regenerated for the longer window.
	assertOpen(t, f.svc, w.ID, "09:00", "09:20")
}

func TestService_UpdateWindow_Invalid(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)

	_, err := f.svc.UpdateWindow(context.Background(), w.ID, WindowInput{End: at(9, 5)})
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	got, _ := f.svc.GetWindow(context.Background(), w.ID)
	if !got.End.Equal(at(9, 30)) {
		t.Errorf("window changed despite rejected edit: %s", got.End)
	}
	if got.VersionID != w.VersionID {
		t.Errorf("version moved from %d to %d", w.VersionID, got.VersionID)
	}
}

func TestService_UpdateWindow_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.UpdateWindow(context.Background(), uuid.New(), WindowInput{End: at(10, 0)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_ReplaceSlots(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	patient := f.identity.add()
	if _, err := f.svc.CreateReservation(context.Background(), patient, w.ID, "09:00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	override := NewSlotMap()
	override.put("09:00", true)
	override.put("09:15", true)
	override.put("09:45", false)

	got, err := f.svc.ReplaceSlots(context.Background(), w.ID, override)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got.Slots.Len() != 3 {
		t.Fatalf("expected 3 keys, got %v", got.Slots.Keys())
	}
	// 09:00 is held by a reservation and stays closed.
	assertOpen(t, f.svc, w.ID, "09:15")
}

func TestService_ReplaceSlots_EmptyRegenerates(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)

	got, err := f.svc.ReplaceSlots(context.Background(), w.ID, NewSlotMap())
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !got.Slots.Equal(GenerateSlots(at(9, 0), at(9, 30), 10*time.Minute, 0)) {
		t.Errorf("expected regenerated map, got %v", got.Slots.Keys())
	}
}

func TestService_DeleteWindow_Cascades(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	r, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:00")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := f.svc.DeleteWindow(context.Background(), w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetReservation(context.Background(), r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected reservation to be removed, got %v", err)
	}
	if err := f.svc.DeleteWindow(context.Background(), w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestService_DeleteClinicWindows(t *testing.T) {
	f := newFixture()
	f.window(t, at(9, 0), at(10, 0), 10, 0)
	f.window(t, at(14, 0), at(15, 0), 10, 0)
	otherClinic := f.identity.add()
	kept, err := f.svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID: f.doctor, ClinicID: otherClinic, Start: at(11, 0), End: at(12, 0),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := f.svc.DeleteClinicWindows(context.Background(), f.clinic)
	if err != nil {
		t.Fatalf("delete clinic windows: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 windows removed, got %d", n)
	}
	if _, err := f.svc.GetWindow(context.Background(), kept.ID); err != nil {
		t.Errorf("window at another clinic should survive: %v", err)
	}
}

func TestService_SearchWindows(t *testing.T) {
	f := newFixture()
	f.window(t, at(9, 0), at(10, 0), 10, 0)
	f.window(t, at(14, 0), at(15, 0), 10, 0)
	other := f.identity.add()
	_, err := f.svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID: other, ClinicID: f.clinic,
		Start: time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC), End: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	items, total, err := f.svc.SearchWindows(context.Background(), WindowFilter{DoctorID: &f.doctor}, 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 windows, got %d/%d", len(items), total)
	}
	if !items[0].Start.Before(items[1].Start) {
		t.Error("expected windows ordered by start")
	}

	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	items, total, _ = f.svc.SearchWindows(context.Background(), WindowFilter{Date: &day}, 10, 0)
	if total != 1 || items[0].DoctorID != other {
		t.Errorf("expected the 2 January window only, got %d", total)
	}

	items, total, _ = f.svc.SearchWindows(context.Background(), WindowFilter{ClinicID: &f.clinic}, 2, 2)
	if total != 3 || len(items) != 1 {
		t.Errorf("expected page of 1 from 3, got %d/%d", len(items), total)
	}
}

// -- Reservation Tests --

func TestService_CreateReservation(t *testing.T) {
	pub := &fakePublisher{}
	f := newFixture(WithPublisher(pub))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	patient := f.identity.add()

	r, err := f.svc.CreateReservation(context.Background(), patient, w.ID, "09:10")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.ID == uuid.Nil || r.SlotKey != "09:10" {
		t.Errorf("unexpected reservation %+v", r)
	}
	assertOpen(t, f.svc, w.ID, "09:00", "09:20")

	if len(pub.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Type != events.SlotClosed || ev.SlotKey != "09:10" || ev.ReservationID != r.ID {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestService_CreateReservation_Refusals(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	first := f.identity.add()
	if _, err := f.svc.CreateReservation(context.Background(), first, w.ID, "09:00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	tests := []struct {
		name    string
		patient uuid.UUID
		window  uuid.UUID
		key     string
		want    error
	}{
		{"taken slot", f.identity.add(), w.ID, "09:00", ErrSlotUnavailable},
		{"unknown key", f.identity.add(), w.ID, "09:05", ErrSlotUnavailable},
		{"second booking in window", first, w.ID, "09:20", ErrDuplicateBooking},
		{"unknown patient", uuid.New(), w.ID, "09:20", ErrUnknownIdentity},
		{"unknown window", f.identity.add(), uuid.New(), "09:20", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateReservation(context.Background(), tt.patient, tt.window, tt.key)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	assertOpen(t, f.svc, w.ID, "09:10", "09:20")
}

func TestService_CreateReservation_Concurrent(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)

	const n = 20
	patients := make([]uuid.UUID, n)
	for i := range patients {
		patients[i] = f.identity.add()
	}

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok          int
		unavailable int
	)
	for _, p := range patients {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.CreateReservation(context.Background(), p, w.ID, "09:10")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSlotUnavailable):
				unavailable++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(p)
	}
	wg.Wait()

	if ok != 1 || unavailable != n-1 {
		t.Fatalf("expected 1 success and %d refusals, got %d/%d", n-1, ok, unavailable)
	}
	held, _ := f.store.Reservations().HeldKeys(context.Background(), w.ID)
	if len(held) != 1 || !held["09:10"] {
		t.Errorf("unexpected held keys %v", held)
	}
}

func TestService_CancelReservation_RestoresSlots(t *testing.T) {
	pub := &fakePublisher{}
	f := newFixture(WithPublisher(pub))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	before, _ := f.svc.GetWindow(context.Background(), w.ID)

	r, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:20")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := f.svc.CancelReservation(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after, _ := f.svc.GetWindow(context.Background(), w.ID)
	if !after.Slots.Equal(before.Slots) {
		t.Errorf("slot map not restored: %v", after.OpenSlots())
	}
	if _, err := f.svc.GetReservation(context.Background(), r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected reservation removed, got %v", err)
	}
	if len(pub.events) != 2 || pub.events[1].Type != events.SlotOpened {
		t.Errorf("expected closed then opened events, got %+v", pub.events)
	}
	if err := f.svc.CancelReservation(context.Background(), r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second cancel, got %v", err)
	}
}

func TestService_CancelReservation_VanishedKey(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	r, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:10")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	override := NewSlotMap()
	override.put("09:00", true)
	if _, err := f.svc.ReplaceSlots(context.Background(), w.ID, override); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if err := f.svc.CancelReservation(context.Background(), r.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := f.svc.GetWindow(context.Background(), w.ID)
	if _, ok := got.Slots.State("09:10"); ok {
		t.Error("cancel must not re-add a removed key")
	}
	assertOpen(t, f.svc, w.ID, "09:00")
}

func TestService_UpdateReservationSlot(t *testing.T) {
	pub := &fakePublisher{}
	f := newFixture(WithPublisher(pub))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	r, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:00")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	moved, err := f.svc.UpdateReservationSlot(context.Background(), r.ID, "09:20")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.SlotKey != "09:20" {
		t.Errorf("expected 09:20, got %s", moved.SlotKey)
	}
	assertOpen(t, f.svc, w.ID, "09:00", "09:10")
	if len(pub.events) != 3 {
		t.Errorf("expected 3 events, got %d", len(pub.events))
	}

	stored, _ := f.svc.GetReservation(context.Background(), r.ID)
	if stored.SlotKey != "09:20" {
		t.Errorf("stored reservation not moved: %s", stored.SlotKey)
	}
}

func TestService_UpdateReservationSlot_SameKey(t *testing.T) {
	pub := &fakePublisher{}
	f := newFixture(WithPublisher(pub))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	r, _ := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:10")
	before, _ := f.svc.GetWindow(context.Background(), w.ID)

	got, err := f.svc.UpdateReservationSlot(context.Background(), r.ID, "09:10")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got.SlotKey != "09:10" {
		t.Errorf("unexpected key %s", got.SlotKey)
	}
	after, _ := f.svc.GetWindow(context.Background(), w.ID)
	if after.VersionID != before.VersionID {
		t.Error("no-op move must not write the window")
	}
	if len(pub.events) != 1 {
		t.Errorf("no-op move must not publish, got %d events", len(pub.events))
	}
}

func TestService_UpdateReservationSlot_Taken(t *testing.T) {
	f := newFixture()
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	a, _ := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:00")
	if _, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:10"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	_, err := f.svc.UpdateReservationSlot(context.Background(), a.ID, "09:10")
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
	// The failed move leaves the old slot closed.
	assertOpen(t, f.svc, w.ID, "09:20")
}

// -- Retry and rollback --

func TestService_RetriesOnStateConflict(t *testing.T) {
	store := NewMemoryStore()
	ident := &fakeIdentity{known: make(map[uuid.UUID]bool)}
	doctor, clinic, patient := ident.add(), ident.add(), ident.add()
	flaky := &flakyWindows{WindowRepository: store.Windows(), fails: 2}
	svc := NewService(flaky, store.Reservations(), store, ident, WithClock(fixedClock), WithMaxRetries(3))

	w, err := svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID: doctor, ClinicID: clinic, Start: at(9, 0), End: at(9, 30),
	})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}
	if _, err := svc.CreateReservation(context.Background(), patient, w.ID, "09:00"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.calls)
	}
	_, total, _ := svc.ListReservations(context.Background(), ReservationFilter{WindowID: &w.ID}, 10, 0)
	if total != 1 {
		t.Errorf("expected exactly 1 reservation, got %d", total)
	}
}

func TestService_StateConflictRollsBack(t *testing.T) {
	store := NewMemoryStore()
	ident := &fakeIdentity{known: make(map[uuid.UUID]bool)}
	doctor, clinic, patient := ident.add(), ident.add(), ident.add()
	flaky := &flakyWindows{WindowRepository: store.Windows(), fails: 5}
	svc := NewService(flaky, store.Reservations(), store, ident, WithClock(fixedClock), WithMaxRetries(2))

	w, _ := svc.CreateAvailabilityWindow(context.Background(), WindowInput{
		DoctorID: doctor, ClinicID: clinic, Start: at(9, 0), End: at(9, 30),
	})
	_, err := svc.CreateReservation(context.Background(), patient, w.ID, "09:00")
	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	if _, err := store.Reservations().GetByPatientWindow(context.Background(), patient, w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("reservation survived rollback: %v", err)
	}
	assertOpen(t, svc, w.ID, "09:00", "09:10", "09:20")
}

// -- Cache --

func TestService_ListOpenSlots_Cache(t *testing.T) {
	cache := newFakeCache()
	f := newFixture(WithCache(cache))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)

	assertOpen(t, f.svc, w.ID, "09:00", "09:10", "09:20")
	if e, ok := cache.entry(w.ID); !ok || e.version != 1 {
		t.Fatalf("expected open slots cached at version 1, got %+v", e)
	}

	if _, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	e, _ := cache.entry(w.ID)
	if e.version != 2 || len(e.keys) != 2 || e.keys[0] != "09:10" {
		t.Errorf("expected the booking to write version 2 through, got %+v", e)
	}

	gets := cache.gets
	assertOpen(t, f.svc, w.ID, "09:10", "09:20")
	if cache.gets != gets+1 {
		t.Error("expected the next read to be served from the cache")
	}
}

// readThenBook commits a booking after GetByID has loaded the window and
// before the caller gets to fill the cache with what it read.
type readThenBook struct {
	WindowRepository
	book func()
}

func (r *readThenBook) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	w, err := r.WindowRepository.GetByID(ctx, id)
	if err == nil && r.book != nil {
		book := r.book
		r.book = nil
		book()
	}
	return w, err
}

func TestService_ListOpenSlots_StaleFillDoesNotHideBooking(t *testing.T) {
	store := NewMemoryStore()
	ident := &fakeIdentity{known: make(map[uuid.UUID]bool)}
	windows := &readThenBook{WindowRepository: store.Windows()}
	cache := newFakeCache()
	svc := NewService(windows, store.Reservations(), store, ident, WithClock(fixedClock), WithCache(cache))
	ctx := context.Background()

	w, err := svc.CreateAvailabilityWindow(ctx, WindowInput{
		DoctorID: ident.add(), ClinicID: ident.add(),
		Start: at(9, 0), End: at(9, 30), SlotDurationMinutes: 10,
	})
	if err != nil {
		t.Fatalf("create window: %v", err)
	}

	patient := ident.add()
	windows.book = func() {
		if _, err := svc.CreateReservation(ctx, patient, w.ID, "09:00"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}

	// This read loaded the window before the booking and may answer with it.
	if _, err := svc.ListOpenSlots(ctx, w.ID); err != nil {
		t.Fatalf("list open slots: %v", err)
	}
	assertOpen(t, svc, w.ID, "09:10", "09:20")
	if e, _ := cache.entry(w.ID); e.version != 2 {
		t.Errorf("expected cached version 2, got %d", e.version)
	}
}

func TestService_WriteThroughFailureInvalidates(t *testing.T) {
	cache := newFakeCache()
	f := newFixture(WithCache(cache))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	assertOpen(t, f.svc, w.ID, "09:00", "09:10", "09:20")

	cache.failSet = true
	if _, err := f.svc.CreateReservation(context.Background(), f.identity.add(), w.ID, "09:00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if cache.invalidated != 1 {
		t.Errorf("expected the entry to be invalidated, got %d invalidations", cache.invalidated)
	}
	assertOpen(t, f.svc, w.ID, "09:10", "09:20")
}

func TestService_DeleteWindowInvalidatesCache(t *testing.T) {
	cache := newFakeCache()
	f := newFixture(WithCache(cache))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)
	assertOpen(t, f.svc, w.ID, "09:00", "09:10", "09:20")

	if err := f.svc.DeleteWindow(context.Background(), w.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.ListOpenSlots(context.Background(), w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestService_ListOpenSlots_CacheFailureFallsThrough(t *testing.T) {
	cache := newFakeCache()
	cache.failGet = true
	f := newFixture(WithCache(cache))
	w := f.window(t, at(9, 0), at(9, 30), 10, 0)

	assertOpen(t, f.svc, w.ID, "09:00", "09:10", "09:20")
	if cache.gets != 1 {
		t.Errorf("expected 1 cache read, got %d", cache.gets)
	}
}
