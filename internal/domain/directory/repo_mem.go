package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore backs both directory repositories when no database is
// configured.
type MemoryStore struct {
	mu      sync.RWMutex
	clinics map[uuid.UUID]*Clinic
	people  map[Role]map[uuid.UUID]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clinics: make(map[uuid.UUID]*Clinic),
		people: map[Role]map[uuid.UUID]bool{
			RoleDoctor:  {},
			RolePatient: {},
		},
	}
}

func (s *MemoryStore) Clinics() ClinicRepository { return memClinics{s} }

func (s *MemoryStore) People() PeopleRepository { return memPeople{s} }

type memClinics struct{ s *MemoryStore }

func (m memClinics) Create(_ context.Context, c *Clinic) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	cp := *c
	m.s.clinics[c.ID] = &cp
	return nil
}

func (m memClinics) GetByID(_ context.Context, id uuid.UUID) (*Clinic, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	c, ok := m.s.clinics[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m memClinics) Update(_ context.Context, c *Clinic) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	prev, ok := m.s.clinics[c.ID]
	if !ok {
		return ErrNotFound
	}
	c.CreatedAt = prev.CreatedAt
	c.UpdatedAt = time.Now()
	cp := *c
	m.s.clinics[c.ID] = &cp
	return nil
}

func (m memClinics) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.clinics[id]; !ok {
		return ErrNotFound
	}
	delete(m.s.clinics, id)
	return nil
}

func (m memClinics) List(_ context.Context, limit, offset int) ([]*Clinic, int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	all := make([]*Clinic, 0, len(m.s.clinics))
	for _, c := range m.s.clinics {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID.String() < all[j].ID.String()
	})

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	items := make([]*Clinic, len(all))
	for i, c := range all {
		cp := *c
		items[i] = &cp
	}
	return items, total, nil
}

func (m memClinics) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	_, ok := m.s.clinics[id]
	return ok, nil
}

type memPeople struct{ s *MemoryStore }

func (m memPeople) Register(_ context.Context, role Role, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	set, ok := m.s.people[role]
	if !ok {
		return ErrInvalid
	}
	set[id] = true
	return nil
}

func (m memPeople) Exists(_ context.Context, role Role, id uuid.UUID) (bool, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return m.s.people[role][id], nil
}
