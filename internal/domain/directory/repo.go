package directory

import (
	"context"

	"github.com/google/uuid"
)

type ClinicRepository interface {
	Create(ctx context.Context, c *Clinic) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	Update(ctx context.Context, c *Clinic) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Clinic, int, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
}

// PeopleRepository records which user ids hold a doctor or patient profile.
// Register is idempotent.
type PeopleRepository interface {
	Register(ctx context.Context, role Role, id uuid.UUID) error
	Exists(ctx context.Context, role Role, id uuid.UUID) (bool, error)
}
