package directory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

// Clinic maps to the clinic table. It is display data only.
type Clinic struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Address   string    `db:"address" json:"address"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Role is the profile a user gets when it is first registered.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// UserCreated is delivered once per new user account.
type UserCreated struct {
	ID       uuid.UUID `json:"id"`
	IsDoctor bool      `json:"is_doctor"`
}

func (u UserCreated) Role() Role {
	if u.IsDoctor {
		return RoleDoctor
	}
	return RolePatient
}
