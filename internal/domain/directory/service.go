package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClinicCleanup runs before a clinic is deleted so dependants can release
// what they hold for it.
type ClinicCleanup func(ctx context.Context, clinicID uuid.UUID) error

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClinicCleanup(fn ClinicCleanup) Option { return func(s *Service) { s.cleanup = fn } }

type Service struct {
	clinics ClinicRepository
	people  PeopleRepository
	cleanup ClinicCleanup
	logger  zerolog.Logger
}

func NewService(clinics ClinicRepository, people PeopleRepository, opts ...Option) *Service {
	s := &Service{clinics: clinics, people: people, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Clinic --

func validateClinic(c *Clinic) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(c.Name) > 255 {
		return fmt.Errorf("%w: name exceeds 255 characters", ErrInvalid)
	}
	return nil
}

func (s *Service) CreateClinic(ctx context.Context, c *Clinic) error {
	if err := validateClinic(c); err != nil {
		return err
	}
	if err := s.clinics.Create(ctx, c); err != nil {
		return fmt.Errorf("create clinic: %w", err)
	}
	s.logger.Info().Str("clinic_id", c.ID.String()).Msg("clinic created")
	return nil
}

func (s *Service) GetClinic(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	return s.clinics.GetByID(ctx, id)
}

func (s *Service) UpdateClinic(ctx context.Context, c *Clinic) error {
	if err := validateClinic(c); err != nil {
		return err
	}
	return s.clinics.Update(ctx, c)
}

// DeleteClinic removes the clinic. Its availability windows go with it.
func (s *Service) DeleteClinic(ctx context.Context, id uuid.UUID) error {
	if _, err := s.clinics.GetByID(ctx, id); err != nil {
		return err
	}
	if s.cleanup != nil {
		if err := s.cleanup(ctx, id); err != nil {
			return fmt.Errorf("release clinic %s: %w", id, err)
		}
	}
	if err := s.clinics.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("clinic_id", id.String()).Msg("clinic deleted")
	return nil
}

func (s *Service) ListClinics(ctx context.Context, limit, offset int) ([]*Clinic, int, error) {
	return s.clinics.List(ctx, limit, offset)
}

// -- People --

// OnUserCreated gives a freshly created user its doctor or patient profile.
// Delivering the same event twice is harmless.
func (s *Service) OnUserCreated(ctx context.Context, u UserCreated) error {
	if u.ID == uuid.Nil {
		return fmt.Errorf("%w: user id is required", ErrInvalid)
	}
	if err := s.people.Register(ctx, u.Role(), u.ID); err != nil {
		return fmt.Errorf("register %s %s: %w", u.Role(), u.ID, err)
	}
	s.logger.Info().Str("user_id", u.ID.String()).Str("role", string(u.Role())).Msg("profile registered")
	return nil
}

func (s *Service) DoctorExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.people.Exists(ctx, RoleDoctor, id)
}

func (s *Service) PatientExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.people.Exists(ctx, RolePatient, id)
}

func (s *Service) ClinicExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.clinics.Exists(ctx, id)
}
