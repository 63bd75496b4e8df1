package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/booking/internal/platform/db"
)

var dialect = goqu.Dialect("postgres")

// =========== Clinic Repository ===========

type clinicRepoPG struct{ pool *pgxpool.Pool }

func NewClinicRepoPG(pool *pgxpool.Pool) ClinicRepository { return &clinicRepoPG{pool: pool} }

func (r *clinicRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const clinicCols = `id, name, address, created_at, updated_at`

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	err := row.Scan(&c.ID, &c.Name, &c.Address, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *clinicRepoPG) Create(ctx context.Context, c *Clinic) error {
	c.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO clinic (id, name, address)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		c.ID, c.Name, c.Address,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *clinicRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	return scanClinic(r.conn(ctx).QueryRow(ctx, `SELECT `+clinicCols+` FROM clinic WHERE id = $1`, id))
}

func (r *clinicRepoPG) Update(ctx context.Context, c *Clinic) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE clinic SET name = $2, address = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Name, c.Address,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *clinicRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM clinic WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *clinicRepoPG) List(ctx context.Context, limit, offset int) ([]*Clinic, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM clinic`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := dialect.From("clinic").Prepared(true).
		Select("id", "name", "address", "created_at", "updated_at").
		Order(goqu.I("name").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list clinics: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Clinic
	for rows.Next() {
		c, err := scanClinic(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *clinicRepoPG) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clinic WHERE id = $1)`, id).Scan(&ok)
	return ok, err
}

// =========== People Repository ===========

type peopleRepoPG struct{ pool *pgxpool.Pool }

func NewPeopleRepoPG(pool *pgxpool.Pool) PeopleRepository { return &peopleRepoPG{pool: pool} }

func (r *peopleRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func roleTable(role Role) (string, error) {
	switch role {
	case RoleDoctor:
		return "doctor", nil
	case RolePatient:
		return "patient", nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalid, role)
}

func (r *peopleRepoPG) Register(ctx context.Context, role Role, id uuid.UUID) error {
	table, err := roleTable(role)
	if err != nil {
		return err
	}
	query, args, err := dialect.Insert(table).Prepared(true).
		Rows(goqu.Record{"id": id}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build register %s: %w", table, err)
	}
	_, err = r.conn(ctx).Exec(ctx, query, args...)
	return err
}

func (r *peopleRepoPG) Exists(ctx context.Context, role Role, id uuid.UUID) (bool, error) {
	table, err := roleTable(role)
	if err != nil {
		return false, err
	}
	query, args, err := dialect.From(table).Prepared(true).
		Select(goqu.L("1")).Where(goqu.Ex{"id": id}).Limit(1).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("build %s lookup: %w", table, err)
	}
	var one int
	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
