package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/booking/internal/platform/db"
)

var dialect = goqu.Dialect("postgres")

// PGTransactor runs units of work on the tenant connection, or the pool when
// the request carries none.
type PGTransactor struct{ pool *pgxpool.Pool }

func NewPGTransactor(pool *pgxpool.Pool) *PGTransactor { return &PGTransactor{pool: pool} }

func (t *PGTransactor) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, t.pool, fn)
}

// =========== Window Repository ===========

type windowRepoPG struct{ pool *pgxpool.Pool }

func NewWindowRepoPG(pool *pgxpool.Pool) WindowRepository { return &windowRepoPG{pool: pool} }

func (r *windowRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

var windowCols = []any{
	"id", "doctor_id", "clinic_id", "start_time", "end_time", "time_zone", "utc_offset_seconds",
	"slot_minutes", "break_minutes", "slot_map", "version_id", "created_at", "updated_at",
}

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var (
		w               AvailabilityWindow
		tz              string
		offset          int
		slotMin, brkMin int
		raw             []byte
	)
	err := row.Scan(&w.ID, &w.DoctorID, &w.ClinicID, &w.Start, &w.End, &tz, &offset,
		&slotMin, &brkMin, &raw, &w.VersionID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	loc := windowLocation(tz, offset)
	w.Start = w.Start.In(loc)
	w.End = w.End.In(loc)
	w.SlotDuration = time.Duration(slotMin) * time.Minute
	w.BreakDuration = time.Duration(brkMin) * time.Minute

	if raw != nil {
		w.Slots = NewSlotMap()
		if err := json.Unmarshal(raw, w.Slots); err != nil {
			return nil, fmt.Errorf("window %s: %w", w.ID, err)
		}
	}
	return &w, nil
}

// zoneName is the IANA name of t's location, or "" when the location has no
// portable name (a bare offset such as +10:00, or the host's Local zone).
func zoneName(t time.Time) string {
	switch name := t.Location().String(); name {
	case "", "Local":
		return ""
	default:
		return name
	}
}

func zoneOffset(t time.Time) int {
	_, offset := t.Zone()
	return offset
}

// windowLocation rebuilds a window's location from its stored name, falling
// back to a fixed zone at the stored offset.
func windowLocation(name string, offset int) *time.Location {
	if name != "" {
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	if offset == 0 {
		return time.UTC
	}
	return time.FixedZone("", offset)
}

func encodeSlots(m *SlotMap) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (r *windowRepoPG) Create(ctx context.Context, w *AvailabilityWindow) error {
	w.ID = uuid.New()
	w.VersionID = 1
	slots, err := encodeSlots(w.Slots)
	if err != nil {
		return err
	}

	query, args, err := dialect.Insert("availability_window").Prepared(true).Rows(goqu.Record{
		"id":                 w.ID,
		"doctor_id":          w.DoctorID,
		"clinic_id":          w.ClinicID,
		"start_time":         w.Start,
		"end_time":           w.End,
		"time_zone":          zoneName(w.Start),
		"utc_offset_seconds": zoneOffset(w.Start),
		"slot_minutes":       int(w.SlotDuration / time.Minute),
		"break_minutes":      int(w.BreakDuration / time.Minute),
		"slot_map":           goqu.L("?::jsonb", slots),
		"version_id":         w.VersionID,
	}).Returning("created_at", "updated_at").ToSQL()
	if err != nil {
		return fmt.Errorf("build insert window: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, query, args...).Scan(&w.CreatedAt, &w.UpdatedAt)
}

func (r *windowRepoPG) get(ctx context.Context, id uuid.UUID, lock bool) (*AvailabilityWindow, error) {
	ds := dialect.From("availability_window").Prepared(true).Select(windowCols...).Where(goqu.Ex{"id": id})
	if lock {
		ds = ds.ForUpdate(exp.Wait)
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select window: %w", err)
	}
	return scanWindow(r.conn(ctx).QueryRow(ctx, query, args...))
}

func (r *windowRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	return r.get(ctx, id, false)
}

func (r *windowRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*AvailabilityWindow, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, errors.New("GetForUpdate requires a transaction")
	}
	return r.get(ctx, id, true)
}

func (r *windowRepoPG) Update(ctx context.Context, w *AvailabilityWindow) error {
	slots, err := encodeSlots(w.Slots)
	if err != nil {
		return err
	}
	return r.casUpdate(ctx, w, goqu.Record{
		"doctor_id":          w.DoctorID,
		"clinic_id":          w.ClinicID,
		"start_time":         w.Start,
		"end_time":           w.End,
		"time_zone":          zoneName(w.Start),
		"utc_offset_seconds": zoneOffset(w.Start),
		"slot_minutes":       int(w.SlotDuration / time.Minute),
		"break_minutes":      int(w.BreakDuration / time.Minute),
		"slot_map":           goqu.L("?::jsonb", slots),
	})
}

func (r *windowRepoPG) UpdateSlots(ctx context.Context, w *AvailabilityWindow) error {
	slots, err := encodeSlots(w.Slots)
	if err != nil {
		return err
	}
	return r.casUpdate(ctx, w, goqu.Record{"slot_map": goqu.L("?::jsonb", slots)})
}

// casUpdate applies rec only if the stored version still matches w.
func (r *windowRepoPG) casUpdate(ctx context.Context, w *AvailabilityWindow, rec goqu.Record) error {
	rec["version_id"] = goqu.L("version_id + 1")
	rec["updated_at"] = goqu.L("NOW()")

	query, args, err := dialect.Update("availability_window").Prepared(true).Set(rec).
		Where(goqu.Ex{"id": w.ID, "version_id": w.VersionID}).
		Returning("version_id", "updated_at").ToSQL()
	if err != nil {
		return fmt.Errorf("build update window: %w", err)
	}

	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&w.VersionID, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: window %s at version %d", ErrStateConflict, w.ID, w.VersionID)
	}
	return err
}

func (r *windowRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := dialect.Delete("availability_window").Prepared(true).Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete window: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *windowRepoPG) Search(ctx context.Context, f WindowFilter, limit, offset int) ([]*AvailabilityWindow, int, error) {
	where := exp.NewExpressionList(exp.AndType)
	if f.DoctorID != nil {
		where = where.Append(goqu.C("doctor_id").Eq(*f.DoctorID))
	}
	if f.ClinicID != nil {
		where = where.Append(goqu.C("clinic_id").Eq(*f.ClinicID))
	}
	if f.Date != nil {
		day := time.Date(f.Date.Year(), f.Date.Month(), f.Date.Day(), 0, 0, 0, 0, f.Date.Location())
		where = where.Append(
			goqu.C("start_time").Gte(day),
			goqu.C("start_time").Lt(day.AddDate(0, 0, 1)),
		)
	}

	base := dialect.From("availability_window").Prepared(true)
	if !where.IsEmpty() {
		base = base.Where(where)
	}

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count windows: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := base.Select(windowCols...).
		Order(goqu.C("start_time").Asc(), goqu.C("id").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build search windows: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*AvailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, w)
	}
	return items, total, rows.Err()
}

// =========== Reservation Repository ===========

const reservationUniqueConstraint = "reservation_patient_window_key"

type reservationRepoPG struct{ pool *pgxpool.Pool }

func NewReservationRepoPG(pool *pgxpool.Pool) ReservationRepository {
	return &reservationRepoPG{pool: pool}
}

func (r *reservationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

var reservationCols = []any{"id", "patient_id", "window_id", "slot_key", "created_at", "updated_at"}

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	err := row.Scan(&res.ID, &res.PatientID, &res.WindowID, &res.SlotKey, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepoPG) Create(ctx context.Context, res *Reservation) error {
	res.ID = uuid.New()
	query, args, err := dialect.Insert("reservation").Prepared(true).Rows(goqu.Record{
		"id":         res.ID,
		"patient_id": res.PatientID,
		"window_id":  res.WindowID,
		"slot_key":   res.SlotKey,
	}).Returning("created_at", "updated_at").ToSQL()
	if err != nil {
		return fmt.Errorf("build insert reservation: %w", err)
	}

	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&res.CreatedAt, &res.UpdatedAt)
	if db.IsUniqueViolation(err, reservationUniqueConstraint) {
		return ErrDuplicateBooking
	}
	return err
}

func (r *reservationRepoPG) selectOne(ctx context.Context, where goqu.Ex) (*Reservation, error) {
	query, args, err := dialect.From("reservation").Prepared(true).Select(reservationCols...).Where(where).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select reservation: %w", err)
	}
	return scanReservation(r.conn(ctx).QueryRow(ctx, query, args...))
}

func (r *reservationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return r.selectOne(ctx, goqu.Ex{"id": id})
}

func (r *reservationRepoPG) GetByPatientWindow(ctx context.Context, patientID, windowID uuid.UUID) (*Reservation, error) {
	return r.selectOne(ctx, goqu.Ex{"patient_id": patientID, "window_id": windowID})
}

func (r *reservationRepoPG) UpdateSlot(ctx context.Context, res *Reservation) error {
	query, args, err := dialect.Update("reservation").Prepared(true).
		Set(goqu.Record{"slot_key": res.SlotKey, "updated_at": goqu.L("NOW()")}).
		Where(goqu.Ex{"id": res.ID}).
		Returning("updated_at").ToSQL()
	if err != nil {
		return fmt.Errorf("build update reservation: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, query, args...).Scan(&res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *reservationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := dialect.Delete("reservation").Prepared(true).Where(goqu.Ex{"id": id}).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete reservation: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *reservationRepoPG) List(ctx context.Context, f ReservationFilter, limit, offset int) ([]*Reservation, int, error) {
	where := goqu.Ex{}
	if f.PatientID != nil {
		where["patient_id"] = *f.PatientID
	}
	if f.WindowID != nil {
		where["window_id"] = *f.WindowID
	}
	base := dialect.From("reservation").Prepared(true)
	if len(where) > 0 {
		base = base.Where(where)
	}

	countSQL, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count reservations: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args, err := base.Select(reservationCols...).
		Order(goqu.C("created_at").Desc(), goqu.C("id").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list reservations: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, res)
	}
	return items, total, rows.Err()
}

func (r *reservationRepoPG) HeldKeys(ctx context.Context, windowID uuid.UUID) (map[string]bool, error) {
	query, args, err := dialect.From("reservation").Prepared(true).
		Select("slot_key").Where(goqu.Ex{"window_id": windowID}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build held keys: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	held := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		held[key] = true
	}
	return held, rows.Err()
}
