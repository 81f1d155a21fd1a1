package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/wolfman30/docfollow/internal/messaging"
)

const (
	pqUniqueViolation  = "23505"
	patientsPhoneIndex = "patients_phone_key"
)

// PostgresRepository stores the directory in Postgres through database/sql.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository expects a *sql.DB opened with the "postgres" driver.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	if db == nil {
		panic("directory: sql db required")
	}
	return &PostgresRepository{db: db, now: time.Now}
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: parse dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("directory: ping: %w", err)
	}
	return db, nil
}

func (r *PostgresRepository) SavePatient(ctx context.Context, p *Patient) error {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}
	now := r.now().UTC()
	query := `
		INSERT INTO patients (id, doctor_id, name, phone, email, diagnosis, followup_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (id) DO UPDATE SET
			doctor_id = EXCLUDED.doctor_id,
			name = EXCLUDED.name,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			diagnosis = EXCLUDED.diagnosis,
			followup_date = EXCLUDED.followup_date,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		p.ID, p.DoctorID, p.Name, p.Phone, p.Email, p.Diagnosis, nullDate(p.FollowUpDate), now,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == patientsPhoneIndex {
			return ErrPhoneTaken
		}
		return fmt.Errorf("directory: save patient: %w", err)
	}
	return nil
}

const patientColumns = `id, doctor_id, name, phone, email, diagnosis, followup_date, created_at, updated_at`

func (r *PostgresRepository) GetPatient(ctx context.Context, id string) (*Patient, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, id)
	p, err := scanPatient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPatientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get patient: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) PatientIDByPhone(ctx context.Context, phone string) (string, error) {
	phone = messaging.NormalizeE164(phone)
	if phone == "" {
		return "", nil
	}
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM patients WHERE phone = $1`, phone).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("directory: patient by phone: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) DuePatients(ctx context.Context, day string) ([]Patient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE followup_date IS NOT NULL AND followup_date <= $1
		ORDER BY followup_date, id`, day)
	if err != nil {
		return nil, fmt.Errorf("directory: due patients: %w", err)
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("directory: scan patient: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: due patients: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ClearFollowUpDate(ctx context.Context, patientID, day string) error {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE patients SET followup_date = NULL, updated_at = $3
		WHERE id = $1 AND followup_date = $2`, patientID, day, r.now().UTC()); err != nil {
		return fmt.Errorf("directory: clear follow-up date: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveDoctor(ctx context.Context, d *Doctor) error {
	if d.ID == "" {
		return ErrInvalidRecord
	}
	query := `
		INSERT INTO doctors (id, name, email, phone, time_zone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			time_zone = EXCLUDED.time_zone
		RETURNING created_at
	`
	if err := r.db.QueryRowContext(ctx, query, d.ID, d.Name, d.Email, d.Phone, d.TimeZone, r.now().UTC()).Scan(&d.CreatedAt); err != nil {
		return fmt.Errorf("directory: save doctor: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	var d Doctor
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, time_zone, created_at
		FROM doctors WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &d.TimeZone, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDoctorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("directory: get doctor: %w", err)
	}
	return &d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPatient(row rowScanner) (*Patient, error) {
	var (
		p    Patient
		date sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.DoctorID, &p.Name, &p.Phone, &p.Email, &p.Diagnosis, &date, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if date.Valid {
		p.FollowUpDate = date.Time.Format(time.DateOnly)
	}
	return &p, nil
}

func nullDate(day string) any {
	if day == "" {
		return nil
	}
	return day
}
