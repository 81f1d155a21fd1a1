package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	uniquePatientDateConstraint = "followup_conversations_patient_date_key"
	uniqueOpenPatientIndex      = "followup_conversations_one_open"
	pgUniqueViolation           = "23505"
)

type pgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps each conversation as a JSONB document next to the
// columns used for uniqueness, lookups and the version check.
type PostgresStore struct {
	db     pgxExecutor
	tracer trace.Tracer
}

// NewPostgresStore creates a store on a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("followup: pgx pool required")
	}
	return newPostgresStoreWithExec(pool)
}

func newPostgresStoreWithExec(db pgxExecutor) *PostgresStore {
	if db == nil {
		panic("followup: exec required")
	}
	return &PostgresStore{db: db, tracer: otel.Tracer("docfollow/followup/store")}
}

func (s *PostgresStore) Create(ctx context.Context, conv *Conversation) error {
	ctx, span := s.tracer.Start(ctx, "followup.store.create")
	defer span.End()

	conv.Version = 1
	doc, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("followup: encode conversation: %w", err)
	}
	query := `
		INSERT INTO followup_conversations
			(id, patient_id, doctor_id, followup_date, state, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8, $9)
	`
	_, err = s.db.Exec(ctx, query, conv.ID, conv.PatientID, conv.DoctorID, conv.FollowUpDate,
		string(conv.State), doc, conv.Version, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		conv.Version = 0
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			switch pgErr.ConstraintName {
			case uniquePatientDateConstraint:
				return ErrDuplicateFollowUp
			case uniqueOpenPatientIndex:
				return ErrOpenConversationExists
			}
		}
		span.RecordError(err)
		return fmt.Errorf("followup: insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "followup.store.get")
	defer span.End()

	row := s.db.QueryRow(ctx, `SELECT document, version FROM followup_conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("followup: load conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) Update(ctx context.Context, conv *Conversation, expectedVersion int64) error {
	ctx, span := s.tracer.Start(ctx, "followup.store.update")
	defer span.End()

	next := expectedVersion + 1
	conv.Version = next
	doc, err := json.Marshal(conv)
	if err != nil {
		conv.Version = expectedVersion
		return fmt.Errorf("followup: encode conversation: %w", err)
	}
	query := `
		UPDATE followup_conversations
		SET state = $2, document = $3, version = $4, updated_at = $5
		WHERE id = $1 AND version = $6
	`
	tag, err := s.db.Exec(ctx, query, conv.ID, string(conv.State), doc, next, conv.UpdatedAt, expectedVersion)
	if err != nil {
		conv.Version = expectedVersion
		span.RecordError(err)
		return fmt.Errorf("followup: update conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		conv.Version = expectedVersion
		return ErrStorageConflict
	}
	return nil
}

func (s *PostgresStore) FindOpenByPatient(ctx context.Context, patientID string) (*Conversation, error) {
	row := s.db.QueryRow(ctx, `
		SELECT document, version FROM followup_conversations
		WHERE patient_id = $1 AND state <> 'CLOSED'
		LIMIT 1
	`, patientID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("followup: find open conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) ListByDoctor(ctx context.Context, doctorID string, states ...State) ([]*Conversation, error) {
	if len(states) == 0 {
		return s.list(ctx, `
			SELECT document, version FROM followup_conversations
			WHERE doctor_id = $1
			ORDER BY updated_at DESC
		`, doctorID)
	}
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.list(ctx, `
		SELECT document, version FROM followup_conversations
		WHERE doctor_id = $1 AND state = ANY($2)
		ORDER BY updated_at DESC
	`, doctorID, names)
}

func (s *PostgresStore) ListByState(ctx context.Context, state State, updatedBefore time.Time, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx, `
		SELECT document, version FROM followup_conversations
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(state), updatedBefore, limit)
}

// pendingDeliveryFilter matches any history entry whose delivery is pending.
const pendingDeliveryFilter = `{"history":[{"delivery":{"status":"pending"}}]}`

func (s *PostgresStore) ListPendingDelivery(ctx context.Context, cutoff time.Time, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	convs, err := s.list(ctx, `
		SELECT document, version FROM followup_conversations
		WHERE document @> $1::jsonb
		ORDER BY updated_at ASC
		LIMIT $2
	`, pendingDeliveryFilter, limit)
	if err != nil {
		return nil, err
	}
	out := convs[:0]
	for _, c := range convs {
		if len(c.PendingDeliveries(cutoff)) > 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM followup_conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("followup: delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Conversation, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("followup: list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("followup: scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("followup: list conversations: %w", err)
	}
	return out, nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(doc, &conv); err != nil {
		return nil, fmt.Errorf("followup: decode conversation: %w", err)
	}
	conv.Version = version
	return &conv, nil
}
