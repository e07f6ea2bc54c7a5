package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool PgxPool
	now  func() time.Time
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool PgxPool) *Postgres {
	return &Postgres{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

const selectDoctor = `
SELECT id, email, COALESCE(phone, ''), name, COALESCE(password_hash, ''), COALESCE(google_id, ''),
       is_google_user, is_active, profile_complete, access_type, created_at, updated_at
FROM doctors`

func (p *Postgres) FindByEmail(ctx context.Context, email string) (*Doctor, error) {
	return p.findOne(ctx, "email", selectDoctor+` WHERE email = $1`, email)
}

func (p *Postgres) FindByID(ctx context.Context, id string) (*Doctor, error) {
	return p.findOne(ctx, "id", selectDoctor+` WHERE id = $1`, id)
}

func (p *Postgres) FindByGoogleID(ctx context.Context, googleID string) (*Doctor, error) {
	return p.findOne(ctx, "google id", selectDoctor+` WHERE google_id = $1`, googleID)
}

func (p *Postgres) findOne(ctx context.Context, by, query string, arg any) (*Doctor, error) {
	var d Doctor
	err := p.pool.QueryRow(ctx, query, arg).Scan(
		&d.ID, &d.Email, &d.Phone, &d.Name, &d.PasswordHash, &d.GoogleID,
		&d.IsGoogleUser, &d.IsActive, &d.ProfileComplete, &d.AccessType, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query doctor by %s: %w", by, err)
	}
	return &d, nil
}

func (p *Postgres) CheckAvailable(ctx context.Context, email, phone string) error {
	var emailTaken, phoneTaken bool
	err := p.pool.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM doctors WHERE email = $1),
       EXISTS(SELECT 1 FROM doctors WHERE $2 <> '' AND phone = $2)`, email, phone).Scan(&emailTaken, &phoneTaken)
	if err != nil {
		return fmt.Errorf("check doctor availability: %w", err)
	}

	switch {
	case emailTaken:
		return ErrDuplicateEmail
	case phoneTaken:
		return ErrDuplicatePhone
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, nd NewDoctor) (*Doctor, error) {
	if err := p.CheckAvailable(ctx, nd.Email, nd.Phone); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate doctor id: %w", err)
	}
	if nd.AccessType == "" {
		nd.AccessType = DefaultAccessType
	}
	now := p.now()

	_, err = p.pool.Exec(ctx, `
INSERT INTO doctors (id, email, phone, name, password_hash, google_id, is_google_user, profile_complete, access_type, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		id.String(), nd.Email, nullable(nd.Phone), nd.Name, nullable(nd.PasswordHash), nullable(nd.GoogleID),
		nd.GoogleID != "", nd.ProfileComplete, nd.AccessType, now,
	)
	if err != nil {
		if dup := duplicateFromConstraint(err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("insert doctor: %w", err)
	}

	return &Doctor{
		ID:              id.String(),
		Email:           nd.Email,
		Phone:           nd.Phone,
		Name:            nd.Name,
		PasswordHash:    nd.PasswordHash,
		GoogleID:        nd.GoogleID,
		IsGoogleUser:    nd.GoogleID != "",
		IsActive:        true,
		ProfileComplete: nd.ProfileComplete,
		AccessType:      nd.AccessType,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (p *Postgres) UpdateFields(ctx context.Context, id string, u Update) error {
	if u.Empty() {
		return nil
	}

	args := []any{id}
	sets := make([]string, 0, 9)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.Phone != nil {
		set("phone", nullable(*u.Phone))
	}
	if u.PasswordHash != nil {
		set("password_hash", nullable(*u.PasswordHash))
	}
	if u.GoogleID != nil {
		set("google_id", nullable(*u.GoogleID))
	}
	if u.IsGoogleUser != nil {
		set("is_google_user", *u.IsGoogleUser)
	}
	if u.IsActive != nil {
		set("is_active", *u.IsActive)
	}
	if u.ProfileComplete != nil {
		set("profile_complete", *u.ProfileComplete)
	}
	if u.LastLoginAt != nil {
		set("last_login_at", u.LastLoginAt.UTC())
	}
	set("updated_at", p.now())

	tag, err := p.pool.Exec(ctx, "UPDATE doctors SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...)
	if err != nil {
		if dup := duplicateFromConstraint(err); dup != nil {
			return dup
		}
		return fmt.Errorf("update doctor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStaleIncomplete removes accounts that never obtained an authentication
// method and were created before cutoff.
func (p *Postgres) DeleteStaleIncomplete(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	tag, err := p.pool.Exec(ctx, `
WITH stale AS (
	SELECT id
	FROM doctors
	WHERE password_hash IS NULL AND google_id IS NULL AND created_at < $1
	ORDER BY created_at ASC
	LIMIT $2
)
DELETE FROM doctors d
USING stale
WHERE d.id = stale.id`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale incomplete doctors: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func duplicateFromConstraint(err error) error {
	var pg *pgconn.PgError
	if !errors.As(err, &pg) || pg.Code != "23505" {
		return nil
	}
	switch {
	case strings.Contains(pg.ConstraintName, "email"):
		return ErrDuplicateEmail
	case strings.Contains(pg.ConstraintName, "phone"):
		return ErrDuplicatePhone
	}
	return nil
}
