package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dropDatabas3/hellofed/internal/store/core"
)

type Store struct{ pool *pgxpool.Pool }

// Config tuning del pool.
type Config struct {
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
}

func New(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.ConnMaxLifetime
		pcfg.MaxConnIdleTime = cfg.ConnMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Pool expone el pool interno (metrics/migraciones).
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// mapErr traduce errores de pgx a los sentinelas de core.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return core.ErrConflict
	}
	return err
}

// ====================== Actores ======================

func (s *Store) CreateLocalActor(ctx context.Context, a *core.Actor, cred *core.LocalCredential, key *core.ActorKey) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const qActor = `
		INSERT INTO actor (id, username, domain, is_local, inbox_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.Exec(ctx, qActor, a.ID, a.Username, a.Domain, a.Local, a.InboxURL, a.CreatedAt); err != nil {
		return mapErr(err)
	}

	if cred != nil {
		const qCred = `
			INSERT INTO local_credential (actor_id, password_phc, created_at)
			VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, qCred, cred.ActorID, cred.PasswordPHC, cred.CreatedAt); err != nil {
			return mapErr(err)
		}
	}

	if err := insertKeyTx(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanActor(row pgx.Row) (*core.Actor, error) {
	var a core.Actor
	if err := row.Scan(&a.ID, &a.Username, &a.Domain, &a.Local, &a.InboxURL, &a.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (s *Store) GetActorByUsername(ctx context.Context, username string) (*core.Actor, error) {
	const q = `
		SELECT id, username, domain, is_local, inbox_url, created_at
		FROM actor WHERE is_local AND LOWER(username) = LOWER($1) LIMIT 1`
	return scanActor(s.pool.QueryRow(ctx, q, username))
}

func (s *Store) GetActorByURI(ctx context.Context, uri string) (*core.Actor, error) {
	const q = `
		SELECT id, username, domain, is_local, inbox_url, created_at
		FROM actor WHERE id = $1 LIMIT 1`
	return scanActor(s.pool.QueryRow(ctx, q, uri))
}

// ====================== Claves ======================

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertKeyTx(ctx context.Context, ex execer, k *core.ActorKey) error {
	const q = `
		INSERT INTO actor_key
			(actor_id, key_id, public_key_pem, private_key_enc, status, not_before, created_at, retired_at, grace_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := ex.Exec(ctx, q,
		k.ActorID, k.KeyID, k.PublicKeyPEM, k.PrivateKeyEnc,
		string(k.Status), k.NotBefore, k.CreatedAt, k.RetiredAt, k.GraceSeconds)
	return mapErr(err)
}

func (s *Store) InsertKey(ctx context.Context, k *core.ActorKey) error {
	return insertKeyTx(ctx, s.pool, k)
}

// Nota: las lecturas públicas NO seleccionan private_key_enc.
const keyPublicCols = `actor_id, key_id, public_key_pem, status, not_before, created_at, retired_at, grace_seconds`

func scanPublicKey(row pgx.Row) (*core.ActorKey, error) {
	var k core.ActorKey
	var status string
	if err := row.Scan(&k.ActorID, &k.KeyID, &k.PublicKeyPEM, &status,
		&k.NotBefore, &k.CreatedAt, &k.RetiredAt, &k.GraceSeconds); err != nil {
		return nil, mapErr(err)
	}
	k.Status = core.KeyStatus(status)
	return &k, nil
}

func (s *Store) GetActiveKey(ctx context.Context, actorID string) (*core.ActorKey, error) {
	const q = `
		SELECT ` + keyPublicCols + `
		FROM actor_key WHERE actor_id = $1 AND status = 'active' LIMIT 1`
	return scanPublicKey(s.pool.QueryRow(ctx, q, actorID))
}

// GetActorSigningKey es la única query que lee private_key_enc.
func (s *Store) GetActorSigningKey(ctx context.Context, actorID string) (*core.ActorKey, error) {
	const q = `
		SELECT actor_id, key_id, public_key_pem, private_key_enc, status, not_before, created_at, retired_at, grace_seconds
		FROM actor_key WHERE actor_id = $1 AND status = 'active' LIMIT 1`
	var k core.ActorKey
	var status string
	err := s.pool.QueryRow(ctx, q, actorID).Scan(&k.ActorID, &k.KeyID, &k.PublicKeyPEM,
		&k.PrivateKeyEnc, &status, &k.NotBefore, &k.CreatedAt, &k.RetiredAt, &k.GraceSeconds)
	if err != nil {
		return nil, mapErr(err)
	}
	k.Status = core.KeyStatus(status)
	return &k, nil
}

func (s *Store) ListPublicKeys(ctx context.Context, actorID string) ([]core.ActorKey, error) {
	const q = `
		SELECT ` + keyPublicCols + `
		FROM actor_key
		WHERE actor_id = $1
		  AND (status = 'active'
		       OR (status = 'retiring'
		           AND grace_seconds > 0
		           AND retired_at + make_interval(secs => grace_seconds) > now()))
		ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, actorID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.ActorKey
	for rows.Next() {
		k, err := scanPublicKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, core.ErrNotFound
	}
	return out, nil
}

func (s *Store) RotateKeys(ctx context.Context, actorID string, newKey *core.ActorKey, retiredAt time.Time, graceSeconds int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Retiring previas pasan a retired
	const qRetire = `UPDATE actor_key SET status = 'retired' WHERE actor_id = $1 AND status = 'retiring'`
	if _, err := tx.Exec(ctx, qRetire, actorID); err != nil {
		return mapErr(err)
	}

	const qDemote = `
		UPDATE actor_key
		SET status = 'retiring', retired_at = $2, grace_seconds = $3
		WHERE actor_id = $1 AND status = 'active'`
	tag, err := tx.Exec(ctx, qDemote, actorID, retiredAt, graceSeconds)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}

	if err := insertKeyTx(ctx, tx, newKey); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
