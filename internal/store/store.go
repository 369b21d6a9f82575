// Package store keeps users and message history in SQLite. It implements
// the directory capabilities so the router and the chat client can share
// one database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/1ureka/parley/internal/directory"
	"github.com/1ureka/parley/internal/protocol"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a SQLite-backed directory, recorder and presence tracker.
type Store struct {
	db *sql.DB
}

var (
	_ directory.Directory = (*Store)(nil)
	_ directory.Recorder  = (*Store)(nil)
	_ directory.Presence  = (*Store)(nil)
)

// Open migrates the database at path to the latest schema and opens it.
func Open(path string) (*Store, error) {
	if err := migrateUp(path); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// migrateUp applies the embedded migrations on a connection of its own,
// which m.Close releases.
func migrateUp(path string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite3://"+path)
	if err != nil {
		return err
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		err = nil
	}
	srcErr, dbErr := m.Close()
	return errors.Join(err, srcErr, dbErr)
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// now returns UTC time truncated to seconds (consistent with SQLite default).
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

func (s *Store) DisplayName(ctx context.Context, id protocol.Identity) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = ?`, uint32(id)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", directory.ErrNotFound
	}
	if err != nil {
		return "", &directory.StorageError{Op: "display name", Err: err}
	}
	return name, nil
}

func (s *Store) Identity(ctx context.Context, name string) (protocol.Identity, error) {
	var id uint32
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.NoIdentity, directory.ErrNotFound
	}
	if err != nil {
		return protocol.NoIdentity, &directory.StorageError{Op: "identity", Err: err}
	}
	return protocol.Identity(id), nil
}

// MaxIdentity returns the highest identity ever registered, or NoIdentity
// for an empty database.
func (s *Store) MaxIdentity(ctx context.Context) (protocol.Identity, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM users`).Scan(&id); err != nil {
		return protocol.NoIdentity, &directory.StorageError{Op: "max identity", Err: err}
	}
	return protocol.Identity(id.Int64), nil
}

// Join marks id online under name. A name held by another identity moves
// to id.
func (s *Store) Join(ctx context.Context, id protocol.Identity, name string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE name = ? AND id <> ?`, name, uint32(id)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
		INSERT INTO users(id, name, online, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
		 name=excluded.name,
		 online=1,
		 last_seen=excluded.last_seen;
		`, uint32(id), name, now())
		return err
	})
	if err != nil {
		return &directory.StorageError{Op: "join", Err: err}
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, id protocol.Identity) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET online = 0, last_seen = ? WHERE id = ?`, now(), uint32(id))
	if err != nil {
		return &directory.StorageError{Op: "leave", Err: err}
	}
	return nil
}

// User is a registered name.
type User struct {
	ID       protocol.Identity
	Name     string
	Online   bool
	LastSeen time.Time
}

// Users lists every registered user ordered by name.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, online, last_seen FROM users ORDER BY name`)
	if err != nil {
		return nil, &directory.StorageError{Op: "users", Err: err}
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u  User
			id uint32
		)
		if err := rows.Scan(&id, &u.Name, &u.Online, &u.LastSeen); err != nil {
			return nil, &directory.StorageError{Op: "users", Err: err}
		}
		u.ID = protocol.Identity(id)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, &directory.StorageError{Op: "users", Err: err}
	}
	return out, nil
}

// Record stores one message. The sender must be registered.
func (s *Store) Record(ctx context.Context, sender, recipient protocol.Identity, payload []byte) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, uint32(sender)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sender %s: %w", sender, directory.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if payload == nil {
			payload = []byte{}
		}
		_, err = tx.ExecContext(ctx, `
		INSERT INTO messages(id, sender_id, recipient_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		`, uuid.NewString(), uint32(sender), uint32(recipient), payload, now())
		return err
	})
	if err != nil {
		return &directory.StorageError{Op: "record", Err: err}
	}
	return nil
}

// History returns up to limit of the latest messages sent to or by id,
// oldest first. A limit of zero or less returns all of them.
func (s *Store) History(ctx context.Context, id protocol.Identity, limit int) ([]directory.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT sender_id, recipient_id, payload, created_at FROM (
	 SELECT seq, sender_id, recipient_id, payload, created_at FROM messages
	 WHERE sender_id = ? OR recipient_id = ?
	 ORDER BY seq DESC LIMIT ?
	) ORDER BY seq
	`, uint32(id), uint32(id), limit)
	if err != nil {
		return nil, &directory.StorageError{Op: "history", Err: err}
	}
	defer rows.Close()

	var out []directory.Message
	for rows.Next() {
		var (
			m                 directory.Message
			sender, recipient uint32
		)
		if err := rows.Scan(&sender, &recipient, &m.Payload, &m.At); err != nil {
			return nil, &directory.StorageError{Op: "history", Err: err}
		}
		m.Sender, m.Recipient = protocol.Identity(sender), protocol.Identity(recipient)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &directory.StorageError{Op: "history", Err: err}
	}
	return out, nil
}
