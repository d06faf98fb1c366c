// Package actors persists the identity side of a conversation: actors
// (humans and agents), rooms, and room membership. Memories reference
// these records by ID; this package owns their lifecycle.
package actors

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Actor is a lightweight identity record. The core looks actors up and
// lists them per room; it never mutates them mid-turn.
type Actor struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt,omitempty"`
}

// Room is a conversation scope.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists actors, rooms, and participants in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an actor store on the given database connection,
// running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate actors: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS actors (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		username   TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rooms (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS participants (
		room_id   TEXT NOT NULL,
		actor_id  TEXT NOT NULL,
		joined_at TIMESTAMP NOT NULL,
		PRIMARY KEY (room_id, actor_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// EnsureActor creates the actor if absent. When the stored record has
// an empty name or username and the caller supplies one, the blank is
// filled in; established values are never overwritten.
func (s *Store) EnsureActor(ctx context.Context, a Actor) error {
	if a.ID == "" {
		return fmt.Errorf("actor missing id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO actors (id, name, username, created_at)
		VALUES (?, ?, ?, ?)
	`, a.ID, a.Name, a.Username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure actor %s: %w", a.ID, err)
	}
	if a.Name != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE actors SET name = ? WHERE id = ? AND name = ''`, a.Name, a.ID); err != nil {
			return fmt.Errorf("backfill actor name %s: %w", a.ID, err)
		}
	}
	if a.Username != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE actors SET username = ? WHERE id = ? AND username = ''`, a.Username, a.ID); err != nil {
			return fmt.Errorf("backfill actor username %s: %w", a.ID, err)
		}
	}
	return nil
}

// GetActor returns the actor with the given ID, or (nil, nil) when no
// such actor exists.
func (s *Store) GetActor(ctx context.Context, id string) (*Actor, error) {
	var a Actor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, username FROM actors WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &a.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get actor %s: %w", id, err)
	}
	return &a, nil
}

// EnsureRoom creates the room if absent.
func (s *Store) EnsureRoom(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("room missing id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (id, name, created_at)
		VALUES (?, ?, ?)
	`, id, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("ensure room %s: %w", id, err)
	}
	if name != "" {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE rooms SET name = ? WHERE id = ? AND name = ''`, name, id); err != nil {
			return fmt.Errorf("backfill room name %s: %w", id, err)
		}
	}
	return nil
}

// GetRoom returns the room with the given ID, or (nil, nil) when no
// such room exists.
func (s *Store) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	return &r, nil
}

// Rooms lists all rooms, newest first.
func (s *Store) Rooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM rooms ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// AddParticipant records that an actor belongs to a room. Idempotent.
func (s *Store) AddParticipant(ctx context.Context, roomID, actorID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO participants (room_id, actor_id, joined_at)
		VALUES (?, ?, ?)
	`, roomID, actorID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add participant %s to %s: %w", actorID, roomID, err)
	}
	return nil
}

// Participants returns the actor roster for a room in join order.
func (s *Store) Participants(ctx context.Context, roomID string) ([]Actor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.name, a.username, p.joined_at
		FROM participants p
		JOIN actors a ON a.id = p.actor_id
		WHERE p.room_id = ?
		ORDER BY p.joined_at, a.id
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list participants for %s: %w", roomID, err)
	}
	defer rows.Close()

	var roster []Actor
	for rows.Next() {
		var a Actor
		if err := rows.Scan(&a.ID, &a.Name, &a.Username, &a.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		roster = append(roster, a)
	}
	return roster, rows.Err()
}

// EnsureConnection idempotently ensures the room and every given actor
// exist and that each actor participates in the room. Turn handling
// calls this before anything else so later steps can rely on the
// records being present.
func (s *Store) EnsureConnection(ctx context.Context, roomID string, participants ...Actor) error {
	if err := s.EnsureRoom(ctx, roomID, ""); err != nil {
		return err
	}
	for _, a := range participants {
		if err := s.EnsureActor(ctx, a); err != nil {
			return err
		}
		if err := s.AddParticipant(ctx, roomID, a.ID); err != nil {
			return err
		}
	}
	return nil
}
