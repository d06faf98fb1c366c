package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/reeve/internal/events"
)

// Open opens the Reeve database file with WAL journaling and a busy
// timeout, using the CGO sqlite3 driver. Tests open their own in-memory
// databases with the modernc driver and hand them to the store
// constructors directly.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// SQLiteStore is a SQLite-backed memory store. All memory kinds share
// one table, discriminated by the type column; content is stored as
// JSON with the dedupe text and result callId lifted into their own
// indexed columns.
type SQLiteStore struct {
	db     *sql.DB
	bus    *events.Bus
	logger *slog.Logger
}

// NewSQLiteStore creates a memory store on the given database
// connection, running migrations on first use. The bus may be nil;
// memory_created events are then skipped.
func NewSQLiteStore(db *sql.DB, bus *events.Bus, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, bus: bus, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memories: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		agent_id     TEXT NOT NULL DEFAULT '',
		user_id      TEXT NOT NULL DEFAULT '',
		room_id      TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL,
		content      TEXT NOT NULL,
		content_text TEXT NOT NULL DEFAULT '',
		call_id      TEXT,
		metadata     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_memories_room
		ON memories(room_id, type, created_at);

	-- One result per call. The partial index leaves call-phase rows
	-- (call_id NULL) unconstrained.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_result_call
		ON memories(call_id) WHERE call_id IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateMemory implements Store.
func (s *SQLiteStore) CreateMemory(ctx context.Context, m *Memory, unique bool) (*Memory, error) {
	if err := prepare(m); err != nil {
		return nil, err
	}

	// A result whose call already completed returns the prior record.
	if callID := resultCallID(m.Content); callID != "" {
		if existing, err := s.getByCallID(ctx, callID); err != nil {
			return nil, err
		} else if existing != nil {
			s.logger.Debug("result already recorded for call",
				"call_id", callID, "existing_id", existing.ID)
			return existing, nil
		}
	}

	if unique {
		if text := contentText(m.Content); text != "" {
			existing, err := s.findByContentText(ctx, m.RoomID, m.Type, text)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return existing, nil
			}
		}
	}

	raw, err := encodeContent(m.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	var meta any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		meta = string(b)
	}
	var callID any
	if id := resultCallID(m.Content); id != "" {
		callID = id
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, type, agent_id, user_id, room_id, created_at, content, content_text, call_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, string(m.Type), m.AgentID, m.UserID, m.RoomID, m.CreatedAt,
		string(raw), contentText(m.Content), callID, meta)
	if err != nil {
		// Two dispatchers racing on the same call both pass the probe
		// above; the unique index catches the loser here.
		if callID != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, getErr := s.getByCallID(ctx, callID.(string))
			if getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	s.bus.Emit(events.SourceMemory, events.KindMemoryCreated, map[string]any{
		"memory_id": m.ID,
		"room_id":   m.RoomID,
		"type":      string(m.Type),
	})

	return m, nil
}

// GetMemories implements Store.
func (s *SQLiteStore) GetMemories(ctx context.Context, q Query) ([]*Memory, error) {
	if q.RoomID == "" {
		return nil, fmt.Errorf("query missing roomId")
	}
	count := q.Count
	if count <= 0 {
		count = DefaultQueryCount
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT id, type, agent_id, user_id, room_id, created_at, content, metadata
		FROM memories WHERE room_id = ?`)
	args := []any{q.RoomID}

	if q.Type != "" {
		sb.WriteString(" AND type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Start.IsZero() {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, q.Start)
	}
	if !q.End.IsZero() {
		sb.WriteString(" AND created_at < ?")
		args = append(args, q.End)
	}
	sb.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, count)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}

	if q.Unique {
		memories = dedupeByText(memories)
	}
	return memories, nil
}

// GetMemoryByID implements Store. Returns (nil, nil) when absent.
func (s *SQLiteStore) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, agent_id, user_id, room_id, created_at, content, metadata
		FROM memories WHERE id = ?
	`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// getByCallID returns the result memory referencing the given call, or
// (nil, nil) when the call has not completed.
func (s *SQLiteStore) getByCallID(ctx context.Context, callID string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, agent_id, user_id, room_id, created_at, content, metadata
		FROM memories WHERE call_id = ?
	`, callID)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *SQLiteStore) findByContentText(ctx context.Context, roomID string, t MemoryType, text string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, agent_id, user_id, room_id, created_at, content, metadata
		FROM memories
		WHERE room_id = ? AND type = ? AND content_text = ?
		ORDER BY created_at DESC LIMIT 1
	`, roomID, string(t), text)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(sc scanner) (*Memory, error) {
	var (
		m        Memory
		typ      string
		created  time.Time
		raw      string
		metaJSON sql.NullString
	)
	err := sc.Scan(&m.ID, &typ, &m.AgentID, &m.UserID, &m.RoomID, &created, &raw, &metaJSON)
	if err != nil {
		return nil, err
	}
	m.Type = MemoryType(typ)
	m.CreatedAt = created

	content, err := decodeContent(m.Type, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("memory %s: %w", m.ID, err)
	}
	m.Content = content

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("memory %s: decode metadata: %w", m.ID, err)
		}
	}
	return &m, nil
}

// dedupeByText keeps the newest memory for each content text. Input is
// newest-first, so first occurrence wins. Records without content text
// (action memories) always pass through.
func dedupeByText(in []*Memory) []*Memory {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, m := range in {
		text := contentText(m.Content)
		if text != "" {
			if seen[text] {
				continue
			}
			seen[text] = true
		}
		out = append(out, m)
	}
	return out
}
