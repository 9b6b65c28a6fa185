package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"

	contractx "github.com/garage52/autoservice-agent/agent/contract"
)

var ErrInvalidThread = errors.New("thread id is empty")

// Store is the persistence contract used by the assistant loop. A thread's
// history is an append-only, ordered message log that survives restarts.
type Store interface {
	Load(ctx context.Context, threadID string) ([]contractx.Message, error)
	Append(ctx context.Context, threadID string, msgs ...contractx.Message) error
}

type PostgresConfig struct {
	DSN string `envconfig:"DSN" split_words:"true" required:"true"`
}

type messageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ThreadID   string    `bun:"thread_id,pk"`
	Seq        int64     `bun:"seq,pk"`
	Role       string    `bun:"role,notnull"`
	Content    string    `bun:"content,notnull"`
	ToolCalls  string    `bun:"tool_calls"`
	ToolCallID string    `bun:"tool_call_id"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
}

// BunStore persists thread histories through a bun.DB. Appends to the same
// thread are serialized by a per-thread mutex; distinct threads do not
// contend.
type BunStore struct {
	db *bun.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// NewPostgresStore opens the production store over pgdriver.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*BunStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return newBunStore(ctx, bun.NewDB(sqldb, pgdialect.New()))
}

// NewSQLiteStore opens a local file-backed store, used by the console
// front-end and the tests.
func NewSQLiteStore(ctx context.Context, path string) (*BunStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return newBunStore(ctx, bun.NewDB(sqldb, sqlitedialect.New()))
}

func newBunStore(ctx context.Context, db *bun.DB) (*BunStore, error) {
	s := &BunStore{
		db:    db,
		locks: make(map[string]*sync.Mutex),
		now:   time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *BunStore) migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*messageRow)(nil)).
		IfNotExists().
		Exec(ctx)
	return err
}

func (s *BunStore) Close() error {
	return s.db.Close()
}

// Load returns the committed history of a thread, oldest first. An unseen
// thread id yields an empty history, not an error.
func (s *BunStore) Load(ctx context.Context, threadID string) ([]contractx.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThread
	}

	var rows []messageRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("thread_id = ?", threadID).
		Order("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load thread %s: %v", contractx.ErrPersistence, threadID, err)
	}

	msgs := make([]contractx.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := rowToMessage(row)
		if err != nil {
			return nil, fmt.Errorf("%w: decode thread %s seq %d: %v", contractx.ErrPersistence, threadID, row.Seq, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Append commits one or more messages to the end of the thread's history as
// a single atomic unit.
func (s *BunStore) Append(ctx context.Context, threadID string, msgs ...contractx.Message) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrInvalidThread
	}
	if len(msgs) == 0 {
		return nil
	}

	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	rows := make([]messageRow, 0, len(msgs))
	now := s.now().UTC()
	for _, msg := range msgs {
		row, err := messageToRow(threadID, msg, now)
		if err != nil {
			return fmt.Errorf("%w: encode message: %v", contractx.ErrPersistence, err)
		}
		rows = append(rows, row)
	}

	err := s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var maxSeq sql.NullInt64
		err := tx.NewSelect().
			Model((*messageRow)(nil)).
			ColumnExpr("MAX(seq)").
			Where("thread_id = ?", threadID).
			Scan(ctx, &maxSeq)
		if err != nil {
			return err
		}

		next := int64(0)
		if maxSeq.Valid {
			next = maxSeq.Int64 + 1
		}
		for i := range rows {
			rows[i].Seq = next + int64(i)
		}

		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: append to thread %s: %v", contractx.ErrPersistence, threadID, err)
	}
	return nil
}

// Delete removes a thread's history. Retention is a front-end policy, so
// this is intentionally not part of the Store interface.
func (s *BunStore) Delete(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrInvalidThread
	}

	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.NewDelete().
		Model((*messageRow)(nil)).
		Where("thread_id = ?", threadID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: delete thread %s: %v", contractx.ErrPersistence, threadID, err)
	}
	return nil
}

func (s *BunStore) threadLock(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[threadID] = lock
	}
	return lock
}

func messageToRow(threadID string, msg contractx.Message, now time.Time) (messageRow, error) {
	row := messageRow{
		ThreadID:   threadID,
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  now,
	}
	if len(msg.ToolCalls) > 0 {
		encoded, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return messageRow{}, err
		}
		row.ToolCalls = string(encoded)
	}
	return row, nil
}

func rowToMessage(row messageRow) (contractx.Message, error) {
	msg := contractx.Message{
		Role:       contractx.Role(row.Role),
		Content:    row.Content,
		ToolCallID: row.ToolCallID,
	}
	if row.ToolCalls != "" {
		if err := json.Unmarshal([]byte(row.ToolCalls), &msg.ToolCalls); err != nil {
			return contractx.Message{}, err
		}
	}
	return msg, nil
}
