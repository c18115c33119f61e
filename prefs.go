package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
)

// PreferenceStore persists the selected conversation per session key. It is
// the only durable state of a session.
type PreferenceStore interface {
	LoadSelection(ctx context.Context, key string) (string, error)
	SaveSelection(ctx context.Context, key, conversationID string) error
	Close() error
}

// OpenPreferenceStore builds a store from a DSN:
//
//	memory://
//	file:///home/me/.inbox/prefs.toml
//	sqlite:///var/lib/inbox/prefs.db
//	redis://localhost:6379/0
//
// A bare path is treated as a TOML file.
func OpenPreferenceStore(ctx context.Context, dsn string) (PreferenceStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryPreferenceStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse preference dsn: %w", err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemoryPreferenceStore(), nil
	case "", "file":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewFilePreferenceStore(path), nil
	case "sqlite", "sqlite3":
		path, err := dsnPath(parsed, dsn)
		if err != nil {
			return nil, err
		}
		return NewSQLitePreferenceStore(ctx, path)
	case "redis", "rediss":
		return NewRedisPreferenceStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported preference store scheme: %s", parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if path == "" {
		return "", fmt.Errorf("preference dsn %q has no path", raw)
	}
	return path, nil
}

// ── Memory ───────────────────────────────────────────────

type MemoryPreferenceStore struct {
	mu        sync.RWMutex
	selection map[string]string
}

func NewMemoryPreferenceStore() *MemoryPreferenceStore {
	return &MemoryPreferenceStore{selection: make(map[string]string)}
}

func (s *MemoryPreferenceStore) LoadSelection(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selection[key], nil
}

func (s *MemoryPreferenceStore) SaveSelection(_ context.Context, key, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" {
		delete(s.selection, key)
		return nil
	}
	s.selection[key] = conversationID
	return nil
}

func (s *MemoryPreferenceStore) Close() error { return nil }

// ── TOML file ────────────────────────────────────────────

// FilePreferenceStore keeps selections in a TOML document:
//
//	[selection]
//	"acme/operator-1" = "conv-123"
type FilePreferenceStore struct {
	mu   sync.Mutex
	path string
}

type prefsFile struct {
	Selection map[string]string `toml:"selection"`
}

func NewFilePreferenceStore(path string) *FilePreferenceStore {
	return &FilePreferenceStore{path: path}
}

func (s *FilePreferenceStore) read() (*prefsFile, error) {
	doc := &prefsFile{Selection: map[string]string{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if doc.Selection == nil {
		doc.Selection = map[string]string{}
	}
	return doc, nil
}

func (s *FilePreferenceStore) LoadSelection(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return "", err
	}
	return doc.Selection[key], nil
}

func (s *FilePreferenceStore) SaveSelection(_ context.Context, key, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.read()
	if err != nil {
		return err
	}
	if conversationID == "" {
		delete(doc.Selection, key)
	} else {
		doc.Selection[key] = conversationID
	}
	data, err := toml.Marshal(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FilePreferenceStore) Close() error { return nil }

// ── SQLite ───────────────────────────────────────────────

type SQLitePreferenceStore struct {
	db *sql.DB
}

// NewSQLitePreferenceStore opens (and creates if needed) a SQLite database.
func NewSQLitePreferenceStore(ctx context.Context, path string) (*SQLitePreferenceStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS selection (
		session_key TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLitePreferenceStore{db: db}, nil
}

func (s *SQLitePreferenceStore) LoadSelection(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM selection WHERE session_key = ?`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *SQLitePreferenceStore) SaveSelection(ctx context.Context, key, conversationID string) error {
	if conversationID == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM selection WHERE session_key = ?`, key)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO selection (session_key, conversation_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_key) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			updated_at = excluded.updated_at`, key, conversationID)
	return err
}

func (s *SQLitePreferenceStore) Close() error {
	return s.db.Close()
}

// ── Redis ────────────────────────────────────────────────

const redisSelectionPrefix = "inbox:selection:"

type RedisPreferenceStore struct {
	client *redis.Client
}

// NewRedisPreferenceStore connects to the server named by redisURL.
func NewRedisPreferenceStore(ctx context.Context, redisURL string) (*RedisPreferenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisPreferenceStore{client: client}, nil
}

// NewRedisPreferenceStoreWithClient wraps an existing client.
func NewRedisPreferenceStoreWithClient(client *redis.Client) *RedisPreferenceStore {
	return &RedisPreferenceStore{client: client}
}

func (s *RedisPreferenceStore) LoadSelection(ctx context.Context, key string) (string, error) {
	id, err := s.client.Get(ctx, redisSelectionPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (s *RedisPreferenceStore) SaveSelection(ctx context.Context, key, conversationID string) error {
	if conversationID == "" {
		return s.client.Del(ctx, redisSelectionPrefix+key).Err()
	}
	return s.client.Set(ctx, redisSelectionPrefix+key, conversationID, 0).Err()
}

func (s *RedisPreferenceStore) Close() error {
	return s.client.Close()
}
