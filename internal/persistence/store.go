package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/fleetkit/agentfleet/internal/common/logger"
	"github.com/fleetkit/agentfleet/internal/errs"
)

const (
	stateFileName      = "state"
	contextFileName    = "context"
	outputTailFileName = "output.tail"
	indexFileName      = "index"

	sessionsDir  = "sessions"
	snapshotsDir = "snapshots"
)

// Store implements the Persistence Layer's save/load/list/delete/snapshot/
// restore/fork operations against the on-disk layout: sessions/<id>/{state,
// context,output.tail}, snapshots/<id>/<snapshot-id>, and a flat index file
// of known session ids. Every write goes through a temp-file-then-rename so
// a crash mid-write never leaves a partially-written file in place.
type Store struct {
	root     string
	compress bool
	log      *logger.Logger

	sql *sqlIndex // optional secondary index; nil when no database was wired

	mu sync.Mutex
}

// NewStore creates a Store rooted at dir, creating the sessions/ and
// snapshots/ subdirectories if absent. db may be nil, in which case List
// falls back to scanning the index file.
func NewStore(dir string, compress bool, db *sql.DB, driver string, log *logger.Logger) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: persistence root directory is empty", errs.ErrConfig)
	}
	if err := os.MkdirAll(filepath.Join(dir, sessionsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare sessions directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, snapshotsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare snapshots directory: %w", err)
	}

	s := &Store{
		root:     dir,
		compress: compress,
		log:      log.WithFields(zap.String("component", "persistence")),
	}

	if db != nil {
		sx := sqlx.NewDb(db, driverName(driver))
		idx := newSQLIndex(sx, driver)
		if err := idx.migrate(context.Background()); err != nil {
			return nil, err
		}
		s.sql = idx
	}

	return s, nil
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "pgx"
	}
	return "sqlite3"
}

func (s *Store) sessionDir(id string) string  { return filepath.Join(s.root, sessionsDir, id) }
func (s *Store) snapshotDir(id string) string { return filepath.Join(s.root, snapshotsDir, id) }

// atomicWrite writes data to a temp file alongside path and renames it into
// place, so readers never observe a partially written file.
func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + uuid.New().String()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Save writes a session's state, context, and output tail atomically.
// Errors: ConfigError (bad record).
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.State.ID == "" {
		return fmt.Errorf("%w: session id is empty", errs.ErrConfig)
	}

	rec.State.ContextChecksum = fingerprint(rec.Context)
	rec.State.LastActivity = time.Now().UTC()
	if rec.State.CreatedAt.IsZero() {
		rec.State.CreatedAt = rec.State.LastActivity
	}

	stateJSON, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	contextJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}

	dir := s.sessionDir(rec.State.ID)
	if err := atomicWrite(filepath.Join(dir, stateFileName), encodeBlob(stateJSON, s.compress)); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := atomicWrite(filepath.Join(dir, contextFileName), encodeBlob(contextJSON, s.compress)); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	if rec.OutputTail != nil {
		if err := atomicWrite(filepath.Join(dir, outputTailFileName), encodeBlob(rec.OutputTail, s.compress)); err != nil {
			return fmt.Errorf("write output tail: %w", err)
		}
	}

	if err := s.addToIndex(rec.State.ID); err != nil {
		return err
	}
	if s.sql != nil {
		if err := s.sql.upsert(ctx, rec.State); err != nil {
			s.log.Warn("session index upsert failed", zap.Error(err))
		}
	}
	return nil
}

// Load reads a session's persisted state and context back.
// Errors: NotFound, CorruptSnapshot (fingerprint mismatch).
func (s *Store) Load(id string) (Record, error) {
	dir := s.sessionDir(id)
	return s.loadFrom(dir)
}

func (s *Store) loadFrom(dir string) (Record, error) {
	stateRaw, err := readFileOrNotFound(filepath.Join(dir, stateFileName))
	if err != nil {
		return Record{}, err
	}
	stateRaw, err = decodeBlob(stateRaw)
	if err != nil {
		return Record{}, err
	}
	var state SessionState
	if err := json.Unmarshal(stateRaw, &state); err != nil {
		return Record{}, fmt.Errorf("%w: state file corrupt: %v", errs.ErrCorruptSnapshot, err)
	}

	contextRaw, err := readFileOrNotFound(filepath.Join(dir, contextFileName))
	if err != nil {
		return Record{}, err
	}
	contextRaw, err = decodeBlob(contextRaw)
	if err != nil {
		return Record{}, err
	}
	var ctxState ContextState
	if err := json.Unmarshal(contextRaw, &ctxState); err != nil {
		return Record{}, fmt.Errorf("%w: context file corrupt: %v", errs.ErrCorruptSnapshot, err)
	}

	if state.ContextChecksum != "" && state.ContextChecksum != fingerprint(ctxState) {
		return Record{}, fmt.Errorf("%w: context fingerprint mismatch for session %s", errs.ErrCorruptSnapshot, state.ID)
	}

	var outputTail []byte
	if raw, err := os.ReadFile(filepath.Join(dir, outputTailFileName)); err == nil {
		outputTail, err = decodeBlob(raw)
		if err != nil {
			return Record{}, err
		}
	}

	return Record{State: state, Context: ctxState, OutputTail: outputTail}, nil
}

func readFileOrNotFound(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

// List returns the ids of every known session, preferring the SQL index
// when available and falling back to the flat index file otherwise.
func (s *Store) List(ctx context.Context) ([]string, error) {
	if s.sql != nil {
		ids, err := s.sql.list(ctx)
		if err == nil {
			return ids, nil
		}
		s.log.Warn("session index list failed, falling back to index file", zap.Error(err))
	}
	return s.readIndexFile()
}

// Delete removes a session's directory and its index entries. Idempotent.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session directory: %w", err)
	}
	if err := s.removeFromIndex(id); err != nil {
		return err
	}
	if s.sql != nil {
		if err := s.sql.delete(ctx, id); err != nil {
			s.log.Warn("session index delete failed", zap.Error(err))
		}
	}
	return nil
}

// Snapshot records a labeled point-in-time copy of a live session's state.
// Errors: NotFound.
func (s *Store) Snapshot(id, label string) (string, error) {
	rec, err := s.Load(id)
	if err != nil {
		return "", err
	}

	snapshotID := uuid.New().String()
	rec.SnapshotID = snapshotID
	rec.SnapshotAt = time.Now().UTC()
	rec.SnapshotTag = label

	blob, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	path := filepath.Join(s.snapshotDir(id), snapshotID)
	if err := atomicWrite(path, encodeBlob(blob, s.compress)); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return snapshotID, nil
}

// Restore loads a snapshot, validates its context fingerprint, writes it
// back as the session's live state, and returns it.
// Errors: NotFound, CorruptSnapshot.
func (s *Store) Restore(ctx context.Context, id, snapshotID string) (Record, error) {
	path := filepath.Join(s.snapshotDir(id), snapshotID)
	raw, err := readFileOrNotFound(path)
	if err != nil {
		return Record{}, err
	}
	raw, err = decodeBlob(raw)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: snapshot file corrupt: %v", errs.ErrCorruptSnapshot, err)
	}
	if rec.State.ContextChecksum != fingerprint(rec.Context) {
		return Record{}, fmt.Errorf("%w: snapshot %s/%s context fingerprint mismatch", errs.ErrCorruptSnapshot, id, snapshotID)
	}

	rec.State.Status = "Initializing"
	if err := s.Save(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ListSnapshots returns the labeled snapshot ids recorded for a session.
func (s *Store) ListSnapshots(id string) ([]string, error) {
	entries, err := os.ReadDir(s.snapshotDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Fork creates a new session whose Context is a deep copy of id's current
// Context. The new session starts in Initializing with a fresh state; the
// two lineages diverge from this point on.
// Errors: NotFound.
func (s *Store) Fork(ctx context.Context, id, label string) (string, error) {
	rec, err := s.Load(id)
	if err != nil {
		return "", err
	}

	newID := uuid.New().String()
	forkedCtx := deepCopyContext(rec.Context)
	forkedCtx.SessionID = newID

	forked := Record{
		State: SessionState{
			ID:           newID,
			Name:         label,
			Status:       "Initializing",
			WorkingDir:   rec.State.WorkingDir,
			Command:      append([]string(nil), rec.State.Command...),
			Environment:  copyStringMap(rec.State.Environment),
			PtyRows:      rec.State.PtyRows,
			PtyCols:      rec.State.PtyCols,
			AgentRole:    rec.State.AgentRole,
			CreatedAt:    time.Now().UTC(),
			LastActivity: time.Now().UTC(),
			Metadata:     copyStringMap(rec.State.Metadata),
		},
		Context: forkedCtx,
	}

	if err := s.Save(ctx, forked); err != nil {
		return "", err
	}
	return newID, nil
}

func deepCopyContext(c ContextState) ContextState {
	messages := make([]MessageState, len(c.Messages))
	copy(messages, c.Messages)
	return ContextState{
		Messages:             messages,
		CurrentTokens:        c.CurrentTokens,
		MaxTokens:            c.MaxTokens,
		CompressionThreshold: c.CompressionThreshold,
	}
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) indexPath() string { return filepath.Join(s.root, indexFileName) }

func (s *Store) readIndexFile() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: index file corrupt: %v", errs.ErrCorruptSnapshot, err)
	}
	return ids, nil
}

func (s *Store) addToIndex(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndexFileLocked()
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	return s.writeIndexFileLocked(ids)
}

func (s *Store) removeFromIndex(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.readIndexFileLocked()
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return s.writeIndexFileLocked(filtered)
}

func (s *Store) readIndexFileLocked() ([]string, error) {
	raw, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("%w: index file corrupt: %v", errs.ErrCorruptSnapshot, err)
	}
	return ids, nil
}

func (s *Store) writeIndexFileLocked(ids []string) error {
	blob, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return atomicWrite(s.indexPath(), blob)
}
