package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dinghy-proxy/dinghy/routing"
)

// ErrNoSnapshot is returned by Load when no snapshot file exists.
var ErrNoSnapshot = errors.New("no session snapshot")

// sessionRecord is the serialized form of a session. Timestamps are
// epoch milliseconds.
type sessionRecord struct {
	Targets      []routing.Target `json:"targets"`
	LogOverride  *bool            `json:"logOverride,omitempty"`
	CreatedAt    int64            `json:"createdAt"`
	LastAccessed int64            `json:"lastAccessed"`
}

func (s *Store) snapshot() map[string]sessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make(map[string]sessionRecord, len(s.sessions))
	for token, sess := range s.sessions {
		records[token] = sessionRecord{
			Targets:      sess.Registry.Targets(),
			LogOverride:  sess.LogOverride,
			CreatedAt:    sess.CreatedAt.UnixMilli(),
			LastAccessed: sess.LastAccessed.UnixMilli(),
		}
	}

	return records
}

func (s *Store) writeFile(data []byte) error {
	dir := filepath.Dir(s.opts.SnapshotPath)
	tmp, err := os.CreateTemp(dir, ".sessions-*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), s.opts.SnapshotPath)
}

func (s *Store) writeSnapshot(ctx context.Context) error {
	if s.opts.SnapshotPath == "" {
		return nil
	}

	data, err := json.Marshal(s.snapshot())
	if err != nil {
		return fmt.Errorf("serializing sessions: %w", err)
	}

	// a transient write failure must not lose the snapshot of a
	// long quiet period, retry briefly before giving up
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.writeFile(data)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	return err
}

// RunWriter persists the sessions after a quiet period following any
// mutation, until the context is canceled. It never blocks mutations;
// persistence failures are logged and the process continues.
func (s *Store) RunWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty:
		}

		t := time.NewTimer(s.opts.SnapshotDebounce)
	debounce:
		for {
			select {
			case <-s.dirty:
				t.Stop()
				t = time.NewTimer(s.opts.SnapshotDebounce)
			case <-t.C:
				break debounce
			case <-ctx.Done():
				t.Stop()
				return
			}
		}

		if err := s.writeSnapshot(ctx); err != nil {
			s.opts.Log.Errorf("writing session snapshot failed: %v", err)
		}
	}
}

// Flush writes the snapshot synchronously, bypassing the debounce. Used
// on graceful shutdown.
func (s *Store) Flush() error {
	select {
	case <-s.dirty:
	default:
	}

	return s.writeSnapshot(context.Background())
}

// Load restores the sessions from the snapshot file, discarding the
// ones already expired. A missing, unreadable or corrupt snapshot is
// never fatal, the store starts empty.
func (s *Store) Load() error {
	if s.opts.SnapshotPath == "" {
		return nil
	}

	content, err := os.ReadFile(s.opts.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNoSnapshot
		}

		s.opts.Log.Errorf("reading session snapshot failed, starting empty: %v", err)
		return nil
	}

	var records map[string]sessionRecord
	if err := json.Unmarshal(content, &records); err != nil {
		s.opts.Log.Errorf("corrupt session snapshot, starting empty: %v", err)
		return nil
	}

	now := s.now()
	var loaded, discarded int

	s.mu.Lock()
	for token, rec := range records {
		sess := &Session{
			Token:        token,
			LogOverride:  rec.LogOverride,
			CreatedAt:    time.UnixMilli(rec.CreatedAt),
			LastAccessed: time.UnixMilli(rec.LastAccessed),
		}

		if s.expired(sess, now) {
			discarded++
			continue
		}

		r, err := routing.NewRegistryWithTargets(rec.Targets)
		if err != nil {
			s.opts.Log.Errorf("discarding session %s with invalid targets: %v", token, err)
			discarded++
			continue
		}

		sess.Registry = r
		s.sessions[token] = sess
		loaded++
	}
	n := len(s.sessions)
	s.mu.Unlock()

	s.opts.Metrics.UpdateActiveSessions(n)
	s.opts.Log.Infof("session snapshot loaded: %d restored, %d expired and discarded", loaded, discarded)
	return nil
}
