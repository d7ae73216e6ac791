package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/gridwave/sched-sync/internal/sched"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	gridKey = []byte("grid")
	modeKey = []byte("mode")
)

func entityBucket(entityID string) []byte {
	return []byte("entity:" + entityID)
}

// State is the bbolt-backed snapshot store: the last schedule grid and
// active mode seen per entity, so a restarted process can serve a view
// before its first fetch completes. It is a cache of server truth, not
// a source of it; any entry may be overwritten by the next fetch or push.
type State struct {
	db *bolt.DB
}

// Open opens (creating if needed) the snapshot database at path.
func Open(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	return &State{db: db}, nil
}

// Close releases the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveGrid stores the full grid and current mode for an entity,
// replacing any previous snapshot.
func (s *State) SaveGrid(entityID string, schedules map[string][]sched.Change, currentMode string) error {
	data, err := json.Marshal(schedules)
	if err != nil {
		return fmt.Errorf("marshalling grid: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entityBucket(entityID))
		if err != nil {
			return err
		}
		if err := b.Put(gridKey, data); err != nil {
			return err
		}

		return b.Put(modeKey, []byte(currentMode))
	})
	if err != nil {
		return fmt.Errorf("saving grid for %s: %w", entityID, err)
	}

	return nil
}

// Grid returns the stored snapshot for an entity. A missing entity
// yields a nil map and empty mode, not an error.
func (s *State) Grid(entityID string) (map[string][]sched.Change, string, error) {
	var (
		schedules map[string][]sched.Change
		mode      string
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(entityID))
		if b == nil {
			return nil
		}

		if data := b.Get(gridKey); data != nil {
			if err := json.Unmarshal(data, &schedules); err != nil {
				return fmt.Errorf("decoding grid: %w", err)
			}
		}
		mode = string(b.Get(modeKey))

		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("loading grid for %s: %w", entityID, err)
	}

	return schedules, mode, nil
}

// ApplySlot folds one pushed slot change into the stored grid. The
// read-modify-write happens inside a single transaction so concurrent
// pushes cannot lose updates.
func (s *State) ApplySlot(entityID, mode string, ch sched.Change) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entityBucket(entityID))
		if err != nil {
			return err
		}

		schedules := make(map[string][]sched.Change)
		if data := b.Get(gridKey); data != nil {
			if err := json.Unmarshal(data, &schedules); err != nil {
				return fmt.Errorf("decoding grid: %w", err)
			}
		}

		slots := schedules[mode]
		replaced := false
		for i, existing := range slots {
			if existing.Day == ch.Day && existing.Time == ch.Time {
				slots[i] = ch
				replaced = true
				break
			}
		}
		if !replaced {
			slots = append(slots, ch)
		}
		schedules[mode] = slots

		data, err := json.Marshal(schedules)
		if err != nil {
			return fmt.Errorf("marshalling grid: %w", err)
		}

		return b.Put(gridKey, data)
	})
	if err != nil {
		return fmt.Errorf("applying slot for %s: %w", entityID, err)
	}

	return nil
}

// SaveMode stores the active mode for an entity.
func (s *State) SaveMode(entityID, mode string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entityBucket(entityID))
		if err != nil {
			return err
		}

		return b.Put(modeKey, []byte(mode))
	})
	if err != nil {
		return fmt.Errorf("saving mode for %s: %w", entityID, err)
	}

	return nil
}

// Forget removes an entity's snapshot entirely.
func (s *State) Forget(entityID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(entityBucket(entityID)) == nil {
			return nil
		}

		return tx.DeleteBucket(entityBucket(entityID))
	})
	if err != nil {
		return fmt.Errorf("forgetting %s: %w", entityID, err)
	}

	return nil
}
