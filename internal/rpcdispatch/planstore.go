package rpcdispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	plansBucket       = []byte("plans")
	plansBySessionIdx = []byte("plans_by_session")
)

// PlanStore persists implementation-plan artifacts: long-lived XML plan
// documents that outlive the session that produced them (which is why
// session cancellation leaves plan jobs alone). Backed by bbolt, one
// bucket per collection, db.Update/db.View transactions.
type PlanStore struct {
	db *bbolt.DB
}

// planRecord is the value stored under a plan id.
type planRecord struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// OpenPlanStore opens (creating if necessary) a bbolt-backed plan store
// at path.
func OpenPlanStore(path string) (*PlanStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open plan store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(plansBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(plansBySessionIdx)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create plan buckets: %w", err)
	}

	return &PlanStore{db: db}, nil
}

// Close releases the underlying bbolt handle.
func (s *PlanStore) Close() error { return s.db.Close() }

// Save writes (or overwrites) the plan's content and indexes it under
// sessionID for plans.list.
func (s *PlanStore) Save(planID, sessionID, content string) error {
	record := planRecord{SessionID: sessionID, Content: content}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(plansBucket).Put([]byte(planID), data); err != nil {
			return err
		}
		return tx.Bucket(plansBySessionIdx).Put(sessionIndexKey(sessionID, planID), nil)
	})
}

// Get returns the raw content for planID, or ok=false if no such plan exists.
func (s *PlanStore) Get(planID string) (content string, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(plansBucket).Get([]byte(planID))
		if data == nil {
			return nil
		}
		var record planRecord
		if unmarshalErr := json.Unmarshal(data, &record); unmarshalErr != nil {
			return unmarshalErr
		}
		content = record.Content
		ok = true
		return nil
	})
	return content, ok, err
}

// Delete removes planID and its session index entry.
func (s *PlanStore) Delete(planID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(plansBucket).Get([]byte(planID))
		if data != nil {
			var record planRecord
			if err := json.Unmarshal(data, &record); err == nil {
				tx.Bucket(plansBySessionIdx).Delete(sessionIndexKey(record.SessionID, planID))
			}
		}
		return tx.Bucket(plansBucket).Delete([]byte(planID))
	})
}

// ListBySession returns every plan id saved under sessionID.
func (s *PlanStore) ListBySession(sessionID string) ([]string, error) {
	var planIDs []string
	prefix := append([]byte(sessionID), '/')

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(plansBySessionIdx).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			planIDs = append(planIDs, string(k[len(prefix):]))
		}
		return nil
	})
	return planIDs, err
}

func sessionIndexKey(sessionID, planID string) []byte {
	return []byte(sessionID + "/" + planID)
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
