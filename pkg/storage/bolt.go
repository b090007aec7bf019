package storage

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	recordsBucket = []byte("records")
	journalBucket = []byte("journal")
)

// Bolt is a bbolt-backed Adapter. Records are stored as JSON under their
// record id; the journal bucket holds unfolded deltas, with an empty value
// marking a deletion.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) a bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening storage at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing storage buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Put(recordID string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", recordID, err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(recordID), raw)
	})
}

func (b *Bolt) Remove(recordID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put([]byte(recordID), nil)
	})
}

func (b *Bolt) Load() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	err := b.db.View(func(tx *bolt.Tx) error {
		if err := readBucket(tx.Bucket(recordsBucket), out); err != nil {
			return err
		}
		return tx.Bucket(journalBucket).ForEach(func(k, v []byte) error {
			if len(v) == 0 {
				delete(out, string(k))
				return nil
			}
			var fields map[string]any
			if err := json.Unmarshal(v, &fields); err != nil {
				return fmt.Errorf("decoding journaled record %s: %w", k, err)
			}
			out[string(k)] = fields
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) FlushJournal() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		journal := tx.Bucket(journalBucket)
		err := journal.ForEach(func(k, v []byte) error {
			if len(v) == 0 {
				return records.Delete(k)
			}
			return records.Put(k, v)
		})
		if err != nil {
			return err
		}
		if err := tx.DeleteBucket(journalBucket); err != nil {
			return err
		}
		_, err = tx.CreateBucket(journalBucket)
		return err
	})
}

func (b *Bolt) EvictJournal() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(journalBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(journalBucket)
		return err
	})
}

func (b *Bolt) EvictAll() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, journalBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Inspect() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	err := b.db.View(func(tx *bolt.Tx) error {
		return readBucket(tx.Bucket(recordsBucket), out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Dispose() error {
	return b.db.Close()
}

func readBucket(bucket *bolt.Bucket, out map[string]map[string]any) error {
	return bucket.ForEach(func(k, v []byte) error {
		var fields map[string]any
		if err := json.Unmarshal(v, &fields); err != nil {
			return fmt.Errorf("decoding record %s: %w", k, err)
		}
		out[string(k)] = fields
		return nil
	})
}
