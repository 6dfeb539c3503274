package tracker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DefaultQueueCapacity bounds the number of pending events.
const DefaultQueueCapacity = 100

var queueBucket = []byte("events")

// Queue is a bounded FIFO of pending events persisted in bbolt, so events
// survive a restart until the service acknowledges them. When full, the
// oldest event is dropped.
type Queue struct {
	db       *bolt.DB
	capacity int
}

// Item is a queued event and its queue key.
type Item struct {
	Key   uint64
	Event Event
}

// OpenQueue opens or creates the queue file at path.
func OpenQueue(path string, capacity int) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(queueBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue bucket: %w", err)
	}
	return &Queue{db: db, capacity: capacity}, nil
}

// Push appends ev and returns how many events were dropped to stay within
// capacity.
func (q *Queue) Push(ev Event) (int, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	dropped := 0
	err = q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}

		excess := count(b) - q.capacity
		if excess <= 0 {
			return nil
		}
		var oldest [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && len(oldest) < excess; k, _ = c.Next() {
			oldest = append(oldest, append([]byte(nil), k...))
		}
		for _, k := range oldest {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		dropped = len(oldest)
		return nil
	})
	return dropped, err
}

// Peek returns up to n of the oldest events without removing them.
func (q *Queue) Peek(n int) ([]Item, error) {
	var items []Item
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(queueBucket).Cursor()
		for k, v := c.First(); k != nil && len(items) < n; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode queued event: %w", err)
			}
			items = append(items, Item{Key: binary.BigEndian.Uint64(k), Event: ev})
		}
		return nil
	})
	return items, err
}

// Remove deletes the given items.
func (q *Queue) Remove(items []Item) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		for _, it := range items {
			if err := b.Delete(itob(it.Key)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of queued events.
func (q *Queue) Len() (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		n = count(tx.Bucket(queueBucket))
		return nil
	})
	return n, err
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func count(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
