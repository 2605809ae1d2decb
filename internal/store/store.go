// Package store is the durable on-device source of truth: inspection
// records, entry records, image attachments, and the generic retry
// queue. Both UI writers and the sync orchestrator funnel through the
// same primitives, giving one serialization point per record key.
// Reads never touch the network.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/harworth/field-sync/internal/models"
	"github.com/harworth/field-sync/internal/syncerr"
)

const (
	// dataDirPerm is the permission mode for the data directory.
	dataDirPerm = fs.FileMode(0o700)

	// dataFilePerm is the permission mode for the database file.
	dataFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

var (
	inspectionsBucket = []byte("inspections")
	entriesBucket     = []byte("entries")
	attachmentsBucket = []byte("attachments")
	queueBucket       = []byte("queue")
	metaBucket        = []byte("meta")

	lastFullPullKey = []byte("last_full_pull")
)

// Store wraps a bbolt database holding all persistent sync state.
type Store struct {
	db *bolt.DB
}

// Open opens the database at <dataDir>/field-sync.db, creating it and
// all collection buckets if they do not exist.
func Open(dataDir string) (*Store, error) {
	return OpenAt(filepath.Join(dataDir, "field-sync.db"))
}

// OpenAt opens a database at the given path. Useful for tests that
// need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dataDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, dataFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			inspectionsBucket, entriesBucket, attachmentsBucket, queueBucket, metaBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn in a write transaction, retrying once on failure
// before surfacing a storage error scoped to op.
func (s *Store) update(op string, fn func(tx *bolt.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		if err = s.db.Update(fn); err != nil {
			return syncerr.Storage(op, err)
		}
	}

	return nil
}

// view runs fn in a read transaction, retrying once on failure.
func (s *Store) view(op string, fn func(tx *bolt.Tx) error) error {
	if err := s.db.View(fn); err != nil {
		if err = s.db.View(fn); err != nil {
			return syncerr.Storage(op, err)
		}
	}

	return nil
}

func recordBucket(kind models.RecordKind) []byte {
	if kind == models.KindEntry {
		return entriesBucket
	}

	return inspectionsBucket
}

// recordKey derives the bucket key a record is idempotently upserted
// under: the inspection id for inspections, (inspection id, entry key)
// for entries. The NUL separator cannot appear in normalized key parts.
func recordKey(r models.Record) []byte {
	if r.Kind == models.KindEntry {
		return entryKeyBytes(r.InspectionID, r.Key)
	}

	return []byte(r.InspectionID)
}

func entryKeyBytes(inspectionID string, key models.EntryKey) []byte {
	b := make([]byte, 0, len(inspectionID)+len(key.SectionRef)+len(key.FieldKey)+2)
	b = append(b, inspectionID...)
	b = append(b, 0)
	b = append(b, key.SectionRef...)
	b = append(b, 0)
	b = append(b, key.FieldKey...)

	return b
}

// UpsertRecord writes a record, keyed by its identity. ServerUpdatedAt
// is monotonic: an upsert never lowers the stored server version time.
// The write is durable before the call returns.
func (s *Store) UpsertRecord(r models.Record) error {
	if err := r.Validate(); err != nil {
		return syncerr.Client("upsert record", err)
	}

	return s.update("upsert record", func(tx *bolt.Tx) error {
		b := tx.Bucket(recordBucket(r.Kind))
		key := recordKey(r)

		if v := b.Get(key); v != nil {
			var existing models.Record
			if err := json.Unmarshal(v, &existing); err == nil {
				if existing.ServerUpdatedAt > r.ServerUpdatedAt {
					r.ServerUpdatedAt = existing.ServerUpdatedAt
				}
			}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// SaveLocalEdit applies a local mutation: the record is marked pending,
// its LocalUpdatedAt is bumped, and it is upserted. Repeated edits to
// the same key coalesce into the current payload. Returns the stamped
// record.
func (s *Store) SaveLocalEdit(r models.Record) (models.Record, error) {
	r.SyncStatus = models.StatusPending
	r.LocalUpdatedAt = time.Now().UnixMilli()

	if err := s.UpsertRecord(r); err != nil {
		return models.Record{}, err
	}

	return r, nil
}

// GetInspection returns the inspection record, or nil if not found.
func (s *Store) GetInspection(inspectionID string) (*models.Record, error) {
	return s.getRecord(inspectionsBucket, []byte(inspectionID))
}

// GetEntry returns the entry record for (inspection, key), or nil.
func (s *Store) GetEntry(inspectionID string, key models.EntryKey) (*models.Record, error) {
	return s.getRecord(entriesBucket, entryKeyBytes(inspectionID, key))
}

// GetInspectionByServerID scans for the inspection carrying the given
// server id, or nil. Server-created inspections key on the server id
// directly; locally created ones need the scan.
func (s *Store) GetInspectionByServerID(serverID string) (*models.Record, error) {
	if rec, err := s.GetInspection(serverID); err != nil || rec != nil {
		return rec, err
	}

	var found *models.Record

	err := s.view("get inspection by server id", func(tx *bolt.Tx) error {
		return tx.Bucket(inspectionsBucket).ForEach(func(_, v []byte) error {
			var r models.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if r.ServerID == serverID {
				found = &r
			}

			return nil
		})
	})

	return found, err
}

func (s *Store) getRecord(bucket, key []byte) (*models.Record, error) {
	var rec *models.Record

	err := s.view("get record", func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}

		rec = &models.Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// AllRecords returns every record of the given kind. Tombstoned records
// are excluded unless includeDeleted is set, so default list views never
// show server-deleted data.
func (s *Store) AllRecords(kind models.RecordKind, includeDeleted bool) ([]models.Record, error) {
	var records []models.Record

	err := s.view("list records", func(tx *bolt.Tx) error {
		return tx.Bucket(recordBucket(kind)).ForEach(func(_, v []byte) error {
			var r models.Record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if r.Deleted && !includeDeleted {
				return nil
			}

			records = append(records, r)

			return nil
		})
	})

	return records, err
}

// PendingRecords returns all records awaiting push, inspections first.
// Entries reference their inspection's server id, so inspections must
// be created on the server before their entries.
func (s *Store) PendingRecords() ([]models.Record, error) {
	var pending []models.Record

	collect := func(bucket []byte) func(tx *bolt.Tx) error {
		return func(tx *bolt.Tx) error {
			return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
				var r models.Record
				if err := json.Unmarshal(v, &r); err != nil {
					return err
				}

				if r.SyncStatus == models.StatusPending && !r.Deleted {
					pending = append(pending, r)
				}

				return nil
			})
		}
	}

	if err := s.view("list pending records", collect(inspectionsBucket)); err != nil {
		return nil, err
	}

	if err := s.view("list pending records", collect(entriesBucket)); err != nil {
		return nil, err
	}

	return pending, nil
}

// MarkInspectionDeleted sets the tombstone flag on an inspection.
// Missing records are a no-op.
func (s *Store) MarkInspectionDeleted(inspectionID string) error {
	return s.markDeleted(inspectionsBucket, []byte(inspectionID))
}

// MarkEntryDeleted sets the tombstone flag on an entry.
func (s *Store) MarkEntryDeleted(inspectionID string, key models.EntryKey) error {
	return s.markDeleted(entriesBucket, entryKeyBytes(inspectionID, key))
}

func (s *Store) markDeleted(bucket, key []byte) error {
	return s.update("mark deleted", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)

		v := b.Get(key)
		if v == nil {
			return nil
		}

		var r models.Record
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}

		r.Deleted = true
		r.SyncStatus = models.StatusSynced

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return b.Put(key, data)
	})
}

// PutAttachment persists an image attachment, keyed by local id.
func (s *Store) PutAttachment(att models.ImageAttachment) error {
	return s.update("put attachment", func(tx *bolt.Tx) error {
		data, err := json.Marshal(att)
		if err != nil {
			return err
		}

		return tx.Bucket(attachmentsBucket).Put([]byte(att.LocalID), data)
	})
}

// GetAttachment returns an attachment by local id, or nil.
func (s *Store) GetAttachment(localID string) (*models.ImageAttachment, error) {
	var att *models.ImageAttachment

	err := s.view("get attachment", func(tx *bolt.Tx) error {
		v := tx.Bucket(attachmentsBucket).Get([]byte(localID))
		if v == nil {
			return nil
		}

		att = &models.ImageAttachment{}

		return json.Unmarshal(v, att)
	})

	return att, err
}

// AttachmentByHandle returns the attachment owning the given payload
// handle, or nil. Handles embed the attachment's local id.
func (s *Store) AttachmentByHandle(handle string) (*models.ImageAttachment, error) {
	id, ok := strings.CutPrefix(handle, models.LocalHandlePrefix)
	if !ok {
		return nil, nil
	}

	return s.GetAttachment(id)
}

// AttachmentByPath returns the attachment registered for a local file
// path, or nil. Used by the captures watcher to avoid re-registering.
func (s *Store) AttachmentByPath(localPath string) (*models.ImageAttachment, error) {
	var found *models.ImageAttachment

	err := s.view("find attachment", func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).ForEach(func(_, v []byte) error {
			var att models.ImageAttachment
			if err := json.Unmarshal(v, &att); err != nil {
				return err
			}

			if att.LocalPath == localPath {
				found = &att
			}

			return nil
		})
	})

	return found, err
}

// PendingAttachments returns all attachments awaiting upload, oldest
// first.
func (s *Store) PendingAttachments() ([]models.ImageAttachment, error) {
	var pending []models.ImageAttachment

	err := s.view("list pending attachments", func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).ForEach(func(_, v []byte) error {
			var att models.ImageAttachment
			if err := json.Unmarshal(v, &att); err != nil {
				return err
			}

			if att.State == models.AttachmentPending {
				pending = append(pending, att)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortAttachmentsByAge(pending)

	return pending, nil
}

// AttachmentsOwnedBy returns every attachment captured under the given
// inspection, any state.
func (s *Store) AttachmentsOwnedBy(inspectionID string) ([]models.ImageAttachment, error) {
	var owned []models.ImageAttachment

	err := s.view("list owned attachments", func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).ForEach(func(_, v []byte) error {
			var att models.ImageAttachment
			if err := json.Unmarshal(v, &att); err != nil {
				return err
			}

			if att.Owner.InspectionID == inspectionID {
				owned = append(owned, att)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return owned, nil
}

// DeleteAttachment removes an attachment row.
func (s *Store) DeleteAttachment(localID string) error {
	return s.update("delete attachment", func(tx *bolt.Tx) error {
		return tx.Bucket(attachmentsBucket).Delete([]byte(localID))
	})
}

// Enqueue appends an item to the retry queue. Items are keyed by a
// monotonic sequence so DequeueAll drains in enqueue order.
func (s *Store) Enqueue(item models.QueueItem) error {
	return s.update("enqueue", func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return b.Put(seqKey(seq), data)
	})
}

// DequeueAll removes and returns every queued item in enqueue order.
// Items that still need work after processing are re-enqueued by the
// orchestrator with their retry count bumped.
func (s *Store) DequeueAll() ([]models.QueueItem, error) {
	var items []models.QueueItem

	err := s.update("dequeue all", func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		var keys [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var item models.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)
			keys = append(keys, append([]byte(nil), k...))

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// ListPending returns the queued items without removing them.
func (s *Store) ListPending() ([]models.QueueItem, error) {
	var items []models.QueueItem

	err := s.view("list pending", func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(_, v []byte) error {
			var item models.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

// CancelQueueItemsFor drops every queued item targeting the given
// entity. Called when a tombstone is confirmed so in-flight work for a
// server-deleted record is abandoned.
func (s *Store) CancelQueueItemsFor(targetID string) (int, error) {
	cancelled := 0

	err := s.update("cancel queue items", func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		var keys [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var item models.QueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			if item.TargetID == targetID {
				keys = append(keys, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		cancelled = len(keys)

		return nil
	})

	return cancelled, err
}

// SetLastFullPull records when the last complete pull finished.
func (s *Store) SetLastFullPull(at time.Time) error {
	return s.update("set last full pull", func(tx *bolt.Tx) error {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(at.UnixMilli()))

		return tx.Bucket(metaBucket).Put(lastFullPullKey, buf[:])
	})
}

// LastFullPull returns the time of the last complete pull, or zero.
func (s *Store) LastFullPull() time.Time {
	var at time.Time

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastFullPullKey)
		if len(v) == 8 {
			at = time.UnixMilli(int64(binary.BigEndian.Uint64(v)))
		}

		return nil
	})

	return at
}

func seqKey(seq uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)

	return buf[:]
}

func sortAttachmentsByAge(atts []models.ImageAttachment) {
	sort.Slice(atts, func(i, j int) bool {
		return atts[i].CreatedAt < atts[j].CreatedAt
	})
}
