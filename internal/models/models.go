// Package models defines the syncable domain types: inspection and entry
// records, image attachments, and retry-queue items. All timestamps are
// unix milliseconds, matching the server's last-modified format.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// SyncStatus tracks whether a record's latest local state has reached
// the server.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
)

// RecordKind tags the record union.
type RecordKind string

const (
	KindInspection RecordKind = "inspection"
	KindEntry      RecordKind = "entry"
)

// EntryKey identifies an entry within its inspection. Section and field
// are normalized to NFC so keys typed on platforms with different
// unicode composition (notably macOS) compare equal.
type EntryKey struct {
	SectionRef string `json:"section_ref"`
	FieldKey   string `json:"field_key"`
}

// NewEntryKey builds a normalized entry key.
func NewEntryKey(sectionRef, fieldKey string) EntryKey {
	return EntryKey{
		SectionRef: norm.NFC.String(sectionRef),
		FieldKey:   norm.NFC.String(fieldKey),
	}
}

// IsZero reports whether the key is unset (inspection records).
func (k EntryKey) IsZero() bool {
	return k.SectionRef == "" && k.FieldKey == ""
}

func (k EntryKey) String() string {
	return k.SectionRef + "/" + k.FieldKey
}

// Record is a syncable domain entity: an inspection or one of its
// entries. The payload is opaque structured JSON owned by the capture
// forms; the engine only inspects it for image references.
type Record struct {
	LocalID      string          `json:"local_id"`
	ServerID     string          `json:"server_id,omitempty"`
	Kind         RecordKind      `json:"kind"`
	InspectionID string          `json:"inspection_id"`
	Key          EntryKey        `json:"key"`
	Payload      json.RawMessage `json:"payload"`
	SyncStatus   SyncStatus      `json:"sync_status"`
	Deleted      bool            `json:"deleted"`

	// LocalUpdatedAt is bumped on every local mutation.
	// ServerUpdatedAt is the last known server version time and is
	// monotonically non-decreasing; the store enforces this.
	LocalUpdatedAt  int64 `json:"local_updated_at"`
	ServerUpdatedAt int64 `json:"server_updated_at"`
	LastSyncedAt    int64 `json:"last_synced_at"`
}

// NewInspection creates a pending inspection record. The inspection's
// own id doubles as the owning-inspection reference for its entries.
func NewInspection(payload json.RawMessage) Record {
	id := uuid.NewString()

	return Record{
		LocalID:        id,
		Kind:           KindInspection,
		InspectionID:   id,
		Payload:        payload,
		SyncStatus:     StatusPending,
		LocalUpdatedAt: time.Now().UnixMilli(),
	}
}

// NewEntry creates a pending entry record owned by the given inspection.
func NewEntry(inspectionID string, key EntryKey, payload json.RawMessage) Record {
	return Record{
		LocalID:        uuid.NewString(),
		Kind:           KindEntry,
		InspectionID:   inspectionID,
		Key:            key,
		Payload:        payload,
		SyncStatus:     StatusPending,
		LocalUpdatedAt: time.Now().UnixMilli(),
	}
}

// Validate checks the record at the store boundary.
func (r Record) Validate() error {
	switch r.Kind {
	case KindInspection:
		if r.LocalID == "" {
			return fmt.Errorf("inspection record missing local id")
		}
	case KindEntry:
		if r.InspectionID == "" {
			return fmt.Errorf("entry record missing owning inspection id")
		}

		if r.Key.IsZero() {
			return fmt.Errorf("entry record missing entry key")
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}

	return nil
}

// HasServerID reports whether the record has ever been successfully
// pushed.
func (r Record) HasServerID() bool { return r.ServerID != "" }

// AttachmentState tracks whether a captured image has reached the server.
type AttachmentState string

const (
	AttachmentPending  AttachmentState = "pending"
	AttachmentUploaded AttachmentState = "uploaded"
)

// AttachmentOwner locates the record field a captured image belongs to.
type AttachmentOwner struct {
	InspectionID string   `json:"inspection_id"`
	Key          EntryKey `json:"key"`
}

// ImageAttachment is a locally captured binary awaiting upload. Handle
// is the local token embedded in record payloads until the upload
// succeeds and the payload is rewritten with ServerRef.
type ImageAttachment struct {
	LocalID   string          `json:"local_id"`
	LocalPath string          `json:"local_path"`
	Handle    string          `json:"handle"`
	Owner     AttachmentOwner `json:"owner"`
	State     AttachmentState `json:"state"`
	ServerRef string          `json:"server_ref,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// NewImageAttachment registers a captured file as a pending attachment.
func NewImageAttachment(localPath string, owner AttachmentOwner) ImageAttachment {
	id := uuid.NewString()

	return ImageAttachment{
		LocalID:   id,
		LocalPath: localPath,
		Handle:    LocalHandlePrefix + id,
		Owner:     owner,
		State:     AttachmentPending,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// QueueOp is the operation kind of a retry-queue item.
type QueueOp string

const (
	OpCreateRecord QueueOp = "create_record"
	OpUpdateRecord QueueOp = "update_record"
	OpUploadImage  QueueOp = "upload_image"
)

// QueueItem is a deferred operation in the generic retry queue.
type QueueItem struct {
	ID         string          `json:"id"`
	Op         QueueOp         `json:"op"`
	TargetID   string          `json:"target_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Retries    int             `json:"retries"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt int64           `json:"enqueued_at"`
}

// RecordRef identifies a record in the local store; queue items for
// record operations carry one as their payload.
type RecordRef struct {
	Kind         RecordKind `json:"kind"`
	InspectionID string     `json:"inspection_id"`
	Key          EntryKey   `json:"key,omitempty"`
}

// NewRecordQueueItem creates a queue item that re-pushes a record.
func NewRecordQueueItem(op QueueOp, rec Record) (QueueItem, error) {
	ref := RecordRef{Kind: rec.Kind, InspectionID: rec.InspectionID, Key: rec.Key}

	payload, err := json.Marshal(ref)
	if err != nil {
		return QueueItem{}, err
	}

	return NewQueueItem(op, rec.LocalID, payload), nil
}

// NewQueueItem creates a queue item for the given operation and target.
func NewQueueItem(op QueueOp, targetID string, payload json.RawMessage) QueueItem {
	return QueueItem{
		ID:         uuid.NewString(),
		Op:         op,
		TargetID:   targetID,
		Payload:    payload,
		EnqueuedAt: time.Now().UnixMilli(),
	}
}
