package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/harworth/field-sync/internal/api"
	"github.com/harworth/field-sync/internal/models"
	"github.com/harworth/field-sync/internal/syncerr"
)

// pushPhase drains local work in order: image uploads, then pending
// record upserts, then generic queue items. The phase always completes;
// per-item failures are logged, counted, and left for the next cycle.
func (s *Syncer) pushPhase(ctx context.Context, res *Result) {
	s.uploadImages(ctx, res)
	s.pushRecords(ctx, res)
	s.processQueue(ctx, res)
}

// uploadImages pushes every pending attachment. On success the server
// reference replaces the local handle in every referencing payload.
// Only client failures (missing source file, 4xx rejection) drop the
// attachment; everything else keeps it pending for the next cycle, so
// a transient disk or network fault never discards a photo.
func (s *Syncer) uploadImages(ctx context.Context, res *Result) {
	atts, err := s.store.PendingAttachments()
	if err != nil {
		res.reportError(err)
		return
	}

	s.addWork(len(atts))

	for _, att := range atts {
		s.emit("uploading " + filepath.Base(att.LocalPath))

		err := s.uploadOne(ctx, att)

		switch {
		case err == nil:
			res.Uploaded++

			s.itemDone(false)

		case syncerr.KindOf(err) == syncerr.KindClient:
			s.dropAttachment(att, err)
			s.itemDone(true)

		default:
			// Network, storage, or unclassified: the attachment stays
			// pending and the next cycle picks it up.
			s.logger.Warn("image upload failed, will retry next cycle",
				slog.String("path", att.LocalPath),
				slog.String("error", err.Error()),
			)

			res.Retained++
			res.reportError(err)

			s.itemDone(true)
		}
	}
}

// uploadOne uploads a single attachment with bounded retry, then
// persists the uploaded state and rewrites referencing payloads.
func (s *Syncer) uploadOne(ctx context.Context, att models.ImageAttachment) error {
	var ref string

	err := s.attempt(ctx, "upload image", func() error {
		f, err := os.Open(att.LocalPath)
		if err != nil {
			if os.IsNotExist(err) {
				return syncerr.Client("upload image", fmt.Errorf("local file missing: %s", att.LocalPath))
			}

			return syncerr.Storage("upload image", err)
		}
		defer f.Close()

		r, err := s.api.UploadImage(ctx, filepath.Base(att.LocalPath), f)
		if err != nil {
			return err
		}

		ref = r

		return nil
	})
	if err != nil {
		return err
	}

	att.State = models.AttachmentUploaded
	att.ServerRef = ref

	if err := s.store.PutAttachment(att); err != nil {
		return err
	}

	s.rewriteHandle(att.Handle, ref)

	s.logger.Info("uploaded image",
		slog.String("path", att.LocalPath),
		slog.String("ref", ref),
	)

	return nil
}

// dropAttachment removes a non-retryably failed attachment and purges
// its handle from payloads. The referencing records stay pending and
// push without the dead reference.
func (s *Syncer) dropAttachment(att models.ImageAttachment, cause error) {
	s.logger.Warn("dropping image upload",
		slog.String("path", att.LocalPath),
		slog.String("error", cause.Error()),
	)

	if err := s.store.DeleteAttachment(att.LocalID); err != nil {
		s.logger.Warn("deleting dropped attachment",
			slog.String("id", att.LocalID),
			slog.String("error", err.Error()),
		)
	}

	s.rewriteHandle(att.Handle, "")
}

// rewriteHandle replaces a local handle with its server reference (or
// blanks it) in every record payload that references it. Touched
// records are marked pending so the rewritten payload reaches the
// server on this or the next cycle.
func (s *Syncer) rewriteHandle(handle, serverRef string) {
	for _, kind := range []models.RecordKind{models.KindInspection, models.KindEntry} {
		records, err := s.store.AllRecords(kind, false)
		if err != nil {
			s.logger.Warn("scanning records for handle rewrite",
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, r := range records {
			if !models.ReferencesHandle(r.Payload, handle) {
				continue
			}

			if serverRef == "" {
				r.Payload = models.StripImageHandles(r.Payload, []string{handle})
			} else {
				r.Payload = models.RewriteImageHandle(r.Payload, handle, serverRef)
			}

			if _, err := s.store.SaveLocalEdit(r); err != nil {
				s.logger.Warn("persisting handle rewrite",
					slog.String("record", r.LocalID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// pushRecords sends every pending record, inspections before entries so
// an entry's create can reference its inspection's server id.
func (s *Syncer) pushRecords(ctx context.Context, res *Result) {
	records, err := s.store.PendingRecords()
	if err != nil {
		res.reportError(err)
		return
	}

	s.addWork(len(records))

	for _, rec := range records {
		s.emit("pushing " + string(rec.Kind) + " " + rec.LocalID)

		pushed, err := s.pushRecord(ctx, rec)

		switch {
		case err != nil:
			// Retryable or not, the record is left pending and
			// reported, never discarded.
			s.logger.Warn("record push failed",
				slog.String("record", rec.LocalID),
				slog.String("error", err.Error()),
			)

			res.Retained++
			res.reportError(err)

			s.itemDone(true)

		case pushed:
			res.Pushed++

			s.itemDone(false)

		default:
			// Not ready this cycle (owning inspection not yet created).
			res.Retained++

			s.itemDone(true)
		}
	}
}

// pushRecord sends one pending record. Returns pushed=false with a nil
// error when the record cannot be sent yet. Unresolved image handles
// are stripped from the outgoing copy only; the local copy keeps them
// and the record stays pending until they resolve.
func (s *Syncer) pushRecord(ctx context.Context, rec models.Record) (bool, error) {
	rec, unresolved, err := s.resolveHandles(rec)
	if err != nil {
		return false, err
	}

	outgoing := rec.Payload
	if len(unresolved) > 0 {
		outgoing = models.StripImageHandles(rec.Payload, unresolved)
	}

	sr, err := s.send(ctx, rec, outgoing)
	if err != nil {
		return false, err
	}

	if sr == nil {
		return false, nil
	}

	rec.ServerID = sr.ID
	rec.ServerUpdatedAt = sr.UpdatedAt
	rec.LastSyncedAt = time.Now().UnixMilli()

	if len(unresolved) == 0 {
		// Confirmed round trip with nothing outstanding: adopt the
		// server's representation and mark synced.
		rec.Payload = sr.Payload
		rec.SyncStatus = models.StatusSynced
	}

	// A UI edit may have landed while the request was in flight. The
	// newer local payload wins; only the server metadata is adopted.
	if cur := s.currentVersion(rec); cur != nil && cur.LocalUpdatedAt > rec.LocalUpdatedAt {
		rec.Payload = cur.Payload
		rec.LocalUpdatedAt = cur.LocalUpdatedAt
		rec.SyncStatus = models.StatusPending
	}

	if err := s.store.UpsertRecord(rec); err != nil {
		return false, err
	}

	return true, nil
}

// send dispatches create vs update based on server id presence. A nil
// record with nil error means the push is deferred (entry whose
// inspection has no server id yet).
func (s *Syncer) send(ctx context.Context, rec models.Record, payload json.RawMessage) (sr *api.ServerRecord, err error) {
	op := "push " + string(rec.Kind)

	switch rec.Kind {
	case models.KindInspection:
		err = s.attempt(ctx, op, func() error {
			var aerr error
			if rec.HasServerID() {
				sr, aerr = s.api.UpdateInspection(ctx, rec.ServerID, payload)
			} else {
				sr, aerr = s.api.CreateInspection(ctx, rec.LocalID, payload)
			}

			return aerr
		})

	case models.KindEntry:
		insp, gerr := s.store.GetInspection(rec.InspectionID)
		if gerr != nil {
			return nil, gerr
		}

		if insp == nil || !insp.HasServerID() {
			s.logger.Debug("deferring entry push, inspection not on server yet",
				slog.String("inspection", rec.InspectionID),
			)

			return nil, nil
		}

		err = s.attempt(ctx, op, func() error {
			var aerr error
			if rec.HasServerID() {
				sr, aerr = s.api.UpdateEntry(ctx, insp.ServerID, rec.ServerID, payload)
			} else {
				sr, aerr = s.api.CreateEntry(ctx, insp.ServerID, rec.LocalID, rec.Key, payload)
			}

			return aerr
		})
	}

	if err != nil {
		return nil, err
	}

	return sr, nil
}

// resolveHandles rewrites handles whose attachments have uploaded and
// returns the handles still unresolved.
func (s *Syncer) resolveHandles(rec models.Record) (models.Record, []string, error) {
	var unresolved []string

	for _, handle := range models.LocalImageHandles(rec.Payload) {
		att, err := s.store.AttachmentByHandle(handle)
		if err != nil {
			return rec, nil, err
		}

		if att != nil && att.State == models.AttachmentUploaded && att.ServerRef != "" {
			rec.Payload = models.RewriteImageHandle(rec.Payload, handle, att.ServerRef)
			continue
		}

		unresolved = append(unresolved, handle)
	}

	return rec, unresolved, nil
}

// currentVersion re-reads the record's stored state.
func (s *Syncer) currentVersion(rec models.Record) *models.Record {
	var (
		cur *models.Record
		err error
	)

	if rec.Kind == models.KindEntry {
		cur, err = s.store.GetEntry(rec.InspectionID, rec.Key)
	} else {
		cur, err = s.store.GetInspection(rec.InspectionID)
	}

	if err != nil {
		s.logger.Warn("re-reading record after push", slog.String("error", err.Error()))
		return nil
	}

	return cur
}

// processQueue drains the generic retry queue. Retryable failures
// re-enqueue the item with its lifetime retry count bumped, up to
// maxQueueRetries; exhausted or non-retryable items are dropped from
// the queue and reported. Record data behind a dropped item remains
// queryable through its pending status.
func (s *Syncer) processQueue(ctx context.Context, res *Result) {
	items, err := s.store.DequeueAll()
	if err != nil {
		res.reportError(err)
		return
	}

	s.addWork(len(items))

	for _, item := range items {
		s.emit("queue " + string(item.Op))

		err := s.processQueueItem(ctx, item)
		if err == nil {
			s.itemDone(false)
			continue
		}

		s.itemDone(true)

		if !syncerr.Retryable(err) {
			s.logger.Warn("dropping queue item",
				slog.String("op", string(item.Op)),
				slog.String("target", item.TargetID),
				slog.String("error", err.Error()),
			)

			res.reportError(err)

			continue
		}

		if item.Retries+1 >= maxQueueRetries {
			s.logger.Warn("queue item retry budget exhausted",
				slog.String("op", string(item.Op)),
				slog.String("target", item.TargetID),
				slog.Int("retries", item.Retries+1),
			)

			res.Retained++
			res.reportError(err)

			continue
		}

		item.Retries++
		item.LastError = err.Error()

		if qerr := s.store.Enqueue(item); qerr != nil {
			res.reportError(qerr)
			continue
		}

		res.Retained++
	}
}

func (s *Syncer) processQueueItem(ctx context.Context, item models.QueueItem) error {
	switch item.Op {
	case models.OpUploadImage:
		att, err := s.store.GetAttachment(item.TargetID)
		if err != nil {
			return err
		}

		if att == nil || att.State == models.AttachmentUploaded {
			// Already handled by the image phase or dropped.
			return nil
		}

		return s.uploadOne(ctx, *att)

	case models.OpCreateRecord, models.OpUpdateRecord:
		var ref models.RecordRef
		if err := json.Unmarshal(item.Payload, &ref); err != nil {
			return syncerr.Client("decode queue item", err)
		}

		rec, err := s.lookupRef(ref)
		if err != nil {
			return err
		}

		if rec == nil || rec.SyncStatus != models.StatusPending || rec.Deleted {
			// Already pushed by the record phase, or tombstoned.
			return nil
		}

		_, err = s.pushRecord(ctx, *rec)

		return err

	default:
		return syncerr.Client("process queue item", fmt.Errorf("unknown op %q", item.Op))
	}
}

func (s *Syncer) lookupRef(ref models.RecordRef) (*models.Record, error) {
	if ref.Kind == models.KindEntry {
		return s.store.GetEntry(ref.InspectionID, ref.Key)
	}

	return s.store.GetInspection(ref.InspectionID)
}
