package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/harworth/field-sync/internal/api"
	"github.com/harworth/field-sync/internal/models"
)

// pullPhase reconciles the full server set into the local store and
// tombstones synced records the server no longer returns. Returns true
// only when the inspection listing succeeded, so the caller can stamp
// the pull time; a failed listing skips tombstoning entirely rather
// than mistake an unreachable server for mass deletion.
func (s *Syncer) pullPhase(ctx context.Context, res *Result) bool {
	s.emit("pulling inspections")

	var remote []api.ServerRecord

	err := s.attempt(ctx, "list inspections", func() error {
		var aerr error
		remote, aerr = s.api.ListInspections(ctx, s.scope)

		return aerr
	})
	if err != nil {
		s.logger.Warn("pull skipped, inspection listing failed",
			slog.String("error", err.Error()),
		)

		res.reportError(err)

		return false
	}

	s.addWork(len(remote))

	seen := make(map[string]bool, len(remote))

	for _, sr := range remote {
		seen[sr.ID] = true

		if err := s.pullInspection(ctx, sr, res); err != nil {
			res.reportError(err)

			s.itemDone(true)

			continue
		}

		s.itemDone(false)
	}

	s.tombstoneInspections(seen, res)

	return true
}

// pullInspection reconciles one server inspection, then pulls its
// entries.
func (s *Syncer) pullInspection(ctx context.Context, sr api.ServerRecord, res *Result) error {
	local, err := s.store.GetInspectionByServerID(sr.ID)
	if err != nil {
		return err
	}

	if err := s.adopt(local, sr, models.KindInspection, sr.ID, res); err != nil {
		return err
	}

	return s.pullEntries(ctx, sr.ID, res)
}

// pullEntries reconciles the server's entry set for one inspection.
// Entry tombstoning is scoped to the inspection so a failed listing
// for one inspection cannot delete another's entries.
func (s *Syncer) pullEntries(ctx context.Context, inspectionServerID string, res *Result) error {
	var remote []api.ServerRecord

	err := s.attempt(ctx, "list entries", func() error {
		var aerr error
		remote, aerr = s.api.ListEntries(ctx, inspectionServerID)

		return aerr
	})
	if err != nil {
		return err
	}

	insp, err := s.store.GetInspectionByServerID(inspectionServerID)
	if err != nil {
		return err
	}

	if insp == nil {
		return nil
	}

	seen := make(map[models.EntryKey]bool, len(remote))

	for _, sr := range remote {
		key := sr.EntryKey()
		seen[key] = true

		local, err := s.store.GetEntry(insp.InspectionID, key)
		if err != nil {
			res.reportError(err)
			continue
		}

		if err := s.adopt(local, sr, models.KindEntry, insp.InspectionID, res); err != nil {
			res.reportError(err)
		}
	}

	s.tombstoneEntries(insp.InspectionID, seen, res)

	return nil
}

// adopt writes one server record into the store: inserting it when
// unknown locally, otherwise resolving against the local copy with
// whole-record last-writer-wins. Older server versions and unchanged
// records are left alone.
func (s *Syncer) adopt(local *models.Record, sr api.ServerRecord, kind models.RecordKind, inspectionID string, res *Result) error {
	now := time.Now().UnixMilli()

	if local == nil {
		rec := models.Record{
			LocalID:         sr.ID,
			ServerID:        sr.ID,
			Kind:            kind,
			InspectionID:    inspectionID,
			Payload:         sr.Payload,
			SyncStatus:      models.StatusSynced,
			ServerUpdatedAt: sr.UpdatedAt,
			LastSyncedAt:    now,
		}

		if kind == models.KindInspection {
			rec.InspectionID = sr.ID
		} else {
			rec.Key = sr.EntryKey()
		}

		if err := s.store.UpsertRecord(rec); err != nil {
			return err
		}

		res.Pulled++

		return nil
	}

	if sr.UpdatedAt <= local.ServerUpdatedAt {
		// Nothing new on the server side.
		return nil
	}

	server := *local
	server.ServerID = sr.ID
	server.Payload = sr.Payload
	server.ServerUpdatedAt = sr.UpdatedAt

	merged := Resolve(*local, server)
	merged.LastSyncedAt = now

	if local.SyncStatus == models.StatusPending && local.LocalUpdatedAt > sr.UpdatedAt {
		// Local edit is newer; it goes out on the next push.
		merged.SyncStatus = models.StatusPending
	} else {
		merged.SyncStatus = models.StatusSynced
	}

	if err := s.store.UpsertRecord(merged); err != nil {
		return err
	}

	res.Pulled++

	return nil
}

// tombstoneInspections marks synced inspections the server did not
// return as deleted, along with their entries and any queue items
// targeting them. Records with pending local edits are kept; the next
// push recreates them server side.
func (s *Syncer) tombstoneInspections(seen map[string]bool, res *Result) {
	locals, err := s.store.AllRecords(models.KindInspection, false)
	if err != nil {
		res.reportError(err)
		return
	}

	for _, rec := range locals {
		if !rec.HasServerID() || seen[rec.ServerID] {
			continue
		}

		if rec.SyncStatus == models.StatusPending {
			s.logger.Info("server dropped inspection with pending local edits, keeping",
				slog.String("inspection", rec.InspectionID),
			)

			res.Retained++

			continue
		}

		if err := s.store.MarkInspectionDeleted(rec.InspectionID); err != nil {
			res.reportError(err)
			continue
		}

		if n, err := s.store.CancelQueueItemsFor(rec.LocalID); err != nil {
			res.reportError(err)
		} else if n > 0 {
			s.logger.Debug("cancelled queue items for deleted inspection",
				slog.String("inspection", rec.InspectionID),
				slog.Int("count", n),
			)
		}

		s.tombstoneOwnedEntries(rec.InspectionID, res)
		s.pruneOwnedAttachments(rec.InspectionID, res)

		res.Tombstoned++
	}
}

// pruneOwnedAttachments drops attachments captured under a tombstoned
// inspection and cancels their queued uploads. The server deleted the
// record; its photos have nothing left to attach to.
func (s *Syncer) pruneOwnedAttachments(inspectionID string, res *Result) {
	atts, err := s.store.AttachmentsOwnedBy(inspectionID)
	if err != nil {
		res.reportError(err)
		return
	}

	for _, att := range atts {
		if err := s.store.DeleteAttachment(att.LocalID); err != nil {
			res.reportError(err)
			continue
		}

		if _, err := s.store.CancelQueueItemsFor(att.LocalID); err != nil {
			res.reportError(err)
		}
	}

	if len(atts) > 0 {
		s.logger.Debug("pruned attachments for deleted inspection",
			slog.String("inspection", inspectionID),
			slog.Int("count", len(atts)),
		)
	}
}

// tombstoneOwnedEntries deletes all entries under a tombstoned
// inspection, pending ones included: the parent is gone, so there is
// nothing for a pending entry to push against.
func (s *Syncer) tombstoneOwnedEntries(inspectionID string, res *Result) {
	entries, err := s.store.AllRecords(models.KindEntry, false)
	if err != nil {
		res.reportError(err)
		return
	}

	for _, e := range entries {
		if e.InspectionID != inspectionID {
			continue
		}

		if err := s.store.MarkEntryDeleted(e.InspectionID, e.Key); err != nil {
			res.reportError(err)
			continue
		}

		if _, err := s.store.CancelQueueItemsFor(e.LocalID); err != nil {
			res.reportError(err)
		}

		res.Tombstoned++
	}
}

// tombstoneEntries marks synced entries of one inspection deleted when
// the server's listing no longer includes them.
func (s *Syncer) tombstoneEntries(inspectionID string, seen map[models.EntryKey]bool, res *Result) {
	locals, err := s.store.AllRecords(models.KindEntry, false)
	if err != nil {
		res.reportError(err)
		return
	}

	for _, rec := range locals {
		if rec.InspectionID != inspectionID || !rec.HasServerID() || seen[rec.Key] {
			continue
		}

		if rec.SyncStatus == models.StatusPending {
			res.Retained++
			continue
		}

		if err := s.store.MarkEntryDeleted(rec.InspectionID, rec.Key); err != nil {
			res.reportError(err)
			continue
		}

		if _, err := s.store.CancelQueueItemsFor(rec.LocalID); err != nil {
			res.reportError(err)
		}

		res.Tombstoned++
	}
}
