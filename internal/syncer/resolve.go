package syncer

import "github.com/harworth/field-sync/internal/models"

// Resolve picks a winner between the local record and the server's
// version of the same logical record. It is deterministic and
// side-effect-free: the same inputs always yield the same output, and
// it never escalates ambiguity to the caller.
//
// Policy is whole-record last-writer-wins. The local payload wins only
// when LocalUpdatedAt is strictly newer than the server's UpdatedAt;
// ties and older local edits adopt the server payload wholesale. The
// server's identity and version metadata are adopted in every case.
// SyncStatus is the caller's concern: it depends on whether unsynced
// local edits survive, which Resolve does not track.
func Resolve(local models.Record, server models.Record) models.Record {
	out := local
	out.ServerID = server.ServerID
	out.ServerUpdatedAt = server.ServerUpdatedAt
	out.Deleted = false

	if local.LocalUpdatedAt > server.ServerUpdatedAt {
		out.Payload = local.Payload
	} else {
		out.Payload = server.Payload
	}

	return out
}
