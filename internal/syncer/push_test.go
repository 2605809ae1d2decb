package syncer

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/harworth/field-sync/internal/api"
	"github.com/harworth/field-sync/internal/models"
	"github.com/harworth/field-sync/internal/syncerr"
)

func TestPushCreatesInspection(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	rec := models.NewInspection(json.RawMessage(`{"site":"north yard"}`))
	require.NoError(t, st.UpsertRecord(rec))

	serverPayload := json.RawMessage(`{"site":"north yard","status":"open"}`)
	mockAPI.EXPECT().
		CreateInspection(gomock.Any(), rec.LocalID, gomock.Any()).
		Return(&api.ServerRecord{ID: "srv-1", Payload: serverPayload, UpdatedAt: 9000}, nil)

	res := &Result{}
	s.pushRecords(context.Background(), res)

	assert.Equal(t, 1, res.Pushed)
	assert.Empty(t, res.Errors)

	got, err := st.GetInspection(rec.InspectionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "srv-1", got.ServerID)
	assert.Equal(t, models.StatusSynced, got.SyncStatus)
	assert.Equal(t, serverPayload, got.Payload)
	assert.Equal(t, int64(9000), got.ServerUpdatedAt)
	assert.NotZero(t, got.LastSyncedAt)
}

func TestPushRetriedCreateCarriesSameClientID(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	rec := models.NewInspection(json.RawMessage(`{"site":"yard"}`))
	require.NoError(t, st.UpsertRecord(rec))

	// A create retried after a transient failure must present the same
	// identity, so the server can deduplicate if the first request
	// actually committed.
	gomock.InOrder(
		mockAPI.EXPECT().
			CreateInspection(gomock.Any(), rec.LocalID, gomock.Any()).
			Return(nil, syncerr.FromStatus("create inspection", 503, "unavailable")),
		mockAPI.EXPECT().
			CreateInspection(gomock.Any(), rec.LocalID, gomock.Any()).
			Return(&api.ServerRecord{ID: "srv-1", Payload: rec.Payload, UpdatedAt: 10}, nil),
	)

	res := &Result{}
	s.pushRecords(context.Background(), res)

	assert.Equal(t, 1, res.Pushed)
	assert.Empty(t, res.Errors)
}

func TestPushUpdatesRecordWithServerID(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	rec := models.NewInspection(json.RawMessage(`{"site":"pier 4"}`))
	rec.ServerID = "srv-7"
	require.NoError(t, st.UpsertRecord(rec))

	mockAPI.EXPECT().
		UpdateInspection(gomock.Any(), "srv-7", gomock.Any()).
		Return(&api.ServerRecord{ID: "srv-7", Payload: rec.Payload, UpdatedAt: 100}, nil)

	res := &Result{}
	s.pushRecords(context.Background(), res)

	assert.Equal(t, 1, res.Pushed)
}

func TestPushDefersEntryUntilInspectionCreated(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	insp := models.NewInspection(json.RawMessage(`{"site":"dock"}`))
	require.NoError(t, st.UpsertRecord(insp))

	entry := models.NewEntry(insp.InspectionID, models.NewEntryKey("roof", "condition"), json.RawMessage(`{"v":"good"}`))
	require.NoError(t, st.UpsertRecord(entry))

	// The inspection create fails for good; its entry must be deferred,
	// not attempted against a missing parent.
	mockAPI.EXPECT().
		CreateInspection(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, syncerr.FromStatus("create inspection", 422, "bad payload"))

	res := &Result{}
	s.pushRecords(context.Background(), res)

	assert.Equal(t, 0, res.Pushed)
	assert.Equal(t, 2, res.Retained)

	got, err := st.GetEntry(entry.InspectionID, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.SyncStatus)
}

func TestPushEntryAfterInspectionGetsServerID(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	insp := models.NewInspection(json.RawMessage(`{"site":"dock"}`))
	require.NoError(t, st.UpsertRecord(insp))

	key := models.NewEntryKey("hull", "corrosion")
	entry := models.NewEntry(insp.InspectionID, key, json.RawMessage(`{"severity":2}`))
	require.NoError(t, st.UpsertRecord(entry))

	mockAPI.EXPECT().
		CreateInspection(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&api.ServerRecord{ID: "srv-insp", Payload: insp.Payload, UpdatedAt: 50}, nil)
	mockAPI.EXPECT().
		CreateEntry(gomock.Any(), "srv-insp", entry.LocalID, key, gomock.Any()).
		Return(&api.ServerRecord{ID: "srv-ent", SectionRef: "hull", FieldKey: "corrosion", Payload: entry.Payload, UpdatedAt: 60}, nil)

	res := &Result{}
	s.pushRecords(context.Background(), res)

	assert.Equal(t, 2, res.Pushed)
	assert.Empty(t, res.Errors)
}

func TestPushStripsUnresolvedHandlesFromOutgoing(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	att := models.NewImageAttachment("/captures/a.jpg", models.AttachmentOwner{})
	require.NoError(t, st.PutAttachment(att))

	payload := json.RawMessage(`{"site":"yard","photo":"` + att.Handle + `"}`)
	rec := models.NewInspection(payload)
	require.NoError(t, st.UpsertRecord(rec))

	var sent json.RawMessage
	mockAPI.EXPECT().
		CreateInspection(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, p json.RawMessage) (*api.ServerRecord, error) {
			sent = p
			return &api.ServerRecord{ID: "srv-1", Payload: p, UpdatedAt: 10}, nil
		})

	res := &Result{}
	s.pushRecords(context.Background(), res)

	assert.NotContains(t, string(sent), models.LocalHandlePrefix)

	// The local copy keeps the handle and stays pending until the
	// attachment uploads.
	got, err := st.GetInspection(rec.InspectionID)
	require.NoError(t, err)
	assert.Contains(t, string(got.Payload), att.Handle)
	assert.Equal(t, models.StatusPending, got.SyncStatus)
	assert.Equal(t, "srv-1", got.ServerID)
}

func TestUploadImageRewritesReferencingPayloads(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o644))

	att := models.NewImageAttachment(path, models.AttachmentOwner{})
	require.NoError(t, st.PutAttachment(att))

	rec := models.NewInspection(json.RawMessage(`{"photo":"` + att.Handle + `"}`))
	require.NoError(t, st.UpsertRecord(rec))

	mockAPI.EXPECT().
		UploadImage(gomock.Any(), "capture.jpg", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, content io.Reader) (string, error) {
			b, err := io.ReadAll(content)
			require.NoError(t, err)
			assert.Equal(t, "jpeg bytes", string(b))
			return "https://img.example.com/capture.jpg", nil
		})

	res := &Result{}
	s.uploadImages(context.Background(), res)

	assert.Equal(t, 1, res.Uploaded)

	gotAtt, err := st.GetAttachment(att.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.AttachmentUploaded, gotAtt.State)
	assert.Equal(t, "https://img.example.com/capture.jpg", gotAtt.ServerRef)

	gotRec, err := st.GetInspection(rec.InspectionID)
	require.NoError(t, err)
	assert.Contains(t, string(gotRec.Payload), "https://img.example.com/capture.jpg")
	assert.NotContains(t, string(gotRec.Payload), att.Handle)
	assert.Equal(t, models.StatusPending, gotRec.SyncStatus)
}

func TestUploadMissingFileDropsAttachment(t *testing.T) {
	s, st, _ := newTestSyncer(t)

	att := models.NewImageAttachment(filepath.Join(t.TempDir(), "gone.jpg"), models.AttachmentOwner{})
	require.NoError(t, st.PutAttachment(att))

	rec := models.NewInspection(json.RawMessage(`{"photo":"` + att.Handle + `"}`))
	require.NoError(t, st.UpsertRecord(rec))

	res := &Result{}
	s.uploadImages(context.Background(), res)

	assert.Equal(t, 0, res.Uploaded)

	gotAtt, err := st.GetAttachment(att.LocalID)
	require.NoError(t, err)
	assert.Nil(t, gotAtt)

	gotRec, err := st.GetInspection(rec.InspectionID)
	require.NoError(t, err)
	assert.NotContains(t, string(gotRec.Payload), att.Handle)
}

func TestUploadStorageFailureKeepsAttachmentPending(t *testing.T) {
	s, st, _ := newTestSyncer(t)

	// LocalPath descends through a regular file, so open fails with
	// ENOTDIR rather than ENOENT. A faulty mount must not cost the
	// photo: the attachment and its payload handle survive.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	att := models.NewImageAttachment(filepath.Join(blocker, "capture.jpg"), models.AttachmentOwner{})
	require.NoError(t, st.PutAttachment(att))

	rec := models.NewInspection(json.RawMessage(`{"photo":"` + att.Handle + `"}`))
	require.NoError(t, st.UpsertRecord(rec))

	res := &Result{}
	s.uploadImages(context.Background(), res)

	assert.Equal(t, 0, res.Uploaded)
	assert.Equal(t, 1, res.Retained)
	assert.NotEmpty(t, res.Errors)

	gotAtt, err := st.GetAttachment(att.LocalID)
	require.NoError(t, err)
	require.NotNil(t, gotAtt)
	assert.Equal(t, models.AttachmentPending, gotAtt.State)

	gotRec, err := st.GetInspection(rec.InspectionID)
	require.NoError(t, err)
	assert.Contains(t, string(gotRec.Payload), att.Handle)
}

func TestUploadTransientFailureKeepsAttachmentPending(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "capture.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0o644))

	att := models.NewImageAttachment(path, models.AttachmentOwner{})
	require.NoError(t, st.PutAttachment(att))

	mockAPI.EXPECT().
		UploadImage(gomock.Any(), "capture.jpg", gomock.Any()).
		Return("", syncerr.FromStatus("upload image", 503, "unavailable")).
		Times(maxPushAttempts)

	res := &Result{}
	s.uploadImages(context.Background(), res)

	assert.Equal(t, 1, res.Retained)

	gotAtt, err := st.GetAttachment(att.LocalID)
	require.NoError(t, err)
	require.NotNil(t, gotAtt)
	assert.Equal(t, models.AttachmentPending, gotAtt.State)
}

func TestQueueReenqueuesRetryableFailure(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	rec := models.NewInspection(json.RawMessage(`{"site":"yard"}`))
	require.NoError(t, st.UpsertRecord(rec))

	item, err := models.NewRecordQueueItem(models.OpCreateRecord, rec)
	require.NoError(t, err)
	require.NoError(t, st.Enqueue(item))

	mockAPI.EXPECT().
		CreateInspection(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, syncerr.FromStatus("create inspection", 503, "unavailable")).
		Times(maxPushAttempts)

	res := &Result{}
	s.processQueue(context.Background(), res)

	pending, err := st.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)
	assert.NotEmpty(t, pending[0].LastError)
}

func TestQueueDropsItemAfterRetryBudget(t *testing.T) {
	s, st, mockAPI := newTestSyncer(t)

	rec := models.NewInspection(json.RawMessage(`{"site":"yard"}`))
	require.NoError(t, st.UpsertRecord(rec))

	item, err := models.NewRecordQueueItem(models.OpCreateRecord, rec)
	require.NoError(t, err)
	item.Retries = maxQueueRetries - 1
	require.NoError(t, st.Enqueue(item))

	mockAPI.EXPECT().
		CreateInspection(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, syncerr.FromStatus("create inspection", 503, "unavailable")).
		Times(maxPushAttempts)

	res := &Result{}
	s.processQueue(context.Background(), res)

	pending, err := st.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The record itself survives, still pending for the next cycle.
	got, err := st.GetInspection(rec.InspectionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.SyncStatus)
}

func TestQueueSkipsAlreadySyncedRecord(t *testing.T) {
	s, st, _ := newTestSyncer(t)

	rec := models.NewInspection(json.RawMessage(`{"site":"yard"}`))
	item, err := models.NewRecordQueueItem(models.OpUpdateRecord, rec)
	require.NoError(t, err)

	rec.ServerID = "srv-1"
	rec.SyncStatus = models.StatusSynced
	require.NoError(t, st.UpsertRecord(rec))
	require.NoError(t, st.Enqueue(item))

	res := &Result{}
	s.processQueue(context.Background(), res)

	assert.Empty(t, res.Errors)

	pending, err := st.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
