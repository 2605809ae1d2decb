package syncer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harworth/field-sync/internal/models"
)

func TestResolve(t *testing.T) {
	localPayload := json.RawMessage(`{"note":"local"}`)
	serverPayload := json.RawMessage(`{"note":"server"}`)

	base := models.Record{
		LocalID:      "loc-1",
		Kind:         models.KindInspection,
		InspectionID: "loc-1",
	}

	tests := []struct {
		name            string
		localUpdatedAt  int64
		serverUpdatedAt int64
		wantPayload     json.RawMessage
	}{
		{
			name:            "local strictly newer wins",
			localUpdatedAt:  2000,
			serverUpdatedAt: 1000,
			wantPayload:     localPayload,
		},
		{
			name:            "server newer wins",
			localUpdatedAt:  1000,
			serverUpdatedAt: 2000,
			wantPayload:     serverPayload,
		},
		{
			name:            "equal timestamps favor server",
			localUpdatedAt:  1500,
			serverUpdatedAt: 1500,
			wantPayload:     serverPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := base
			local.Payload = localPayload
			local.LocalUpdatedAt = tt.localUpdatedAt

			server := base
			server.ServerID = "srv-1"
			server.Payload = serverPayload
			server.ServerUpdatedAt = tt.serverUpdatedAt

			got := Resolve(local, server)

			assert.Equal(t, tt.wantPayload, got.Payload)
			assert.Equal(t, "srv-1", got.ServerID)
			assert.Equal(t, tt.serverUpdatedAt, got.ServerUpdatedAt)
			assert.Equal(t, "loc-1", got.LocalID)
			assert.False(t, got.Deleted)
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	local := models.Record{
		LocalID:        "loc-1",
		Kind:           models.KindEntry,
		InspectionID:   "insp-1",
		Key:            models.NewEntryKey("roof", "condition"),
		Payload:        json.RawMessage(`{"v":1}`),
		LocalUpdatedAt: 500,
	}

	server := local
	server.ServerID = "srv-9"
	server.Payload = json.RawMessage(`{"v":2}`)
	server.ServerUpdatedAt = 900

	first := Resolve(local, server)
	second := Resolve(local, server)

	assert.Equal(t, first, second)
}

func TestResolveClearsTombstone(t *testing.T) {
	local := models.Record{
		LocalID:      "loc-1",
		Kind:         models.KindInspection,
		InspectionID: "loc-1",
		Deleted:      true,
	}

	server := local
	server.Deleted = false
	server.ServerID = "srv-1"
	server.Payload = json.RawMessage(`{"note":"restored"}`)
	server.ServerUpdatedAt = 100

	got := Resolve(local, server)

	assert.False(t, got.Deleted)
	assert.Equal(t, server.Payload, got.Payload)
}
