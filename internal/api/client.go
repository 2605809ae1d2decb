// Package api is the HTTP client for the authoritative field-data
// server: record CRUD keyed by server-assigned ids, and a multipart
// binary upload endpoint returning stable image references. Every
// failure is classified at the point it occurs so the orchestrator's
// retry scheduling never inspects error text.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harworth/field-sync/internal/models"
	"github.com/harworth/field-sync/internal/syncerr"
)

const (
	// requestTimeout bounds every record CRUD call.
	requestTimeout = 30 * time.Second

	// uploadTimeout bounds image uploads, which can carry several
	// megabytes over a field connection.
	uploadTimeout = 60 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving server
	// cannot consume unbounded memory.
	maxResponseBytes = 4 * 1024 * 1024
)

// ServerRecord is the authoritative representation returned by every
// record endpoint. UpdatedAt is the server's last-modified time in unix
// milliseconds, trusted as the ordering oracle for conflict resolution.
type ServerRecord struct {
	ID           string          `json:"id"`
	InspectionID string          `json:"inspection_id,omitempty"`
	SectionRef   string          `json:"section_ref,omitempty"`
	FieldKey     string          `json:"field_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	UpdatedAt    int64           `json:"updated_at"`
}

// EntryKey returns the server record's entry identity.
func (sr ServerRecord) EntryKey() models.EntryKey {
	return models.NewEntryKey(sr.SectionRef, sr.FieldKey)
}

// recordRequest is the body of every record write. ClientID is the
// caller's stable id for the record; the server deduplicates creates on
// it, so a retried create after a lost response cannot mint a second
// record.
type recordRequest struct {
	ClientID     string          `json:"client_id,omitempty"`
	InspectionID string          `json:"inspection_id,omitempty"`
	SectionRef   string          `json:"section_ref,omitempty"`
	FieldKey     string          `json:"field_key,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	Device       string          `json:"device,omitempty"`
}

type uploadResponse struct {
	Ref string `json:"ref"`
}

// Client talks to the field-data server REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	device     string
}

// NewClient creates an API client. If httpClient is nil a default
// client is used; per-call deadlines are applied via context, so the
// client itself carries no timeout.
func NewClient(httpClient *http.Client, baseURL, device string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		device:     device,
	}
}

// CreateInspection creates a new inspection and returns the server's
// representation, including the assigned id. clientID keys the create
// for server-side deduplication.
func (c *Client) CreateInspection(ctx context.Context, clientID string, payload json.RawMessage) (*ServerRecord, error) {
	return c.postRecord(ctx, "create inspection", "/inspections", recordRequest{
		ClientID: clientID,
		Payload:  payload,
		Device:   c.device,
	})
}

// UpdateInspection replaces an inspection's payload.
func (c *Client) UpdateInspection(ctx context.Context, serverID string, payload json.RawMessage) (*ServerRecord, error) {
	return c.putRecord(ctx, "update inspection",
		"/inspections/"+url.PathEscape(serverID),
		recordRequest{Payload: payload, Device: c.device},
	)
}

// ListInspections fetches the full current server set of in-scope
// inspections. An empty scope returns everything visible to the device.
func (c *Client) ListInspections(ctx context.Context, scope []string) ([]ServerRecord, error) {
	endpoint := "/inspections"
	if len(scope) > 0 {
		endpoint += "?ids=" + url.QueryEscape(strings.Join(scope, ","))
	}

	return c.listRecords(ctx, "list inspections", endpoint)
}

// CreateEntry creates an entry under an inspection. clientID keys the
// create for server-side deduplication.
func (c *Client) CreateEntry(ctx context.Context, inspectionServerID, clientID string, key models.EntryKey, payload json.RawMessage) (*ServerRecord, error) {
	return c.postRecord(ctx, "create entry",
		"/inspections/"+url.PathEscape(inspectionServerID)+"/entries",
		recordRequest{
			ClientID:   clientID,
			SectionRef: key.SectionRef,
			FieldKey:   key.FieldKey,
			Payload:    payload,
			Device:     c.device,
		},
	)
}

// UpdateEntry replaces an entry's payload.
func (c *Client) UpdateEntry(ctx context.Context, inspectionServerID, entryServerID string, payload json.RawMessage) (*ServerRecord, error) {
	return c.putRecord(ctx, "update entry",
		"/inspections/"+url.PathEscape(inspectionServerID)+"/entries/"+url.PathEscape(entryServerID),
		recordRequest{Payload: payload, Device: c.device},
	)
}

// ListEntries fetches the full current server set of entries for one
// inspection.
func (c *Client) ListEntries(ctx context.Context, inspectionServerID string) ([]ServerRecord, error) {
	return c.listRecords(ctx, "list entries",
		"/inspections/"+url.PathEscape(inspectionServerID)+"/entries")
}

// UploadImage streams a captured binary as a multipart payload and
// returns the stable server reference usable as a permanent pointer
// inside record payloads.
func (c *Client) UploadImage(ctx context.Context, filename string, content io.Reader) (string, error) {
	const op = "upload image"

	var body bytes.Buffer

	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("%s: building multipart body: %w", op, err)
	}

	if _, err := io.Copy(part, content); err != nil {
		return "", syncerr.Client(op, fmt.Errorf("reading local image: %w", err))
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("%s: finalizing multipart body: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images", &body)
	if err != nil {
		return "", fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := c.do(op, req)
	if err != nil {
		return "", err
	}

	var resp uploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%s: decoding response: %w", op, err)
	}

	if resp.Ref == "" {
		return "", syncerr.Client(op, fmt.Errorf("server returned empty image reference"))
	}

	return resp.Ref, nil
}

func (c *Client) postRecord(ctx context.Context, op, endpoint string, body recordRequest) (*ServerRecord, error) {
	return c.sendRecord(ctx, op, http.MethodPost, endpoint, body)
}

func (c *Client) putRecord(ctx context.Context, op, endpoint string, body recordRequest) (*ServerRecord, error) {
	return c.sendRecord(ctx, op, http.MethodPut, endpoint, body)
}

func (c *Client) sendRecord(ctx context.Context, op, method, endpoint string, body recordRequest) (*ServerRecord, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshalling request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	var rec ServerRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", op, err)
	}

	return &rec, nil
}

func (c *Client) listRecords(ctx context.Context, op, endpoint string) ([]ServerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}

	respBody, err := c.do(op, req)
	if err != nil {
		return nil, err
	}

	var recs []ServerRecord
	if err := json.Unmarshal(respBody, &recs); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", op, err)
	}

	return recs, nil
}

// do executes a request and returns the response body. Transport
// failures (timeouts, refused connections, DNS) become network errors;
// non-2xx statuses are classified by code.
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, syncerr.Network(op, fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerr.Network(op, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, syncerr.FromStatus(op, resp.StatusCode, sanitizeResponseBody(body))
	}

	return body, nil
}

// sanitizeResponseBody prepares a response body for error messages.
// Truncated to 256 bytes; control characters and invalid UTF-8 become
// '?' so server output cannot inject into logs.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var b strings.Builder
	b.Grow(len(body))

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		body = body[size:]

		switch {
		case r == utf8.RuneError && size == 1:
			b.WriteByte('?')
		case r < 0x20 && r != '\n' && r != '\r' && r != '\t':
			b.WriteByte('?')
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
