package http

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"crm_server/core/domain"
)

// =============================================================================
// Fakes
// =============================================================================

type stubChannelRepo struct {
	channels map[string]*domain.Channel // keyed by channel id
}

func (r *stubChannelRepo) Create(_ context.Context, _ *domain.Channel) error { return nil }

func (r *stubChannelRepo) GetByChannelID(_ context.Context, channelID string) (*domain.Channel, error) {
	return r.channels[channelID], nil
}

func (r *stubChannelRepo) GetActive(_ context.Context, channelID, remoteResourceID string) (*domain.Channel, error) {
	ch := r.channels[channelID]
	if ch == nil || ch.RemoteResourceID != remoteResourceID || !ch.Active || ch.IsExpired() {
		return nil, nil
	}
	return ch, nil
}

func (r *stubChannelRepo) GetActiveByWatchedResource(_ context.Context, _ string) (*domain.Channel, error) {
	return nil, nil
}

func (r *stubChannelRepo) ListActive(_ context.Context) ([]*domain.Channel, error) { return nil, nil }

func (r *stubChannelRepo) Deactivate(_ context.Context, _ string) error { return nil }

func (r *stubChannelRepo) DeactivateExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type stubChangeLog struct {
	entries []*domain.ChangeLogEntry
}

func (l *stubChangeLog) Create(_ context.Context, entry *domain.ChangeLogEntry) error {
	entry.ID = int64(len(l.entries) + 1)
	entry.ReceivedAt = time.Now()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *stubChangeLog) ListByChannel(_ context.Context, channelID string, _ int) ([]*domain.ChangeLogEntry, error) {
	var out []*domain.ChangeLogEntry
	for _, e := range l.entries {
		if e.ChannelID == channelID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *stubChangeLog) CountByChannel(_ context.Context, channelID string) (int64, error) {
	var n int64
	for _, e := range l.entries {
		if e.ChannelID == channelID {
			n++
		}
	}
	return n, nil
}

func newWebhookTest(token string) (*fiber.App, *stubChannelRepo, *stubChangeLog) {
	repo := &stubChannelRepo{channels: map[string]*domain.Channel{
		"chan-drive": {
			ChannelID:         "chan-drive",
			RemoteResourceID:  "res-1",
			WatchedResourceID: "folder-1",
			ResourceType:      domain.ResourceTypeFolder,
			ExpiresAt:         time.Now().Add(time.Hour),
			Active:            true,
		},
	}}
	log := &stubChangeLog{}
	h := NewWebhookHandler(repo, log, nil, nil, token)

	app := fiber.New()
	h.Register(app)
	return app, repo, log
}

func deliver(app *fiber.App, headers map[string]string) (int, map[string]interface{}) {
	req := httptest.NewRequest("POST", "/webhooks/google", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &body)
	return resp.StatusCode, body
}

// =============================================================================
// Validation
// =============================================================================

func TestWebhookMissingHeaders(t *testing.T) {
	app, _, log := newWebhookTest("")

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no headers", map[string]string{}},
		{"missing channel id", map[string]string{
			HeaderResourceID:    "res-1",
			HeaderResourceState: "update",
		}},
		{"missing resource id", map[string]string{
			HeaderChannelID:     "chan-drive",
			HeaderResourceState: "update",
		}},
		{"missing resource state", map[string]string{
			HeaderChannelID:  "chan-drive",
			HeaderResourceID: "res-1",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := deliver(app, tt.headers)
			if status != fiber.StatusBadRequest {
				t.Errorf("expected 400, got %d", status)
			}
		})
	}

	if len(log.entries) != 0 {
		t.Error("invalid deliveries must not be logged")
	}
}

func TestWebhookUnknownChannelIgnored(t *testing.T) {
	app, _, log := newWebhookTest("")

	status, body := deliver(app, map[string]string{
		HeaderChannelID:     "chan-unknown",
		HeaderResourceID:    "res-1",
		HeaderResourceState: "update",
	})

	if status != fiber.StatusOK {
		t.Errorf("unknown channel must ack 200, got %d", status)
	}
	if body["status"] != "ignored" || body["reason"] != "unknown_channel" {
		t.Errorf("unexpected body: %v", body)
	}
	if len(log.entries) != 0 {
		t.Error("unknown channel delivery must not create a log row")
	}
}

func TestWebhookResourceIDMismatchIgnored(t *testing.T) {
	app, _, log := newWebhookTest("")

	status, body := deliver(app, map[string]string{
		HeaderChannelID:     "chan-drive",
		HeaderResourceID:    "res-other",
		HeaderResourceState: "update",
	})

	if status != fiber.StatusOK || body["status"] != "ignored" {
		t.Errorf("mismatched resource id must be ignored, got %d %v", status, body)
	}
	if len(log.entries) != 0 {
		t.Error("mismatched delivery must not create a log row")
	}
}

func TestWebhookTokenMismatch(t *testing.T) {
	app, _, log := newWebhookTest("expected-secret")

	status, _ := deliver(app, map[string]string{
		HeaderChannelID:     "chan-drive",
		HeaderResourceID:    "res-1",
		HeaderResourceState: "update",
		HeaderChannelToken:  "wrong",
	})

	if status != fiber.StatusForbidden {
		t.Errorf("token mismatch must return 403, got %d", status)
	}
	if len(log.entries) != 0 {
		t.Error("rejected delivery must not create a log row")
	}
}

// =============================================================================
// Accepted deliveries
// =============================================================================

func TestWebhookSyncHandshake(t *testing.T) {
	app, _, log := newWebhookTest("")

	status, body := deliver(app, map[string]string{
		HeaderChannelID:     "chan-drive",
		HeaderResourceID:    "res-1",
		HeaderResourceState: "sync",
	})

	if status != fiber.StatusOK || body["status"] != "ok" {
		t.Errorf("sync handshake must ack, got %d %v", status, body)
	}
	if len(log.entries) != 0 {
		t.Error("handshake must not create a log row")
	}
}

func TestWebhookRecordsChange(t *testing.T) {
	app, _, log := newWebhookTest("shared-secret")

	status, body := deliver(app, map[string]string{
		HeaderChannelID:     "chan-drive",
		HeaderResourceID:    "res-1",
		HeaderResourceState: "update",
		HeaderChannelToken:  "shared-secret",
		HeaderResourceURI:   "https://www.googleapis.com/drive/v3/files/abc123?alt=json",
		HeaderChanged:       "properties",
		HeaderMessageNumber: "42",
	})

	if status != fiber.StatusOK || body["status"] != "ok" {
		t.Fatalf("valid delivery must ack, got %d %v", status, body)
	}
	if len(log.entries) != 1 {
		t.Fatalf("expected one log row, got %d", len(log.entries))
	}

	entry := log.entries[0]
	if entry.ChannelID != "chan-drive" || entry.ResourceState != "update" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.ChangedResourceID != "abc123" {
		t.Errorf("expected changed resource id from URI, got %q", entry.ChangedResourceID)
	}
	if entry.EventType != "properties" {
		t.Errorf("expected event type from changed header, got %q", entry.EventType)
	}

	var raw map[string]string
	if err := json.Unmarshal(entry.RawHeaders, &raw); err != nil {
		t.Fatalf("raw headers must be valid JSON: %v", err)
	}
	if raw["X-Goog-Message-Number"] != "42" {
		t.Errorf("raw headers must carry the delivery verbatim, got %v", raw)
	}
}

// =============================================================================
// URI parsing
// =============================================================================

func TestExtractChangedResourceID(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{"drive file with query", "https://www.googleapis.com/drive/v3/files/abc123?alt=json", "abc123"},
		{"drive file no query", "https://www.googleapis.com/drive/v3/files/xyz", "xyz"},
		{"trailing segment", "https://www.googleapis.com/drive/v3/files/xyz/permissions", "xyz"},
		{"calendar uri", "https://www.googleapis.com/calendar/v3/calendars/primary/events", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractChangedResourceID(tt.uri); got != tt.want {
				t.Errorf("extractChangedResourceID(%q) = %q, want %q", tt.uri, got, tt.want)
			}
		})
	}
}
