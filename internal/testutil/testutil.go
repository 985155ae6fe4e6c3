// Package testutil provides common test fixtures and helpers for SMT-RE tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/smtre/internal/models"
	"github.com/BTreeMap/smtre/internal/store"
)

// T0 is the reference instant used by time-based tests.
var T0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// NewSetting returns a valid setting with 5, 10 and 15 minute waits.
func NewSetting(id, workspaceID string) models.Setting {
	return models.Setting{
		ID:           id,
		WorkspaceID:  workspaceID,
		Name:         "default follow-up",
		Initial:      models.StageDefinition{WaitMinutes: 5, MessageText: "Are you still there?"},
		Automatic:    models.StageDefinition{WaitMinutes: 10, MessageText: "We are still here to help."},
		Finalization: models.StageDefinition{WaitMinutes: 15, MessageText: "Closing this conversation for now."},
		CreatedAt:    T0,
		UpdatedAt:    T0,
	}
}

// NewRecord returns a fresh record created at createdAt.
func NewRecord(id, conversationID string, setting models.Setting, createdAt time.Time) models.Record {
	return models.Record{
		ID:             id,
		ConversationID: conversationID,
		WorkspaceID:    setting.WorkspaceID,
		SettingID:      setting.ID,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

// SeedSetting stores setting and fails the test on error.
func SeedSetting(t *testing.T, st store.SettingStore, setting models.Setting) {
	t.Helper()
	if err := st.CreateSetting(context.Background(), setting); err != nil {
		t.Fatalf("failed to seed setting %s: %v", setting.ID, err)
	}
}

// SeedRecord stores rec and fails the test on error.
func SeedRecord(t *testing.T, st store.RecordStore, rec models.Record) {
	t.Helper()
	if err := st.CreateRecord(context.Background(), rec); err != nil {
		t.Fatalf("failed to seed record %s: %v", rec.ID, err)
	}
}

// MustGetRecord loads a record by ID and fails the test when it is missing.
func MustGetRecord(t *testing.T, st store.RecordStore, id string) models.Record {
	t.Helper()
	rec, err := st.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load record %s: %v", id, err)
	}
	if rec == nil {
		t.Fatalf("record %s not found", id)
	}
	return *rec
}

// Clock is a manually advanced time source safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
