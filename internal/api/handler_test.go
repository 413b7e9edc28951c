package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/medremind/internal/db"
	"github.com/lalithlochan/medremind/internal/worker"
)

const testSecret = "test-jwt-secret"

var ErrDatabaseError = errors.New("database error")

// MockStore is an in-memory Store for testing
type MockStore struct {
	reminders   map[uuid.UUID]*db.Reminder
	medications map[uuid.UUID]*db.Medication
	attempts    []*db.DeliveryAttempt
	adherence   []*db.AdherenceLog

	shouldFail bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		reminders:   make(map[uuid.UUID]*db.Reminder),
		medications: make(map[uuid.UUID]*db.Medication),
	}
}

func (m *MockStore) ListRemindersByUser(ctx context.Context, userID uuid.UUID) ([]*db.Reminder, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	out := []*db.Reminder{}
	for _, rem := range m.reminders {
		if rem.UserID == userID {
			out = append(out, rem)
		}
	}
	return out, nil
}

func (m *MockStore) GetReminder(ctx context.Context, id, userID uuid.UUID) (*db.Reminder, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	rem, ok := m.reminders[id]
	if !ok || rem.UserID != userID {
		return nil, db.ErrNotFound
	}
	return rem, nil
}

func (m *MockStore) CreateReminders(ctx context.Context, reminders []*db.Reminder) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	for _, rem := range reminders {
		rem.Version = 1
		m.reminders[rem.ID] = rem
	}
	return nil
}

func (m *MockStore) DeleteReminder(ctx context.Context, id, userID uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	rem, ok := m.reminders[id]
	if !ok || rem.UserID != userID {
		return db.ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *MockStore) GetMedication(ctx context.Context, id, userID uuid.UUID) (*db.Medication, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	med, ok := m.medications[id]
	if !ok || med.UserID != userID {
		return nil, db.ErrNotFound
	}
	return med, nil
}

func (m *MockStore) ListDeliveryAttempts(ctx context.Context, reminderID, userID uuid.UUID, limit, offset int) ([]*db.DeliveryAttempt, error) {
	out := []*db.DeliveryAttempt{}
	for _, a := range m.attempts {
		if a.ReminderID == reminderID && a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MockStore) CreateAdherence(ctx context.Context, entry *db.AdherenceLog) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.adherence = append(m.adherence, entry)
	return nil
}

func (m *MockStore) ListAdherence(ctx context.Context, userID uuid.UUID, from, to time.Time) ([]*db.AdherenceLog, error) {
	out := []*db.AdherenceLog{}
	for _, e := range m.adherence {
		if e.UserID == userID && !e.TakenAt.Before(from) && e.TakenAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

type mockRunner struct {
	result *worker.CycleResult
	err    error
	calls  int
}

func (m *mockRunner) RunCycle(ctx context.Context) (*worker.CycleResult, error) {
	m.calls++
	return m.result, m.err
}

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// newTestServer mounts the handler on a router with auth enabled and the
// clock pinned to testNow.
func newTestServer(store Store, runner worker.CycleRunner, adminToken string) http.Handler {
	h := NewHandler(zap.NewNop(), store, runner, time.UTC)
	h.now = func() time.Time { return testNow }

	r := chi.NewRouter()
	h.Mount(r, testSecret, adminToken, nil)
	return r
}

func makeToken(t *testing.T, subject, secret string, exp time.Time) string {
	t.Helper()
	claims := Claims{
		Role: "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return tok
}

func doRequest(t *testing.T, srv http.Handler, method, path string, userID uuid.UUID, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+makeToken(t, userID.String(), testSecret, time.Now().Add(time.Hour)))
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

type reminderList struct {
	Data  []*db.Reminder `json:"data"`
	Count int            `json:"count"`
}

func decodeReminders(t *testing.T, rec *httptest.ResponseRecorder) reminderList {
	t.Helper()
	var resp reminderList
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func addMedication(store *MockStore, userID uuid.UUID, times ...string) *db.Medication {
	med := &db.Medication{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "Metformin",
		Dosage:    "500mg",
		Frequency: "twice daily",
		Times:     times,
	}
	store.medications[med.ID] = med
	return med
}

func TestEnableReminders(t *testing.T) {
	userID := uuid.New()

	t.Run("defaults to medication times", func(t *testing.T) {
		store := NewMockStore()
		med := addMedication(store, userID, "08:00", "20:00")
		srv := newTestServer(store, nil, "")

		rec := doRequest(t, srv, http.MethodPost, "/v1/medications/"+med.ID.String()+"/reminders", userID,
			EnableRemindersRequest{Type: db.ChannelEmail})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		resp := decodeReminders(t, rec)
		if resp.Count != 2 {
			t.Fatalf("expected 2 reminders, got %d", resp.Count)
		}

		want := map[string]bool{
			"2026-03-01T20:00:00Z": true,
			"2026-03-02T08:00:00Z": true,
		}
		for _, rem := range resp.Data {
			if !want[rem.ReminderTime.UTC().Format(time.RFC3339)] {
				t.Errorf("unexpected reminder_time %v", rem.ReminderTime)
			}
			if rem.Type != db.ChannelEmail || rem.Status != db.StatusActive {
				t.Errorf("expected active email reminder, got %s/%s", rem.Type, rem.Status)
			}
			if rem.Dosage != "500mg" || rem.Frequency != "twice daily" {
				t.Errorf("expected dosage and frequency copied, got %q/%q", rem.Dosage, rem.Frequency)
			}
			if rem.MedicationID != med.ID || rem.UserID != userID {
				t.Errorf("reminder not linked to medication and user")
			}
		}
		if len(store.reminders) != 2 {
			t.Errorf("expected 2 stored reminders, got %d", len(store.reminders))
		}
	})

	t.Run("explicit times in a timezone", func(t *testing.T) {
		store := NewMockStore()
		med := addMedication(store, userID)
		srv := newTestServer(store, nil, "")

		// 10:00 UTC is 05:00 in New York, so 09:00 local is later today.
		rec := doRequest(t, srv, http.MethodPost, "/v1/medications/"+med.ID.String()+"/reminders", userID,
			EnableRemindersRequest{Type: db.ChannelWhatsApp, Times: []string{"09:00", "09:00"}, Timezone: "America/New_York"})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}

		resp := decodeReminders(t, rec)
		if resp.Count != 1 {
			t.Fatalf("expected duplicate times collapsed to 1 reminder, got %d", resp.Count)
		}
		want := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
		if !resp.Data[0].ReminderTime.Equal(want) {
			t.Errorf("expected %v, got %v", want, resp.Data[0].ReminderTime)
		}
	})

	t.Run("inactive when active is false", func(t *testing.T) {
		store := NewMockStore()
		med := addMedication(store, userID, "08:00")
		srv := newTestServer(store, nil, "")

		inactive := false
		rec := doRequest(t, srv, http.MethodPost, "/v1/medications/"+med.ID.String()+"/reminders", userID,
			EnableRemindersRequest{Type: db.ChannelSMS, Active: &inactive})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", rec.Code)
		}
		resp := decodeReminders(t, rec)
		if resp.Data[0].Status != db.StatusInactive {
			t.Errorf("expected inactive, got %s", resp.Data[0].Status)
		}
	})

	otherUser := uuid.New()
	tests := []struct {
		name   string
		times  []string
		req    EnableRemindersRequest
		owner  uuid.UUID
		status int
	}{
		{"invalid type", []string{"08:00"}, EnableRemindersRequest{Type: "telegram"}, userID, http.StatusBadRequest},
		{"invalid time", []string{"08:00"}, EnableRemindersRequest{Type: db.ChannelEmail, Times: []string{"8am"}}, userID, http.StatusBadRequest},
		{"invalid timezone", []string{"08:00"}, EnableRemindersRequest{Type: db.ChannelEmail, Timezone: "Mars/Base"}, userID, http.StatusBadRequest},
		{"medication without times", nil, EnableRemindersRequest{Type: db.ChannelEmail}, userID, http.StatusBadRequest},
		{"someone else's medication", []string{"08:00"}, EnableRemindersRequest{Type: db.ChannelEmail}, otherUser, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			med := addMedication(store, tt.owner, tt.times...)
			srv := newTestServer(store, nil, "")

			rec := doRequest(t, srv, http.MethodPost, "/v1/medications/"+med.ID.String()+"/reminders", userID, tt.req)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if len(store.reminders) != 0 {
				t.Errorf("expected no reminders stored, got %d", len(store.reminders))
			}
		})
	}
}

func TestListReminders(t *testing.T) {
	userID := uuid.New()
	store := NewMockStore()
	store.reminders[uuid.New()] = &db.Reminder{UserID: userID, Type: db.ChannelEmail}
	store.reminders[uuid.New()] = &db.Reminder{UserID: uuid.New(), Type: db.ChannelEmail}
	srv := newTestServer(store, nil, "")

	rec := doRequest(t, srv, http.MethodGet, "/v1/reminders", userID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decodeReminders(t, rec); resp.Count != 1 {
		t.Errorf("expected only the caller's reminder, got %d", resp.Count)
	}

	store.shouldFail = true
	rec = doRequest(t, srv, http.MethodGet, "/v1/reminders", userID, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestDeleteReminder(t *testing.T) {
	userID := uuid.New()
	store := NewMockStore()
	id := uuid.New()
	store.reminders[id] = &db.Reminder{ID: id, UserID: userID}
	srv := newTestServer(store, nil, "")

	rec := doRequest(t, srv, http.MethodDelete, "/v1/reminders/"+id.String(), uuid.New(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/v1/reminders/not-a-uuid", userID, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/v1/reminders/"+id.String(), userID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, ok := store.reminders[id]; ok {
		t.Error("expected reminder removed")
	}
}

func TestListDeliveries(t *testing.T) {
	userID := uuid.New()
	store := NewMockStore()
	id := uuid.New()
	store.reminders[id] = &db.Reminder{ID: id, UserID: userID}
	store.attempts = []*db.DeliveryAttempt{
		{ID: uuid.New(), ReminderID: id, UserID: userID, Channel: db.ChannelEmail, Outcome: db.OutcomeSent},
		{ID: uuid.New(), ReminderID: id, UserID: userID, Channel: db.ChannelEmail, Outcome: db.OutcomeMissed},
	}
	srv := newTestServer(store, nil, "")

	rec := doRequest(t, srv, http.MethodGet, "/v1/reminders/"+id.String()+"/deliveries?limit=500", userID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Data  []*db.DeliveryAttempt `json:"data"`
		Limit int                   `json:"limit"`
		Count int                   `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 attempts, got %d", resp.Count)
	}
	if resp.Limit != 20 {
		t.Errorf("expected out-of-range limit to fall back to 20, got %d", resp.Limit)
	}

	rec = doRequest(t, srv, http.MethodGet, "/v1/reminders/"+id.String()+"/deliveries", uuid.New(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user, got %d", rec.Code)
	}
}

func TestLogAdherence(t *testing.T) {
	userID := uuid.New()

	t.Run("valid entry", func(t *testing.T) {
		store := NewMockStore()
		med := addMedication(store, userID, "08:00")
		remID := uuid.New()
		store.reminders[remID] = &db.Reminder{ID: remID, UserID: userID}
		srv := newTestServer(store, nil, "")

		rec := doRequest(t, srv, http.MethodPost, "/v1/adherence", userID, AdherenceRequest{
			MedicationID: med.ID.String(),
			ReminderID:   remID.String(),
			Status:       db.AdherenceTaken,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
		if len(store.adherence) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(store.adherence))
		}
		entry := store.adherence[0]
		if !entry.TakenAt.Equal(testNow) {
			t.Errorf("expected taken_at to default to now, got %v", entry.TakenAt)
		}
		if entry.ReminderID == nil || *entry.ReminderID != remID {
			t.Errorf("expected reminder id linked")
		}
	})

	tests := []struct {
		name   string
		req    func(medID uuid.UUID) AdherenceRequest
		status int
	}{
		{
			name:   "invalid status",
			req:    func(medID uuid.UUID) AdherenceRequest { return AdherenceRequest{MedicationID: medID.String(), Status: "forgot"} },
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid medication id",
			req:    func(uuid.UUID) AdherenceRequest { return AdherenceRequest{MedicationID: "nope", Status: db.AdherenceTaken} },
			status: http.StatusBadRequest,
		},
		{
			name: "unknown medication",
			req: func(uuid.UUID) AdherenceRequest {
				return AdherenceRequest{MedicationID: uuid.New().String(), Status: db.AdherenceSkipped}
			},
			status: http.StatusNotFound,
		},
		{
			name: "unknown reminder",
			req: func(medID uuid.UUID) AdherenceRequest {
				return AdherenceRequest{MedicationID: medID.String(), ReminderID: uuid.New().String(), Status: db.AdherenceMissed}
			},
			status: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMockStore()
			med := addMedication(store, userID, "08:00")
			srv := newTestServer(store, nil, "")

			rec := doRequest(t, srv, http.MethodPost, "/v1/adherence", userID, tt.req(med.ID))
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if len(store.adherence) != 0 {
				t.Errorf("expected nothing stored")
			}
		})
	}
}

func TestListAdherence(t *testing.T) {
	userID := uuid.New()
	store := NewMockStore()
	store.adherence = []*db.AdherenceLog{
		{ID: uuid.New(), UserID: userID, Status: db.AdherenceTaken, TakenAt: testNow.Add(-24 * time.Hour)},
		{ID: uuid.New(), UserID: userID, Status: db.AdherenceMissed, TakenAt: testNow.Add(-30 * 24 * time.Hour)},
	}
	srv := newTestServer(store, nil, "")

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"default last seven days", "", http.StatusOK, 1},
		{"explicit range", "?from=2026-01-01T00:00:00Z&to=2026-03-01T10:00:00Z", http.StatusOK, 2},
		{"inverted range", "?from=2026-03-01T00:00:00Z&to=2026-02-01T00:00:00Z", http.StatusBadRequest, 0},
		{"malformed from", "?from=yesterday", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, srv, http.MethodGet, "/v1/adherence"+tt.query, userID, nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp struct {
				Count int `json:"count"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Count != tt.count {
				t.Errorf("expected %d entries, got %d", tt.count, resp.Count)
			}
		})
	}
}

func TestRunCycleEndpoint(t *testing.T) {
	post := func(srv http.Handler, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/cycles", nil)
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		return rec
	}

	t.Run("runs a cycle", func(t *testing.T) {
		runner := &mockRunner{result: &worker.CycleResult{Due: 3, Delivered: 2}}
		rec := post(newTestServer(NewMockStore(), runner, "admin"), "admin")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if runner.calls != 1 {
			t.Errorf("expected 1 run, got %d", runner.calls)
		}
	})

	t.Run("conflict while running", func(t *testing.T) {
		runner := &mockRunner{err: worker.ErrCycleInProgress}
		rec := post(newTestServer(NewMockStore(), runner, "admin"), "admin")
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		runner := &mockRunner{}
		rec := post(newTestServer(NewMockStore(), runner, "admin"), "guess")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("expected 401, got %d", rec.Code)
		}
		if runner.calls != 0 {
			t.Error("runner must not be called")
		}
	})

	t.Run("disabled without a configured token", func(t *testing.T) {
		rec := post(newTestServer(NewMockStore(), &mockRunner{}, ""), "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("token guesses limited per client ip", func(t *testing.T) {
		runner := &mockRunner{result: &worker.CycleResult{}}
		limiter := &fakeLimiter{limit: 2, used: map[string]int{}}
		h := NewHandler(zap.NewNop(), NewMockStore(), runner, time.UTC)
		r := chi.NewRouter()
		h.Mount(r, testSecret, "admin", limiter)

		for i := 0; i < 2; i++ {
			if rec := post(r, "guess"); rec.Code != http.StatusUnauthorized {
				t.Fatalf("guess %d: expected 401, got %d", i, rec.Code)
			}
		}
		rec := post(r, "admin")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429 after repeated guesses, got %d", rec.Code)
		}
		if runner.calls != 0 {
			t.Error("runner must not be called once the client is limited")
		}
		if limiter.used["ip:192.0.2.1:1234"] != 3 {
			t.Errorf("expected requests keyed by client ip, got %v", limiter.used)
		}
	})
}
