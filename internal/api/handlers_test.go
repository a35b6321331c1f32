package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/listing-scraper/internal/database"
	"github.com/maltedev/listing-scraper/internal/events"
	"github.com/maltedev/listing-scraper/internal/models"
	"github.com/maltedev/listing-scraper/internal/orchestrator"
	"github.com/maltedev/listing-scraper/internal/queue"
)

type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) RequestStart(ctx context.Context, req models.ScrapeRequest) (queue.StartResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(queue.StartResult), args.Error(1)
}

func (m *MockSessionManager) Cancel(sessionID string) bool {
	return m.Called(sessionID).Bool(0)
}

func (m *MockSessionManager) Pause(sessionID string) error {
	return m.Called(sessionID).Error(0)
}

func (m *MockSessionManager) Resume(sessionID string) error {
	return m.Called(sessionID).Error(0)
}

func (m *MockSessionManager) Stop(sessionID string) (int, error) {
	args := m.Called(sessionID)
	return args.Int(0), args.Error(1)
}

func (m *MockSessionManager) Status(sessionID string) (models.Session, error) {
	args := m.Called(sessionID)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockSessionManager) Progress(sessionID string) (models.ProgressEvent, error) {
	args := m.Called(sessionID)
	return args.Get(0).(models.ProgressEvent), args.Error(1)
}

func (m *MockSessionManager) Position(sessionID string) (models.QueueEntry, bool) {
	args := m.Called(sessionID)
	return args.Get(0).(models.QueueEntry), args.Bool(1)
}

func (m *MockSessionManager) Entries() []models.QueueEntry {
	return m.Called().Get(0).([]models.QueueEntry)
}

type MockBusinessLister struct {
	mock.Mock
}

func (m *MockBusinessLister) ListBusinesses(ctx context.Context, sessionID string) ([]models.Business, error) {
	args := m.Called(ctx, sessionID)
	return args.Get(0).([]models.Business), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func serve(h *Handlers, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStartSession(t *testing.T) {
	tests := []struct {
		name       string
		result     queue.StartResult
		err        error
		wantStatus int
		wantBody   map[string]any
	}{
		{
			name:       "started",
			result:     queue.StartResult{SessionID: "s1", Status: models.StatusRunning},
			wantStatus: http.StatusAccepted,
			wantBody:   map[string]any{"session_id": "s1", "status": "started"},
		},
		{
			name:       "queued",
			result:     queue.StartResult{SessionID: "s2", Status: models.StatusQueued, Position: 1, EstimatedWait: 10 * time.Minute},
			wantStatus: http.StatusAccepted,
			wantBody:   map[string]any{"session_id": "s2", "status": "queued", "position": float64(1), "estimated_wait_ms": float64(600000)},
		},
		{
			name:       "invalid",
			err:        errors.Join(queue.ErrInvalidRequest, errors.New("at least one town is required")),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "closed",
			err:        queue.ErrQueueClosed,
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := new(MockSessionManager)
			sessions.On("RequestStart", mock.Anything, mock.MatchedBy(func(req models.ScrapeRequest) bool {
				return req.OwnerID == "owner-1" && len(req.Towns) == 1
			})).Return(tt.result, tt.err)

			h := NewHandlers(sessions, nil, nil, testLogger())
			req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader(`{"towns":["Berlin"],"industries":["Bäcker"]}`))
			req.Header.Set("X-Owner-ID", "owner-1")
			rec := httptest.NewRecorder()
			h.Routes().ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != nil {
				assert.Equal(t, tt.wantBody, decode(t, rec))
			}
			sessions.AssertExpectations(t)
		})
	}
}

func TestStartSession_BadBody(t *testing.T) {
	h := NewHandlers(new(MockSessionManager), nil, nil, testLogger())
	rec := serve(h, http.MethodPost, "/sessions", "{")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatus(t *testing.T) {
	sessions := new(MockSessionManager)
	sessions.On("Progress", "s1").Return(models.ProgressEvent{
		SessionID:                "s1",
		Status:                   models.StatusRunning,
		ProgressPercent:          50,
		UnitsRemaining:           2,
		BusinessesFound:          12,
		EstimatedTimeRemainingMs: 4000,
	}, nil)
	sessions.On("Status", "s1").Return(models.Session{ID: "s1", Status: models.StatusRunning}, nil)
	sessions.On("Position", "s1").Return(models.QueueEntry{}, false)
	sessions.On("Progress", "missing").Return(models.ProgressEvent{}, queue.ErrSessionNotFound)

	h := NewHandlers(sessions, nil, nil, testLogger())

	rec := serve(h, http.MethodGet, "/sessions/s1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, float64(50), body["progress_percent"])
	assert.Equal(t, float64(2), body["units_remaining"])
	assert.Equal(t, float64(12), body["businesses_found"])
	assert.Equal(t, float64(4000), body["estimated_time_remaining_ms"])

	rec = serve(h, http.MethodGet, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type MockSessionHistory struct {
	mock.Mock
}

func (m *MockSessionHistory) Get(ctx context.Context, id string) (*models.Session, error) {
	args := m.Called(ctx, id)
	if s := args.Get(0); s != nil {
		return s.(*models.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestGetStatus_StoredSession(t *testing.T) {
	sessions := new(MockSessionManager)
	sessions.On("Progress", "old").Return(models.ProgressEvent{}, queue.ErrSessionNotFound)
	sessions.On("Progress", "gone").Return(models.ProgressEvent{}, queue.ErrSessionNotFound)

	history := new(MockSessionHistory)
	history.On("Get", mock.Anything, "old").Return(&models.Session{
		ID:              "old",
		Status:          models.StatusStopped,
		UnitsTotal:      8,
		UnitsDone:       2,
		BusinessesFound: 30,
	}, nil)
	history.On("Get", mock.Anything, "gone").Return(nil, database.ErrSessionNotFound)

	h := NewHandlers(sessions, nil, nil, testLogger()).WithHistory(history)

	rec := serve(h, http.MethodGet, "/sessions/old", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "stopped", body["status"])
	assert.Equal(t, float64(25), body["progress_percent"])
	assert.Equal(t, float64(6), body["units_remaining"])
	assert.Equal(t, float64(30), body["businesses_found"])

	rec = serve(h, http.MethodGet, "/sessions/gone", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	history.AssertExpectations(t)
}

func TestGetStatus_Queued(t *testing.T) {
	sessions := new(MockSessionManager)
	sessions.On("Progress", "s2").Return(models.ProgressEvent{SessionID: "s2", Status: models.StatusQueued}, nil)
	sessions.On("Status", "s2").Return(models.Session{ID: "s2", Status: models.StatusQueued}, nil)
	sessions.On("Position", "s2").Return(models.QueueEntry{SessionID: "s2", Position: 2, EstimatedWaitMs: 1200000}, true)

	rec := serve(NewHandlers(sessions, nil, nil, testLogger()), http.MethodGet, "/sessions/s2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, float64(2), body["position"])
	assert.Equal(t, float64(1200000), body["estimated_time_remaining_ms"])
}

func TestControlEndpoints(t *testing.T) {
	sessions := new(MockSessionManager)
	sessions.On("Pause", "s1").Return(nil)
	sessions.On("Resume", "s1").Return(orchestrator.ErrNotPaused)
	sessions.On("Status", "s1").Return(models.Session{ID: "s1", Status: models.StatusPaused}, nil)
	sessions.On("Stop", "s1").Return(42, nil)
	sessions.On("Cancel", "s1").Return(false)

	h := NewHandlers(sessions, nil, nil, testLogger())

	rec := serve(h, http.MethodPost, "/sessions/s1/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paused", decode(t, rec)["status"])

	rec = serve(h, http.MethodPost, "/sessions/s1/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(h, http.MethodPost, "/sessions/s1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(42), decode(t, rec)["businesses_collected"])

	rec = serve(h, http.MethodDelete, "/sessions/s1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cancelled"])

	sessions.AssertExpectations(t)
}

func TestGetBusinesses(t *testing.T) {
	snapshot := []models.Business{{Name: "Bäckerei Schmidt", NormalizedPhone: "030123"}}

	t.Run("from snapshot", func(t *testing.T) {
		sessions := new(MockSessionManager)
		sessions.On("Status", "s1").Return(models.Session{ID: "s1", Businesses: snapshot}, nil)

		rec := serve(NewHandlers(sessions, nil, nil, testLogger()), http.MethodGet, "/sessions/s1/businesses", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got []models.Business
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, snapshot, got)
	})

	t.Run("from store", func(t *testing.T) {
		sessions := new(MockSessionManager)
		sessions.On("Status", "s1").Return(models.Session{ID: "s1"}, nil)
		lister := new(MockBusinessLister)
		lister.On("ListBusinesses", mock.Anything, "s1").Return([]models.Business{}, nil)

		rec := serve(NewHandlers(sessions, lister, nil, testLogger()), http.MethodGet, "/sessions/s1/businesses", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
		lister.AssertExpectations(t)
	})

	t.Run("store failure", func(t *testing.T) {
		sessions := new(MockSessionManager)
		sessions.On("Status", "s1").Return(models.Session{ID: "s1"}, nil)
		lister := new(MockBusinessLister)
		lister.On("ListBusinesses", mock.Anything, "s1").Return([]models.Business(nil), errors.New("db down"))

		rec := serve(NewHandlers(sessions, lister, nil, testLogger()), http.MethodGet, "/sessions/s1/businesses", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestListQueue(t *testing.T) {
	sessions := new(MockSessionManager)
	sessions.On("Entries").Return([]models.QueueEntry{{SessionID: "s2", Position: 1}})

	rec := serve(NewHandlers(sessions, nil, nil, testLogger()), http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.QueueEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "s2", entries[0].SessionID)
}

func TestStreamProgress(t *testing.T) {
	sessions := new(MockSessionManager)
	sessions.On("Status", "s1").Return(models.Session{ID: "s1", Status: models.StatusRunning}, nil)

	broker := events.NewBroker(testLogger())
	defer broker.Close()
	require.NoError(t, broker.Emit(context.Background(), "s1", models.ProgressEvent{
		SessionID: "s1", Status: models.StatusRunning, ProgressPercent: 25,
	}))

	srv := httptest.NewServer(NewHandlers(sessions, nil, broker, testLogger()).Routes())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readEvent(t, reader)
	assert.Equal(t, 25.0, first.ProgressPercent)

	require.NoError(t, broker.Emit(context.Background(), "s1", models.ProgressEvent{
		SessionID: "s1", Status: models.StatusCompleted, ProgressPercent: 100,
	}))
	last := readEvent(t, reader)
	assert.Equal(t, models.StatusCompleted, last.Status)

	_, err = reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF, "stream ends after a terminal event")
}

func TestStreamProgress_Disabled(t *testing.T) {
	rec := serve(NewHandlers(new(MockSessionManager), nil, nil, testLogger()), http.MethodGet, "/sessions/s1/events", "")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func readEvent(t *testing.T, r *bufio.Reader) models.ProgressEvent {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var event models.ProgressEvent
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(data)), &event))
			return event
		}
	}
}
