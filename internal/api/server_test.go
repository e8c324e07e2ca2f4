package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sudankdk/ctfcheck/internal/config"
	"github.com/sudankdk/ctfcheck/internal/model"
	"github.com/sudankdk/ctfcheck/internal/store"
)

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(ctx context.Context, man *config.Manifest) (*model.Report, error) {
	args := m.Called(ctx, man)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Report), args.Error(1)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeManifest(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "name: baby-web\nimage:\n  name: baby-web:latest\ntests:\n  - script: solve.sh\n    type: solution\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.ManifestFile), []byte(body), 0o644))
	return dir
}

func do(t *testing.T, s *Server, method, target, body string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestRoot(t *testing.T) {
	s := NewServer(&MockValidator{}, nil)

	resp, body := do(t, s, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ctfcheck running", string(body))
}

func TestValidate(t *testing.T) {
	v := &MockValidator{}
	dir := writeManifest(t)
	want := &model.Report{ID: "01RUN", Challenge: "baby-web", Ready: true, Passed: true, Tests: []model.TestOutcome{}}
	v.On("Validate", mock.Anything, mock.MatchedBy(func(m *config.Manifest) bool {
		return m.Name == "baby-web" && m.Dir == dir
	})).Return(want, nil)
	s := NewServer(v, nil)

	resp, body := do(t, s, http.MethodPost, "/validate", `{"manifest":"`+dir+`"}`)

	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got model.Report
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "01RUN", got.ID)
	assert.True(t, got.Passed)
	v.AssertExpectations(t)
}

func TestValidateBadRequests(t *testing.T) {
	v := &MockValidator{}
	s := NewServer(v, nil)

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"manifest":"/definitely/not/here"}`,
	} {
		resp, data := do(t, s, http.MethodPost, "/validate", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
		assert.Contains(t, string(data), `"error"`)
	}
	v.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
}

func TestValidateFailure(t *testing.T) {
	v := &MockValidator{}
	v.On("Validate", mock.Anything, mock.Anything).Return(nil, errors.New("store unavailable"))
	s := NewServer(v, nil)

	resp, data := do(t, s, http.MethodPost, "/validate", `{"manifest":"`+writeManifest(t)+`"}`)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(data), "store unavailable")
}

func TestRuns(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	started := time.Now().UTC().Truncate(time.Second)
	for _, id := range []string{"01A", "01B", "01C"} {
		require.NoError(t, st.SaveReport(ctx, &model.Report{
			ID: id, Challenge: "c", Image: "i", Tests: []model.TestOutcome{},
			StartedAt: started, FinishedAt: started,
		}))
		started = started.Add(time.Minute)
	}
	s := NewServer(&MockValidator{}, st)

	resp, body := do(t, s, http.MethodGet, "/runs?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page RunsResponse
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Runs, 2)
	assert.Equal(t, "01C", page.Runs[0].ID)

	resp, body = do(t, s, http.MethodGet, "/runs/01A", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Report
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "01A", got.ID)

	resp, _ = do(t, s, http.MethodGet, "/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunsWithoutStore(t *testing.T) {
	s := NewServer(&MockValidator{}, nil)

	resp, _ := do(t, s, http.MethodGet, "/runs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(&MockValidator{}, nil)

	resp, body := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}
