package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reindeer/friedn-agent/internal/failure"
	"github.com/reindeer/friedn-agent/internal/journal"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/provision"
	"github.com/reindeer/friedn-agent/internal/settings"
	"github.com/reindeer/friedn-agent/internal/version"
)

type fakeProvisioner struct {
	mu      sync.Mutex
	status  provision.Status
	err     error
	begins  int
	cancels int
	subs    []chan provision.Status
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{status: provision.Status{Phase: provision.PhaseIdle, Session: "idle"}}
}

func (p *fakeProvisioner) Begin() (provision.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begins++
	if p.err != nil {
		return p.status, p.err
	}
	p.status.Phase = provision.PhaseWaiting
	p.status.Message = provision.MessageWaiting
	p.status.Session = "armed"
	return p.status, nil
}

func (p *fakeProvisioner) Cancel() (provision.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels++
	if p.err != nil {
		return p.status, p.err
	}
	p.status = provision.Status{Phase: provision.PhaseIdle, Session: "idle"}
	return p.status, nil
}

func (p *fakeProvisioner) Status() provision.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProvisioner) Subscribe() (<-chan provision.Status, func()) {
	ch := make(chan provision.Status, 8)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch, func() {}
}

// publish sets the status and pushes it to subscribers.
func (p *fakeProvisioner) publish(st provision.Status) {
	p.mu.Lock()
	p.status = st
	subs := append([]chan provision.Status(nil), p.subs...)
	p.mu.Unlock()
	for _, ch := range subs {
		ch <- st
	}
}

func (p *fakeProvisioner) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type fakeReaders struct {
	names []string
	err   error
}

func (r fakeReaders) Readers() ([]string, error) {
	return r.names, r.err
}

func newTestServer(t *testing.T) (*Server, *fakeProvisioner) {
	t.Helper()
	prov := newFakeProvisioner()
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	srv := NewServer(Options{
		Provisioner: prov,
		Readers:     fakeReaders{names: []string{"ACS ACR122U PICC Interface"}},
		Settings:    store,
	})
	return srv, prov
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHandleVersion(t *testing.T) {
	// Save original values
	origVersion := version.Version
	origBuildTime := version.BuildTime
	origGitCommit := version.GitCommit

	// Set test values
	version.Version = "1.2.3-test"
	version.BuildTime = "2024-01-15T10:30:00Z"
	version.GitCommit = "abc1234"

	// Restore after test
	defer func() {
		version.Version = origVersion
		version.BuildTime = origBuildTime
		version.GitCommit = origGitCommit
	}()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()

	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]string
	decode(t, w, &result)

	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["buildTime"] != "2024-01-15T10:30:00Z" {
		t.Errorf("expected buildTime '2024-01-15T10:30:00Z', got '%s'", result["buildTime"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestHandleVersion_MethodNotAllowed(t *testing.T) {
	methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/v1/version", nil)
			w := httptest.NewRecorder()

			handleVersion(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
			}
		})
	}
}

func TestHandleProvision_Get(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/provision", nil)
	w := httptest.NewRecorder()
	srv.handleProvision(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var st provision.Status
	decode(t, w, &st)
	if st.Phase != provision.PhaseIdle {
		t.Errorf("expected phase idle, got %q", st.Phase)
	}
}

func TestHandleProvision_BeginAndCancel(t *testing.T) {
	srv, prov := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleProvision(w, httptest.NewRequest(http.MethodPost, "/v1/provision", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("begin: expected status %d, got %d", http.StatusOK, w.Code)
	}
	var st provision.Status
	decode(t, w, &st)
	if st.Phase != provision.PhaseWaiting || st.Message != provision.MessageWaiting {
		t.Errorf("begin: unexpected status %+v", st)
	}

	w = httptest.NewRecorder()
	srv.handleProvision(w, httptest.NewRequest(http.MethodDelete, "/v1/provision", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("cancel: expected status %d, got %d", http.StatusOK, w.Code)
	}
	decode(t, w, &st)
	if st.Phase != provision.PhaseIdle {
		t.Errorf("cancel: expected phase idle, got %q", st.Phase)
	}

	if prov.begins != 1 || prov.cancels != 1 {
		t.Errorf("expected one begin and one cancel, got %d and %d", prov.begins, prov.cancels)
	}
}

func TestHandleProvision_FailureStatusIsOK(t *testing.T) {
	srv, prov := newTestServer(t)
	prov.status = provision.Status{
		Phase:   provision.PhaseFailure,
		Message: failure.HardwareDisabled.Message(),
		Reason:  failure.HardwareDisabled.String(),
		Session: "idle",
	}

	w := httptest.NewRecorder()
	srv.handleProvision(w, httptest.NewRequest(http.MethodGet, "/v1/provision", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var st provision.Status
	decode(t, w, &st)
	if !st.Failed(failure.HardwareDisabled) {
		t.Errorf("expected hardware_disabled failure, got %+v", st)
	}
}

func TestHandleProvision_NotRunning(t *testing.T) {
	srv, prov := newTestServer(t)
	prov.err = provision.ErrNotRunning

	w := httptest.NewRecorder()
	srv.handleProvision(w, httptest.NewRequest(http.MethodPost, "/v1/provision", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	var result map[string]string
	decode(t, w, &result)
	if result["error"] != provision.ErrNotRunning.Error() {
		t.Errorf("unexpected error %q", result["error"])
	}
}

func TestHandleProvision_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, method := range []string{http.MethodPut, http.MethodPatch} {
		t.Run(method, func(t *testing.T) {
			w := httptest.NewRecorder()
			srv.handleProvision(w, httptest.NewRequest(method, "/v1/provision", nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var result map[string]interface{}
	decode(t, w, &result)

	if result["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%v'", result["status"])
	}
	if result["readerCount"] != float64(1) {
		t.Errorf("expected readerCount 1, got %v", result["readerCount"])
	}
	if result["hasWrittenTag"] != false {
		t.Errorf("expected hasWrittenTag false, got %v", result["hasWrittenTag"])
	}
}

func TestHandleHealth_ReaderError(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.opts.Readers = fakeReaders{err: errors.New("no PC/SC service")}

	w := httptest.NewRecorder()
	srv.handleHealth(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	var result map[string]interface{}
	decode(t, w, &result)
	if result["readerError"] != "no PC/SC service" {
		t.Errorf("expected readerError, got %v", result["readerError"])
	}
	if result["readerCount"] != float64(0) {
		t.Errorf("expected readerCount 0, got %v", result["readerCount"])
	}
}

func TestHandleListReaders(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleListReaders(w, httptest.NewRequest(http.MethodGet, "/v1/readers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var readers []string
	decode(t, w, &readers)
	if len(readers) != 1 || readers[0] != "ACS ACR122U PICC Interface" {
		t.Errorf("unexpected readers %v", readers)
	}
}

func TestHandleListReaders_NoLister(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.opts.Readers = nil

	w := httptest.NewRecorder()
	srv.handleListReaders(w, httptest.NewRequest(http.MethodGet, "/v1/readers", nil))
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %s", body)
	}
}

func TestHandleListReaders_Error(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.opts.Readers = fakeReaders{err: errors.New("service stopped")}

	w := httptest.NewRecorder()
	srv.handleListReaders(w, httptest.NewRequest(http.MethodGet, "/v1/readers", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestHandleJournal(t *testing.T) {
	srv, _ := newTestServer(t)
	path := filepath.Join(t.TempDir(), "journal.cbor")
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, outcome := range []string{"unsupported_tag", journal.OutcomeWritten} {
		if err := j.Append(journal.Entry{Time: base.Add(time.Duration(i) * time.Minute), Session: uint64(i + 1), Outcome: outcome}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	j.Close()
	srv.opts.JournalPath = path

	w := httptest.NewRecorder()
	srv.handleJournal(w, httptest.NewRequest(http.MethodGet, "/v1/journal?limit=1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var result struct {
		Entries []journal.Entry `json:"entries"`
	}
	decode(t, w, &result)
	if len(result.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(result.Entries))
	}
	if result.Entries[0].Outcome != journal.OutcomeWritten {
		t.Errorf("expected newest entry first, got %q", result.Entries[0].Outcome)
	}
}

func TestHandleJournal_Disabled(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleJournal(w, httptest.NewRequest(http.MethodGet, "/v1/journal", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestHandleJournal_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.opts.JournalPath = filepath.Join(t.TempDir(), "missing.cbor")

	w := httptest.NewRecorder()
	srv.handleJournal(w, httptest.NewRequest(http.MethodGet, "/v1/journal", nil))
	if body := strings.TrimSpace(w.Body.String()); body != `{"entries":[]}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHandleSettings(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleSettings(w, httptest.NewRequest(http.MethodGet, "/v1/settings", nil))
	var got settings.Settings
	decode(t, w, &got)
	if got.CrashReporting {
		t.Error("crash reporting should default to off")
	}

	body := bytes.NewBufferString(`{"crashReporting":true}`)
	w = httptest.NewRecorder()
	srv.handleSettings(w, httptest.NewRequest(http.MethodPost, "/v1/settings", body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !srv.opts.Settings.Get().CrashReporting {
		t.Error("crash reporting should be enabled")
	}
}

func TestHandleSettings_InvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleSettings(w, httptest.NewRequest(http.MethodPost, "/v1/settings", bytes.NewBufferString("{")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
}

func TestHandleShutdown(t *testing.T) {
	srv, _ := newTestServer(t)
	called := make(chan struct{})
	srv.opts.Shutdown = func() { close(called) }

	w := httptest.NewRecorder()
	srv.handleShutdown(w, httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("shutdown was not triggered")
	}
}

func TestHandleShutdown_Unavailable(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.handleShutdown(w, httptest.NewRequest(http.MethodPost, "/v1/shutdown", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected Access-Control-Allow-Origin '*', got '%s'", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "DELETE") {
		t.Errorf("expected DELETE to be allowed, got '%s'", got)
	}
}

func TestCORSMiddleware_PreflightResponse(t *testing.T) {
	called := false
	handler := corsMiddleware(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/provision", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if called {
		t.Error("handler should not be called for preflight requests")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	defer logging.SetCrashLogDir("")

	handler := recoveryMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodGet, "/v1/provision", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
	var result map[string]string
	decode(t, w, &result)
	if result["error"] != "internal server error" {
		t.Errorf("unexpected error %q", result["error"])
	}
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	respondJSON(w, http.StatusCreated, map[string]string{"key": "value"})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"?limit=10", 10},
		{"?limit=0", 50},
		{"?limit=-3", 50},
		{"?limit=abc", 50},
		{"?limit=9999", 500},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/journal"+tt.query, nil)
		if got := queryLimit(req, 50, 500); got != tt.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestNewMux(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := srv.NewMux()

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/v1/provision"},
		{http.MethodGet, "/v1/readers"},
		{http.MethodGet, "/v1/version"},
		{http.MethodGet, "/v1/health"},
		{http.MethodGet, "/v1/logs"},
		{http.MethodGet, "/v1/settings"},
	}
	for _, r := range routes {
		t.Run(r.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(r.method, r.path, nil))
			if w.Code != http.StatusOK {
				t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
			}
		})
	}
}

func TestNewMux_RootServesStatusPage(t *testing.T) {
	srv, _ := newTestServer(t)

	w := httptest.NewRecorder()
	srv.NewMux().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "/v1/ws") {
		t.Error("status page should connect to the WebSocket endpoint")
	}
}

func BenchmarkHandleVersion(b *testing.B) {
	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	for i := 0; i < b.N; i++ {
		handleVersion(httptest.NewRecorder(), req)
	}
}
