package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/reindeer/friedn-agent/internal/journal"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/provision"
	"github.com/reindeer/friedn-agent/internal/settings"
	"github.com/reindeer/friedn-agent/internal/version"
)

//go:embed static
var staticFiles embed.FS

// Provisioner is the provisioning flow the API drives.
type Provisioner interface {
	Begin() (provision.Status, error)
	Cancel() (provision.Status, error)
	Status() provision.Status
	Subscribe() (<-chan provision.Status, func())
}

// ReaderLister lists attached PC/SC readers.
type ReaderLister interface {
	Readers() ([]string, error)
}

// SettingsStore is the persisted user settings.
type SettingsStore interface {
	Get() settings.Settings
	SetCrashReporting(bool) error
}

// Options configures a Server.
type Options struct {
	Provisioner Provisioner
	Readers     ReaderLister
	Settings    SettingsStore
	// JournalPath enables GET /v1/journal when set.
	JournalPath string
	// Shutdown is called when a shutdown is requested via API.
	Shutdown func()
}

// Server serves the local HTTP and WebSocket API.
type Server struct {
	opts Options
	hub  *WSHub
}

// NewServer creates a server. Call Run to start pushing status events.
func NewServer(opts Options) *Server {
	return &Server{opts: opts, hub: NewWSHub()}
}

// Run runs the WebSocket hub and forwards every provisioning status change
// to connected clients until ctx is done.
func (s *Server) Run(ctx context.Context) {
	defer logging.RecoverAndLog("API status forwarder", false)

	go s.hub.Run(ctx)

	updates, unsubscribe := s.opts.Provisioner.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			s.hub.Broadcast("status", st)
		}
	}
}

// NewMux constructs and returns the HTTP mux for the API.
func (s *Server) NewMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Serve embedded status page at root
	static, _ := fs.Sub(staticFiles, "static")
	mux.Handle("/", http.FileServer(http.FS(static)))

	// API routes
	mux.HandleFunc("/v1/provision", corsMiddleware(s.handleProvision))
	mux.HandleFunc("/v1/readers", corsMiddleware(s.handleListReaders))
	mux.HandleFunc("/v1/version", corsMiddleware(handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/journal", corsMiddleware(s.handleJournal))
	mux.HandleFunc("/v1/settings", corsMiddleware(s.handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := debug.Stack()
				where := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)

				// Send to Sentry if enabled
				logging.CapturePanic(rec, stack, where)

				logging.Error(logging.CatHTTP, fmt.Sprintf("PANIC in %s: %v", where, rec), map[string]any{
					"panic":  fmt.Sprintf("%v", rec),
					"stack":  string(stack),
					"method": r.Method,
					"path":   r.URL.Path,
				})

				crashFile, err := logging.WriteCrashLog(rec, stack)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Failed to write crash log: %v\n", err)
					crashFile = ""
				}

				fmt.Fprintf(os.Stderr, "\n=== PANIC in %s ===\n%v\n\nStack trace:\n%s\n", where, rec, string(stack))

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

// handleProvision reports (GET), begins (POST) or cancels (DELETE) provisioning.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var (
		st  provision.Status
		err error
	)
	switch r.Method {
	case http.MethodGet:
		st = s.opts.Provisioner.Status()
	case http.MethodPost:
		logging.Info(logging.CatHTTP, "Provisioning requested", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})
		st, err = s.opts.Provisioner.Begin()
	case http.MethodDelete:
		logging.Info(logging.CatHTTP, "Provisioning cancelled", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})
		st, err = s.opts.Provisioner.Cancel()
	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleListReaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	readers, err := s.listReaders()
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, readers)
}

func (s *Server) listReaders() ([]string, error) {
	if s.opts.Readers == nil {
		return []string{}, nil
	}
	readers, err := s.opts.Readers.Readers()
	if err != nil {
		return nil, err
	}
	if readers == nil {
		readers = []string{}
	}
	return readers, nil
}

func versionInfo() map[string]string {
	return map[string]string{
		"version":   version.Version,
		"buildTime": version.BuildTime,
		"gitCommit": version.GitCommit,
	}
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, versionInfo())
}

func (s *Server) healthInfo() map[string]interface{} {
	// Check if we can list readers (basic health check)
	readers, err := s.listReaders()
	info := map[string]interface{}{
		"status":        "ok",
		"readerCount":   len(readers),
		"hasWrittenTag": s.opts.Provisioner.Status().HasWrittenTag,
	}
	if err != nil {
		info["readerError"] = err.Error()
	}
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.healthInfo())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.opts.Shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.opts.Shutdown()
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// queryLimit parses ?limit=, clamped to [1, max].
func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > max {
				limit = max
			}
		}
	}
	return limit
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := queryLimit(r, 100, 1000)

		// Min level filter
		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			if l, ok := logging.ParseLevel(levelStr); ok {
				minLevel = &l
			}
		}

		// Category filter
		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	// Check if requesting a specific crash log
	if filename := r.URL.Query().Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	logs, err := logging.GetCrashLogs(queryLimit(r, 20, 100))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleJournal returns the most recent provisioning attempts, newest first.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	if s.opts.JournalPath == "" {
		respondJSON(w, http.StatusNotFound, map[string]string{
			"error": "journal disabled",
		})
		return
	}

	entries, err := journal.Last(s.opts.JournalPath, queryLimit(r, 50, 500))
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to read journal: " + err.Error(),
		})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

// handleSettings handles GET and POST requests for user settings.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.opts.Settings == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "settings not available",
		})
		return
	}

	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.opts.Settings.Get())

	case http.MethodPost:
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := s.opts.Settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}

		current := s.opts.Settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"hasWrittenTag":  current.HasWrittenTag,
			"crashReporting": current.CrashReporting,
			"message":        "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
