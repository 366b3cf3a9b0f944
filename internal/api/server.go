// Package api exposes the HTTP control plane: catalog visibility, manual
// triggers for scans and sync runs, and a folder-resolution passthrough.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/model"
	"github.com/nroche/syncbox/internal/queue"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Catalog is the slice of the file catalog the API needs.
type Catalog interface {
	List(ctx context.Context, page, pageSize int, isSync *bool) ([]model.FileRecord, int64, error)
}

// RunStore is the slice of the run store the API needs.
type RunStore interface {
	FindRunning(ctx context.Context) (*model.SyncRun, error)
}

// FolderResolver maps a remote path to its folder id, creating it as needed.
type FolderResolver interface {
	EnsureFolder(ctx context.Context, remotePath string) (int64, error)
}

// Server exposes HTTP endpoints over the catalog and the trigger queue.
type Server struct {
	cfg      *config.Config
	catalog  Catalog
	runs     RunStore
	resolver FolderResolver
	queue    *asynq.Client
	log      *logrus.Entry
	server   *http.Server
	once     sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, catalog Catalog, runs RunStore, resolver FolderResolver, queueClient *asynq.Client, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		catalog:  catalog,
		runs:     runs,
		resolver: resolver,
		queue:    queueClient,
		log:      log.WithField("component", "api"),
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/files", s.handleFiles)
		mux.HandleFunc("/files/refresh", s.handleRefresh)
		mux.HandleFunc("/sync", s.handleSync)
		mux.HandleFunc("/folders", s.handleFolders)
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: corsMiddleware(s.loggingMiddleware(mux)),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("address", s.cfg.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleFiles serves the paged catalog listing. isSync filters on the derived
// synchronization status; size is the page size.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	page := queryInt(q.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	size := queryInt(q.Get("size"), defaultPageSize)
	if size < 1 || size > maxPageSize {
		size = defaultPageSize
	}
	var isSync *bool
	if raw := q.Get("isSync"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, "invalid isSync", http.StatusBadRequest)
			return
		}
		isSync = &v
	}
	files, total, err := s.catalog.List(r.Context(), page, size, isSync)
	if err != nil {
		s.log.WithError(err).Error("list files")
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []model.FileRecord{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
		"total": total,
		"page":  page,
		"size":  size,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload := queue.TriggerPayload{RequestedBy: requestedBy(r)}
	if err := queue.EnqueueScan(r.Context(), s.queue, payload); err != nil {
		s.log.WithError(err).Error("enqueue scan")
		http.Error(w, "failed to queue scan", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleSync starts a run (POST) or reports the active one (GET). The POST
// guard is advisory: the worker re-checks before inserting the run record, so
// a stale 202 degrades to a dropped task, never to two concurrent runs.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleSyncStatus(w, r)
	case http.MethodPost:
		s.handleSyncStart(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	running, err := s.runs.FindRunning(r.Context())
	if err != nil {
		s.log.WithError(err).Error("find running sync")
		http.Error(w, "failed to read sync state", http.StatusInternalServerError)
		return
	}
	if running == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"running": false})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"running": true,
		"run":     running,
	})
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	running, err := s.runs.FindRunning(r.Context())
	if err != nil {
		s.log.WithError(err).Error("find running sync")
		http.Error(w, "failed to read sync state", http.StatusInternalServerError)
		return
	}
	if running != nil {
		http.Error(w, "a sync is already running", http.StatusConflict)
		return
	}
	payload := queue.TriggerPayload{RequestedBy: requestedBy(r)}
	if err := queue.EnqueueSyncRun(r.Context(), s.queue, payload); err != nil {
		s.log.WithError(err).Error("enqueue sync run")
		http.Error(w, "failed to queue sync", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if !strings.HasPrefix(path, "/") {
		http.Error(w, "path must be absolute", http.StatusBadRequest)
		return
	}
	folderID, err := s.resolver.EnsureFolder(r.Context(), path)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Error("resolve folder")
		http.Error(w, "failed to resolve folder", http.StatusBadGateway)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"path":     path,
		"folderId": folderID,
	})
}

func requestedBy(r *http.Request) string {
	if from := r.Header.Get("X-Requested-By"); from != "" {
		return from
	}
	return r.RemoteAddr
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("encode response")
	}
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Requested-By")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}
