package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/ngoyal88/flowlog/pkg/keymanager"
	"github.com/ngoyal88/flowlog/pkg/middleware"
	"github.com/ngoyal88/flowlog/pkg/node"
	"github.com/ngoyal88/flowlog/pkg/storage"
)

// AdminAPI serves the export, delete and download endpoints of every node,
// plus access key management.
type AdminAPI struct {
	nodes      *node.Manager
	keyManager *keymanager.Manager
	sink       *storage.RedisSink
	auth       *middleware.Authorizer
	limiter    func(http.Handler) http.Handler
}

// Options wire an AdminAPI. Only Nodes is required.
type Options struct {
	Nodes      *node.Manager
	KeyManager *keymanager.Manager
	Sink       *storage.RedisSink
	Auth       *middleware.Authorizer
	// PublicLimiter guards the unauthenticated download route.
	PublicLimiter func(http.Handler) http.Handler
}

func NewAdminAPI(opts Options) *AdminAPI {
	limiter := opts.PublicLimiter
	if limiter == nil {
		limiter = func(next http.Handler) http.Handler { return next }
	}
	return &AdminAPI{
		nodes:      opts.Nodes,
		keyManager: opts.KeyManager,
		sink:       opts.Sink,
		auth:       opts.Auth,
		limiter:    limiter,
	}
}

// RegisterRoutes mounts the admin routes under adminPrefix and the public
// download route under publicPrefix.
func (api *AdminAPI) RegisterRoutes(r chi.Router, adminPrefix, publicPrefix string) {
	r.Mount(normalizePrefix(adminPrefix), api.AdminRoutes())

	public := strings.TrimSuffix(normalizePrefix(publicPrefix), "/")
	r.With(api.limiter).Get(public+"/flowlog-download/{id}", api.handleDownload)
	r.With(api.limiter).Get(public+"/flowlog-download/{id}/{fileName}", api.handleDownload)
}

// AdminRoutes is the router mounted under the admin prefix.
func (api *AdminAPI) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", api.handleHealth)

	read := api.auth.NeedsPermission(middleware.PermRead)
	write := api.auth.NeedsPermission(middleware.PermWrite)

	r.Route("/flowlog/{id}", func(r chi.Router) {
		r.With(write).Post("/export-csv", api.handleExport)
		r.With(write).Post("/delete-csv", api.handleDelete)
		r.With(read).Get("/download-csv", api.handleDownload)
		r.With(read).Get("/download-csv/{fileName}", api.handleDownload)
		r.With(read).Get("/recent", api.handleRecent)
		r.With(read).Get("/stats", api.handleStats)
	})

	r.Route("/keys", func(r chi.Router) {
		r.Use(api.auth.NeedsPermission(middleware.PermAll))
		r.Get("/", api.handleKeys)
		r.Post("/", api.handleCreateKey)
		r.Post("/{key}/revoke", api.handleRevokeKey)
		r.Delete("/{key}", api.handleDeleteKey)
	})

	return r
}

func normalizePrefix(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (api *AdminAPI) lookupNode(w http.ResponseWriter, r *http.Request) (*node.Node, bool) {
	n, ok := api.nodes.Get(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, "Node not found", http.StatusNotFound)
		return nil, false
	}
	return n, true
}

// handleExport reports the node's export artifact
func (api *AdminAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	n, ok := api.lookupNode(w, r)
	if !ok {
		return
	}

	res := n.ExportToCSV()
	switch {
	case res.Success:
		respondJSON(w, http.StatusOK, res)
	case res.NotFound:
		respondJSON(w, http.StatusNotFound, res)
	case res.Error == node.ErrExportDisabled.Error():
		respondJSON(w, http.StatusOK, res)
	default:
		respondJSON(w, http.StatusInternalServerError, res)
	}
}

// handleDelete removes the node's live CSV file
func (api *AdminAPI) handleDelete(w http.ResponseWriter, r *http.Request) {
	n, ok := api.lookupNode(w, r)
	if !ok {
		return
	}

	res := n.DeleteCSVFiles()
	if res.Success {
		log.Printf("[API] %s deleted CSV files of node %s (%d removed)", actor(r), n.ID(), res.DeletedCount)
	}
	switch {
	case res.Success:
		respondJSON(w, http.StatusOK, res)
	case res.Error == node.ErrExportDisabled.Error():
		respondJSON(w, http.StatusOK, res)
	default:
		respondJSON(w, http.StatusInternalServerError, res)
	}
}

// handleDownload streams the live CSV file, or a named file from the export
// directory. Names escaping the directory are reported as missing.
func (api *AdminAPI) handleDownload(w http.ResponseWriter, r *http.Request) {
	n, ok := api.lookupNode(w, r)
	if !ok {
		return
	}

	name, err := url.PathUnescape(chi.URLParam(r, "fileName"))
	if err != nil {
		respondError(w, "File not found", http.StatusNotFound)
		return
	}

	f, info, err := n.OpenDownload(name)
	switch {
	case errors.Is(err, node.ErrExportDisabled):
		respondError(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, "File not found", http.StatusNotFound)
		return
	case err != nil:
		log.Printf("[API] download for %s failed: %v", n.ID(), err)
		respondError(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.Name()))
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyN(w, f, info.Size()); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[API] download for %s interrupted: %v", n.ID(), err)
	}
}

// handleRecent returns the node's most recent payloads from the stream
func (api *AdminAPI) handleRecent(w http.ResponseWriter, r *http.Request) {
	n, ok := api.lookupNode(w, r)
	if !ok {
		return
	}
	if api.sink == nil {
		respondError(w, "Downstream stream not enabled", http.StatusServiceUnavailable)
		return
	}

	count, _ := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	if count <= 0 || count > 1000 {
		count = 100
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// The stream is shared by every node; read a wider window and filter.
	payloads, err := api.sink.Recent(ctx, count*4)
	if err != nil {
		log.Printf("[API] reading stream: %v", err)
		respondError(w, "Failed to read stream", http.StatusInternalServerError)
		return
	}
	out := make([]*storage.Payload, 0, count)
	for _, p := range payloads {
		if p.NodeID == n.ID() && int64(len(out)) < count {
			out = append(out, p)
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"records": out,
		"count":   len(out),
	})
}

// handleStats returns per-status response counts
func (api *AdminAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	n, ok := api.lookupNode(w, r)
	if !ok {
		return
	}
	if api.sink == nil {
		respondError(w, "Downstream stream not enabled", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	counts, err := api.sink.StatusCounts(ctx, n.ID())
	if err != nil {
		log.Printf("[API] reading status counts: %v", err)
		respondError(w, "Failed to read stats", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"statuses": counts,
	})
}

// handleKeys lists access keys, for one user or every active key
func (api *AdminAPI) handleKeys(w http.ResponseWriter, r *http.Request) {
	if api.keyManager == nil {
		respondError(w, "Key management requires Redis", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		keys []*middleware.AccessKey
		err  error
	)
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		keys, err = api.keyManager.ListUserKeys(ctx, userID)
	} else {
		keys, err = api.keyManager.ListActive(ctx)
	}
	if err != nil {
		log.Printf("[API] listing keys: %v", err)
		respondError(w, "Failed to list keys", http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"keys":    keys,
	})
}

// handleCreateKey creates a new access key
func (api *AdminAPI) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if api.keyManager == nil {
		respondError(w, "Key management requires Redis", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Name          string   `json:"name"`
		UserID        string   `json:"user_id"`
		Description   string   `json:"description"`
		Permissions   []string `json:"permissions"`
		ExpiresInDays int      `json:"expires_in_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.UserID == "" {
		respondError(w, "name and user_id are required", http.StatusBadRequest)
		return
	}

	var expiresIn *time.Duration
	if req.ExpiresInDays > 0 {
		d := time.Duration(req.ExpiresInDays) * 24 * time.Hour
		expiresIn = &d
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	key, err := api.keyManager.CreateKey(ctx, req.Name, req.UserID, req.Description, req.Permissions, expiresIn)
	if errors.Is(err, keymanager.ErrUnknownPermission) {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("[API] creating key: %v", err)
		respondError(w, "Failed to create key", http.StatusInternalServerError)
		return
	}

	log.Printf("[API] %s created access key %q for %s", actor(r), req.Name, req.UserID)
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"success":    true,
		"access_key": key,
		"message":    "Access key created. Store it securely - it won't be shown again.",
	})
}

// handleRevokeKey deactivates an access key
func (api *AdminAPI) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if api.keyManager == nil {
		respondError(w, "Key management requires Redis", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := api.keyManager.RevokeKey(ctx, chi.URLParam(r, "key")); err != nil {
		respondError(w, "Access key not found", http.StatusNotFound)
		return
	}
	log.Printf("[API] %s revoked an access key", actor(r))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Access key revoked",
	})
}

// handleDeleteKey permanently removes an access key
func (api *AdminAPI) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if api.keyManager == nil {
		respondError(w, "Key management requires Redis", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := api.keyManager.DeleteKey(ctx, chi.URLParam(r, "key")); err != nil {
		respondError(w, "Access key not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Access key deleted",
	})
}

// handleHealth returns node statuses and downstream health
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	type nodeHealth struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Fill   string `json:"fill,omitempty"`
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
	}

	nodes := make([]nodeHealth, 0)
	for _, n := range api.nodes.List() {
		st := n.Status()
		nodes = append(nodes, nodeHealth{ID: n.ID(), Name: n.Name(), Status: st.Text, Fill: st.Fill})
		if st.Fill == "red" {
			health["status"] = "degraded"
		}
	}
	health["nodes"] = nodes

	if api.sink != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := api.sink.Ping(ctx); err != nil {
			health["storage"] = "unhealthy"
			health["status"] = "degraded"
		} else {
			health["storage"] = "healthy"
		}
	}

	respondJSON(w, http.StatusOK, health)
}

// actor names the credential behind r for audit lines.
func actor(r *http.Request) string {
	if k, ok := middleware.AccessKeyFromContext(r.Context()); ok {
		return fmt.Sprintf("key %q", k.Name)
	}
	return "admin"
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
