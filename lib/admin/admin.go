// Package admin mounts the relay's HTTP surface: health, log introspection,
// extension reload, preference retrieval and plugin management, plus the two
// WebSocket endpoints.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/browserforce/relay/lib/auth"
	"github.com/browserforce/relay/lib/broker"
	"github.com/browserforce/relay/lib/extension"
	"github.com/browserforce/relay/lib/logger"
	"github.com/browserforce/relay/lib/logring"
	"github.com/browserforce/relay/lib/plugins"
	"github.com/browserforce/relay/lib/prefs"
)

const reloadTimeout = 10 * time.Second

// maxPluginUpload caps a plugin archive at 50 MB.
const maxPluginUpload = 50 << 20

// Deps collects everything the HTTP surface reads or mutates.
type Deps struct {
	Token   auth.Token
	Broker  *broker.Broker
	Ring    *logring.Ring
	Prefs   *prefs.Store
	Plugins *plugins.Manager
}

// Router builds the chi router for the relay port. Read endpoints are open;
// mutating endpoints sit behind the bearer token. None of the read
// endpoints ever include the token in a response.
func Router(slogger *slog.Logger, deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)

	h := &handlers{deps: deps}

	r.Get("/cdp", deps.Broker.ServeCDP)
	r.Get("/extension", deps.Broker.Link().ServeWS)

	r.Get("/", h.status)
	r.Get("/logs/status", h.logsStatus)
	r.Get("/logs/cdp", h.logsCDP)
	r.Get("/logs/export", h.logsExport)
	r.Get("/agent-preferences", h.preferences)
	r.Get("/restrictions", h.restrictions)
	r.Get("/plugins", h.listPlugins)

	r.Group(func(r chi.Router) {
		r.Use(auth.Require(deps.Token))
		r.Post("/extension/reload", h.reloadExtension)
		r.Post("/plugins/install", h.installPlugin)
		r.Delete("/plugins/{name}", h.removePlugin)
	})

	return r
}

type handlers struct {
	deps Deps
}

// StatusResponse is the GET / health payload.
type StatusResponse struct {
	Status    string `json:"status"`
	Extension bool   `json:"extension"`
	Targets   int    `json:"targets"`
	Clients   int    `json:"clients"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	targets, _ := h.deps.Broker.Registry().Counts()
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:    "ok",
		Extension: h.deps.Broker.Link().Ready(),
		Targets:   targets,
		Clients:   h.deps.Broker.ClientCount(),
	})
}

// LogsStatusResponse is the GET /logs/status payload.
type LogsStatusResponse struct {
	Counts         map[logring.Direction]uint64 `json:"counts"`
	LatestSeq      uint64                       `json:"latestSeq"`
	Clients        []broker.ClientSummary       `json:"clients"`
	ExtensionState extension.State              `json:"extensionState"`
}

func (h *handlers) logsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogsStatusResponse{
		Counts:         h.deps.Ring.Counts(),
		LatestSeq:      h.deps.Ring.LatestSeq(),
		Clients:        h.deps.Broker.Clients(),
		ExtensionState: h.deps.Broker.Link().State(),
	})
}

func (h *handlers) logsCDP(w http.ResponseWriter, r *http.Request) {
	after, err := parseUint(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid after parameter")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
	}
	writeJSON(w, http.StatusOK, h.deps.Ring.Since(after, limit))
}

func (h *handlers) logsExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="relay-logs.ndjson.zst"`)
	if err := h.deps.Ring.ExportZstd(w); err != nil {
		// Headers are gone; all we can do is log.
		logger.FromContext(r.Context()).Error("log export failed", "err", err)
	}
}

func (h *handlers) preferences(w http.ResponseWriter, r *http.Request) {
	writeRawJSON(w, h.deps.Prefs.Preferences())
}

func (h *handlers) restrictions(w http.ResponseWriter, r *http.Request) {
	writeRawJSON(w, h.deps.Prefs.Restrictions())
}

// ReloadResponse is the POST /extension/reload payload.
type ReloadResponse struct {
	Reloaded bool `json:"reloaded"`
}

func (h *handlers) reloadExtension(w http.ResponseWriter, r *http.Request) {
	link := h.deps.Broker.Link()
	if !link.Ready() {
		writeJSON(w, http.StatusOK, ReloadResponse{Reloaded: false})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reloadTimeout)
	defer cancel()
	raw, err := link.Call(ctx, extension.MethodExtensionReload, nil)
	if err != nil {
		logger.FromContext(r.Context()).Warn("extension reload failed", "err", err)
		writeJSON(w, http.StatusOK, ReloadResponse{Reloaded: false})
		return
	}
	res := extension.ReloadResult{Reloaded: true}
	if len(raw) > 0 {
		json.Unmarshal(raw, &res) // honor an explicit reloaded:false
	}
	writeJSON(w, http.StatusOK, ReloadResponse{Reloaded: res.Reloaded})
}

func (h *handlers) listPlugins(w http.ResponseWriter, r *http.Request) {
	list, err := h.deps.Plugins.List()
	if err != nil {
		logger.FromContext(r.Context()).Error("list plugins failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to list plugins")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) installPlugin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxPluginUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	name := r.FormValue("name")
	if !plugins.ValidName(name) {
		writeError(w, http.StatusBadRequest, "invalid plugin name")
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "archive file required")
		return
	}
	defer file.Close()

	p, err := h.deps.Plugins.Install(name, file)
	if err != nil {
		logger.FromContext(r.Context()).Warn("plugin install failed", "name", name, "err", err)
		writeError(w, http.StatusBadRequest, "invalid plugin archive")
		return
	}
	logger.FromContext(r.Context()).Info("plugin installed", "name", p.Name, "version", p.Version)
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) removePlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !plugins.ValidName(name) {
		writeError(w, http.StatusBadRequest, "invalid plugin name")
		return
	}
	if err := h.deps.Plugins.Remove(name); err != nil {
		logger.FromContext(r.Context()).Error("plugin remove failed", "name", name, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to remove plugin")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeRawJSON(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseUint(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
