// Package api implements the management API mounted on the reserved
// /_dinghy/ prefix: health reporting and JSON CRUD of targets, sessions
// and the per tenant logging override. It is the machine facing
// counterpart of a configuration UI; no HTML is served.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dinghy-proxy/dinghy/logging"
	"github.com/dinghy-proxy/dinghy/proxy"
	"github.com/dinghy-proxy/dinghy/routing"
	"github.com/dinghy-proxy/dinghy/session"
)

// Params to initialize the management API.
type Params struct {

	// Prefix the API is mounted on. Defaults to
	// proxy.DefaultInternalPrefix.
	Prefix string

	// TargetSource provides the registry in single tenant mode.
	TargetSource proxy.RegistrySource

	// Mutable marks the single tenant registry as owned by this API.
	// File backed sources stay read-only, the file owns the state.
	Mutable bool

	// Sessions enables the multi tenant endpoints.
	Sessions *session.Store

	// TokenHeader carrying the session token. Defaults to
	// proxy.DefaultTokenHeader.
	TokenHeader string

	// TokenQueryParam carrying the session token. Defaults to
	// proxy.DefaultTokenQueryParam.
	TokenQueryParam string

	// Log defaults to the application log.
	Log logging.Logger
}

// Handler serves the management API.
type Handler struct {
	prefix          string
	targetSource    proxy.RegistrySource
	mutable         bool
	sessions        *session.Store
	tokenHeader     string
	tokenQueryParam string
	log             logging.Logger
}

// New creates the management API handler.
func New(p Params) *Handler {
	if p.Prefix == "" {
		p.Prefix = proxy.DefaultInternalPrefix
	}

	if p.TokenHeader == "" {
		p.TokenHeader = proxy.DefaultTokenHeader
	}

	if p.TokenQueryParam == "" {
		p.TokenQueryParam = proxy.DefaultTokenQueryParam
	}

	if p.Log == nil {
		p.Log = &logging.DefaultLog{}
	}

	return &Handler{
		prefix:          p.Prefix,
		targetSource:    p.TargetSource,
		mutable:         p.Mutable,
		sessions:        p.Sessions,
		tokenHeader:     p.TokenHeader,
		tokenQueryParam: p.TokenQueryParam,
		log:             p.Log,
	}
}

func sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func sendErrorJSON(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, map[string]string{"error": message})
}

func (h *Handler) multiTenant() bool { return h.sessions != nil }

// token applies the same extraction priority as the forwarding path:
// header first, then the query parameter. The path prefix form does not
// apply under the reserved prefix.
func (h *Handler) token(r *http.Request) string {
	if t := r.Header.Get(h.tokenHeader); t != "" {
		return t
	}

	return r.URL.Query().Get(h.tokenQueryParam)
}

// tenantSession resolves the caller's session, answering 401 on
// failure.
func (h *Handler) tenantSession(w http.ResponseWriter, r *http.Request) *session.Session {
	token := h.token(r)
	if token == "" {
		sendErrorJSON(w, http.StatusUnauthorized, "Missing token")
		return nil
	}

	sess := h.sessions.Lookup(token)
	if sess == nil {
		sendErrorJSON(w, http.StatusUnauthorized, "Invalid or expired token")
		return nil
	}

	return sess
}

// registry resolves the registry the target operations act on, or
// answers the request with an error.
func (h *Handler) registry(w http.ResponseWriter, r *http.Request, mutation bool) *routing.Registry {
	if h.multiTenant() {
		sess := h.tenantSession(w, r)
		if sess == nil {
			return nil
		}

		return sess.Registry
	}

	if mutation && !h.mutable {
		sendErrorJSON(w, http.StatusMethodNotAllowed, "targets are managed through the targets file, edit the file instead")
		return nil
	}

	return h.targetSource.Registry()
}

func (h *Handler) markDirty() {
	if h.multiTenant() {
		h.sessions.MarkDirty()
	}
}

func mutationStatus(err error) int {
	switch {
	case errors.Is(err, routing.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, routing.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"status": "ok"}
	if h.multiTenant() {
		body["mode"] = "multi-tenant"
		body["sessions"] = h.sessions.Len()
	} else {
		body["mode"] = "single-tenant"
		body["targets"] = h.targetSource.Registry().Len()
	}

	sendJSON(w, http.StatusOK, body)
}

func (h *Handler) serveListTargets(w http.ResponseWriter, r *http.Request) {
	registry := h.registry(w, r, false)
	if registry == nil {
		return
	}

	sendJSON(w, http.StatusOK, map[string]interface{}{"targets": registry.Targets()})
}

func decodeTarget(w http.ResponseWriter, r *http.Request) (routing.Target, bool) {
	var t routing.Target
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		sendErrorJSON(w, http.StatusBadRequest, "invalid target document: "+err.Error())
		return t, false
	}

	return t, true
}

func (h *Handler) serveAddTarget(w http.ResponseWriter, r *http.Request) {
	registry := h.registry(w, r, true)
	if registry == nil {
		return
	}

	t, ok := decodeTarget(w, r)
	if !ok {
		return
	}

	if err := registry.Add(t); err != nil {
		sendErrorJSON(w, mutationStatus(err), err.Error())
		return
	}

	h.markDirty()
	h.log.Infof("target %s added", t.Name)
	sendJSON(w, http.StatusCreated, t)
}

func (h *Handler) serveUpdateTarget(w http.ResponseWriter, r *http.Request, name string) {
	registry := h.registry(w, r, true)
	if registry == nil {
		return
	}

	t, ok := decodeTarget(w, r)
	if !ok {
		return
	}

	if t.Name == "" {
		t.Name = name
	}

	if err := registry.Update(name, t); err != nil {
		sendErrorJSON(w, mutationStatus(err), err.Error())
		return
	}

	h.markDirty()
	h.log.Infof("target %s updated", name)
	sendJSON(w, http.StatusOK, t)
}

func (h *Handler) serveRemoveTarget(w http.ResponseWriter, r *http.Request, name string) {
	registry := h.registry(w, r, true)
	if registry == nil {
		return
	}

	if err := registry.Remove(name); err != nil {
		sendErrorJSON(w, mutationStatus(err), err.Error())
		return
	}

	h.markDirty()
	h.log.Infof("target %s removed", name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Create()
	if err != nil {
		sendErrorJSON(w, http.StatusInternalServerError, "creating session failed")
		return
	}

	h.log.Infof("session created")
	sendJSON(w, http.StatusCreated, map[string]string{"token": sess.Token})
}

func (h *Handler) serveDeleteSession(w http.ResponseWriter, r *http.Request) {
	token := h.token(r)
	if token == "" {
		sendErrorJSON(w, http.StatusUnauthorized, "Missing token")
		return
	}

	if !h.sessions.Delete(token) {
		sendErrorJSON(w, http.StatusUnauthorized, "Invalid or expired token")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveLoggingOverride(w http.ResponseWriter, r *http.Request) {
	sess := h.tenantSession(w, r)
	if sess == nil {
		return
	}

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		sendErrorJSON(w, http.StatusBadRequest, `expected a body of the shape {"enabled": bool}`)
		return
	}

	h.sessions.SetLogOverride(sess.Token, body.Enabled)
	sendJSON(w, http.StatusOK, map[string]bool{"enabled": *body.Enabled})
}

// ServeHTTP routes the management calls below the reserved prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, h.prefix) {
		sendErrorJSON(w, http.StatusNotFound, "unknown path")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, h.prefix)
	switch {
	case rest == "health" && r.Method == http.MethodGet:
		h.serveHealth(w, r)
	case rest == "targets" && r.Method == http.MethodGet:
		h.serveListTargets(w, r)
	case rest == "targets" && r.Method == http.MethodPost:
		h.serveAddTarget(w, r)
	case strings.HasPrefix(rest, "targets/"):
		name := strings.TrimPrefix(rest, "targets/")
		if name == "" {
			sendErrorJSON(w, http.StatusNotFound, "missing target name")
			return
		}

		switch r.Method {
		case http.MethodPut:
			h.serveUpdateTarget(w, r, name)
		case http.MethodDelete:
			h.serveRemoveTarget(w, r, name)
		default:
			sendErrorJSON(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case rest == "session" && h.multiTenant() && r.Method == http.MethodPost:
		h.serveCreateSession(w, r)
	case rest == "session" && h.multiTenant() && r.Method == http.MethodDelete:
		h.serveDeleteSession(w, r)
	case rest == "logging" && h.multiTenant() && r.Method == http.MethodPut:
		h.serveLoggingOverride(w, r)
	default:
		sendErrorJSON(w, http.StatusNotFound, "unknown management path")
	}
}
