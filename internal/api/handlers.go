// Package api provides the HTTP tag API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/config"
	"github.com/nexus-edge/modbus-gateway/internal/adapter/modbus"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

// =============================================================================
// Security Middleware
// =============================================================================

// Middleware wraps handlers with security checks.
type Middleware struct {
	config config.APIConfig
	logger zerolog.Logger
}

// NewMiddleware creates a new middleware with the given configuration.
func NewMiddleware(cfg config.APIConfig, logger zerolog.Logger) *Middleware {
	return &Middleware{
		config: cfg,
		logger: logger.With().Str("component", "api-middleware").Logger(),
	}
}

// CORS adds CORS headers based on configuration.
// Returns true if this was a preflight request that was handled.
func (m *Middleware) CORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}

	allowedOrigin := ""
	if len(m.config.AllowedOrigins) == 0 {
		allowedOrigin = "*"
	} else {
		for _, o := range m.config.AllowedOrigins {
			if o == "*" || o == origin {
				allowedOrigin = origin
				break
			}
		}
	}

	if allowedOrigin == "" {
		m.logger.Warn().
			Str("origin", origin).
			Msg("CORS: origin not allowed")
		return false
	}

	w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

// Secure combines CORS, body size limiting and API key authentication.
func (m *Middleware) Secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.CORS(w, r) {
			return
		}

		if m.config.MaxRequestBodySize > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, m.config.MaxRequestBodySize)
		}

		if m.config.AuthEnabled {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = r.URL.Query().Get("api_key")
			}

			if apiKey != m.config.APIKey {
				m.logger.Warn().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Str("remote", r.RemoteAddr).
					Msg("Authentication failed")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Tag Handlers
// =============================================================================

// TagService is the subset of the client factory the API needs.
type TagService interface {
	Names() []string
	Tags(name string) (map[string]domain.TagDescriptor, error)
	ReadTag(ctx context.Context, clientName, tagName string) (*domain.DataPoint, error)
	ReadTags(ctx context.Context, clientName string) ([]*domain.DataPoint, error)
	WriteTag(ctx context.Context, clientName, tagName string, value interface{}) error
	AllClientHealth() map[string]modbus.ClientHealth
}

// APIHandler serves client and tag endpoints.
type APIHandler struct {
	tags        TagService
	allowWrites bool
	logger      zerolog.Logger
}

// NewAPIHandler creates a new API handler.
func NewAPIHandler(tags TagService, allowWrites bool, logger zerolog.Logger) *APIHandler {
	return &APIHandler{
		tags:        tags,
		allowWrites: allowWrites,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

// Routes returns the API mux, wrapped in mw when it is non-nil.
//
//	GET /api/clients
//	GET /api/clients/{client}/tags
//	GET /api/clients/{client}/values
//	GET /api/clients/{client}/tags/{tag}
//	PUT /api/clients/{client}/tags/{tag}   {"value": ...}
func (h *APIHandler) Routes(mw *Middleware) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/clients", h.GetClientsHandler)
	mux.HandleFunc("GET /api/clients/{client}/tags", h.GetTagsHandler)
	mux.HandleFunc("GET /api/clients/{client}/values", h.ReadTagsHandler)
	mux.HandleFunc("GET /api/clients/{client}/tags/{tag}", h.ReadTagHandler)
	mux.HandleFunc("PUT /api/clients/{client}/tags/{tag}", h.WriteTagHandler)
	if mw == nil {
		return mux
	}
	return mw.Secure(mux)
}

// clientView is the JSON shape of one client.
type clientView struct {
	modbus.ClientHealth
	LastError string `json:"last_error,omitempty"`
}

// tagView is the JSON shape of one tag descriptor.
type tagView struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Address     uint16  `json:"address"`
	Length      uint16  `json:"length"`
	DataType    string  `json:"datatype,omitempty"`
	Scale       float64 `json:"scale"`
	Offset      float64 `json:"offset"`
	Unit        string  `json:"unit,omitempty"`
	Description string  `json:"description,omitempty"`
	Endianness  string  `json:"endianness,omitempty"`
	WordOrder   string  `json:"word_order,omitempty"`
	Writable    bool    `json:"writable"`
}

func newTagView(name string, t domain.TagDescriptor) tagView {
	v := tagView{
		Name:        name,
		Type:        t.Type.String(),
		Address:     t.Address,
		Length:      t.EffectiveLength(),
		Scale:       t.EffectiveScale(),
		Offset:      t.Offset,
		Unit:        t.Unit,
		Description: t.Description,
		Endianness:  string(t.Endianness),
		WordOrder:   string(t.WordOrder),
		Writable:    t.IsWritable(),
	}
	if !t.Type.IsBit() {
		v.DataType = t.DataType.String()
	}
	return v
}

// writeRequest is the body of a tag write.
type writeRequest struct {
	Value interface{} `json:"value"`
}

// GetClientsHandler lists registered clients with their health.
func (h *APIHandler) GetClientsHandler(w http.ResponseWriter, r *http.Request) {
	all := h.tags.AllClientHealth()
	out := make([]clientView, 0, len(all))
	for _, name := range h.tags.Names() {
		ch, ok := all[name]
		if !ok {
			continue
		}
		v := clientView{ClientHealth: ch}
		if ch.LastError != nil {
			v.LastError = ch.LastError.Error()
		}
		out = append(out, v)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetTagsHandler lists the tag map of a client.
func (h *APIHandler) GetTagsHandler(w http.ResponseWriter, r *http.Request) {
	tags, err := h.tags.Tags(r.PathValue("client"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]tagView, 0, len(names))
	for _, name := range names {
		out = append(out, newTagView(name, tags[name]))
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ReadTagsHandler reads every tag of a client. Points are returned even
// when some tags fail.
func (h *APIHandler) ReadTagsHandler(w http.ResponseWriter, r *http.Request) {
	points, err := h.tags.ReadTags(r.Context(), r.PathValue("client"))
	if err != nil && points == nil {
		h.writeFailure(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	h.writeJSON(w, status, points)
}

// ReadTagHandler reads one tag.
func (h *APIHandler) ReadTagHandler(w http.ResponseWriter, r *http.Request) {
	dp, err := h.tags.ReadTag(r.Context(), r.PathValue("client"), r.PathValue("tag"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dp)
}

// WriteTagHandler writes one tag.
func (h *APIHandler) WriteTagHandler(w http.ResponseWriter, r *http.Request) {
	if !h.allowWrites {
		writeError(w, http.StatusMethodNotAllowed, "writes are disabled")
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req writeRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	value, ok := normalizeValue(req.Value)
	if !ok {
		writeError(w, http.StatusBadRequest, "value must be a number, boolean or string")
		return
	}

	client, tag := r.PathValue("client"), r.PathValue("tag")
	if err := h.tags.WriteTag(r.Context(), client, tag, value); err != nil {
		h.writeFailure(w, r, err)
		return
	}

	h.logger.Info().Str("client", client).Str("tag", tag).Interface("value", value).Msg("Tag written")
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"client": client, "tag": tag, "value": value})
}

// normalizeValue turns decoded JSON into a value the tag layer accepts.
// Integers stay int64 so large values are written exactly.
func normalizeValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, true
		}
		f, err := val.Float64()
		return f, err == nil
	case bool:
		return val, true
	case string:
		return strings.ToLower(val), true
	default:
		return nil, false
	}
}

// statusFor maps an error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrClientNotFound), errors.Is(err, domain.ErrTagNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTagNotWritable):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrCircuitBreakerOpen), errors.Is(err, domain.ErrFactoryClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrConnection), errors.Is(err, domain.ErrProtocol):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
