package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/thereceipts/receipts/internal/auth"
	"github.com/thereceipts/receipts/internal/model"
	"github.com/thereceipts/receipts/internal/search"
	"github.com/thereceipts/receipts/internal/service/chat"
	"github.com/thereceipts/receipts/internal/service/embedding"
	"github.com/thereceipts/receipts/internal/service/review"
	"github.com/thereceipts/receipts/internal/service/scheduler"
	"github.com/thereceipts/receipts/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	chatSvc             *chat.Service
	reviewSvc           *review.Service
	schedSvc            *scheduler.Service
	autosuggest         *scheduler.Autosuggest
	hub                 *Hub
	searcher            search.Searcher
	embedder            embedding.Provider
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte

	// adminKeyHash is the Argon2id hash of the configured admin API
	// key, computed once at startup. Empty means the token endpoint
	// always refuses.
	adminKeyHash string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Searcher, Autosuggest, Embedder, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	ChatSvc             *chat.Service
	ReviewSvc           *review.Service
	SchedSvc            *scheduler.Service
	Autosuggest         *scheduler.Autosuggest
	Hub                 *Hub
	Searcher            search.Searcher
	Embedder            embedding.Provider
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	AdminAPIKey         string
}

// NewHandlers creates a new Handlers with all dependencies. The admin
// API key is hashed here and the plaintext is not retained.
func NewHandlers(d HandlersDeps) *Handlers {
	h := &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		chatSvc:             d.ChatSvc,
		reviewSvc:           d.ReviewSvc,
		schedSvc:            d.SchedSvc,
		autosuggest:         d.Autosuggest,
		hub:                 d.Hub,
		searcher:            d.Searcher,
		embedder:            d.Embedder,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
	if d.AdminAPIKey != "" {
		hash, err := auth.HashAPIKey(d.AdminAPIKey)
		if err != nil {
			d.Logger.Error("hash admin api key", "error", err)
		} else {
			h.adminKeyHash = hash
		}
	} else {
		d.Logger.Warn("no admin API key configured; admin endpoints unreachable")
	}
	return h
}

// HandleAuthToken handles POST /auth/token: exchanges the configured
// admin API key for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if h.adminKeyHash == "" {
		// Burn the same time as a real verification so probing cannot
		// tell an unconfigured deployment from a wrong key.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.adminKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken("admin", auth.RoleAdmin)
	if err != nil {
		h.logger.Error("issue token", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// --- Shared helpers ---

func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue(key))
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset prevents absurdly large offset values that cause expensive sequential scans.
const maxQueryOffset = 100_000

// queryOffset returns a bounded, non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	if offset > maxQueryOffset {
		return maxQueryOffset
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
