package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/service"
	"mitrapos/backend/internal/store"
	"mitrapos/backend/internal/tenant"
)

const tenantKeyHeader = "X-Tenant-Key"

type API struct {
	service       *service.Service
	auth          *AuthManager
	directory     *tenant.Directory
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, directory *tenant.Directory, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		directory:     directory,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

// publicPathPrefixes lists paths served against the public partition: no
// X-Tenant-Key required, and none is activated.
var publicPathPrefixes = []string{
	"/healthz",
	"/api/v1/auth/",
	"/api/v1/tenants",
	"/api/v1/employees",
}

func isPublicPath(path string) bool {
	for _, prefix := range publicPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/tenants", a.requireAuth(a.handleTenants, "admin"))
	mux.HandleFunc("/api/v1/tenants/", a.requireAuth(a.handleTenantActions, "admin"))
	mux.HandleFunc("/api/v1/employees", a.requireAuth(a.handleEmployees, "admin"))

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, "cashier", "admin"))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, "cashier", "admin"))
	mux.HandleFunc("/api/v1/batches", a.requireAuth(a.handleBatchReceive, "admin"))

	mux.HandleFunc("/api/v1/sales/scan", a.requireAuth(a.handleScan, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sales/", a.requireAuth(a.handleSaleActions, "cashier", "admin"))

	mux.HandleFunc("/api/v1/sessions/open", a.requireAuth(a.handleSessionOpen, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions/close", a.requireAuth(a.handleSessionClose, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions/suspend", a.requireAuth(a.handleSessionSuspend, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions/active", a.requireAuth(a.handleSessionActive, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions/cash-movements", a.requireAuth(a.handleCashMovement, "cashier", "admin"))
	mux.HandleFunc("/api/v1/sessions/", a.requireAuth(a.handleSessionActions, "cashier", "admin"))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// resolveTenant rejects or activates the tenant partition for one request.
// The partition travels on the request context and nowhere else, so it is
// gone on every exit path, panics included; there is no reset step that
// could be skipped.
func (a *API) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(tenantKeyHeader))
		if key == "" {
			writeErrorCode(w, http.StatusBadRequest, "missing_tenant_key", fmt.Errorf("%s header is required", tenantKeyHeader))
			return
		}

		resolved, err := a.directory.Resolve(r.Context(), key)
		if err != nil {
			switch {
			case errors.Is(err, tenant.ErrInactive):
				writeErrorCode(w, http.StatusForbidden, "inactive_tenant", err)
			case errors.Is(err, store.ErrTenantInvalid):
				writeErrorCode(w, http.StatusForbidden, "invalid_tenant_key", err)
			default:
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}

		ctx := store.WithPartition(r.Context(), resolved.PartitionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	wrapped := a.resolveTenant(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Tenant-Key, X-Manager-PIN")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, fmt.Errorf("panic: %v", rec))
			}
		}()

		startedAt := time.Now()
		wrapped.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation. Login is
// excluded because it is called before any CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

// --- public handlers ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// --- tenant administration ---

func (a *API) handleTenants(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenants, err := a.service.ListTenants(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
	case http.MethodPost:
		var req domain.TenantCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.service.CreateTenant(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"tenant": created})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleTenantActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tenants/"), "/")
	parts := strings.Split(tail, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, errors.New("invalid tenant action path"))
		return
	}
	tenantID, action := parts[0], parts[1]

	var active bool
	switch action {
	case "activate":
		active = true
	case "deactivate":
		active = false
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown tenant action %q", action))
		return
	}

	updated, err := a.service.SetTenantActive(r.Context(), tenantID, active)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": updated})
}

func (a *API) handleEmployees(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		employees, err := a.auth.ListEmployees(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"employees": employees})
	case http.MethodPost:
		var req domain.EmployeeCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := a.auth.CreateEmployee(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"employee": created})
	default:
		writeMethodNotAllowed(w)
	}
}

// --- catalog handlers ---

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/products/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	if code, ok := strings.CutPrefix(tail, "barcode/"); ok {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		product, err := a.service.GetProductByBarcode(r.Context(), code)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
		return
	}

	if productID, ok := strings.CutSuffix(tail, "/batches"); ok {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		batches, err := a.service.ListBatches(r.Context(), productID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
		return
	}

	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	updated, err := a.service.UpdateProduct(r.Context(), tail, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product": updated})
}

func (a *API) handleBatchReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.BatchReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	batch, err := a.service.ReceiveBatch(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
}

// --- sale handlers ---

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sale, err := a.service.ScanItem(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleSaleActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sales/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}
	parts := strings.Split(tail, "/")
	saleID := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		sale, err := a.service.GetSale(r.Context(), saleID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})

	case len(parts) == 3 && parts[1] == "lines":
		if r.Method != http.MethodDelete {
			writeMethodNotAllowed(w)
			return
		}
		sale, err := a.service.RemoveLine(r.Context(), saleID, parts[2])
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})

	case len(parts) == 2 && parts[1] == "checkout":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.CheckoutRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		sale, err := a.service.Checkout(r.Context(), saleID, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})

	case len(parts) == 2 && parts[1] == "cancel":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		sale, err := a.service.CancelSale(r.Context(), saleID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})

	case len(parts) == 2 && parts[1] == "refund":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if !a.auth.ValidateManagerPIN(r.Header.Get("X-Manager-PIN")) {
			writeError(w, http.StatusForbidden, errors.New("valid manager PIN required"))
			return
		}
		sale, err := a.service.RefundSale(r.Context(), saleID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})

	default:
		writeError(w, http.StatusBadRequest, errors.New("invalid sale action path"))
	}
}

// --- session handlers ---

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.OpenSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session})
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.SessionCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := a.service.CloseSession(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionSuspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	session, err := a.service.SuspendSession(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	session, err := a.service.ActiveSession(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleCashMovement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.CashMovementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	movement, err := a.service.AddCashMovement(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"movement": movement})
}

func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	parts := strings.Split(tail, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, errors.New("invalid session action path"))
		return
	}
	sessionID, action := parts[0], parts[1]

	switch action {
	case "resume":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		session, err := a.service.ResumeSession(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": session})
	case "report":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		report, err := a.service.SessionReport(r.Context(), sessionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown session action %q", action))
	}
}

// --- response helpers ---

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrTenantInvalid):
		return http.StatusForbidden
	case errors.Is(err, store.ErrProductNotFound),
		errors.Is(err, store.ErrBatchNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrSessionNotOpen),
		errors.Is(err, store.ErrSaleNotPending):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientPayment),
		errors.Is(err, store.ErrEmptySale):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps domain failures to statuses and attaches the
// concrete numbers from allocation and payment shortfalls so clients can
// correct and retry instead of guessing.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= 500 {
		writeError(w, status, err)
		return
	}

	payload := map[string]any{"error": err.Error()}

	var stockErr *store.StockError
	if errors.As(err, &stockErr) {
		payload["code"] = "insufficient_stock"
		payload["available"] = stockErr.Available
		payload["requested"] = stockErr.Requested
		if !stockErr.AlreadyInCart.IsZero() {
			payload["already_in_cart"] = stockErr.AlreadyInCart
		}
	}
	var payErr *store.PaymentError
	if errors.As(err, &payErr) {
		payload["code"] = "insufficient_payment"
		payload["required"] = payErr.Required
		payload["paid"] = payErr.Paid
	}

	writeJSON(w, status, payload)
}

func writeErrorCode(w http.ResponseWriter, status int, code string, err error) {
	writeJSON(w, status, map[string]any{
		"code":  code,
		"error": err.Error(),
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details (stack traces, SQL errors, file paths, etc.).
	// 4xx responses are user-facing so we return the original error message.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
