package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"katalog/backend/internal/domain"
	"katalog/backend/internal/promotion"
	"katalog/backend/internal/service"
	"katalog/backend/internal/store"
)

type API struct {
	service           *service.Service
	auth              *AuthManager
	allowedOrigin     string
	logger            *zap.Logger
	requestTimeout    time.Duration
	loginLimiter      *attemptLimiter
	storefrontLimiter *attemptLimiter
	csrfSecret        []byte
}

type Options struct {
	AllowedOrigin  string
	Logger         *zap.Logger
	RequestTimeout time.Duration
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &API{
		service:           svc,
		auth:              auth,
		allowedOrigin:     opts.AllowedOrigin,
		logger:            logger,
		requestTimeout:    timeout,
		loginLimiter:      newAttemptLimiter(5, time.Minute),
		storefrontLimiter: newAttemptLimiter(60, time.Minute),
		csrfSecret:        csrfSecret,
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
	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken accepts the current or previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	currentBucket := time.Now().UTC().Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(currentBucket))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(prevBucket)))
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
	l.entries[key] = append(kept, now)
	return true
}

// clientKey uses the socket peer only; forwarded headers are spoofable.
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

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.logRequests)
	r.Use(a.recoverPanics)
	r.Use(a.secureHeaders)
	r.Use(middleware.Timeout(a.requestTimeout))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeMethodNotAllowed(w)
	})

	anyRole := []string{domain.RoleAdmin, domain.RoleStaff}

	r.Get("/healthz", a.handleHealth)
	r.Post("/api/v1/auth/login", a.handleLogin)
	r.Get("/api/v1/auth/csrf-token", a.handleCSRFToken)

	r.Get("/api/v1/products", a.requireAuth(a.handleListProducts, anyRole...))
	r.Post("/api/v1/products", a.requireAuth(a.handleCreateProduct, domain.RoleAdmin))
	r.Post("/api/v1/products/stock-count", a.requireAuth(a.handleStockCount, domain.RoleAdmin))
	r.Get("/api/v1/products/{productID}", a.requireAuth(a.handleGetProduct, anyRole...))
	r.Put("/api/v1/products/{productID}/stock", a.requireAuth(a.handleAdjustStock, domain.RoleAdmin))
	r.Put("/api/v1/products/{productID}/variants", a.requireAuth(a.handleUpdateVariants, domain.RoleAdmin))
	r.Post("/api/v1/products/{productID}/returns", a.requireAuth(a.handleRecordReturn, anyRole...))
	r.Get("/api/v1/products/{productID}/stock-history", a.requireAuth(a.handleStockHistory, anyRole...))

	r.Get("/api/v1/orders", a.requireAuth(a.handleListOrders, anyRole...))
	r.Post("/api/v1/orders", a.requireAuth(a.handleCreateOrder, anyRole...))
	r.Get("/api/v1/orders/{orderID}", a.requireAuth(a.handleGetOrder, anyRole...))
	r.Put("/api/v1/orders/{orderID}", a.requireAuth(a.handleUpdateOrder, anyRole...))
	r.Post("/api/v1/orders/{orderID}/confirm", a.requireAuth(a.handleConfirmOrder, anyRole...))
	r.Post("/api/v1/orders/{orderID}/fulfillment/retry", a.requireAuth(a.handleRetryFulfillment, domain.RoleAdmin))

	r.Get("/api/v1/promotions", a.requireAuth(a.handleListPromotions, domain.RoleAdmin))
	r.Post("/api/v1/promotions", a.requireAuth(a.handleCreatePromotion, domain.RoleAdmin))
	r.Put("/api/v1/promotions/{promotionID}", a.requireAuth(a.handleUpdatePromotion, domain.RoleAdmin))
	r.Post("/api/v1/promotions/{promotionID}/status", a.requireAuth(a.handlePromotionStatus, domain.RoleAdmin))

	r.Get("/api/v1/storefront/{ownerID}/promotions", a.handleStorefrontPromotions)
	r.Post("/api/v1/storefront/{ownerID}/coupons/validate", a.limitStorefront(a.handleValidateCoupon))
	r.Post("/api/v1/storefront/{ownerID}/checkout", a.limitStorefront(a.handleCheckout))

	r.Get("/api/v1/users/staff", a.requireAuth(a.handleListStaff, domain.RoleAdmin))
	r.Post("/api/v1/users/staff", a.requireAuth(a.handleCreateStaff, domain.RoleAdmin))

	return r
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

func (a *API) limitStorefront(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.storefrontLimiter.Allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many requests"))
			return
		}
		next(w, r)
	}
}

// csrfExemptPaths are called without a prior token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

const storefrontPrefix = "/api/v1/storefront/"

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	if strings.HasPrefix(r.URL.Path, storefrontPrefix) {
		return true
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
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
		next.ServeHTTP(w, r)
	})
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(startedAt)),
				zap.String("remote_ip", clientKey(r)),
			}
			switch {
			case status >= http.StatusInternalServerError:
				a.logger.Error("http request", fields...)
			case status >= http.StatusBadRequest:
				a.logger.Warn("http request", fields...)
			default:
				a.logger.Info("http request", fields...)
			}
		}()
		next.ServeHTTP(ww, r)
	})
}

func (a *API) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			a.logger.Error("panic recovered",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			writeError(w, http.StatusInternalServerError, errors.New("panic"))
		}()
		next.ServeHTTP(w, r)
	})
}

// statusFor maps service and store errors onto HTTP statuses.
func statusFor(err error) int {
	var ineligible *promotion.IneligibleError
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.As(err, &ineligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrCouponAlreadyUsed),
		errors.Is(err, store.ErrUsageLimitReached):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if reason, ok := promotion.ReasonOf(err); ok {
		writeJSON(w, status, map[string]any{
			"error":  err.Error(),
			"reason": reason,
		})
		return
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON leaves dest untouched when the body is empty.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides 5xx detail from clients; callers log it first.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
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
