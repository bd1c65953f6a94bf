package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/service"
	"computerstore/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
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

const (
	roleAdmin        = "admin"
	roleStockManager = "stock_manager"
	roleCashier      = "cashier"
)

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/auth/login", a.handleLogin)
	mux.HandleFunc("/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("/auth/me", a.requireAuth(a.handleMe, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/auth/change-password", a.requireAuth(a.handleChangePassword, roleAdmin, roleStockManager, roleCashier))

	mux.HandleFunc("/produits", a.requireAuth(a.handleProduits, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/produits/", a.requireAuth(a.handleProduitActions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/categories", a.requireAuth(a.handleCategories, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/categories/", a.requireAuth(a.handleCategorieActions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/clients", a.requireAuth(a.handleClients, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/clients/", a.requireAuth(a.handleClientActions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/promotions", a.requireAuth(a.handlePromotions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/promotions/", a.requireAuth(a.handlePromotionActions, roleAdmin, roleStockManager, roleCashier))

	mux.HandleFunc("/ventes", a.requireAuth(a.handleVentes, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/ventes/", a.requireAuth(a.handleVenteActions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/mouvements-stock", a.requireAuth(a.handleMouvements, roleAdmin, roleStockManager))
	mux.HandleFunc("/paiements", a.requireAuth(a.handlePaiements, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/paiements/", a.requireAuth(a.handlePaiementActions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/factures", a.requireAuth(a.handleFactures, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/factures/", a.requireAuth(a.handleFactureActions, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/garanties", a.requireAuth(a.handleGaranties, roleAdmin, roleStockManager, roleCashier))
	mux.HandleFunc("/garanties/", a.requireAuth(a.handleGarantieActions, roleAdmin, roleStockManager, roleCashier))

	mux.HandleFunc("/audits", a.requireAuth(a.handleAudits, roleAdmin))
	mux.HandleFunc("/validations", a.requireAuth(a.handleValidations, roleAdmin))
	mux.HandleFunc("/validations/", a.requireAuth(a.handleValidationActions, roleAdmin))
	mux.HandleFunc("/dashboard/stats", a.requireAuth(a.handleDashboardStats, roleAdmin, roleStockManager))

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

		if len(roles) > 0 && !isRoleAllowed(string(actor.Role), roles) {
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

// requireRole rechecks the actor's role inside a handler for operations
// narrower than the route-level gate.
func requireRole(w http.ResponseWriter, r *http.Request, roles ...string) bool {
	actor := service.ActorFromContext(r.Context())
	if isRoleAllowed(string(actor.Role), roles) {
		return true
	}
	writeError(w, http.StatusForbidden, errors.New("forbidden role"))
	return false
}

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

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	actor := service.ActorFromContext(r.Context())
	user, err := a.auth.Me(r.Context(), actor.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.ChangePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := service.ActorFromContext(r.Context())
	if err := a.auth.ChangePassword(r.Context(), actor.ID, req); err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation.
// Login is excluded because it is called without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/auth/login",
	"/healthz",
}

// checkCSRF enforces CSRF token validation for state-changing methods.
// Returns false and writes an error response if validation fails.
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
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

// ---- produits ----

func (a *API) handleProduits(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.ProduitFilter{
			Search:      strings.TrimSpace(r.URL.Query().Get("search")),
			IDCategorie: strings.TrimSpace(r.URL.Query().Get("idCategorie")),
			Statut:      domain.StatutProduit(strings.TrimSpace(r.URL.Query().Get("statut"))),
			StockBas:    r.URL.Query().Get("stockBas") == "true",
			Page:        pageFromQuery(r),
		}
		produits, total, err := a.service.ListProduits(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeList(w, produits, f.Page, total)
	case http.MethodPost:
		if !requireRole(w, r, roleAdmin, roleStockManager) {
			return
		}
		var req domain.ProduitRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		produit, err := a.service.CreateProduit(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, produit)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProduitActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/produits/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("produit id required"))
		return
	}

	if tail == "export" {
		a.handleProduitExport(w, r)
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			produit, err := a.service.GetProduit(r.Context(), id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, produit)
		case http.MethodPut:
			if !requireRole(w, r, roleAdmin, roleStockManager) {
				return
			}
			var req domain.ProduitRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			produit, err := a.service.UpdateProduit(r.Context(), id, req)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, produit)
		default:
			writeMethodNotAllowed(w)
		}
	case "stock":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if !requireRole(w, r, roleAdmin, roleStockManager) {
			return
		}
		var req domain.StockUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		produit, err := a.service.UpdateStock(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, produit)
	case "demande-suppression":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if !requireRole(w, r, roleAdmin, roleStockManager) {
			return
		}
		var req domain.SuppressionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		validation, err := a.service.RequestProduitSuppression(r.Context(), id, req.Motif)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, validation)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown produit action"))
	}
}

func (a *API) handleProduitExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if !requireRole(w, r, roleAdmin) {
		return
	}

	produits, err := a.service.AllProduits(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	categories := a.categorieNames(r)

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	switch format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="produits.csv"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(produitsToCSV(produits, categories)))
	case "pdf":
		// Printable document: the browser's print-to-PDF handles the rest.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(produitsToPrintableHTML(produits, categories)))
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported export format %q", format))
	}
}

func (a *API) categorieNames(r *http.Request) map[string]string {
	names := make(map[string]string)
	for page := 1; ; page++ {
		categories, total, err := a.service.ListCategories(r.Context(), store.CategorieFilter{Page: store.PageParams{Page: page, Limit: 200}})
		if err != nil {
			// The export still renders, with blank category names.
			log.Printf("[httpapi] WARN: list categories for export failed: %v", err)
			return names
		}
		if len(categories) == 0 {
			return names
		}
		for _, c := range categories {
			names[c.ID] = c.Nom
		}
		if len(names) >= total {
			return names
		}
	}
}

// ---- categories ----

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.CategorieFilter{
			Search: strings.TrimSpace(r.URL.Query().Get("search")),
			Page:   pageFromQuery(r),
		}
		categories, total, err := a.service.ListCategories(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeList(w, categories, f.Page, total)
	case http.MethodPost:
		if !requireRole(w, r, roleAdmin, roleStockManager) {
			return
		}
		var req domain.CategorieRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		categorie, err := a.service.CreateCategorie(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, categorie)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCategorieActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/categories/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("categorie id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		categorie, err := a.service.GetCategorie(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, categorie)
	case http.MethodPut:
		if !requireRole(w, r, roleAdmin, roleStockManager) {
			return
		}
		var req domain.CategorieRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		categorie, err := a.service.UpdateCategorie(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, categorie)
	case http.MethodDelete:
		if !requireRole(w, r, roleAdmin) {
			return
		}
		if err := a.service.DeleteCategorie(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

// ---- clients ----

func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.ClientFilter{
			Search: strings.TrimSpace(r.URL.Query().Get("search")),
			Page:   pageFromQuery(r),
		}
		clients, total, err := a.service.ListClients(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeList(w, clients, f.Page, total)
	case http.MethodPost:
		if !requireRole(w, r, roleAdmin, roleCashier) {
			return
		}
		var req domain.ClientRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		client, err := a.service.CreateClient(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, client)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleClientActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/clients/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("client id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		client, err := a.service.GetClient(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, client)
	case http.MethodPut:
		if !requireRole(w, r, roleAdmin, roleCashier) {
			return
		}
		var req domain.ClientRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		client, err := a.service.UpdateClient(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, client)
	case http.MethodDelete:
		if !requireRole(w, r, roleAdmin) {
			return
		}
		if err := a.service.DeleteClient(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

// ---- promotions ----

func (a *API) handlePromotions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.PromotionFilter{Page: pageFromQuery(r)}
		if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
			active := raw == "true"
			f.Active = &active
		}
		promotions, total, err := a.service.ListPromotions(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeList(w, promotions, f.Page, total)
	case http.MethodPost:
		if !requireRole(w, r, roleAdmin) {
			return
		}
		var req domain.PromotionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		promotion, err := a.service.CreatePromotion(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, promotion)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePromotionActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/promotions/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("promotion id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		promotion, err := a.service.GetPromotion(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, promotion)
	case http.MethodPut:
		if !requireRole(w, r, roleAdmin) {
			return
		}
		var req domain.PromotionRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		promotion, err := a.service.UpdatePromotion(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, promotion)
	case http.MethodDelete:
		if !requireRole(w, r, roleAdmin) {
			return
		}
		if err := a.service.DeletePromotion(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

// ---- ventes ----

func (a *API) handleVentes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.VenteFilter{
			IDClient: strings.TrimSpace(r.URL.Query().Get("idClient")),
			IDUser:   strings.TrimSpace(r.URL.Query().Get("idUser")),
			Statut:   domain.StatutVente(strings.TrimSpace(r.URL.Query().Get("statut"))),
			DateFrom: parseDateParam(r.URL.Query().Get("dateDebut")),
			DateTo:   parseDateParam(r.URL.Query().Get("dateFin")),
			Page:     pageFromQuery(r),
		}
		// Cashiers only see their own sales.
		actor := service.ActorFromContext(r.Context())
		if actor.Role == domain.RoleCashier {
			f.IDUser = actor.ID
		}
		ventes, total, err := a.service.ListVentes(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeList(w, ventes, f.Page, total)
	case http.MethodPost:
		if !requireRole(w, r, roleAdmin, roleCashier) {
			return
		}
		var req domain.CreateVenteRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		vente, err := a.service.CreateVente(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, vente)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleVenteActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/ventes/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("vente id required"))
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		vente, err := a.service.GetVente(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		actor := service.ActorFromContext(r.Context())
		if actor.Role == domain.RoleCashier && vente.IDUser != actor.ID {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		writeJSON(w, http.StatusOK, vente)
	case "annuler":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		if !requireRole(w, r, roleAdmin) {
			return
		}
		var req domain.AnnulationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		vente, err := a.service.CancelVente(r.Context(), id, req.Motif)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, vente)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown vente action"))
	}
}

// ---- mouvements ----

func (a *API) handleMouvements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	f := store.MouvementFilter{
		IDProduit: strings.TrimSpace(r.URL.Query().Get("idProduit")),
		Type:      domain.TypeMouvement(strings.TrimSpace(r.URL.Query().Get("type"))),
		DateFrom:  parseDateParam(r.URL.Query().Get("dateDebut")),
		DateTo:    parseDateParam(r.URL.Query().Get("dateFin")),
		Page:      pageFromQuery(r),
	}
	mouvements, total, err := a.service.ListMouvements(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeList(w, mouvements, f.Page, total)
}

// ---- paiements ----

func (a *API) handlePaiements(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.PaiementFilter{
			IDVente:   strings.TrimSpace(r.URL.Query().Get("idVente")),
			IDFacture: strings.TrimSpace(r.URL.Query().Get("idFacture")),
			Mode:      domain.ModePaiement(strings.TrimSpace(r.URL.Query().Get("modePaiement"))),
			Page:      pageFromQuery(r),
		}
		paiements, total, err := a.service.ListPaiements(r.Context(), f)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeList(w, paiements, f.Page, total)
	case http.MethodPost:
		if !requireRole(w, r, roleAdmin, roleCashier) {
			return
		}
		var req domain.PaiementRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		paiement, err := a.service.CreatePaiement(r.Context(), req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, paiement)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePaiementActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/paiements/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("paiement id required"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	paiement, err := a.service.GetPaiement(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paiement)
}

// ---- factures ----

func (a *API) handleFactures(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	f := store.FactureFilter{
		IDVente:        strings.TrimSpace(r.URL.Query().Get("idVente")),
		StatutPaiement: domain.StatutPaiement(strings.TrimSpace(r.URL.Query().Get("statutPaiement"))),
		Page:           pageFromQuery(r),
	}
	factures, total, err := a.service.ListFactures(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeList(w, factures, f.Page, total)
}

func (a *API) handleFactureActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/factures/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("facture id required"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	facture, err := a.service.GetFacture(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, facture)
}

// ---- garanties ----

func (a *API) handleGaranties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	f := store.GarantieFilter{
		IDClient:  strings.TrimSpace(r.URL.Query().Get("idClient")),
		IDProduit: strings.TrimSpace(r.URL.Query().Get("idProduit")),
		Statut:    domain.StatutGarantie(strings.TrimSpace(r.URL.Query().Get("statut"))),
		Page:      pageFromQuery(r),
	}
	garanties, total, err := a.service.ListGaranties(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeList(w, garanties, f.Page, total)
}

func (a *API) handleGarantieActions(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/garanties/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("garantie id required"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	garantie, err := a.service.GetGarantie(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, garantie)
}

// ---- audits, validations, dashboard ----

func (a *API) handleAudits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	f := store.AuditFilter{
		IDUser:   strings.TrimSpace(r.URL.Query().Get("idUser")),
		Entite:   strings.TrimSpace(r.URL.Query().Get("entite")),
		Action:   strings.TrimSpace(r.URL.Query().Get("action")),
		DateFrom: parseDateParam(r.URL.Query().Get("dateDebut")),
		DateTo:   parseDateParam(r.URL.Query().Get("dateFin")),
		Page:     pageFromQuery(r),
	}
	audits, total, err := a.service.ListAudits(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeList(w, audits, f.Page, total)
}

func (a *API) handleValidations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	f := store.ValidationFilter{
		Statut: domain.StatutValidation(strings.TrimSpace(r.URL.Query().Get("statut"))),
		Type:   domain.TypeValidation(strings.TrimSpace(r.URL.Query().Get("type"))),
		Page:   pageFromQuery(r),
	}
	validations, total, err := a.service.ListValidations(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeList(w, validations, f.Page, total)
}

func (a *API) handleValidationActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/validations/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("validation id required"))
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		validation, err := a.service.GetValidation(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, validation)
	case "traiter":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.TraiterValidationRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		validation, err := a.service.TraiterValidation(r.Context(), id, req)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, validation)
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown validation action"))
	}
}

func (a *API) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stats, err := a.service.DashboardStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- middleware & helpers ----

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func pathTail(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
}

func pageFromQuery(r *http.Request) store.PageParams {
	q := r.URL.Query()
	page := 1
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}
	return store.PageParams{
		Page:  page,
		Limit: parsePositiveLimit(q.Get("limit"), 20, 200),
	}.Normalize()
}

func parseDateParam(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func writeList(w http.ResponseWriter, items any, page store.PageParams, total int) {
	totalPages := 0
	if total > 0 && page.Limit > 0 {
		totalPages = (total + page.Limit - 1) / page.Limit
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"meta": map[string]any{
			"page":       page.Page,
			"limit":      page.Limit,
			"total":      total,
			"totalPages": totalPages,
		},
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func csvField(value string) string {
	if strings.ContainsAny(value, ",\"\n") {
		return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
	}
	return value
}

func produitsToCSV(produits []domain.Produit, categories map[string]string) string {
	lines := []string{"reference,nom,categorie,prix,stock,stockMin,garantieMois,statut"}
	for _, p := range produits {
		lines = append(lines, strings.Join([]string{
			csvField(p.Reference),
			csvField(p.Nom),
			csvField(categories[p.IDCategorie]),
			p.Prix.String(),
			strconv.Itoa(p.Stock),
			strconv.Itoa(p.StockMin),
			strconv.Itoa(p.GarantieMois),
			string(p.Statut),
		}, ","))
	}
	return strings.Join(lines, "\n") + "\n"
}

// produitsExportTmpl renders the printable inventory document. All
// user-controlled fields are auto-escaped by html/template.
var produitsExportTmpl = template.Must(template.New("produits-export").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Inventaire produits</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>Inventaire produits</h2>
  <table>
    <thead><tr><th>Référence</th><th>Nom</th><th>Catégorie</th><th>Prix</th><th>Stock</th><th>Stock min</th><th>Garantie (mois)</th><th>Statut</th></tr></thead>
    <tbody>{{range .}}<tr><td>{{.Reference}}</td><td>{{.Nom}}</td><td>{{.Categorie}}</td><td style="text-align:right;">{{.Prix}}</td><td style="text-align:right;">{{.Stock}}</td><td style="text-align:right;">{{.StockMin}}</td><td style="text-align:right;">{{.GarantieMois}}</td><td>{{.Statut}}</td></tr>{{end}}</tbody>
  </table>
</body>
</html>
`))

type produitExportRow struct {
	Reference    string
	Nom          string
	Categorie    string
	Prix         string
	Stock        int
	StockMin     int
	GarantieMois int
	Statut       string
}

func produitsToPrintableHTML(produits []domain.Produit, categories map[string]string) string {
	rows := make([]produitExportRow, 0, len(produits))
	for _, p := range produits {
		rows = append(rows, produitExportRow{
			Reference:    p.Reference,
			Nom:          p.Nom,
			Categorie:    categories[p.IDCategorie],
			Prix:         p.Prix.String(),
			Stock:        p.Stock,
			StockMin:     p.StockMin,
			GarantieMois: p.GarantieMois,
			Statut:       string(p.Statut),
		})
	}
	var buf bytes.Buffer
	if err := produitsExportTmpl.Execute(&buf, rows); err != nil {
		return "<!doctype html><html><body><p>Erreur de génération du document.</p></body></html>"
	}
	return buf.String()
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
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

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details. 4xx responses are user-facing so the original
	// message goes through.
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
