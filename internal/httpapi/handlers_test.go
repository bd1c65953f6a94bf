package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"computerstore/backend/internal/cache"
	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/service"
	"computerstore/backend/internal/store"
	"computerstore/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()
	repo := memory.NewSeeded()
	seedUser(t, repo, "Admin Test", "admin@test.local", "admin-pass-123", domain.RoleAdmin)
	seedUser(t, repo, "Caissier Test", "caissier@test.local", "cashier-pass-123", domain.RoleCashier)
	seedUser(t, repo, "Gestionnaire Test", "stock@test.local", "stock-pass-123", domain.RoleStockManager)

	svc := service.New(repo, cache.NoopStatsCache{}, time.Minute)
	auth := NewAuthManager("unit-test-secret-0123456789abcdef", time.Hour, repo)
	return New(svc, auth, "http://127.0.0.1:3000"), repo
}

func seedUser(t *testing.T, repo *memory.Store, nom, email, password string, role domain.Role) {
	t.Helper()
	hash, err := hashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	_, err = repo.CreateUser(context.Background(), domain.User{
		Nom:          nom,
		Email:        email,
		Role:         role,
		Actif:        true,
		PasswordHash: hash,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
}

func loginAs(t *testing.T, api *API, email, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Email: email, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("login %s failed, status %d: %s", email, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if strings.TrimSpace(payload.Token) == "" {
		t.Fatalf("expected token in login response")
	}
	return payload.Token
}

func doJSON(t *testing.T, api *API, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func TestLoginAndMe(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "admin@test.local", "admin-pass-123")

	res := doJSON(t, api, http.MethodGet, "/auth/me", token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var user domain.User
	if err := json.NewDecoder(res.Body).Decode(&user); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if user.Email != "admin@test.local" || user.Role != domain.RoleAdmin {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	api, _ := newTestAPI(t)
	body, _ := json.Marshal(domain.LoginRequest{Email: "admin@test.local", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	api, _ := newTestAPI(t)
	res := doJSON(t, api, http.MethodGet, "/produits", "", "", nil)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestCashierCannotCreateProduit(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "caissier@test.local", "cashier-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/produits", token, csrf, domain.ProduitRequest{
		Nom: "Interdit", Reference: "NOPE-01",
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestStockManagerCannotCreateVente(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "stock@test.local", "stock-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/ventes", token, csrf, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
		ModePaiement: domain.PaiementEspeces,
	})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestCreateVenteEndToEnd(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "caissier@test.local", "cashier-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/ventes", token, csrf, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 2}},
		ModePaiement: domain.PaiementEspeces,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", res.Code, res.Body.String())
	}

	var vente domain.Vente
	if err := json.NewDecoder(res.Body).Decode(&vente); err != nil {
		t.Fatalf("decode vente: %v", err)
	}
	if vente.NumeroVente == "" || vente.Statut != domain.VenteValidee {
		t.Fatalf("unexpected vente %+v", vente)
	}
	if vente.Client == nil || vente.Client.ID != "client-diallo" {
		t.Fatalf("expected embedded client")
	}

	// The cashier can read back their own sale.
	res = doJSON(t, api, http.MethodGet, "/ventes/"+vente.ID, token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 reading own sale, got %d", res.Code)
	}
}

func TestCashierOnlySeesOwnVentes(t *testing.T) {
	api, _ := newTestAPI(t)
	cashierToken := loginAs(t, api, "caissier@test.local", "cashier-pass-123")
	adminToken := loginAs(t, api, "admin@test.local", "admin-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/ventes", adminToken, csrf, domain.CreateVenteRequest{
		IDClient:     "client-ndiaye",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
		ModePaiement: domain.PaiementEspeces,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("admin sale failed: %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/ventes", cashierToken, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Items []domain.Vente `json:"items"`
		Meta  struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if payload.Meta.Total != 0 || len(payload.Items) != 0 {
		t.Fatalf("cashier sees sales that are not theirs: %d", payload.Meta.Total)
	}
}

func TestListClientsPaginationMeta(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "admin@test.local", "admin-pass-123")

	// Seed catalog ships 3 clients.
	res := doJSON(t, api, http.MethodGet, "/clients?page=2&limit=2", token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var payload struct {
		Items []domain.Client `json:"items"`
		Meta  struct {
			Page       int `json:"page"`
			Limit      int `json:"limit"`
			Total      int `json:"total"`
			TotalPages int `json:"totalPages"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if payload.Meta.Page != 2 || payload.Meta.Limit != 2 {
		t.Fatalf("unexpected meta %+v", payload.Meta)
	}
	if payload.Meta.Total != 3 || payload.Meta.TotalPages != 2 {
		t.Fatalf("expected total 3 over 2 pages, got %+v", payload.Meta)
	}
	if len(payload.Items) != 1 {
		t.Fatalf("expected 1 item on page 2, got %d", len(payload.Items))
	}
}

func TestProduitExportCSV(t *testing.T) {
	api, _ := newTestAPI(t)
	adminToken := loginAs(t, api, "admin@test.local", "admin-pass-123")
	cashierToken := loginAs(t, api, "caissier@test.local", "cashier-pass-123")

	res := doJSON(t, api, http.MethodGet, "/produits/export?format=csv", cashierToken, "", nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier export, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodGet, "/produits/export?format=csv", adminToken, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("expected text/csv, got %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(res.Body.String()), "\n")
	if lines[0] != "reference,nom,categorie,prix,stock,stockMin,garantieMois,statut" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	// 5 seeded products plus the header.
	if len(lines) != 6 {
		t.Fatalf("expected 6 lines, got %d", len(lines))
	}
}

// categorieFailingRepo fails every category listing while the rest of the
// repository keeps working.
type categorieFailingRepo struct {
	*memory.Store
}

func (categorieFailingRepo) ListCategories(context.Context, store.CategorieFilter) ([]domain.Categorie, int, error) {
	return nil, 0, errors.New("categorie backend down")
}

func TestProduitExportSurvivesCategorieLookupFailure(t *testing.T) {
	repo := memory.NewSeeded()
	seedUser(t, repo, "Admin Test", "admin@test.local", "admin-pass-123", domain.RoleAdmin)
	svc := service.New(categorieFailingRepo{repo}, cache.NoopStatsCache{}, time.Minute)
	auth := NewAuthManager("unit-test-secret-0123456789abcdef", time.Hour, repo)
	api := New(svc, auth, "http://127.0.0.1:3000")

	token := loginAs(t, api, "admin@test.local", "admin-pass-123")
	res := doJSON(t, api, http.MethodGet, "/produits/export?format=csv", token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	// Rows render with a blank categorie column instead of failing.
	if !strings.Contains(res.Body.String(), "LP-PRO-14,Laptop Pro 14,,850000") {
		t.Fatalf("expected row with blank categorie, got:\n%s", res.Body.String())
	}
}

func TestProduitExportPrintable(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "admin@test.local", "admin-pass-123")

	res := doJSON(t, api, http.MethodGet, "/produits/export?format=pdf", token, "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("expected text/html, got %q", ct)
	}
	if !strings.Contains(res.Body.String(), "Laptop Pro 14") {
		t.Fatalf("expected product rows in printable export")
	}
}

func TestStockUpdateEndpoint(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "stock@test.local", "stock-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/produits/prod-ram-16/stock", token, csrf, domain.StockUpdateRequest{
		Type:     domain.MouvementEntree,
		Quantite: 5,
		Motif:    "réception",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var p domain.Produit
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		t.Fatalf("decode produit: %v", err)
	}
	if p.Stock != 35 {
		t.Fatalf("expected stock 35, got %d", p.Stock)
	}
}

func TestAnnulerVenteRequiresAdmin(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "caissier@test.local", "cashier-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/ventes", token, csrf, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
		ModePaiement: domain.PaiementEspeces,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("sale failed: %d", res.Code)
	}
	var vente domain.Vente
	if err := json.NewDecoder(res.Body).Decode(&vente); err != nil {
		t.Fatalf("decode vente: %v", err)
	}

	res = doJSON(t, api, http.MethodPost, "/ventes/"+vente.ID+"/annuler", token, csrf, domain.AnnulationRequest{Motif: "test"})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier cancel, got %d", res.Code)
	}

	adminToken := loginAs(t, api, "admin@test.local", "admin-pass-123")
	res = doJSON(t, api, http.MethodPost, "/ventes/"+vente.ID+"/annuler", adminToken, csrf, domain.AnnulationRequest{Motif: "retour"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin cancel, got %d: %s", res.Code, res.Body.String())
	}
}

func TestAuditsAdminOnly(t *testing.T) {
	api, _ := newTestAPI(t)
	cashierToken := loginAs(t, api, "caissier@test.local", "cashier-pass-123")

	res := doJSON(t, api, http.MethodGet, "/audits", cashierToken, "", nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestUnknownProduitReturns404(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "admin@test.local", "admin-pass-123")

	res := doJSON(t, api, http.MethodGet, "/produits/prod-missing", token, "", nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestInsufficientStockReturns409(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "caissier@test.local", "cashier-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/ventes", token, csrf, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-ecran-27", Quantite: 999}},
		ModePaiement: domain.PaiementEspeces,
	})
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.Code, res.Body.String())
	}
}

func TestMethodNotAllowedOnLogin(t *testing.T) {
	api, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestChangePasswordFlow(t *testing.T) {
	api, _ := newTestAPI(t)
	token := loginAs(t, api, "caissier@test.local", "cashier-pass-123")
	csrf := fetchCSRFToken(t, api)

	res := doJSON(t, api, http.MethodPost, "/auth/change-password", token, csrf, domain.ChangePasswordRequest{
		AncienMotDePasse:  "cashier-pass-123",
		NouveauMotDePasse: "short",
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short password, got %d", res.Code)
	}

	res = doJSON(t, api, http.MethodPost, "/auth/change-password", token, csrf, domain.ChangePasswordRequest{
		AncienMotDePasse:  "cashier-pass-123",
		NouveauMotDePasse: "cashier-pass-456",
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	loginAs(t, api, "caissier@test.local", "cashier-pass-456")
}
