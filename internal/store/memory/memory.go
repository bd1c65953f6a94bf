package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/store"
	"computerstore/backend/internal/xid"
)

// Store keeps every entity in mutex-guarded maps. It is the default backend
// when no DATABASE_URL is configured and the fixture behind the service and
// handler tests.
type Store struct {
	mu sync.RWMutex

	users       map[string]domain.User
	categories  map[string]domain.Categorie
	produits    map[string]domain.Produit
	clients     map[string]domain.Client
	promotions  map[string]domain.Promotion
	ventes      map[string]domain.Vente
	factures    map[string]domain.Facture
	paiements   map[string]domain.Paiement
	garanties   map[string]domain.Garantie
	mouvements  map[string]domain.MouvementStock
	audits      map[string]domain.Audit
	validations map[string]domain.Validation

	venteSeq   map[int]int
	factureSeq map[int]int
}

func New() *Store {
	return &Store{
		users:       make(map[string]domain.User),
		categories:  make(map[string]domain.Categorie),
		produits:    make(map[string]domain.Produit),
		clients:     make(map[string]domain.Client),
		promotions:  make(map[string]domain.Promotion),
		ventes:      make(map[string]domain.Vente),
		factures:    make(map[string]domain.Facture),
		paiements:   make(map[string]domain.Paiement),
		garanties:   make(map[string]domain.Garantie),
		mouvements:  make(map[string]domain.MouvementStock),
		audits:      make(map[string]domain.Audit),
		validations: make(map[string]domain.Validation),
		venteSeq:    make(map[int]int),
		factureSeq:  make(map[int]int),
	}
}

// NewSeeded returns a store preloaded with a small computer-store catalog so
// a fresh deployment has something to sell.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	categories := []domain.Categorie{
		{ID: "cat-portables", Nom: "Ordinateurs portables", Description: "Laptops toutes gammes"},
		{ID: "cat-composants", Nom: "Composants", Description: "CPU, RAM, stockage"},
		{ID: "cat-peripheriques", Nom: "Périphériques", Description: "Claviers, souris, écrans"},
	}
	for _, c := range categories {
		c.CreatedAt = now
		c.UpdatedAt = now
		s.categories[c.ID] = c
	}

	produits := []domain.Produit{
		{ID: "prod-laptop-pro14", Nom: "Laptop Pro 14", Reference: "LP-PRO-14", CodeBarres: "6111000000014", IDCategorie: "cat-portables", Prix: decimal.NewFromInt(850000), Stock: 12, StockMin: 3, GarantieMois: 12},
		{ID: "prod-ssd-1tb", Nom: "SSD NVMe 1 To", Reference: "SSD-NV-1T", CodeBarres: "6111000000021", IDCategorie: "cat-composants", Prix: decimal.NewFromInt(65000), Stock: 40, StockMin: 10, GarantieMois: 24},
		{ID: "prod-ram-16", Nom: "RAM DDR5 16 Go", Reference: "RAM-D5-16", CodeBarres: "6111000000038", IDCategorie: "cat-composants", Prix: decimal.NewFromInt(48000), Stock: 30, StockMin: 8, GarantieMois: 12},
		{ID: "prod-souris-sf", Nom: "Souris sans fil", Reference: "SR-SF-01", CodeBarres: "6111000000045", IDCategorie: "cat-peripheriques", Prix: decimal.NewFromInt(8500), Stock: 80, StockMin: 15, GarantieMois: 0},
		{ID: "prod-ecran-27", Nom: "Écran 27 pouces", Reference: "EC-27-IPS", CodeBarres: "6111000000052", IDCategorie: "cat-peripheriques", Prix: decimal.NewFromInt(180000), Stock: 9, StockMin: 2, GarantieMois: 36},
	}
	for _, p := range produits {
		p.Statut = domain.ProduitActif
		p.CreatedAt = now
		p.UpdatedAt = now
		s.produits[p.ID] = p
	}

	clients := []domain.Client{
		{ID: "client-diallo", Nom: "Diallo", Prenom: "Amadou", Telephone: "+221770000001", Email: "amadou.diallo@example.com"},
		{ID: "client-ndiaye", Nom: "Ndiaye", Prenom: "Fatou", Telephone: "+221770000002"},
		{ID: "client-comptoir", Nom: "Comptoir Informatique SARL", Adresse: "Avenue Bourguiba, Dakar"},
	}
	for _, c := range clients {
		c.CreatedAt = now
		c.UpdatedAt = now
		s.clients[c.ID] = c
	}

	s.promotions["promo-rentree"] = domain.Promotion{
		ID:          "promo-rentree",
		Nom:         "Promo rentrée",
		Description: "Remise rentrée sur les portables",
		TypeRemise:  domain.RemisePourcentage,
		Valeur:      decimal.NewFromInt(5),
		DateDebut:   now.AddDate(0, -1, 0),
		DateFin:     now.AddDate(0, 2, 0),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	return s
}

func (s *Store) Close() error {
	return nil
}

func paginate[T any](items []T, p store.PageParams) []T {
	start := p.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// ---- users ----

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := u
	return &out, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if strings.ToLower(u.Email) == email {
			out := u
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if strings.TrimSpace(user.Email) == "" || strings.TrimSpace(user.Nom) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(strings.TrimSpace(user.Email))
	for _, existing := range s.users {
		if strings.ToLower(existing.Email) == email {
			return nil, store.ErrConflict
		}
	}
	if user.ID == "" {
		user.ID = xid.New("user")
	}
	user.Email = email
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	s.users[user.ID] = user

	out := user
	return &out, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	s.users[user.ID] = user

	out := user
	return &out, nil
}

// ---- categories ----

func (s *Store) ListCategories(ctx context.Context, f store.CategorieFilter) ([]domain.Categorie, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Categorie, 0, len(s.categories))
	for _, c := range s.categories {
		if c.Supprime {
			continue
		}
		if f.Search != "" && !containsFold(c.Nom, f.Search) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Nom != matched[j].Nom {
			return matched[i].Nom < matched[j].Nom
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetCategorie(ctx context.Context, id string) (*domain.Categorie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := c
	return &out, nil
}

func (s *Store) CreateCategorie(ctx context.Context, c domain.Categorie) (*domain.Categorie, error) {
	if strings.TrimSpace(c.Nom) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = xid.New("cat")
	}
	now := time.Now().UTC()
	c.Supprime = false
	c.CreatedAt = now
	c.UpdatedAt = now
	s.categories[c.ID] = c

	out := c
	return &out, nil
}

func (s *Store) UpdateCategorie(ctx context.Context, c domain.Categorie) (*domain.Categorie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.categories[c.ID]
	if !ok || existing.Supprime {
		return nil, store.ErrNotFound
	}
	c.Supprime = existing.Supprime
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.categories[c.ID] = c

	out := c
	return &out, nil
}

func (s *Store) SoftDeleteCategorie(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.categories[id]
	if !ok || c.Supprime {
		return store.ErrNotFound
	}
	c.Supprime = true
	c.UpdatedAt = time.Now().UTC()
	s.categories[id] = c
	return nil
}

// ---- produits ----

func cloneProduit(p domain.Produit) *domain.Produit {
	out := p
	return &out
}

func (s *Store) ListProduits(ctx context.Context, f store.ProduitFilter) ([]domain.Produit, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Produit, 0, len(s.produits))
	for _, p := range s.produits {
		if f.Statut != "" {
			if p.Statut != f.Statut {
				continue
			}
		} else if p.Statut == domain.ProduitSupprime {
			continue
		}
		if f.IDCategorie != "" && p.IDCategorie != f.IDCategorie {
			continue
		}
		if f.StockBas && p.Stock > p.StockMin {
			continue
		}
		if f.Search != "" && !containsFold(p.Nom, f.Search) && !containsFold(p.Reference, f.Search) && !containsFold(p.CodeBarres, f.Search) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Nom != matched[j].Nom {
			return matched[i].Nom < matched[j].Nom
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetProduit(ctx context.Context, id string) (*domain.Produit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.produits[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneProduit(p), nil
}

func (s *Store) GetProduitByReference(ctx context.Context, reference string) (*domain.Produit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reference = strings.TrimSpace(reference)
	for _, p := range s.produits {
		if strings.EqualFold(p.Reference, reference) {
			return cloneProduit(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateProduit(ctx context.Context, p domain.Produit) (*domain.Produit, error) {
	if strings.TrimSpace(p.Nom) == "" || strings.TrimSpace(p.Reference) == "" || !p.Prix.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if p.Stock < 0 || p.StockMin < 0 || p.GarantieMois < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.produits {
		if strings.EqualFold(existing.Reference, p.Reference) {
			return nil, fmt.Errorf("%w: référence %s déjà utilisée", store.ErrConflict, p.Reference)
		}
		if p.CodeBarres != "" && existing.CodeBarres == p.CodeBarres {
			return nil, fmt.Errorf("%w: code-barres %s déjà utilisé", store.ErrConflict, p.CodeBarres)
		}
	}
	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	p.Statut = domain.ProduitActif
	p.CreatedAt = now
	p.UpdatedAt = now
	s.produits[p.ID] = p

	return cloneProduit(p), nil
}

func (s *Store) UpdateProduit(ctx context.Context, p domain.Produit) (*domain.Produit, error) {
	if strings.TrimSpace(p.Nom) == "" || strings.TrimSpace(p.Reference) == "" || !p.Prix.IsPositive() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.produits[p.ID]
	if !ok || existing.Statut == domain.ProduitSupprime {
		return nil, store.ErrNotFound
	}
	for _, other := range s.produits {
		if other.ID == p.ID {
			continue
		}
		if strings.EqualFold(other.Reference, p.Reference) {
			return nil, fmt.Errorf("%w: référence %s déjà utilisée", store.ErrConflict, p.Reference)
		}
	}
	// Stock changes only go through movements, status only through the
	// suppression workflow.
	p.Stock = existing.Stock
	p.Statut = existing.Statut
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.produits[p.ID] = p

	return cloneProduit(p), nil
}

func (s *Store) ApplyMouvement(ctx context.Context, m domain.MouvementStock) (*domain.Produit, error) {
	if m.Quantite < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.produits[m.IDProduit]
	if !ok || p.Statut == domain.ProduitSupprime {
		return nil, store.ErrNotFound
	}

	switch m.Type {
	case domain.MouvementEntree:
		p.Stock += m.Quantite
	case domain.MouvementSortie:
		if p.Stock < m.Quantite {
			return nil, fmt.Errorf("%w: stock insuffisant pour %s", store.ErrInsufficientStock, p.Nom)
		}
		p.Stock -= m.Quantite
	case domain.MouvementAjustement:
		p.Stock = m.Quantite
	default:
		return nil, store.ErrInvalidInput
	}
	p.UpdatedAt = time.Now().UTC()
	s.produits[p.ID] = p

	if m.ID == "" {
		m.ID = xid.New("mvt")
	}
	if m.Date.IsZero() {
		m.Date = time.Now().UTC()
	}
	s.mouvements[m.ID] = m

	return cloneProduit(p), nil
}

func (s *Store) RequestProduitSuppression(ctx context.Context, idProduit, demandePar, motif string) (*domain.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.produits[idProduit]
	if !ok || p.Statut == domain.ProduitSupprime {
		return nil, store.ErrNotFound
	}
	if p.Statut == domain.ProduitEnAttenteSuppression {
		return nil, fmt.Errorf("%w: demande de suppression déjà en attente", store.ErrConflict)
	}

	p.Statut = domain.ProduitEnAttenteSuppression
	p.UpdatedAt = time.Now().UTC()
	s.produits[p.ID] = p

	v := domain.Validation{
		ID:          xid.New("valid"),
		Type:        domain.ValidationSuppressionProduit,
		IDEntite:    idProduit,
		DemandePar:  demandePar,
		Motif:       motif,
		Statut:      domain.ValidationEnAttente,
		DateDemande: time.Now().UTC(),
	}
	s.validations[v.ID] = v

	out := v
	return &out, nil
}

// ---- clients ----

func (s *Store) ListClients(ctx context.Context, f store.ClientFilter) ([]domain.Client, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.Supprime {
			continue
		}
		if f.Search != "" && !containsFold(c.Nom, f.Search) && !containsFold(c.Prenom, f.Search) && !containsFold(c.Telephone, f.Search) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Nom != matched[j].Nom {
			return matched[i].Nom < matched[j].Nom
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := c
	return &out, nil
}

func (s *Store) CreateClient(ctx context.Context, c domain.Client) (*domain.Client, error) {
	if strings.TrimSpace(c.Nom) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = xid.New("client")
	}
	now := time.Now().UTC()
	c.Supprime = false
	c.CreatedAt = now
	c.UpdatedAt = now
	s.clients[c.ID] = c

	out := c
	return &out, nil
}

func (s *Store) UpdateClient(ctx context.Context, c domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.clients[c.ID]
	if !ok || existing.Supprime {
		return nil, store.ErrNotFound
	}
	c.Supprime = existing.Supprime
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()
	s.clients[c.ID] = c

	out := c
	return &out, nil
}

func (s *Store) SoftDeleteClient(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok || c.Supprime {
		return store.ErrNotFound
	}
	c.Supprime = true
	c.UpdatedAt = time.Now().UTC()
	s.clients[id] = c
	return nil
}

// ---- promotions ----

func (s *Store) ListPromotions(ctx context.Context, f store.PromotionFilter) ([]domain.Promotion, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		if p.Supprime {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DateDebut.Equal(matched[j].DateDebut) {
			return matched[i].DateDebut.After(matched[j].DateDebut)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetPromotion(ctx context.Context, id string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.promotions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	if strings.TrimSpace(p.Nom) == "" || !p.Valeur.IsPositive() {
		return nil, store.ErrInvalidInput
	}
	if p.TypeRemise != domain.RemisePourcentage && p.TypeRemise != domain.RemiseMontant {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = xid.New("promo")
	}
	now := time.Now().UTC()
	p.Supprime = false
	p.CreatedAt = now
	p.UpdatedAt = now
	s.promotions[p.ID] = p

	out := p
	return &out, nil
}

func (s *Store) UpdatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.promotions[p.ID]
	if !ok || existing.Supprime {
		return nil, store.ErrNotFound
	}
	p.Supprime = existing.Supprime
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.promotions[p.ID] = p

	out := p
	return &out, nil
}

func (s *Store) SoftDeletePromotion(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.promotions[id]
	if !ok || p.Supprime {
		return store.ErrNotFound
	}
	p.Supprime = true
	p.UpdatedAt = time.Now().UTC()
	s.promotions[id] = p
	return nil
}

// ---- ventes ----

func cloneVente(v domain.Vente) domain.Vente {
	out := v
	out.Lignes = make([]domain.LigneVente, len(v.Lignes))
	copy(out.Lignes, v.Lignes)
	if v.Client != nil {
		c := *v.Client
		out.Client = &c
	}
	if v.User != nil {
		u := *v.User
		out.User = &u
	}
	return out
}

func (s *Store) nextNumeroVente(year int) string {
	s.venteSeq[year]++
	return fmt.Sprintf("V-%d-%06d", year, s.venteSeq[year])
}

func (s *Store) nextNumeroFacture(year int) string {
	s.factureSeq[year]++
	return fmt.Sprintf("F-%d-%06d", year, s.factureSeq[year])
}

func (s *Store) CreateVente(ctx context.Context, v domain.Vente) (*store.VenteCreated, error) {
	if len(v.Lignes) == 0 || v.IDClient == "" || v.IDUser == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if v.Date.IsZero() {
		v.Date = now
	}

	// Stock re-check before any write. Quantities are aggregated per product
	// so duplicate lines for the same product cannot slip past the check.
	produitsByLigne := make([]domain.Produit, len(v.Lignes))
	demande := make(map[string]int)
	for i, ligne := range v.Lignes {
		if ligne.Quantite < 1 {
			return nil, store.ErrInvalidInput
		}
		p, ok := s.produits[ligne.IDProduit]
		if !ok || p.Statut == domain.ProduitSupprime {
			return nil, fmt.Errorf("%w: produit %s", store.ErrNotFound, ligne.IDProduit)
		}
		demande[ligne.IDProduit] += ligne.Quantite
		if p.Stock < demande[ligne.IDProduit] {
			return nil, fmt.Errorf("%w: stock insuffisant pour %s", store.ErrInsufficientStock, p.Nom)
		}
		produitsByLigne[i] = p
	}

	v.ID = xid.New("vente")
	v.NumeroVente = s.nextNumeroVente(v.Date.Year())
	v.Statut = domain.VenteValidee
	for i := range v.Lignes {
		v.Lignes[i].ID = xid.New("ligne")
		v.Lignes[i].NomProduit = produitsByLigne[i].Nom
	}
	s.ventes[v.ID] = cloneVente(v)

	// A credit sale opens the invoice unpaid; settlement comes later through
	// RegisterPaiement. Every other mode settles the invoice at the counter.
	credit := v.ModePaiement == domain.PaiementCredit
	facture := domain.Facture{
		ID:             xid.New("fact"),
		NumeroFacture:  s.nextNumeroFacture(v.Date.Year()),
		IDVente:        v.ID,
		MontantTotal:   v.TotalNet,
		MontantPaye:    v.TotalNet,
		StatutPaiement: domain.FacturePayee,
		DateEmission:   v.Date,
		DateEcheance:   v.Date.AddDate(0, 0, 30),
	}
	if credit {
		facture.MontantPaye = decimal.Zero
		facture.StatutPaiement = domain.FactureNonPayee
	}
	s.factures[facture.ID] = facture

	var paiement domain.Paiement
	if !credit {
		paiement = domain.Paiement{
			ID:           xid.New("paie"),
			IDFacture:    facture.ID,
			IDVente:      v.ID,
			Montant:      v.TotalNet,
			ModePaiement: v.ModePaiement,
			Date:         v.Date,
		}
		s.paiements[paiement.ID] = paiement
	}

	var garanties []domain.Garantie
	for i, ligne := range v.Lignes {
		if produitsByLigne[i].GarantieMois <= 0 {
			continue
		}
		g := domain.Garantie{
			ID:           xid.New("gar"),
			IDVente:      v.ID,
			IDLigneVente: ligne.ID,
			IDProduit:    ligne.IDProduit,
			IDClient:     v.IDClient,
			DureeMois:    produitsByLigne[i].GarantieMois,
			DateDebut:    v.Date,
			DateFin:      v.Date.AddDate(0, produitsByLigne[i].GarantieMois, 0),
			Statut:       domain.GarantieEnCours,
		}
		s.garanties[g.ID] = g
		garanties = append(garanties, g)
	}

	var mouvements []domain.MouvementStock
	for _, ligne := range v.Lignes {
		p := s.produits[ligne.IDProduit]
		p.Stock -= ligne.Quantite
		p.UpdatedAt = now
		s.produits[p.ID] = p

		m := domain.MouvementStock{
			ID:        xid.New("mvt"),
			IDProduit: ligne.IDProduit,
			Type:      domain.MouvementSortie,
			Quantite:  ligne.Quantite,
			Motif:     "Vente " + v.NumeroVente,
			IDVente:   v.ID,
			IDUser:    v.IDUser,
			Date:      now,
		}
		s.mouvements[m.ID] = m
		mouvements = append(mouvements, m)
	}

	return &store.VenteCreated{
		Vente:      cloneVente(v),
		Facture:    facture,
		Paiement:   paiement,
		Garanties:  garanties,
		Mouvements: mouvements,
	}, nil
}

func (s *Store) CancelVente(ctx context.Context, id, idUser, motif string) (*domain.Vente, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.ventes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if v.Statut != domain.VenteValidee {
		return nil, fmt.Errorf("%w: vente déjà annulée", store.ErrConflict)
	}

	now := time.Now().UTC()
	restockMotif := "Annulation " + v.NumeroVente
	if motif != "" {
		restockMotif = restockMotif + ": " + motif
	}
	for _, ligne := range v.Lignes {
		if p, ok := s.produits[ligne.IDProduit]; ok {
			p.Stock += ligne.Quantite
			p.UpdatedAt = now
			s.produits[p.ID] = p
		}
		m := domain.MouvementStock{
			ID:        xid.New("mvt"),
			IDProduit: ligne.IDProduit,
			Type:      domain.MouvementEntree,
			Quantite:  ligne.Quantite,
			Motif:     restockMotif,
			IDVente:   v.ID,
			IDUser:    idUser,
			Date:      now,
		}
		s.mouvements[m.ID] = m
	}

	for gid, g := range s.garanties {
		if g.IDVente == v.ID && g.Statut == domain.GarantieEnCours {
			g.Statut = domain.GarantieAnnulee
			s.garanties[gid] = g
		}
	}

	v.Statut = domain.VenteAnnulee
	s.ventes[v.ID] = cloneVente(v)

	out := cloneVente(v)
	return &out, nil
}

func (s *Store) ListVentes(ctx context.Context, f store.VenteFilter) ([]domain.Vente, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Vente, 0, len(s.ventes))
	for _, v := range s.ventes {
		if f.IDClient != "" && v.IDClient != f.IDClient {
			continue
		}
		if f.IDUser != "" && v.IDUser != f.IDUser {
			continue
		}
		if f.Statut != "" && v.Statut != f.Statut {
			continue
		}
		if !f.DateFrom.IsZero() && v.Date.Before(f.DateFrom) {
			continue
		}
		if !f.DateTo.IsZero() && v.Date.After(f.DateTo) {
			continue
		}
		matched = append(matched, cloneVente(v))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetVente(ctx context.Context, id string) (*domain.Vente, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.ventes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneVente(v)
	return &out, nil
}

// ---- factures & paiements ----

func (s *Store) ListFactures(ctx context.Context, f store.FactureFilter) ([]domain.Facture, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Facture, 0, len(s.factures))
	for _, fa := range s.factures {
		if f.IDVente != "" && fa.IDVente != f.IDVente {
			continue
		}
		if f.StatutPaiement != "" && fa.StatutPaiement != f.StatutPaiement {
			continue
		}
		matched = append(matched, fa)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DateEmission.Equal(matched[j].DateEmission) {
			return matched[i].DateEmission.After(matched[j].DateEmission)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetFacture(ctx context.Context, id string) (*domain.Facture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.factures[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := f
	return &out, nil
}

func (s *Store) GetFactureByVente(ctx context.Context, idVente string) (*domain.Facture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.factures {
		if f.IDVente == idVente {
			out := f
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListPaiements(ctx context.Context, f store.PaiementFilter) ([]domain.Paiement, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Paiement, 0, len(s.paiements))
	for _, p := range s.paiements {
		if f.IDVente != "" && p.IDVente != f.IDVente {
			continue
		}
		if f.IDFacture != "" && p.IDFacture != f.IDFacture {
			continue
		}
		if f.Mode != "" && p.ModePaiement != f.Mode {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetPaiement(ctx context.Context, id string) (*domain.Paiement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.paiements[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) RegisterPaiement(ctx context.Context, p domain.Paiement) (*domain.Paiement, *domain.Facture, error) {
	if !p.Montant.IsPositive() {
		return nil, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.factures[p.IDFacture]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	reste := f.MontantTotal.Sub(f.MontantPaye)
	if p.Montant.GreaterThan(reste) {
		return nil, nil, fmt.Errorf("%w: paiement supérieur au restant dû", store.ErrConflict)
	}

	if p.ID == "" {
		p.ID = xid.New("paie")
	}
	p.IDVente = f.IDVente
	if p.Date.IsZero() {
		p.Date = time.Now().UTC()
	}
	s.paiements[p.ID] = p

	f.MontantPaye = f.MontantPaye.Add(p.Montant)
	switch {
	case f.MontantPaye.GreaterThanOrEqual(f.MontantTotal):
		f.StatutPaiement = domain.FacturePayee
	case f.MontantPaye.IsPositive():
		f.StatutPaiement = domain.FacturePartiellementPaye
	default:
		f.StatutPaiement = domain.FactureNonPayee
	}
	s.factures[f.ID] = f

	outP := p
	outF := f
	return &outP, &outF, nil
}

// ---- garanties ----

// refreshGarantie expires a running warranty whose end date has passed.
func refreshGarantie(g domain.Garantie, now time.Time) domain.Garantie {
	if g.Statut == domain.GarantieEnCours && g.DateFin.Before(now) {
		g.Statut = domain.GarantieExpiree
	}
	return g
}

func (s *Store) ListGaranties(ctx context.Context, f store.GarantieFilter) ([]domain.Garantie, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	matched := make([]domain.Garantie, 0, len(s.garanties))
	for _, g := range s.garanties {
		g = refreshGarantie(g, now)
		if f.IDClient != "" && g.IDClient != f.IDClient {
			continue
		}
		if f.IDProduit != "" && g.IDProduit != f.IDProduit {
			continue
		}
		if f.Statut != "" && g.Statut != f.Statut {
			continue
		}
		matched = append(matched, g)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DateDebut.Equal(matched[j].DateDebut) {
			return matched[i].DateDebut.After(matched[j].DateDebut)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetGarantie(ctx context.Context, id string) (*domain.Garantie, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.garanties[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := refreshGarantie(g, time.Now().UTC())
	return &out, nil
}

// ---- mouvements ----

func (s *Store) ListMouvements(ctx context.Context, f store.MouvementFilter) ([]domain.MouvementStock, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.MouvementStock, 0, len(s.mouvements))
	for _, m := range s.mouvements {
		if f.IDProduit != "" && m.IDProduit != f.IDProduit {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if !f.DateFrom.IsZero() && m.Date.Before(f.DateFrom) {
			continue
		}
		if !f.DateTo.IsZero() && m.Date.After(f.DateTo) {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

// ---- audits ----

func (s *Store) AppendAudit(ctx context.Context, a domain.Audit) error {
	if a.IDUser == "" || a.Action == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if a.ID == "" {
		a.ID = xid.New("audit")
	}
	if a.Date.IsZero() {
		a.Date = time.Now().UTC()
	}
	s.audits[a.ID] = a
	return nil
}

func (s *Store) ListAudits(ctx context.Context, f store.AuditFilter) ([]domain.Audit, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Audit, 0, len(s.audits))
	for _, a := range s.audits {
		if f.IDUser != "" && a.IDUser != f.IDUser {
			continue
		}
		if f.Entite != "" && a.Entite != f.Entite {
			continue
		}
		if f.Action != "" && a.Action != f.Action {
			continue
		}
		if !f.DateFrom.IsZero() && a.Date.Before(f.DateFrom) {
			continue
		}
		if !f.DateTo.IsZero() && a.Date.After(f.DateTo) {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].Date.Equal(matched[j].Date) {
			return matched[i].Date.After(matched[j].Date)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

// ---- validations ----

func (s *Store) ListValidations(ctx context.Context, f store.ValidationFilter) ([]domain.Validation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Validation, 0, len(s.validations))
	for _, v := range s.validations {
		if f.Statut != "" && v.Statut != f.Statut {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DateDemande.Equal(matched[j].DateDemande) {
			return matched[i].DateDemande.After(matched[j].DateDemande)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	return paginate(matched, f.Page.Normalize()), total, nil
}

func (s *Store) GetValidation(ctx context.Context, id string) (*domain.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.validations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := v
	return &out, nil
}

func (s *Store) TraiterValidation(ctx context.Context, id string, approve bool, traitePar, motif string) (*domain.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.validations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if v.Statut != domain.ValidationEnAttente {
		return nil, fmt.Errorf("%w: demande déjà traitée", store.ErrConflict)
	}

	now := time.Now().UTC()
	if approve {
		v.Statut = domain.ValidationValidee
	} else {
		v.Statut = domain.ValidationRefusee
	}
	v.TraitePar = traitePar
	if motif != "" {
		v.Motif = motif
	}
	v.DateTraitement = &now

	if v.Type == domain.ValidationSuppressionProduit {
		if p, ok := s.produits[v.IDEntite]; ok {
			if approve {
				p.Statut = domain.ProduitSupprime
			} else {
				p.Statut = domain.ProduitActif
			}
			p.UpdatedAt = now
			s.produits[p.ID] = p
		}
	}

	s.validations[v.ID] = v

	out := v
	return &out, nil
}

// ---- dashboard ----

func (s *Store) DashboardStats(ctx context.Context, now time.Time) (*domain.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	stats := domain.DashboardStats{
		VentesJour:  decimal.Zero,
		VentesMois:  decimal.Zero,
		GeneratedAt: now,
	}

	qtyByProduit := make(map[string]int)
	totalByClient := make(map[string]decimal.Decimal)
	for _, v := range s.ventes {
		if v.Statut != domain.VenteValidee || v.Date.Before(monthStart) {
			continue
		}
		stats.VentesMois = stats.VentesMois.Add(v.TotalNet)
		stats.NbVentesMois++
		if !v.Date.Before(dayStart) {
			stats.VentesJour = stats.VentesJour.Add(v.TotalNet)
			stats.NbVentesJour++
		}
		for _, ligne := range v.Lignes {
			qtyByProduit[ligne.IDProduit] += ligne.Quantite
		}
		totalByClient[v.IDClient] = totalByClient[v.IDClient].Add(v.TotalNet)
	}

	for _, p := range s.produits {
		if p.Statut != domain.ProduitSupprime && p.Stock <= p.StockMin {
			stats.ProduitsAlerte++
		}
	}

	for id, qty := range qtyByProduit {
		nom := id
		if p, ok := s.produits[id]; ok {
			nom = p.Nom
		}
		stats.TopProduits = append(stats.TopProduits, domain.TopProduit{IDProduit: id, NomProduit: nom, Quantite: qty})
	}
	sort.Slice(stats.TopProduits, func(i, j int) bool {
		if stats.TopProduits[i].Quantite != stats.TopProduits[j].Quantite {
			return stats.TopProduits[i].Quantite > stats.TopProduits[j].Quantite
		}
		return stats.TopProduits[i].IDProduit < stats.TopProduits[j].IDProduit
	})
	if len(stats.TopProduits) > 5 {
		stats.TopProduits = stats.TopProduits[:5]
	}

	for id, total := range totalByClient {
		nom := id
		if c, ok := s.clients[id]; ok {
			nom = strings.TrimSpace(c.Prenom + " " + c.Nom)
		}
		stats.TopClients = append(stats.TopClients, domain.TopClient{IDClient: id, NomClient: nom, Total: total})
	}
	sort.Slice(stats.TopClients, func(i, j int) bool {
		if !stats.TopClients[i].Total.Equal(stats.TopClients[j].Total) {
			return stats.TopClients[i].Total.GreaterThan(stats.TopClients[j].Total)
		}
		return stats.TopClients[i].IDClient < stats.TopClients[j].IDClient
	})
	if len(stats.TopClients) > 5 {
		stats.TopClients = stats.TopClients[:5]
	}

	return &stats, nil
}
