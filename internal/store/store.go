package store

import (
	"context"
	"errors"
	"time"

	"computerstore/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrConflict          = errors.New("conflict")
)

// PageParams is the page/limit pair shared by every list operation. List
// methods return the matching slice plus the total count before slicing so
// callers can derive totalPages.
type PageParams struct {
	Page  int
	Limit int
}

func (p PageParams) Normalize() PageParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = 20
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	return p
}

func (p PageParams) Offset() int {
	return (p.Page - 1) * p.Limit
}

type ProduitFilter struct {
	Search      string
	IDCategorie string
	Statut      domain.StatutProduit
	StockBas    bool
	Page        PageParams
}

type CategorieFilter struct {
	Search string
	Page   PageParams
}

type ClientFilter struct {
	Search string
	Page   PageParams
}

type PromotionFilter struct {
	Active *bool
	Page   PageParams
}

type VenteFilter struct {
	IDClient string
	IDUser   string
	Statut   domain.StatutVente
	DateFrom time.Time
	DateTo   time.Time
	Page     PageParams
}

type MouvementFilter struct {
	IDProduit string
	Type      domain.TypeMouvement
	DateFrom  time.Time
	DateTo    time.Time
	Page      PageParams
}

type FactureFilter struct {
	IDVente        string
	StatutPaiement domain.StatutPaiement
	Page           PageParams
}

type PaiementFilter struct {
	IDVente   string
	IDFacture string
	Mode      domain.ModePaiement
	Page      PageParams
}

type GarantieFilter struct {
	IDClient  string
	IDProduit string
	Statut    domain.StatutGarantie
	Page      PageParams
}

type AuditFilter struct {
	IDUser   string
	Entite   string
	Action   string
	DateFrom time.Time
	DateTo   time.Time
	Page     PageParams
}

type ValidationFilter struct {
	Statut domain.StatutValidation
	Type   domain.TypeValidation
	Page   PageParams
}

// VenteCreated carries everything the atomic sale pipeline produced.
type VenteCreated struct {
	Vente      domain.Vente
	Facture    domain.Facture
	Paiement   domain.Paiement
	Garanties  []domain.Garantie
	Mouvements []domain.MouvementStock
}

type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	CreateUser(ctx context.Context, user domain.User) (*domain.User, error)
	UpdateUser(ctx context.Context, user domain.User) (*domain.User, error)
}

type CategorieRepository interface {
	ListCategories(ctx context.Context, f CategorieFilter) ([]domain.Categorie, int, error)
	GetCategorie(ctx context.Context, id string) (*domain.Categorie, error)
	CreateCategorie(ctx context.Context, c domain.Categorie) (*domain.Categorie, error)
	UpdateCategorie(ctx context.Context, c domain.Categorie) (*domain.Categorie, error)
	SoftDeleteCategorie(ctx context.Context, id string) error
}

type ProduitRepository interface {
	ListProduits(ctx context.Context, f ProduitFilter) ([]domain.Produit, int, error)
	GetProduit(ctx context.Context, id string) (*domain.Produit, error)
	GetProduitByReference(ctx context.Context, reference string) (*domain.Produit, error)
	CreateProduit(ctx context.Context, p domain.Produit) (*domain.Produit, error)
	UpdateProduit(ctx context.Context, p domain.Produit) (*domain.Produit, error)

	// ApplyMouvement records one stock movement and applies its quantity to
	// the product's stock in the same critical section. ENTREE adds, SORTIE
	// subtracts (failing with ErrInsufficientStock), AJUSTEMENT sets the
	// absolute quantity.
	ApplyMouvement(ctx context.Context, m domain.MouvementStock) (*domain.Produit, error)

	// RequestProduitSuppression flags the product EN_ATTENTE_SUPPRESSION and
	// opens the matching validation request in one step.
	RequestProduitSuppression(ctx context.Context, idProduit, demandePar, motif string) (*domain.Validation, error)
}

type ClientRepository interface {
	ListClients(ctx context.Context, f ClientFilter) ([]domain.Client, int, error)
	GetClient(ctx context.Context, id string) (*domain.Client, error)
	CreateClient(ctx context.Context, c domain.Client) (*domain.Client, error)
	UpdateClient(ctx context.Context, c domain.Client) (*domain.Client, error)
	SoftDeleteClient(ctx context.Context, id string) error
}

type PromotionRepository interface {
	ListPromotions(ctx context.Context, f PromotionFilter) ([]domain.Promotion, int, error)
	GetPromotion(ctx context.Context, id string) (*domain.Promotion, error)
	CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error)
	UpdatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error)
	SoftDeletePromotion(ctx context.Context, id string) error
}

type VenteRepository interface {
	// CreateVente runs the whole sale pipeline atomically: stock re-check,
	// year-scoped numbering, sale + lines, invoice with 30-day due date,
	// payment for the net total, warranties for covered lines, outbound
	// movements with stock decrement. A stock failure leaves no side effects.
	CreateVente(ctx context.Context, v domain.Vente) (*VenteCreated, error)

	// CancelVente flips the sale to ANNULEE, restocks each line with an
	// ENTREE movement and cancels its warranties.
	CancelVente(ctx context.Context, id, idUser, motif string) (*domain.Vente, error)

	ListVentes(ctx context.Context, f VenteFilter) ([]domain.Vente, int, error)
	GetVente(ctx context.Context, id string) (*domain.Vente, error)
}

type FactureRepository interface {
	ListFactures(ctx context.Context, f FactureFilter) ([]domain.Facture, int, error)
	GetFacture(ctx context.Context, id string) (*domain.Facture, error)
	GetFactureByVente(ctx context.Context, idVente string) (*domain.Facture, error)
}

type PaiementRepository interface {
	ListPaiements(ctx context.Context, f PaiementFilter) ([]domain.Paiement, int, error)
	GetPaiement(ctx context.Context, id string) (*domain.Paiement, error)

	// RegisterPaiement appends a payment to an invoice, accumulates
	// montantPaye and advances statutPaiement. Paying past the invoice total
	// fails with ErrConflict.
	RegisterPaiement(ctx context.Context, p domain.Paiement) (*domain.Paiement, *domain.Facture, error)
}

type GarantieRepository interface {
	ListGaranties(ctx context.Context, f GarantieFilter) ([]domain.Garantie, int, error)
	GetGarantie(ctx context.Context, id string) (*domain.Garantie, error)
}

type MouvementRepository interface {
	ListMouvements(ctx context.Context, f MouvementFilter) ([]domain.MouvementStock, int, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, a domain.Audit) error
	ListAudits(ctx context.Context, f AuditFilter) ([]domain.Audit, int, error)
}

type ValidationRepository interface {
	ListValidations(ctx context.Context, f ValidationFilter) ([]domain.Validation, int, error)
	GetValidation(ctx context.Context, id string) (*domain.Validation, error)

	// TraiterValidation settles a pending request: approval moves the target
	// product to SUPPRIME, refusal restores it to ACTIF.
	TraiterValidation(ctx context.Context, id string, approve bool, traitePar, motif string) (*domain.Validation, error)
}

type StatsRepository interface {
	DashboardStats(ctx context.Context, now time.Time) (*domain.DashboardStats, error)
}

// Repository is the full persistence surface, one backend per deployment.
type Repository interface {
	UserRepository
	CategorieRepository
	ProduitRepository
	ClientRepository
	PromotionRepository
	VenteRepository
	FactureRepository
	PaiementRepository
	GarantieRepository
	MouvementRepository
	AuditRepository
	ValidationRepository
	StatsRepository
}
