package domain

import "github.com/shopspring/decimal"

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token              string `json:"token"`
	User               User   `json:"user"`
	MustChangePassword bool   `json:"mustChangePassword"`
	ExpiresAt          string `json:"expiresAt"`
}

type ChangePasswordRequest struct {
	AncienMotDePasse  string `json:"ancienMotDePasse"`
	NouveauMotDePasse string `json:"nouveauMotDePasse"`
}

// Actor is the authenticated user attached to a request context.
type Actor struct {
	ID   string
	Nom  string
	Role Role
}

type CategorieRequest struct {
	Nom         string `json:"nom"`
	Description string `json:"description"`
}

type ProduitRequest struct {
	Nom          string          `json:"nom"`
	Description  string          `json:"description"`
	Reference    string          `json:"reference"`
	CodeBarres   string          `json:"codeBarres"`
	IDCategorie  string          `json:"idCategorie"`
	Prix         decimal.Decimal `json:"prix"`
	Stock        int             `json:"stock"`
	StockMin     int             `json:"stockMin"`
	GarantieMois int             `json:"garantieMois"`
}

type StockUpdateRequest struct {
	Type     TypeMouvement `json:"type"`
	Quantite int           `json:"quantite"`
	Motif    string        `json:"motif"`
}

type SuppressionRequest struct {
	Motif string `json:"motif"`
}

type ClientRequest struct {
	Nom       string `json:"nom"`
	Prenom    string `json:"prenom"`
	Email     string `json:"email"`
	Telephone string `json:"telephone"`
	Adresse   string `json:"adresse"`
}

type PromotionRequest struct {
	Nom         string          `json:"nom"`
	Description string          `json:"description"`
	TypeRemise  TypeRemise      `json:"typeRemise"`
	Valeur      decimal.Decimal `json:"valeur"`
	DateDebut   string          `json:"dateDebut"`
	DateFin     string          `json:"dateFin"`
	Active      bool            `json:"active"`
}

type LigneVenteRequest struct {
	IDProduit    string          `json:"idProduit"`
	Quantite     int             `json:"quantite"`
	PrixUnitaire decimal.Decimal `json:"prixUnitaire"`
	Remise       decimal.Decimal `json:"remise"`
	TypeRemise   TypeRemise      `json:"typeRemise"`
}

type CreateVenteRequest struct {
	IDClient      string              `json:"idClient"`
	Lignes        []LigneVenteRequest `json:"lignes"`
	RemiseGlobale decimal.Decimal     `json:"remiseGlobale"`
	ModePaiement  ModePaiement        `json:"modePaiement"`
}

type AnnulationRequest struct {
	Motif string `json:"motif"`
}

type PaiementRequest struct {
	IDFacture    string          `json:"idFacture"`
	Montant      decimal.Decimal `json:"montant"`
	ModePaiement ModePaiement    `json:"modePaiement"`
}

type TraiterValidationRequest struct {
	Decision StatutValidation `json:"decision"`
	Motif    string           `json:"motif"`
}
