package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleStockManager Role = "stock_manager"
	RoleCashier      Role = "cashier"
)

type StatutProduit string

const (
	ProduitActif                StatutProduit = "ACTIF"
	ProduitEnAttenteSuppression StatutProduit = "EN_ATTENTE_SUPPRESSION"
	ProduitSupprime             StatutProduit = "SUPPRIME"
)

type TypeRemise string

const (
	RemisePourcentage TypeRemise = "POURCENTAGE"
	RemiseMontant     TypeRemise = "MONTANT"
)

type ModePaiement string

const (
	PaiementEspeces     ModePaiement = "ESPECES"
	PaiementMobileMoney ModePaiement = "MOBILE_MONEY"
	PaiementCarte       ModePaiement = "CARTE"
	PaiementVirement    ModePaiement = "VIREMENT"

	// PaiementCredit defers settlement: the invoice starts NON_PAYEE and is
	// paid down through /paiements. Not a valid mode for a payment itself.
	PaiementCredit ModePaiement = "CREDIT"
)

type StatutVente string

const (
	VenteValidee StatutVente = "VALIDEE"
	VenteAnnulee StatutVente = "ANNULEE"
)

type StatutPaiement string

const (
	FactureNonPayee          StatutPaiement = "NON_PAYEE"
	FacturePartiellementPaye StatutPaiement = "PARTIELLEMENT_PAYEE"
	FacturePayee             StatutPaiement = "PAYEE"
)

type StatutGarantie string

const (
	GarantieEnCours StatutGarantie = "EN_COURS"
	GarantieExpiree StatutGarantie = "EXPIREE"
	GarantieAnnulee StatutGarantie = "ANNULEE"
)

type TypeMouvement string

const (
	MouvementEntree     TypeMouvement = "ENTREE"
	MouvementSortie     TypeMouvement = "SORTIE"
	MouvementAjustement TypeMouvement = "AJUSTEMENT"
)

type StatutValidation string

const (
	ValidationEnAttente StatutValidation = "EN_ATTENTE"
	ValidationValidee   StatutValidation = "VALIDEE"
	ValidationRefusee   StatutValidation = "REFUSEE"
)

type TypeValidation string

const (
	ValidationSuppressionProduit TypeValidation = "SUPPRESSION_PRODUIT"
)

type User struct {
	ID                 string    `json:"id"`
	Nom                string    `json:"nom"`
	Email              string    `json:"email"`
	Role               Role      `json:"role"`
	Actif              bool      `json:"actif"`
	MustChangePassword bool      `json:"mustChangePassword"`
	PasswordHash       string    `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type Categorie struct {
	ID          string    `json:"id"`
	Nom         string    `json:"nom"`
	Description string    `json:"description,omitempty"`
	Supprime    bool      `json:"supprime"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Produit struct {
	ID           string          `json:"id"`
	Nom          string          `json:"nom"`
	Description  string          `json:"description,omitempty"`
	Reference    string          `json:"reference"`
	CodeBarres   string          `json:"codeBarres,omitempty"`
	IDCategorie  string          `json:"idCategorie"`
	Prix         decimal.Decimal `json:"prix"`
	Stock        int             `json:"stock"`
	StockMin     int             `json:"stockMin"`
	GarantieMois int             `json:"garantieMois"`
	Statut       StatutProduit   `json:"statut"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Client struct {
	ID        string    `json:"id"`
	Nom       string    `json:"nom"`
	Prenom    string    `json:"prenom,omitempty"`
	Email     string    `json:"email,omitempty"`
	Telephone string    `json:"telephone,omitempty"`
	Adresse   string    `json:"adresse,omitempty"`
	Supprime  bool      `json:"supprime"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Promotion struct {
	ID          string          `json:"id"`
	Nom         string          `json:"nom"`
	Description string          `json:"description,omitempty"`
	TypeRemise  TypeRemise      `json:"typeRemise"`
	Valeur      decimal.Decimal `json:"valeur"`
	DateDebut   time.Time       `json:"dateDebut"`
	DateFin     time.Time       `json:"dateFin"`
	Active      bool            `json:"active"`
	Supprime    bool            `json:"supprime"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type LigneVente struct {
	ID           string          `json:"id"`
	IDProduit    string          `json:"idProduit"`
	NomProduit   string          `json:"nomProduit"`
	Quantite     int             `json:"quantite"`
	PrixUnitaire decimal.Decimal `json:"prixUnitaire"`
	Remise       decimal.Decimal `json:"remise"`
	TypeRemise   TypeRemise      `json:"typeRemise"`
	SousTotal    decimal.Decimal `json:"sousTotal"`
}

type Vente struct {
	ID            string          `json:"id"`
	NumeroVente   string          `json:"numeroVente"`
	IDClient      string          `json:"idClient"`
	IDUser        string          `json:"idUser"`
	Lignes        []LigneVente    `json:"lignes"`
	TotalBrut     decimal.Decimal `json:"totalBrut"`
	RemiseGlobale decimal.Decimal `json:"remiseGlobale"`
	TotalNet      decimal.Decimal `json:"totalNet"`
	ModePaiement  ModePaiement    `json:"modePaiement"`
	Statut        StatutVente     `json:"statut"`
	Date          time.Time       `json:"date"`

	Client *Client `json:"client,omitempty"`
	User   *User   `json:"user,omitempty"`
}

type Facture struct {
	ID             string          `json:"id"`
	NumeroFacture  string          `json:"numeroFacture"`
	IDVente        string          `json:"idVente"`
	MontantTotal   decimal.Decimal `json:"montantTotal"`
	MontantPaye    decimal.Decimal `json:"montantPaye"`
	StatutPaiement StatutPaiement  `json:"statutPaiement"`
	DateEmission   time.Time       `json:"dateEmission"`
	DateEcheance   time.Time       `json:"dateEcheance"`
}

type Paiement struct {
	ID           string          `json:"id"`
	IDFacture    string          `json:"idFacture"`
	IDVente      string          `json:"idVente"`
	Montant      decimal.Decimal `json:"montant"`
	ModePaiement ModePaiement    `json:"modePaiement"`
	Date         time.Time       `json:"date"`
}

type Garantie struct {
	ID           string         `json:"id"`
	IDVente      string         `json:"idVente"`
	IDLigneVente string         `json:"idLigneVente"`
	IDProduit    string         `json:"idProduit"`
	IDClient     string         `json:"idClient"`
	DureeMois    int            `json:"dureeMois"`
	DateDebut    time.Time      `json:"dateDebut"`
	DateFin      time.Time      `json:"dateFin"`
	Statut       StatutGarantie `json:"statut"`
}

type MouvementStock struct {
	ID        string        `json:"id"`
	IDProduit string        `json:"idProduit"`
	Type      TypeMouvement `json:"type"`
	Quantite  int           `json:"quantite"`
	Motif     string        `json:"motif,omitempty"`
	IDVente   string        `json:"idVente,omitempty"`
	IDUser    string        `json:"idUser"`
	Date      time.Time     `json:"date"`
}

type Audit struct {
	ID       string            `json:"id"`
	IDUser   string            `json:"idUser"`
	NomUser  string            `json:"nomUser"`
	Action   string            `json:"action"`
	Entite   string            `json:"entite"`
	IDEntite string            `json:"idEntite"`
	Details  map[string]string `json:"details,omitempty"`
	Date     time.Time         `json:"date"`
}

type Validation struct {
	ID             string           `json:"id"`
	Type           TypeValidation   `json:"type"`
	IDEntite       string           `json:"idEntite"`
	DemandePar     string           `json:"demandePar"`
	Motif          string           `json:"motif,omitempty"`
	Statut         StatutValidation `json:"statut"`
	TraitePar      string           `json:"traitePar,omitempty"`
	DateDemande    time.Time        `json:"dateDemande"`
	DateTraitement *time.Time       `json:"dateTraitement,omitempty"`
}

// DashboardStats is the snapshot served by /dashboard/stats, cached briefly
// because it scans every sale of the current month.
type DashboardStats struct {
	VentesJour     decimal.Decimal `json:"ventesJour"`
	VentesMois     decimal.Decimal `json:"ventesMois"`
	NbVentesJour   int             `json:"nbVentesJour"`
	NbVentesMois   int             `json:"nbVentesMois"`
	ProduitsAlerte int             `json:"produitsAlerte"`
	TopProduits    []TopProduit    `json:"topProduits"`
	TopClients     []TopClient     `json:"topClients"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

type TopProduit struct {
	IDProduit  string `json:"idProduit"`
	NomProduit string `json:"nomProduit"`
	Quantite   int    `json:"quantite"`
}

type TopClient struct {
	IDClient  string          `json:"idClient"`
	NomClient string          `json:"nomClient"`
	Total     decimal.Decimal `json:"total"`
}
