package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/store"
	"computerstore/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- users ----

const userColumns = `id, nom, email, role, actif, must_change_password, password_hash, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Nom, &u.Email, &u.Role, &u.Actif, &u.MustChangePassword, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY nom, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.User, 0, 16)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	if strings.TrimSpace(user.Email) == "" || strings.TrimSpace(user.Nom) == "" {
		return nil, fmt.Errorf("%w: nom et email requis", store.ErrInvalidInput)
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, nom, email, role, actif, must_change_password, password_hash, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, user.ID, user.Nom, user.Email, user.Role, user.Actif, user.MustChangePassword, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: email déjà utilisé", store.ErrConflict)
		}
		return nil, err
	}
	created := user
	return &created, nil
}

func (s *Store) UpdateUser(ctx context.Context, user domain.User) (*domain.User, error) {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET nom = $2, email = $3, role = $4, actif = $5, must_change_password = $6, password_hash = $7, updated_at = $8
		WHERE id = $1
	`, user.ID, user.Nom, user.Email, user.Role, user.Actif, user.MustChangePassword, user.PasswordHash, user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	updated := user
	return &updated, nil
}

// ---- categories ----

const categorieColumns = `id, nom, description, supprime, created_at, updated_at`

func scanCategorie(row interface{ Scan(...any) error }) (*domain.Categorie, error) {
	var c domain.Categorie
	err := row.Scan(&c.ID, &c.Nom, &c.Description, &c.Supprime, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) ListCategories(ctx context.Context, f store.CategorieFilter) ([]domain.Categorie, int, error) {
	page := f.Page.Normalize()
	where := []string{"supprime = false"}
	args := []any{}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("nom ILIKE $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM categories WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM categories WHERE %s
		ORDER BY nom, id
		LIMIT $%d OFFSET $%d
	`, categorieColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	categories := make([]domain.Categorie, 0, page.Limit)
	for rows.Next() {
		c, err := scanCategorie(rows)
		if err != nil {
			return nil, 0, err
		}
		categories = append(categories, *c)
	}
	return categories, total, rows.Err()
}

func (s *Store) GetCategorie(ctx context.Context, id string) (*domain.Categorie, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+categorieColumns+` FROM categories WHERE id = $1`, id)
	return scanCategorie(row)
}

func (s *Store) CreateCategorie(ctx context.Context, c domain.Categorie) (*domain.Categorie, error) {
	if strings.TrimSpace(c.Nom) == "" {
		return nil, fmt.Errorf("%w: nom requis", store.ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = xid.New("cat")
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Supprime = false

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (id, nom, description, supprime, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.Nom, c.Description, c.Supprime, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: catégorie %s existe déjà", store.ErrConflict, c.Nom)
		}
		return nil, err
	}
	created := c
	return &created, nil
}

func (s *Store) UpdateCategorie(ctx context.Context, c domain.Categorie) (*domain.Categorie, error) {
	if strings.TrimSpace(c.Nom) == "" {
		return nil, fmt.Errorf("%w: nom requis", store.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE categories
		SET nom = $2, description = $3, updated_at = now()
		WHERE id = $1 AND supprime = false
		RETURNING `+categorieColumns, c.ID, c.Nom, c.Description)
	return scanCategorie(row)
}

func (s *Store) SoftDeleteCategorie(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE categories SET supprime = true, updated_at = now()
		WHERE id = $1 AND supprime = false
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ---- produits ----

const produitColumns = `id, nom, description, reference, code_barres, id_categorie, prix, stock, stock_min, garantie_mois, statut, created_at, updated_at`

func scanProduit(row interface{ Scan(...any) error }) (*domain.Produit, error) {
	var p domain.Produit
	var idCategorie sql.NullString
	err := row.Scan(&p.ID, &p.Nom, &p.Description, &p.Reference, &p.CodeBarres, &idCategorie, &p.Prix, &p.Stock, &p.StockMin, &p.GarantieMois, &p.Statut, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.IDCategorie = idCategorie.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProduits(ctx context.Context, f store.ProduitFilter) ([]domain.Produit, int, error) {
	page := f.Page.Normalize()
	where := []string{}
	args := []any{}
	if f.Statut != "" {
		args = append(args, f.Statut)
		where = append(where, fmt.Sprintf("statut = $%d", len(args)))
	} else {
		where = append(where, "statut <> 'SUPPRIME'")
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(nom ILIKE $%d OR reference ILIKE $%d OR code_barres ILIKE $%d)", len(args), len(args), len(args)))
	}
	if f.IDCategorie != "" {
		args = append(args, f.IDCategorie)
		where = append(where, fmt.Sprintf("id_categorie = $%d", len(args)))
	}
	if f.StockBas {
		where = append(where, "stock <= stock_min")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM produits WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM produits WHERE %s
		ORDER BY nom, id
		LIMIT $%d OFFSET $%d
	`, produitColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	produits := make([]domain.Produit, 0, page.Limit)
	for rows.Next() {
		p, err := scanProduit(rows)
		if err != nil {
			return nil, 0, err
		}
		produits = append(produits, *p)
	}
	return produits, total, rows.Err()
}

func (s *Store) GetProduit(ctx context.Context, id string) (*domain.Produit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+produitColumns+` FROM produits WHERE id = $1`, id)
	return scanProduit(row)
}

func (s *Store) GetProduitByReference(ctx context.Context, reference string) (*domain.Produit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+produitColumns+` FROM produits WHERE reference = $1`, reference)
	return scanProduit(row)
}

func validateProduit(p domain.Produit) error {
	if strings.TrimSpace(p.Nom) == "" || strings.TrimSpace(p.Reference) == "" {
		return fmt.Errorf("%w: nom et référence requis", store.ErrInvalidInput)
	}
	if p.Prix.IsNegative() {
		return fmt.Errorf("%w: prix négatif", store.ErrInvalidInput)
	}
	if p.Stock < 0 || p.StockMin < 0 || p.GarantieMois < 0 {
		return fmt.Errorf("%w: valeur négative", store.ErrInvalidInput)
	}
	return nil
}

func (s *Store) CreateProduit(ctx context.Context, p domain.Produit) (*domain.Produit, error) {
	if err := validateProduit(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = xid.New("prod")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Statut = domain.ProduitActif

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO produits (id, nom, description, reference, code_barres, id_categorie, prix, stock, stock_min, garantie_mois, statut, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, p.ID, p.Nom, p.Description, p.Reference, p.CodeBarres, nullIfEmpty(p.IDCategorie), p.Prix, p.Stock, p.StockMin, p.GarantieMois, p.Statut, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: référence %s existe déjà", store.ErrConflict, p.Reference)
		}
		return nil, err
	}
	created := p
	return &created, nil
}

// UpdateProduit replaces the descriptive fields. Stock and statut are owned by
// the movement and validation pipelines and are never written here.
func (s *Store) UpdateProduit(ctx context.Context, p domain.Produit) (*domain.Produit, error) {
	if err := validateProduit(p); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE produits
		SET nom = $2, description = $3, reference = $4, code_barres = $5, id_categorie = $6,
		    prix = $7, stock_min = $8, garantie_mois = $9, updated_at = now()
		WHERE id = $1 AND statut <> 'SUPPRIME'
		RETURNING `+produitColumns, p.ID, p.Nom, p.Description, p.Reference, p.CodeBarres, nullIfEmpty(p.IDCategorie), p.Prix, p.StockMin, p.GarantieMois)
	updated, err := scanProduit(row)
	if err != nil && isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: référence %s existe déjà", store.ErrConflict, p.Reference)
	}
	return updated, err
}

func (s *Store) ApplyMouvement(ctx context.Context, m domain.MouvementStock) (*domain.Produit, error) {
	if m.Quantite < 0 {
		return nil, fmt.Errorf("%w: quantité négative", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock int
	var statut domain.StatutProduit
	err = tx.QueryRowContext(ctx, `SELECT stock, statut FROM produits WHERE id = $1 FOR UPDATE`, m.IDProduit).Scan(&stock, &statut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if statut == domain.ProduitSupprime {
		return nil, fmt.Errorf("%w: produit supprimé", store.ErrInvalidInput)
	}

	switch m.Type {
	case domain.MouvementEntree:
		stock += m.Quantite
	case domain.MouvementSortie:
		if stock < m.Quantite {
			return nil, store.ErrInsufficientStock
		}
		stock -= m.Quantite
	case domain.MouvementAjustement:
		stock = m.Quantite
	default:
		return nil, fmt.Errorf("%w: type de mouvement invalide", store.ErrInvalidInput)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE produits SET stock = $2, updated_at = now() WHERE id = $1`, m.IDProduit, stock); err != nil {
		return nil, err
	}

	m.ID = xid.New("mvt")
	m.Date = time.Now().UTC()
	if err := insertMouvement(ctx, tx, m); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProduit(ctx, m.IDProduit)
}

func (s *Store) RequestProduitSuppression(ctx context.Context, idProduit, demandePar, motif string) (*domain.Validation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var statut domain.StatutProduit
	err = tx.QueryRowContext(ctx, `SELECT statut FROM produits WHERE id = $1 FOR UPDATE`, idProduit).Scan(&statut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	switch statut {
	case domain.ProduitSupprime:
		return nil, fmt.Errorf("%w: produit déjà supprimé", store.ErrConflict)
	case domain.ProduitEnAttenteSuppression:
		return nil, fmt.Errorf("%w: demande de suppression déjà en attente", store.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE produits SET statut = $2, updated_at = now() WHERE id = $1`, idProduit, domain.ProduitEnAttenteSuppression); err != nil {
		return nil, err
	}

	v := domain.Validation{
		ID:          xid.New("val"),
		Type:        domain.ValidationSuppressionProduit,
		IDEntite:    idProduit,
		DemandePar:  demandePar,
		Motif:       motif,
		Statut:      domain.ValidationEnAttente,
		DateDemande: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO validations (id, type, id_entite, demande_par, motif, statut, date_demande)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, v.ID, v.Type, v.IDEntite, v.DemandePar, v.Motif, v.Statut, v.DateDemande)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &v, nil
}

// ---- clients ----

const clientColumns = `id, nom, prenom, email, telephone, adresse, supprime, created_at, updated_at`

func scanClient(row interface{ Scan(...any) error }) (*domain.Client, error) {
	var c domain.Client
	err := row.Scan(&c.ID, &c.Nom, &c.Prenom, &c.Email, &c.Telephone, &c.Adresse, &c.Supprime, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) ListClients(ctx context.Context, f store.ClientFilter) ([]domain.Client, int, error) {
	page := f.Page.Normalize()
	where := []string{"supprime = false"}
	args := []any{}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(nom ILIKE $%d OR prenom ILIKE $%d OR email ILIKE $%d OR telephone ILIKE $%d)", len(args), len(args), len(args), len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM clients WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM clients WHERE %s
		ORDER BY nom, prenom, id
		LIMIT $%d OFFSET $%d
	`, clientColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	clients := make([]domain.Client, 0, page.Limit)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, *c)
	}
	return clients, total, rows.Err()
}

func (s *Store) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

func (s *Store) CreateClient(ctx context.Context, c domain.Client) (*domain.Client, error) {
	if strings.TrimSpace(c.Nom) == "" {
		return nil, fmt.Errorf("%w: nom requis", store.ErrInvalidInput)
	}
	if c.ID == "" {
		c.ID = xid.New("cli")
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Supprime = false

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, nom, prenom, email, telephone, adresse, supprime, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, c.ID, c.Nom, c.Prenom, c.Email, c.Telephone, c.Adresse, c.Supprime, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	created := c
	return &created, nil
}

func (s *Store) UpdateClient(ctx context.Context, c domain.Client) (*domain.Client, error) {
	if strings.TrimSpace(c.Nom) == "" {
		return nil, fmt.Errorf("%w: nom requis", store.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE clients
		SET nom = $2, prenom = $3, email = $4, telephone = $5, adresse = $6, updated_at = now()
		WHERE id = $1 AND supprime = false
		RETURNING `+clientColumns, c.ID, c.Nom, c.Prenom, c.Email, c.Telephone, c.Adresse)
	return scanClient(row)
}

func (s *Store) SoftDeleteClient(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET supprime = true, updated_at = now()
		WHERE id = $1 AND supprime = false
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ---- promotions ----

const promotionColumns = `id, nom, description, type_remise, valeur, date_debut, date_fin, active, supprime, created_at, updated_at`

func scanPromotion(row interface{ Scan(...any) error }) (*domain.Promotion, error) {
	var p domain.Promotion
	err := row.Scan(&p.ID, &p.Nom, &p.Description, &p.TypeRemise, &p.Valeur, &p.DateDebut, &p.DateFin, &p.Active, &p.Supprime, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.DateDebut = p.DateDebut.UTC()
	p.DateFin = p.DateFin.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListPromotions(ctx context.Context, f store.PromotionFilter) ([]domain.Promotion, int, error) {
	page := f.Page.Normalize()
	where := []string{"supprime = false"}
	args := []any{}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM promotions WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM promotions WHERE %s
		ORDER BY date_debut DESC, id
		LIMIT $%d OFFSET $%d
	`, promotionColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	promotions := make([]domain.Promotion, 0, page.Limit)
	for rows.Next() {
		p, err := scanPromotion(rows)
		if err != nil {
			return nil, 0, err
		}
		promotions = append(promotions, *p)
	}
	return promotions, total, rows.Err()
}

func (s *Store) GetPromotion(ctx context.Context, id string) (*domain.Promotion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promotionColumns+` FROM promotions WHERE id = $1`, id)
	return scanPromotion(row)
}

func (s *Store) CreatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	if strings.TrimSpace(p.Nom) == "" {
		return nil, fmt.Errorf("%w: nom requis", store.ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = xid.New("promo")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Supprime = false

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO promotions (id, nom, description, type_remise, valeur, date_debut, date_fin, active, supprime, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, p.ID, p.Nom, p.Description, p.TypeRemise, p.Valeur, p.DateDebut, p.DateFin, p.Active, p.Supprime, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	created := p
	return &created, nil
}

func (s *Store) UpdatePromotion(ctx context.Context, p domain.Promotion) (*domain.Promotion, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE promotions
		SET nom = $2, description = $3, type_remise = $4, valeur = $5, date_debut = $6, date_fin = $7, active = $8, updated_at = now()
		WHERE id = $1 AND supprime = false
		RETURNING `+promotionColumns, p.ID, p.Nom, p.Description, p.TypeRemise, p.Valeur, p.DateDebut, p.DateFin, p.Active)
	return scanPromotion(row)
}

func (s *Store) SoftDeletePromotion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE promotions SET supprime = true, updated_at = now()
		WHERE id = $1 AND supprime = false
	`, id)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ---- ventes ----

// nextNumero increments the year-scoped counter for a numbering scope
// ("vente" or "facture") and returns the new value. Runs inside the caller's
// transaction so a rollback releases the number with everything else.
func nextNumero(ctx context.Context, tx *sql.Tx, scope string, annee int) (int, error) {
	var valeur int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO compteurs_numeros (scope, annee, valeur)
		VALUES ($1, $2, 1)
		ON CONFLICT (scope, annee) DO UPDATE SET valeur = compteurs_numeros.valeur + 1
		RETURNING valeur
	`, scope, annee).Scan(&valeur)
	return valeur, err
}

func insertMouvement(ctx context.Context, tx *sql.Tx, m domain.MouvementStock) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mouvements_stock (id, id_produit, type, quantite, motif, id_vente, id_user, date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, m.ID, m.IDProduit, m.Type, m.Quantite, m.Motif, nullIfEmpty(m.IDVente), m.IDUser, m.Date)
	return err
}

func (s *Store) CreateVente(ctx context.Context, v domain.Vente) (*store.VenteCreated, error) {
	if len(v.Lignes) == 0 {
		return nil, fmt.Errorf("%w: au moins une ligne requise", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock every product row, then verify stock before any write. A failing
	// line rolls back with nothing persisted.
	type produitState struct {
		nom          string
		stock        int
		garantieMois int
	}
	produits := make(map[string]produitState, len(v.Lignes))
	for _, l := range v.Lignes {
		if _, seen := produits[l.IDProduit]; seen {
			continue
		}
		var ps produitState
		var statut domain.StatutProduit
		err := tx.QueryRowContext(ctx, `
			SELECT nom, stock, garantie_mois, statut FROM produits WHERE id = $1 FOR UPDATE
		`, l.IDProduit).Scan(&ps.nom, &ps.stock, &ps.garantieMois, &statut)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("produit %s: %w", l.IDProduit, store.ErrNotFound)
			}
			return nil, err
		}
		if statut == domain.ProduitSupprime {
			return nil, fmt.Errorf("%w: produit supprimé: %s", store.ErrInvalidInput, ps.nom)
		}
		produits[l.IDProduit] = ps
	}

	demande := make(map[string]int, len(v.Lignes))
	for _, l := range v.Lignes {
		demande[l.IDProduit] += l.Quantite
	}
	for idProduit, quantite := range demande {
		if produits[idProduit].stock < quantite {
			return nil, fmt.Errorf("%w: stock insuffisant pour %s", store.ErrInsufficientStock, produits[idProduit].nom)
		}
	}

	if v.Date.IsZero() {
		v.Date = time.Now().UTC()
	}
	annee := v.Date.Year()
	seq, err := nextNumero(ctx, tx, "vente", annee)
	if err != nil {
		return nil, err
	}
	v.ID = xid.New("vte")
	v.NumeroVente = fmt.Sprintf("V-%d-%06d", annee, seq)
	v.Statut = domain.VenteValidee

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ventes (id, numero_vente, id_client, id_user, total_brut, remise_globale, total_net, mode_paiement, statut, date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, v.ID, v.NumeroVente, v.IDClient, v.IDUser, v.TotalBrut, v.RemiseGlobale, v.TotalNet, v.ModePaiement, v.Statut, v.Date)
	if err != nil {
		return nil, err
	}

	for i := range v.Lignes {
		l := &v.Lignes[i]
		l.ID = xid.New("lv")
		l.NomProduit = produits[l.IDProduit].nom
		_, err = tx.ExecContext(ctx, `
			INSERT INTO lignes_vente (id, id_vente, id_produit, nom_produit, quantite, prix_unitaire, remise, type_remise, sous_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, l.ID, v.ID, l.IDProduit, l.NomProduit, l.Quantite, l.PrixUnitaire, l.Remise, nullIfEmpty(string(l.TypeRemise)), l.SousTotal)
		if err != nil {
			return nil, err
		}
	}

	factureSeq, err := nextNumero(ctx, tx, "facture", annee)
	if err != nil {
		return nil, err
	}
	// A credit sale opens the invoice unpaid and records no payment; the
	// RegisterPaiement path settles it later. Other modes pay in full here.
	credit := v.ModePaiement == domain.PaiementCredit
	facture := domain.Facture{
		ID:             xid.New("fac"),
		NumeroFacture:  fmt.Sprintf("F-%d-%06d", annee, factureSeq),
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO factures (id, numero_facture, id_vente, montant_total, montant_paye, statut_paiement, date_emission, date_echeance)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, facture.ID, facture.NumeroFacture, facture.IDVente, facture.MontantTotal, facture.MontantPaye, facture.StatutPaiement, facture.DateEmission, facture.DateEcheance)
	if err != nil {
		return nil, err
	}

	var paiement domain.Paiement
	if !credit {
		paiement = domain.Paiement{
			ID:           xid.New("pay"),
			IDFacture:    facture.ID,
			IDVente:      v.ID,
			Montant:      v.TotalNet,
			ModePaiement: v.ModePaiement,
			Date:         v.Date,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO paiements (id, id_facture, id_vente, montant, mode_paiement, date)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, paiement.ID, paiement.IDFacture, paiement.IDVente, paiement.Montant, paiement.ModePaiement, paiement.Date)
		if err != nil {
			return nil, err
		}
	}

	garanties := make([]domain.Garantie, 0, len(v.Lignes))
	for _, l := range v.Lignes {
		mois := produits[l.IDProduit].garantieMois
		if mois <= 0 {
			continue
		}
		g := domain.Garantie{
			ID:           xid.New("gar"),
			IDVente:      v.ID,
			IDLigneVente: l.ID,
			IDProduit:    l.IDProduit,
			IDClient:     v.IDClient,
			DureeMois:    mois,
			DateDebut:    v.Date,
			DateFin:      v.Date.AddDate(0, mois, 0),
			Statut:       domain.GarantieEnCours,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO garanties (id, id_vente, id_ligne_vente, id_produit, id_client, duree_mois, date_debut, date_fin, statut)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, g.ID, g.IDVente, g.IDLigneVente, g.IDProduit, g.IDClient, g.DureeMois, g.DateDebut, g.DateFin, g.Statut)
		if err != nil {
			return nil, err
		}
		garanties = append(garanties, g)
	}

	mouvements := make([]domain.MouvementStock, 0, len(v.Lignes))
	for _, l := range v.Lignes {
		m := domain.MouvementStock{
			ID:        xid.New("mvt"),
			IDProduit: l.IDProduit,
			Type:      domain.MouvementSortie,
			Quantite:  l.Quantite,
			Motif:     "Vente " + v.NumeroVente,
			IDVente:   v.ID,
			IDUser:    v.IDUser,
			Date:      v.Date,
		}
		if err := insertMouvement(ctx, tx, m); err != nil {
			return nil, err
		}
		mouvements = append(mouvements, m)
	}
	for idProduit, quantite := range demande {
		_, err = tx.ExecContext(ctx, `
			UPDATE produits SET stock = stock - $2, updated_at = now() WHERE id = $1
		`, idProduit, quantite)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &store.VenteCreated{
		Vente:      v,
		Facture:    facture,
		Paiement:   paiement,
		Garanties:  garanties,
		Mouvements: mouvements,
	}, nil
}

func (s *Store) CancelVente(ctx context.Context, id, idUser, motif string) (*domain.Vente, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var numero string
	var statut domain.StatutVente
	err = tx.QueryRowContext(ctx, `SELECT numero_vente, statut FROM ventes WHERE id = $1 FOR UPDATE`, id).Scan(&numero, &statut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if statut != domain.VenteValidee {
		return nil, fmt.Errorf("%w: vente déjà annulée", store.ErrConflict)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE ventes SET statut = $2 WHERE id = $1`, id, domain.VenteAnnulee); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id_produit, quantite FROM lignes_vente WHERE id_vente = $1`, id)
	if err != nil {
		return nil, err
	}
	type restock struct {
		idProduit string
		quantite  int
	}
	restocks := make([]restock, 0, 8)
	for rows.Next() {
		var r restock
		if err := rows.Scan(&r.idProduit, &r.quantite); err != nil {
			_ = rows.Close()
			return nil, err
		}
		restocks = append(restocks, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	motifMouvement := "Annulation " + numero
	if strings.TrimSpace(motif) != "" {
		motifMouvement += ": " + motif
	}
	now := time.Now().UTC()
	for _, r := range restocks {
		if _, err := tx.ExecContext(ctx, `
			UPDATE produits SET stock = stock + $2, updated_at = now() WHERE id = $1
		`, r.idProduit, r.quantite); err != nil {
			return nil, err
		}
		m := domain.MouvementStock{
			ID:        xid.New("mvt"),
			IDProduit: r.idProduit,
			Type:      domain.MouvementEntree,
			Quantite:  r.quantite,
			Motif:     motifMouvement,
			IDVente:   id,
			IDUser:    idUser,
			Date:      now,
		}
		if err := insertMouvement(ctx, tx, m); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE garanties SET statut = $2 WHERE id_vente = $1 AND statut <> $2
	`, id, domain.GarantieAnnulee); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetVente(ctx, id)
}

const venteColumns = `id, numero_vente, id_client, id_user, total_brut, remise_globale, total_net, mode_paiement, statut, date`

func scanVente(row interface{ Scan(...any) error }) (*domain.Vente, error) {
	var v domain.Vente
	err := row.Scan(&v.ID, &v.NumeroVente, &v.IDClient, &v.IDUser, &v.TotalBrut, &v.RemiseGlobale, &v.TotalNet, &v.ModePaiement, &v.Statut, &v.Date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	v.Date = v.Date.UTC()
	return &v, nil
}

func (s *Store) ListVentes(ctx context.Context, f store.VenteFilter) ([]domain.Vente, int, error) {
	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.IDClient != "" {
		args = append(args, f.IDClient)
		where = append(where, fmt.Sprintf("id_client = $%d", len(args)))
	}
	if f.IDUser != "" {
		args = append(args, f.IDUser)
		where = append(where, fmt.Sprintf("id_user = $%d", len(args)))
	}
	if f.Statut != "" {
		args = append(args, f.Statut)
		where = append(where, fmt.Sprintf("statut = $%d", len(args)))
	}
	if !f.DateFrom.IsZero() {
		args = append(args, f.DateFrom)
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !f.DateTo.IsZero() {
		args = append(args, f.DateTo)
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM ventes WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM ventes WHERE %s
		ORDER BY date DESC, id
		LIMIT $%d OFFSET $%d
	`, venteColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	ventes := make([]domain.Vente, 0, page.Limit)
	for rows.Next() {
		v, err := scanVente(rows)
		if err != nil {
			return nil, 0, err
		}
		ventes = append(ventes, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.attachLignes(ctx, ventes); err != nil {
		return nil, 0, err
	}
	return ventes, total, nil
}

func (s *Store) GetVente(ctx context.Context, id string) (*domain.Vente, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+venteColumns+` FROM ventes WHERE id = $1`, id)
	v, err := scanVente(row)
	if err != nil {
		return nil, err
	}
	ventes := []domain.Vente{*v}
	if err := s.attachLignes(ctx, ventes); err != nil {
		return nil, err
	}
	return &ventes[0], nil
}

func (s *Store) attachLignes(ctx context.Context, ventes []domain.Vente) error {
	if len(ventes) == 0 {
		return nil
	}
	ids := make([]string, 0, len(ventes))
	index := make(map[string]int, len(ventes))
	for i := range ventes {
		ids = append(ids, ventes[i].ID)
		index[ventes[i].ID] = i
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, id_vente, id_produit, nom_produit, quantite, prix_unitaire, remise, COALESCE(type_remise, ''), sous_total
		FROM lignes_vente
		WHERE id_vente = ANY($1)
		ORDER BY id
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.LigneVente
		var idVente string
		if err := rows.Scan(&l.ID, &idVente, &l.IDProduit, &l.NomProduit, &l.Quantite, &l.PrixUnitaire, &l.Remise, &l.TypeRemise, &l.SousTotal); err != nil {
			return err
		}
		if i, ok := index[idVente]; ok {
			ventes[i].Lignes = append(ventes[i].Lignes, l)
		}
	}
	return rows.Err()
}

// ---- factures ----

const factureColumns = `id, numero_facture, id_vente, montant_total, montant_paye, statut_paiement, date_emission, date_echeance`

func scanFacture(row interface{ Scan(...any) error }) (*domain.Facture, error) {
	var f domain.Facture
	err := row.Scan(&f.ID, &f.NumeroFacture, &f.IDVente, &f.MontantTotal, &f.MontantPaye, &f.StatutPaiement, &f.DateEmission, &f.DateEcheance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	f.DateEmission = f.DateEmission.UTC()
	f.DateEcheance = f.DateEcheance.UTC()
	return &f, nil
}

func (s *Store) ListFactures(ctx context.Context, f store.FactureFilter) ([]domain.Facture, int, error) {
	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.IDVente != "" {
		args = append(args, f.IDVente)
		where = append(where, fmt.Sprintf("id_vente = $%d", len(args)))
	}
	if f.StatutPaiement != "" {
		args = append(args, f.StatutPaiement)
		where = append(where, fmt.Sprintf("statut_paiement = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM factures WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM factures WHERE %s
		ORDER BY date_emission DESC, id
		LIMIT $%d OFFSET $%d
	`, factureColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	factures := make([]domain.Facture, 0, page.Limit)
	for rows.Next() {
		fa, err := scanFacture(rows)
		if err != nil {
			return nil, 0, err
		}
		factures = append(factures, *fa)
	}
	return factures, total, rows.Err()
}

func (s *Store) GetFacture(ctx context.Context, id string) (*domain.Facture, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factureColumns+` FROM factures WHERE id = $1`, id)
	return scanFacture(row)
}

func (s *Store) GetFactureByVente(ctx context.Context, idVente string) (*domain.Facture, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+factureColumns+` FROM factures WHERE id_vente = $1`, idVente)
	return scanFacture(row)
}

// ---- paiements ----

const paiementColumns = `id, id_facture, id_vente, montant, mode_paiement, date`

func scanPaiement(row interface{ Scan(...any) error }) (*domain.Paiement, error) {
	var p domain.Paiement
	err := row.Scan(&p.ID, &p.IDFacture, &p.IDVente, &p.Montant, &p.ModePaiement, &p.Date)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.Date = p.Date.UTC()
	return &p, nil
}

func (s *Store) ListPaiements(ctx context.Context, f store.PaiementFilter) ([]domain.Paiement, int, error) {
	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.IDVente != "" {
		args = append(args, f.IDVente)
		where = append(where, fmt.Sprintf("id_vente = $%d", len(args)))
	}
	if f.IDFacture != "" {
		args = append(args, f.IDFacture)
		where = append(where, fmt.Sprintf("id_facture = $%d", len(args)))
	}
	if f.Mode != "" {
		args = append(args, f.Mode)
		where = append(where, fmt.Sprintf("mode_paiement = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM paiements WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM paiements WHERE %s
		ORDER BY date DESC, id
		LIMIT $%d OFFSET $%d
	`, paiementColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	paiements := make([]domain.Paiement, 0, page.Limit)
	for rows.Next() {
		p, err := scanPaiement(rows)
		if err != nil {
			return nil, 0, err
		}
		paiements = append(paiements, *p)
	}
	return paiements, total, rows.Err()
}

func (s *Store) GetPaiement(ctx context.Context, id string) (*domain.Paiement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paiementColumns+` FROM paiements WHERE id = $1`, id)
	return scanPaiement(row)
}

func (s *Store) RegisterPaiement(ctx context.Context, p domain.Paiement) (*domain.Paiement, *domain.Facture, error) {
	if !p.Montant.IsPositive() {
		return nil, nil, fmt.Errorf("%w: montant invalide", store.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var f domain.Facture
	err = tx.QueryRowContext(ctx, `
		SELECT `+factureColumns+` FROM factures WHERE id = $1 FOR UPDATE
	`, p.IDFacture).Scan(&f.ID, &f.NumeroFacture, &f.IDVente, &f.MontantTotal, &f.MontantPaye, &f.StatutPaiement, &f.DateEmission, &f.DateEcheance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}

	reste := f.MontantTotal.Sub(f.MontantPaye)
	if p.Montant.GreaterThan(reste) {
		return nil, nil, fmt.Errorf("%w: paiement supérieur au restant dû", store.ErrConflict)
	}

	f.MontantPaye = f.MontantPaye.Add(p.Montant)
	switch {
	case f.MontantPaye.GreaterThanOrEqual(f.MontantTotal):
		f.StatutPaiement = domain.FacturePayee
	case f.MontantPaye.IsPositive():
		f.StatutPaiement = domain.FacturePartiellementPaye
	default:
		f.StatutPaiement = domain.FactureNonPayee
	}

	p.ID = xid.New("pay")
	p.IDVente = f.IDVente
	p.Date = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO paiements (id, id_facture, id_vente, montant, mode_paiement, date)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, p.ID, p.IDFacture, p.IDVente, p.Montant, p.ModePaiement, p.Date)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE factures SET montant_paye = $2, statut_paiement = $3 WHERE id = $1
	`, f.ID, f.MontantPaye, f.StatutPaiement)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &p, &f, nil
}

// ---- garanties ----

const garantieColumns = `id, id_vente, id_ligne_vente, id_produit, id_client, duree_mois, date_debut, date_fin, statut`

func scanGarantie(row interface{ Scan(...any) error }) (*domain.Garantie, error) {
	var g domain.Garantie
	err := row.Scan(&g.ID, &g.IDVente, &g.IDLigneVente, &g.IDProduit, &g.IDClient, &g.DureeMois, &g.DateDebut, &g.DateFin, &g.Statut)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	g.DateDebut = g.DateDebut.UTC()
	g.DateFin = g.DateFin.UTC()
	return &g, nil
}

// refreshExpiredGaranties moves lapsed warranties to EXPIREE. Reads go
// through here so statut is never stale.
func (s *Store) refreshExpiredGaranties(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE garanties SET statut = 'EXPIREE'
		WHERE statut = 'EN_COURS' AND date_fin < now()
	`)
	return err
}

func (s *Store) ListGaranties(ctx context.Context, f store.GarantieFilter) ([]domain.Garantie, int, error) {
	if err := s.refreshExpiredGaranties(ctx); err != nil {
		return nil, 0, err
	}

	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.IDClient != "" {
		args = append(args, f.IDClient)
		where = append(where, fmt.Sprintf("id_client = $%d", len(args)))
	}
	if f.IDProduit != "" {
		args = append(args, f.IDProduit)
		where = append(where, fmt.Sprintf("id_produit = $%d", len(args)))
	}
	if f.Statut != "" {
		args = append(args, f.Statut)
		where = append(where, fmt.Sprintf("statut = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM garanties WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM garanties WHERE %s
		ORDER BY date_fin DESC, id
		LIMIT $%d OFFSET $%d
	`, garantieColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	garanties := make([]domain.Garantie, 0, page.Limit)
	for rows.Next() {
		g, err := scanGarantie(rows)
		if err != nil {
			return nil, 0, err
		}
		garanties = append(garanties, *g)
	}
	return garanties, total, rows.Err()
}

func (s *Store) GetGarantie(ctx context.Context, id string) (*domain.Garantie, error) {
	if err := s.refreshExpiredGaranties(ctx); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+garantieColumns+` FROM garanties WHERE id = $1`, id)
	return scanGarantie(row)
}

// ---- mouvements ----

func (s *Store) ListMouvements(ctx context.Context, f store.MouvementFilter) ([]domain.MouvementStock, int, error) {
	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.IDProduit != "" {
		args = append(args, f.IDProduit)
		where = append(where, fmt.Sprintf("id_produit = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if !f.DateFrom.IsZero() {
		args = append(args, f.DateFrom)
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !f.DateTo.IsZero() {
		args = append(args, f.DateTo)
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM mouvements_stock WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, id_produit, type, quantite, motif, COALESCE(id_vente, ''), id_user, date
		FROM mouvements_stock WHERE %s
		ORDER BY date DESC, id
		LIMIT $%d OFFSET $%d
	`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	mouvements := make([]domain.MouvementStock, 0, page.Limit)
	for rows.Next() {
		var m domain.MouvementStock
		if err := rows.Scan(&m.ID, &m.IDProduit, &m.Type, &m.Quantite, &m.Motif, &m.IDVente, &m.IDUser, &m.Date); err != nil {
			return nil, 0, err
		}
		m.Date = m.Date.UTC()
		mouvements = append(mouvements, m)
	}
	return mouvements, total, rows.Err()
}

// ---- audits ----

func (s *Store) AppendAudit(ctx context.Context, a domain.Audit) error {
	if a.ID == "" {
		a.ID = xid.New("aud")
	}
	if a.Date.IsZero() {
		a.Date = time.Now().UTC()
	}
	var details any
	if len(a.Details) > 0 {
		payload, err := json.Marshal(a.Details)
		if err != nil {
			return err
		}
		details = payload
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audits (id, id_user, nom_user, action, entite, id_entite, details, date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.IDUser, a.NomUser, a.Action, a.Entite, a.IDEntite, details, a.Date)
	return err
}

func (s *Store) ListAudits(ctx context.Context, f store.AuditFilter) ([]domain.Audit, int, error) {
	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.IDUser != "" {
		args = append(args, f.IDUser)
		where = append(where, fmt.Sprintf("id_user = $%d", len(args)))
	}
	if f.Entite != "" {
		args = append(args, f.Entite)
		where = append(where, fmt.Sprintf("entite = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if !f.DateFrom.IsZero() {
		args = append(args, f.DateFrom)
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !f.DateTo.IsZero() {
		args = append(args, f.DateTo)
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM audits WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, id_user, nom_user, action, entite, id_entite, details, date
		FROM audits WHERE %s
		ORDER BY date DESC, id
		LIMIT $%d OFFSET $%d
	`, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	audits := make([]domain.Audit, 0, page.Limit)
	for rows.Next() {
		var a domain.Audit
		var details []byte
		if err := rows.Scan(&a.ID, &a.IDUser, &a.NomUser, &a.Action, &a.Entite, &a.IDEntite, &details, &a.Date); err != nil {
			return nil, 0, err
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, 0, err
			}
		}
		a.Date = a.Date.UTC()
		audits = append(audits, a)
	}
	return audits, total, rows.Err()
}

// ---- validations ----

const validationColumns = `id, type, id_entite, demande_par, COALESCE(motif, ''), statut, COALESCE(traite_par, ''), date_demande, date_traitement`

func scanValidation(row interface{ Scan(...any) error }) (*domain.Validation, error) {
	var v domain.Validation
	var traitement sql.NullTime
	err := row.Scan(&v.ID, &v.Type, &v.IDEntite, &v.DemandePar, &v.Motif, &v.Statut, &v.TraitePar, &v.DateDemande, &traitement)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	v.DateDemande = v.DateDemande.UTC()
	if traitement.Valid {
		t := traitement.Time.UTC()
		v.DateTraitement = &t
	}
	return &v, nil
}

func (s *Store) ListValidations(ctx context.Context, f store.ValidationFilter) ([]domain.Validation, int, error) {
	page := f.Page.Normalize()
	where := []string{"true"}
	args := []any{}
	if f.Statut != "" {
		args = append(args, f.Statut)
		where = append(where, fmt.Sprintf("statut = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM validations WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, page.Limit, page.Offset())
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM validations WHERE %s
		ORDER BY date_demande DESC, id
		LIMIT $%d OFFSET $%d
	`, validationColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	validations := make([]domain.Validation, 0, page.Limit)
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, 0, err
		}
		validations = append(validations, *v)
	}
	return validations, total, rows.Err()
}

func (s *Store) GetValidation(ctx context.Context, id string) (*domain.Validation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE id = $1`, id)
	return scanValidation(row)
}

func (s *Store) TraiterValidation(ctx context.Context, id string, approve bool, traitePar, motif string) (*domain.Validation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE id = $1 FOR UPDATE`, id)
	v, err := scanValidation(row)
	if err != nil {
		return nil, err
	}
	if v.Statut != domain.ValidationEnAttente {
		return nil, fmt.Errorf("%w: validation déjà traitée", store.ErrConflict)
	}

	statutProduit := domain.ProduitActif
	v.Statut = domain.ValidationRefusee
	if approve {
		statutProduit = domain.ProduitSupprime
		v.Statut = domain.ValidationValidee
	}
	if motif != "" {
		v.Motif = motif
	}
	v.TraitePar = traitePar
	now := time.Now().UTC()
	v.DateTraitement = &now

	if v.Type == domain.ValidationSuppressionProduit {
		if _, err := tx.ExecContext(ctx, `
			UPDATE produits SET statut = $2, updated_at = now() WHERE id = $1
		`, v.IDEntite, statutProduit); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE validations
		SET statut = $2, traite_par = $3, motif = $4, date_traitement = $5
		WHERE id = $1
	`, v.ID, v.Statut, v.TraitePar, nullIfEmpty(v.Motif), now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// ---- dashboard ----

func (s *Store) DashboardStats(ctx context.Context, now time.Time) (*domain.DashboardStats, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	stats := &domain.DashboardStats{
		VentesJour:  decimal.Zero,
		VentesMois:  decimal.Zero,
		GeneratedAt: now,
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_net), 0), COUNT(*)
		FROM ventes WHERE statut = 'VALIDEE' AND date >= $1
	`, dayStart).Scan(&stats.VentesJour, &stats.NbVentesJour)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_net), 0), COUNT(*)
		FROM ventes WHERE statut = 'VALIDEE' AND date >= $1
	`, monthStart).Scan(&stats.VentesMois, &stats.NbVentesMois)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM produits WHERE statut <> 'SUPPRIME' AND stock <= stock_min
	`).Scan(&stats.ProduitsAlerte)
	if err != nil {
		return nil, err
	}

	produitRows, err := s.db.QueryContext(ctx, `
		SELECT l.id_produit, l.nom_produit, SUM(l.quantite)::int AS quantite
		FROM lignes_vente l
		JOIN ventes v ON v.id = l.id_vente
		WHERE v.statut = 'VALIDEE' AND v.date >= $1
		GROUP BY l.id_produit, l.nom_produit
		ORDER BY quantite DESC, l.id_produit
		LIMIT 5
	`, monthStart)
	if err != nil {
		return nil, err
	}
	for produitRows.Next() {
		var tp domain.TopProduit
		if err := produitRows.Scan(&tp.IDProduit, &tp.NomProduit, &tp.Quantite); err != nil {
			_ = produitRows.Close()
			return nil, err
		}
		stats.TopProduits = append(stats.TopProduits, tp)
	}
	if err := produitRows.Err(); err != nil {
		_ = produitRows.Close()
		return nil, err
	}
	_ = produitRows.Close()

	clientRows, err := s.db.QueryContext(ctx, `
		SELECT v.id_client, trim(c.prenom || ' ' || c.nom), SUM(v.total_net) AS total
		FROM ventes v
		JOIN clients c ON c.id = v.id_client
		WHERE v.statut = 'VALIDEE' AND v.date >= $1
		GROUP BY v.id_client, c.prenom, c.nom
		ORDER BY total DESC, v.id_client
		LIMIT 5
	`, monthStart)
	if err != nil {
		return nil, err
	}
	defer clientRows.Close()
	for clientRows.Next() {
		var tc domain.TopClient
		if err := clientRows.Scan(&tc.IDClient, &tc.NomClient, &tc.Total); err != nil {
			return nil, err
		}
		stats.TopClients = append(stats.TopClients, tc)
	}
	if err := clientRows.Err(); err != nil {
		return nil, err
	}

	return stats, nil
}

// ---- helpers ----

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
