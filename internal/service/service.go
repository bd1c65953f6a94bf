package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"computerstore/backend/internal/cache"
	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/store"
)

const statsCacheKey = "dashboard:stats"

type actorContextKey struct{}

// WithActor attaches the authenticated user to the request context. The HTTP
// layer sets it after token verification; audit entries are stamped from it.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) domain.Actor {
	actor, _ := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor
}

type Service struct {
	repo     store.Repository
	stats    cache.StatsCache
	statsTTL time.Duration
}

func New(repo store.Repository, stats cache.StatsCache, statsTTL time.Duration) *Service {
	if stats == nil {
		stats = cache.NoopStatsCache{}
	}
	if statsTTL <= 0 {
		statsTTL = time.Minute
	}
	return &Service{repo: repo, stats: stats, statsTTL: statsTTL}
}

// validModePaiement accepts the settlement modes a payment can carry.
func validModePaiement(m domain.ModePaiement) bool {
	switch m {
	case domain.PaiementEspeces, domain.PaiementMobileMoney, domain.PaiementCarte, domain.PaiementVirement:
		return true
	}
	return false
}

// validModeVente additionally accepts CREDIT, which defers settlement.
func validModeVente(m domain.ModePaiement) bool {
	return validModePaiement(m) || m == domain.PaiementCredit
}

func (s *Service) logAudit(ctx context.Context, action, entite, idEntite string, details map[string]string) {
	actor := ActorFromContext(ctx)
	if actor.ID == "" {
		return
	}
	err := s.repo.AppendAudit(ctx, domain.Audit{
		IDUser:   actor.ID,
		NomUser:  actor.Nom,
		Action:   action,
		Entite:   entite,
		IDEntite: idEntite,
		Details:  details,
		Date:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: audit append failed for %s %s: %v", action, idEntite, err)
	}
}

func (s *Service) invalidateStats(ctx context.Context) {
	if err := s.stats.Invalidate(ctx, statsCacheKey); err != nil {
		log.Printf("[service] WARN: stats cache invalidation failed: %v", err)
	}
}

// ---- ventes ----

// CreateVente validates the request, computes the totals and runs the atomic
// sale pipeline. Line subtotal: prixUnitaire × quantite minus the line
// discount (percentage of the gross or fixed amount). totalBrut is the gross
// before discounts, totalNet the discounted line sum minus the global
// discount, floored at zero.
func (s *Service) CreateVente(ctx context.Context, req domain.CreateVenteRequest) (*domain.Vente, error) {
	actor := ActorFromContext(ctx)
	if actor.ID == "" {
		return nil, fmt.Errorf("%w: utilisateur requis", store.ErrInvalidInput)
	}
	if strings.TrimSpace(req.IDClient) == "" {
		return nil, fmt.Errorf("%w: idClient requis", store.ErrInvalidInput)
	}
	if len(req.Lignes) == 0 {
		return nil, fmt.Errorf("%w: au moins une ligne requise", store.ErrInvalidInput)
	}
	if !validModeVente(req.ModePaiement) {
		return nil, fmt.Errorf("%w: mode de paiement invalide", store.ErrInvalidInput)
	}
	if req.RemiseGlobale.IsNegative() {
		return nil, fmt.Errorf("%w: remise globale négative", store.ErrInvalidInput)
	}

	client, err := s.repo.GetClient(ctx, req.IDClient)
	if err != nil {
		return nil, fmt.Errorf("client %s: %w", req.IDClient, err)
	}
	if client.Supprime {
		return nil, fmt.Errorf("%w: client supprimé", store.ErrInvalidInput)
	}
	user, err := s.repo.GetUserByID(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("utilisateur %s: %w", actor.ID, err)
	}

	totalBrut := decimal.Zero
	sousTotaux := decimal.Zero
	lignes := make([]domain.LigneVente, 0, len(req.Lignes))
	cent := decimal.NewFromInt(100)
	for _, l := range req.Lignes {
		if l.Quantite < 1 {
			return nil, fmt.Errorf("%w: quantité invalide", store.ErrInvalidInput)
		}
		if l.Remise.IsNegative() {
			return nil, fmt.Errorf("%w: remise négative", store.ErrInvalidInput)
		}
		produit, err := s.repo.GetProduit(ctx, l.IDProduit)
		if err != nil {
			return nil, fmt.Errorf("produit %s: %w", l.IDProduit, err)
		}
		if produit.Statut == domain.ProduitSupprime {
			return nil, fmt.Errorf("%w: produit supprimé: %s", store.ErrInvalidInput, produit.Nom)
		}

		prix := l.PrixUnitaire
		if prix.IsZero() {
			prix = produit.Prix
		}
		if prix.IsNegative() {
			return nil, fmt.Errorf("%w: prix unitaire négatif", store.ErrInvalidInput)
		}

		brutLigne := prix.Mul(decimal.NewFromInt(int64(l.Quantite)))
		remiseLigne := decimal.Zero
		switch l.TypeRemise {
		case domain.RemisePourcentage:
			remiseLigne = brutLigne.Mul(l.Remise).Div(cent)
		case domain.RemiseMontant:
			remiseLigne = l.Remise
		case "":
			// no line discount
		default:
			return nil, fmt.Errorf("%w: type de remise invalide", store.ErrInvalidInput)
		}
		sousTotal := brutLigne.Sub(remiseLigne)
		if sousTotal.IsNegative() {
			return nil, fmt.Errorf("%w: remise supérieure au montant de la ligne", store.ErrInvalidInput)
		}

		totalBrut = totalBrut.Add(brutLigne)
		sousTotaux = sousTotaux.Add(sousTotal)
		lignes = append(lignes, domain.LigneVente{
			IDProduit:    l.IDProduit,
			Quantite:     l.Quantite,
			PrixUnitaire: prix,
			Remise:       l.Remise,
			TypeRemise:   l.TypeRemise,
			SousTotal:    sousTotal,
		})
	}

	totalNet := sousTotaux.Sub(req.RemiseGlobale)
	if totalNet.IsNegative() {
		totalNet = decimal.Zero
	}

	created, err := s.repo.CreateVente(ctx, domain.Vente{
		IDClient:      req.IDClient,
		IDUser:        actor.ID,
		Lignes:        lignes,
		TotalBrut:     totalBrut,
		RemiseGlobale: req.RemiseGlobale,
		TotalNet:      totalNet,
		ModePaiement:  req.ModePaiement,
		Date:          time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	vente := created.Vente
	vente.Client = client
	vente.User = user

	s.logAudit(ctx, "CREATION_VENTE", "vente", vente.ID, map[string]string{
		"numeroVente": vente.NumeroVente,
		"totalNet":    vente.TotalNet.String(),
		"client":      strings.TrimSpace(client.Prenom + " " + client.Nom),
	})
	s.invalidateStats(ctx)

	return &vente, nil
}

func (s *Service) CancelVente(ctx context.Context, id, motif string) (*domain.Vente, error) {
	actor := ActorFromContext(ctx)
	vente, err := s.repo.CancelVente(ctx, id, actor.ID, motif)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "ANNULATION_VENTE", "vente", vente.ID, map[string]string{
		"numeroVente": vente.NumeroVente,
		"motif":       motif,
	})
	s.invalidateStats(ctx)

	return s.assembleVente(ctx, vente), nil
}

func (s *Service) GetVente(ctx context.Context, id string) (*domain.Vente, error) {
	vente, err := s.repo.GetVente(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.assembleVente(ctx, vente), nil
}

func (s *Service) ListVentes(ctx context.Context, f store.VenteFilter) ([]domain.Vente, int, error) {
	return s.repo.ListVentes(ctx, f)
}

// assembleVente resolves the client and cashier snapshots. Soft-deleted
// clients still resolve: history keeps its references.
func (s *Service) assembleVente(ctx context.Context, vente *domain.Vente) *domain.Vente {
	if client, err := s.repo.GetClient(ctx, vente.IDClient); err == nil {
		vente.Client = client
	}
	if user, err := s.repo.GetUserByID(ctx, vente.IDUser); err == nil {
		vente.User = user
	}
	return vente
}

// ---- produits ----

func (s *Service) ListProduits(ctx context.Context, f store.ProduitFilter) ([]domain.Produit, int, error) {
	return s.repo.ListProduits(ctx, f)
}

func (s *Service) GetProduit(ctx context.Context, id string) (*domain.Produit, error) {
	return s.repo.GetProduit(ctx, id)
}

// AllProduits pages through the catalog for exports.
func (s *Service) AllProduits(ctx context.Context) ([]domain.Produit, error) {
	var all []domain.Produit
	for page := 1; ; page++ {
		items, total, err := s.repo.ListProduits(ctx, store.ProduitFilter{Page: store.PageParams{Page: page, Limit: 200}})
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) == 0 || len(all) >= total {
			return all, nil
		}
	}
}

func produitFromRequest(req domain.ProduitRequest) domain.Produit {
	return domain.Produit{
		Nom:          strings.TrimSpace(req.Nom),
		Description:  strings.TrimSpace(req.Description),
		Reference:    strings.TrimSpace(req.Reference),
		CodeBarres:   strings.TrimSpace(req.CodeBarres),
		IDCategorie:  req.IDCategorie,
		Prix:         req.Prix,
		Stock:        req.Stock,
		StockMin:     req.StockMin,
		GarantieMois: req.GarantieMois,
	}
}

func (s *Service) CreateProduit(ctx context.Context, req domain.ProduitRequest) (*domain.Produit, error) {
	p := produitFromRequest(req)
	if p.IDCategorie != "" {
		if _, err := s.repo.GetCategorie(ctx, p.IDCategorie); err != nil {
			return nil, fmt.Errorf("catégorie %s: %w", p.IDCategorie, err)
		}
	}
	created, err := s.repo.CreateProduit(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "CREATION_PRODUIT", "produit", created.ID, map[string]string{"nom": created.Nom, "reference": created.Reference})
	return created, nil
}

func (s *Service) UpdateProduit(ctx context.Context, id string, req domain.ProduitRequest) (*domain.Produit, error) {
	p := produitFromRequest(req)
	p.ID = id
	updated, err := s.repo.UpdateProduit(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "MODIFICATION_PRODUIT", "produit", updated.ID, map[string]string{"nom": updated.Nom})
	return updated, nil
}

func (s *Service) UpdateStock(ctx context.Context, idProduit string, req domain.StockUpdateRequest) (*domain.Produit, error) {
	actor := ActorFromContext(ctx)
	if req.Type != domain.MouvementEntree && req.Type != domain.MouvementAjustement {
		return nil, fmt.Errorf("%w: type de mouvement invalide", store.ErrInvalidInput)
	}
	produit, err := s.repo.ApplyMouvement(ctx, domain.MouvementStock{
		IDProduit: idProduit,
		Type:      req.Type,
		Quantite:  req.Quantite,
		Motif:     req.Motif,
		IDUser:    actor.ID,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "AJUSTEMENT_STOCK", "produit", idProduit, map[string]string{
		"type":     string(req.Type),
		"quantite": fmt.Sprintf("%d", req.Quantite),
		"motif":    req.Motif,
	})
	s.invalidateStats(ctx)
	return produit, nil
}

func (s *Service) RequestProduitSuppression(ctx context.Context, idProduit, motif string) (*domain.Validation, error) {
	actor := ActorFromContext(ctx)
	v, err := s.repo.RequestProduitSuppression(ctx, idProduit, actor.ID, motif)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "DEMANDE_SUPPRESSION_PRODUIT", "produit", idProduit, map[string]string{"motif": motif})
	return v, nil
}

// ---- categories ----

func (s *Service) ListCategories(ctx context.Context, f store.CategorieFilter) ([]domain.Categorie, int, error) {
	return s.repo.ListCategories(ctx, f)
}

func (s *Service) GetCategorie(ctx context.Context, id string) (*domain.Categorie, error) {
	return s.repo.GetCategorie(ctx, id)
}

func (s *Service) CreateCategorie(ctx context.Context, req domain.CategorieRequest) (*domain.Categorie, error) {
	created, err := s.repo.CreateCategorie(ctx, domain.Categorie{Nom: strings.TrimSpace(req.Nom), Description: strings.TrimSpace(req.Description)})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "CREATION_CATEGORIE", "categorie", created.ID, map[string]string{"nom": created.Nom})
	return created, nil
}

func (s *Service) UpdateCategorie(ctx context.Context, id string, req domain.CategorieRequest) (*domain.Categorie, error) {
	updated, err := s.repo.UpdateCategorie(ctx, domain.Categorie{ID: id, Nom: strings.TrimSpace(req.Nom), Description: strings.TrimSpace(req.Description)})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "MODIFICATION_CATEGORIE", "categorie", id, map[string]string{"nom": updated.Nom})
	return updated, nil
}

func (s *Service) DeleteCategorie(ctx context.Context, id string) error {
	if err := s.repo.SoftDeleteCategorie(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "SUPPRESSION_CATEGORIE", "categorie", id, nil)
	return nil
}

// ---- clients ----

func (s *Service) ListClients(ctx context.Context, f store.ClientFilter) ([]domain.Client, int, error) {
	return s.repo.ListClients(ctx, f)
}

func (s *Service) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	return s.repo.GetClient(ctx, id)
}

func clientFromRequest(req domain.ClientRequest) domain.Client {
	return domain.Client{
		Nom:       strings.TrimSpace(req.Nom),
		Prenom:    strings.TrimSpace(req.Prenom),
		Email:     strings.TrimSpace(req.Email),
		Telephone: strings.TrimSpace(req.Telephone),
		Adresse:   strings.TrimSpace(req.Adresse),
	}
}

func (s *Service) CreateClient(ctx context.Context, req domain.ClientRequest) (*domain.Client, error) {
	created, err := s.repo.CreateClient(ctx, clientFromRequest(req))
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "CREATION_CLIENT", "client", created.ID, map[string]string{"nom": created.Nom})
	return created, nil
}

func (s *Service) UpdateClient(ctx context.Context, id string, req domain.ClientRequest) (*domain.Client, error) {
	c := clientFromRequest(req)
	c.ID = id
	updated, err := s.repo.UpdateClient(ctx, c)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "MODIFICATION_CLIENT", "client", id, map[string]string{"nom": updated.Nom})
	return updated, nil
}

func (s *Service) DeleteClient(ctx context.Context, id string) error {
	if err := s.repo.SoftDeleteClient(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "SUPPRESSION_CLIENT", "client", id, nil)
	return nil
}

// ---- promotions ----

func (s *Service) ListPromotions(ctx context.Context, f store.PromotionFilter) ([]domain.Promotion, int, error) {
	return s.repo.ListPromotions(ctx, f)
}

func (s *Service) GetPromotion(ctx context.Context, id string) (*domain.Promotion, error) {
	return s.repo.GetPromotion(ctx, id)
}

func parsePromotionDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: date requise", store.ErrInvalidInput)
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date invalide %q", store.ErrInvalidInput, value)
	}
	return t.UTC(), nil
}

func promotionFromRequest(req domain.PromotionRequest) (domain.Promotion, error) {
	debut, err := parsePromotionDate(req.DateDebut)
	if err != nil {
		return domain.Promotion{}, err
	}
	fin, err := parsePromotionDate(req.DateFin)
	if err != nil {
		return domain.Promotion{}, err
	}
	if fin.Before(debut) {
		return domain.Promotion{}, fmt.Errorf("%w: dateFin avant dateDebut", store.ErrInvalidInput)
	}
	return domain.Promotion{
		Nom:         strings.TrimSpace(req.Nom),
		Description: strings.TrimSpace(req.Description),
		TypeRemise:  req.TypeRemise,
		Valeur:      req.Valeur,
		DateDebut:   debut,
		DateFin:     fin,
		Active:      req.Active,
	}, nil
}

func (s *Service) CreatePromotion(ctx context.Context, req domain.PromotionRequest) (*domain.Promotion, error) {
	p, err := promotionFromRequest(req)
	if err != nil {
		return nil, err
	}
	created, err := s.repo.CreatePromotion(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "CREATION_PROMOTION", "promotion", created.ID, map[string]string{"nom": created.Nom})
	return created, nil
}

func (s *Service) UpdatePromotion(ctx context.Context, id string, req domain.PromotionRequest) (*domain.Promotion, error) {
	p, err := promotionFromRequest(req)
	if err != nil {
		return nil, err
	}
	p.ID = id
	updated, err := s.repo.UpdatePromotion(ctx, p)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "MODIFICATION_PROMOTION", "promotion", id, map[string]string{"nom": updated.Nom})
	return updated, nil
}

func (s *Service) DeletePromotion(ctx context.Context, id string) error {
	if err := s.repo.SoftDeletePromotion(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "SUPPRESSION_PROMOTION", "promotion", id, nil)
	return nil
}

// ---- factures & paiements ----

func (s *Service) ListFactures(ctx context.Context, f store.FactureFilter) ([]domain.Facture, int, error) {
	return s.repo.ListFactures(ctx, f)
}

func (s *Service) GetFacture(ctx context.Context, id string) (*domain.Facture, error) {
	return s.repo.GetFacture(ctx, id)
}

func (s *Service) ListPaiements(ctx context.Context, f store.PaiementFilter) ([]domain.Paiement, int, error) {
	return s.repo.ListPaiements(ctx, f)
}

func (s *Service) GetPaiement(ctx context.Context, id string) (*domain.Paiement, error) {
	return s.repo.GetPaiement(ctx, id)
}

func (s *Service) CreatePaiement(ctx context.Context, req domain.PaiementRequest) (*domain.Paiement, error) {
	if strings.TrimSpace(req.IDFacture) == "" {
		return nil, fmt.Errorf("%w: idFacture requis", store.ErrInvalidInput)
	}
	if !validModePaiement(req.ModePaiement) {
		return nil, fmt.Errorf("%w: mode de paiement invalide", store.ErrInvalidInput)
	}
	paiement, facture, err := s.repo.RegisterPaiement(ctx, domain.Paiement{
		IDFacture:    req.IDFacture,
		Montant:      req.Montant,
		ModePaiement: req.ModePaiement,
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "CREATION_PAIEMENT", "paiement", paiement.ID, map[string]string{
		"facture": facture.NumeroFacture,
		"montant": paiement.Montant.String(),
		"statut":  string(facture.StatutPaiement),
	})
	return paiement, nil
}

// ---- garanties, mouvements, audits, validations ----

func (s *Service) ListGaranties(ctx context.Context, f store.GarantieFilter) ([]domain.Garantie, int, error) {
	return s.repo.ListGaranties(ctx, f)
}

func (s *Service) GetGarantie(ctx context.Context, id string) (*domain.Garantie, error) {
	return s.repo.GetGarantie(ctx, id)
}

func (s *Service) ListMouvements(ctx context.Context, f store.MouvementFilter) ([]domain.MouvementStock, int, error) {
	return s.repo.ListMouvements(ctx, f)
}

func (s *Service) ListAudits(ctx context.Context, f store.AuditFilter) ([]domain.Audit, int, error) {
	return s.repo.ListAudits(ctx, f)
}

func (s *Service) ListValidations(ctx context.Context, f store.ValidationFilter) ([]domain.Validation, int, error) {
	return s.repo.ListValidations(ctx, f)
}

func (s *Service) GetValidation(ctx context.Context, id string) (*domain.Validation, error) {
	return s.repo.GetValidation(ctx, id)
}

func (s *Service) TraiterValidation(ctx context.Context, id string, req domain.TraiterValidationRequest) (*domain.Validation, error) {
	actor := ActorFromContext(ctx)
	var approve bool
	switch req.Decision {
	case domain.ValidationValidee:
		approve = true
	case domain.ValidationRefusee:
		approve = false
	default:
		return nil, fmt.Errorf("%w: décision invalide", store.ErrInvalidInput)
	}
	v, err := s.repo.TraiterValidation(ctx, id, approve, actor.ID, req.Motif)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "TRAITEMENT_VALIDATION", "validation", id, map[string]string{
		"decision": string(v.Statut),
		"entite":   v.IDEntite,
	})
	return v, nil
}

// ---- dashboard ----

func (s *Service) DashboardStats(ctx context.Context) (*domain.DashboardStats, error) {
	if cached, ok, err := s.stats.Get(ctx, statsCacheKey); err != nil {
		log.Printf("[service] WARN: stats cache read failed: %v", err)
	} else if ok {
		return cached, nil
	}

	stats, err := s.repo.DashboardStats(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.stats.Set(ctx, statsCacheKey, stats, s.statsTTL); err != nil {
		log.Printf("[service] WARN: stats cache write failed: %v", err)
	}
	return stats, nil
}
