package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"computerstore/backend/internal/cache"
	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/store"
	"computerstore/backend/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store, context.Context) {
	t.Helper()
	repo := memory.NewSeeded()
	user, err := repo.CreateUser(context.Background(), domain.User{
		Nom:   "Caissier Test",
		Email: "caissier@test.local",
		Role:  domain.RoleCashier,
		Actif: true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	svc := New(repo, cache.NoopStatsCache{}, 5*time.Second)
	ctx := WithActor(context.Background(), domain.Actor{ID: user.ID, Nom: user.Nom, Role: user.Role})
	return svc, repo, ctx
}

func mustCreateProduit(t *testing.T, repo *memory.Store, nom string, prix int64, stock, garantieMois int) *domain.Produit {
	t.Helper()
	p, err := repo.CreateProduit(context.Background(), domain.Produit{
		Nom:          nom,
		Reference:    "REF-" + nom,
		Prix:         decimal.NewFromInt(prix),
		Stock:        stock,
		StockMin:     1,
		GarantieMois: garantieMois,
	})
	if err != nil {
		t.Fatalf("create produit %s: %v", nom, err)
	}
	return p
}

func TestCreateVenteComputesTotals(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	produit := mustCreateProduit(t, repo, "Clavier", 100, 10, 0)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient: "client-diallo",
		Lignes: []domain.LigneVenteRequest{{
			IDProduit:  produit.ID,
			Quantite:   2,
			Remise:     decimal.NewFromInt(10),
			TypeRemise: domain.RemisePourcentage,
		}},
		RemiseGlobale: decimal.NewFromInt(5),
		ModePaiement:  domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	if !vente.TotalBrut.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("expected totalBrut 200, got %s", vente.TotalBrut)
	}
	if !vente.Lignes[0].SousTotal.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("expected sousTotal 180, got %s", vente.Lignes[0].SousTotal)
	}
	if !vente.TotalNet.Equal(decimal.NewFromInt(175)) {
		t.Fatalf("expected totalNet 175, got %s", vente.TotalNet)
	}
	if vente.Statut != domain.VenteValidee {
		t.Fatalf("expected statut VALIDEE, got %s", vente.Statut)
	}
}

func TestCreateVenteNumberAndFactureFormats(t *testing.T) {
	svc, _, ctx := newTestService(t)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
		ModePaiement: domain.PaiementCarte,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	if ok, _ := regexp.MatchString(`^V-\d{4}-\d{6}$`, vente.NumeroVente); !ok {
		t.Fatalf("unexpected vente number %q", vente.NumeroVente)
	}

	factures, _, err := svc.ListFactures(ctx, store.FactureFilter{IDVente: vente.ID})
	if err != nil {
		t.Fatalf("list factures: %v", err)
	}
	if len(factures) != 1 {
		t.Fatalf("expected exactly one facture, got %d", len(factures))
	}
	f := factures[0]
	if ok, _ := regexp.MatchString(`^F-\d{4}-\d{6}$`, f.NumeroFacture); !ok {
		t.Fatalf("unexpected facture number %q", f.NumeroFacture)
	}
	if f.StatutPaiement != domain.FacturePayee {
		t.Fatalf("expected facture PAYEE, got %s", f.StatutPaiement)
	}
	if !f.MontantPaye.Equal(vente.TotalNet) {
		t.Fatalf("expected montantPaye %s, got %s", vente.TotalNet, f.MontantPaye)
	}
	wantEcheance := f.DateEmission.AddDate(0, 0, 30)
	if !f.DateEcheance.Equal(wantEcheance) {
		t.Fatalf("expected dateEcheance %s, got %s", wantEcheance, f.DateEcheance)
	}
}

func TestCreateVenteGarantiesOnlyForCoveredLines(t *testing.T) {
	svc, _, ctx := newTestService(t)

	// Laptop carries 12 months of coverage, the mouse none.
	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient: "client-ndiaye",
		Lignes: []domain.LigneVenteRequest{
			{IDProduit: "prod-laptop-pro14", Quantite: 1},
			{IDProduit: "prod-souris-sf", Quantite: 2},
		},
		ModePaiement: domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	garanties, total, err := svc.ListGaranties(ctx, store.GarantieFilter{IDClient: "client-ndiaye"})
	if err != nil {
		t.Fatalf("list garanties: %v", err)
	}
	if total != 1 || len(garanties) != 1 {
		t.Fatalf("expected exactly one garantie, got %d", total)
	}
	g := garanties[0]
	if g.IDProduit != "prod-laptop-pro14" {
		t.Fatalf("garantie on wrong produit: %s", g.IDProduit)
	}
	if g.IDVente != vente.ID {
		t.Fatalf("garantie not linked to vente")
	}
	if g.DureeMois != 12 {
		t.Fatalf("expected 12 months, got %d", g.DureeMois)
	}
	if !g.DateFin.Equal(g.DateDebut.AddDate(0, 12, 0)) {
		t.Fatalf("expected dateFin = dateDebut + 12 months, got %s", g.DateFin)
	}
	if g.Statut != domain.GarantieEnCours {
		t.Fatalf("expected garantie EN_COURS, got %s", g.Statut)
	}
}

func TestCreateVenteInsufficientStockLeavesNoSideEffects(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	produit := mustCreateProduit(t, repo, "Webcam", 50, 3, 6)

	_, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: produit.ID, Quantite: 5}},
		ModePaiement: domain.PaiementEspeces,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	after, err := svc.GetProduit(ctx, produit.ID)
	if err != nil {
		t.Fatalf("get produit: %v", err)
	}
	if after.Stock != 3 {
		t.Fatalf("stock changed on failed sale: %d", after.Stock)
	}

	if _, total, _ := svc.ListVentes(ctx, store.VenteFilter{}); total != 0 {
		t.Fatalf("expected no ventes, got %d", total)
	}
	if _, total, _ := svc.ListFactures(ctx, store.FactureFilter{}); total != 0 {
		t.Fatalf("expected no factures, got %d", total)
	}
	if _, total, _ := svc.ListPaiements(ctx, store.PaiementFilter{}); total != 0 {
		t.Fatalf("expected no paiements, got %d", total)
	}
	if _, total, _ := svc.ListMouvements(ctx, store.MouvementFilter{IDProduit: produit.ID}); total != 0 {
		t.Fatalf("expected no mouvements, got %d", total)
	}
	if _, total, _ := svc.ListGaranties(ctx, store.GarantieFilter{IDProduit: produit.ID}); total != 0 {
		t.Fatalf("expected no garanties, got %d", total)
	}
}

func TestCreateVenteDecrementsStockAndRecordsSorties(t *testing.T) {
	svc, _, ctx := newTestService(t)

	before, _ := svc.GetProduit(ctx, "prod-ssd-1tb")
	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-comptoir",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-ssd-1tb", Quantite: 4}},
		ModePaiement: domain.PaiementVirement,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	after, _ := svc.GetProduit(ctx, "prod-ssd-1tb")
	if after.Stock != before.Stock-4 {
		t.Fatalf("expected stock %d, got %d", before.Stock-4, after.Stock)
	}

	mouvements, total, err := svc.ListMouvements(ctx, store.MouvementFilter{IDProduit: "prod-ssd-1tb"})
	if err != nil {
		t.Fatalf("list mouvements: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one mouvement, got %d", total)
	}
	m := mouvements[0]
	if m.Type != domain.MouvementSortie || m.Quantite != 4 {
		t.Fatalf("unexpected mouvement %+v", m)
	}
	if m.IDVente != vente.ID {
		t.Fatalf("mouvement not linked to vente")
	}
	if m.Motif != "Vente "+vente.NumeroVente {
		t.Fatalf("unexpected motif %q", m.Motif)
	}
}

func TestCancelVenteRestocksAndCancelsGaranties(t *testing.T) {
	svc, _, ctx := newTestService(t)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-ecran-27", Quantite: 2}},
		ModePaiement: domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}
	before, _ := svc.GetProduit(ctx, "prod-ecran-27")

	cancelled, err := svc.CancelVente(ctx, vente.ID, "retour client")
	if err != nil {
		t.Fatalf("cancel vente: %v", err)
	}
	if cancelled.Statut != domain.VenteAnnulee {
		t.Fatalf("expected ANNULEE, got %s", cancelled.Statut)
	}

	after, _ := svc.GetProduit(ctx, "prod-ecran-27")
	if after.Stock != before.Stock+2 {
		t.Fatalf("expected restock to %d, got %d", before.Stock+2, after.Stock)
	}

	garanties, _, _ := svc.ListGaranties(ctx, store.GarantieFilter{IDProduit: "prod-ecran-27"})
	for _, g := range garanties {
		if g.Statut != domain.GarantieAnnulee {
			t.Fatalf("expected garantie ANNULEE, got %s", g.Statut)
		}
	}

	if _, err := svc.CancelVente(ctx, vente.ID, "double"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on second cancel, got %v", err)
	}
}

func TestCreatePaiementRejectsOverpay(t *testing.T) {
	svc, _, ctx := newTestService(t)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-ram-16", Quantite: 1}},
		ModePaiement: domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	factures, _, err := svc.ListFactures(ctx, store.FactureFilter{IDVente: vente.ID})
	if err != nil || len(factures) != 1 {
		t.Fatalf("list factures: %v (%d)", err, len(factures))
	}

	// The invoice is settled at sale time, so any further payment overpays.
	_, err = svc.CreatePaiement(ctx, domain.PaiementRequest{
		IDFacture:    factures[0].ID,
		Montant:      decimal.NewFromInt(1),
		ModePaiement: domain.PaiementEspeces,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreditSalePaymentChain(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	produit := mustCreateProduit(t, repo, "Station accueil", 100, 10, 0)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: produit.ID, Quantite: 2}},
		ModePaiement: domain.PaiementCredit,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	factures, _, err := svc.ListFactures(ctx, store.FactureFilter{IDVente: vente.ID})
	if err != nil || len(factures) != 1 {
		t.Fatalf("list factures: %v (%d)", err, len(factures))
	}
	f := factures[0]
	if f.StatutPaiement != domain.FactureNonPayee {
		t.Fatalf("expected NON_PAYEE on credit sale, got %s", f.StatutPaiement)
	}
	if !f.MontantPaye.IsZero() {
		t.Fatalf("expected montantPaye 0, got %s", f.MontantPaye)
	}

	// No payment record exists yet for a credit sale.
	paiements, _, err := svc.ListPaiements(ctx, store.PaiementFilter{IDVente: vente.ID})
	if err != nil {
		t.Fatalf("list paiements: %v", err)
	}
	if len(paiements) != 0 {
		t.Fatalf("expected no paiement at credit sale time, got %d", len(paiements))
	}

	// A payment itself can never carry the CREDIT mode.
	_, err = svc.CreatePaiement(ctx, domain.PaiementRequest{
		IDFacture:    f.ID,
		Montant:      decimal.NewFromInt(80),
		ModePaiement: domain.PaiementCredit,
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for CREDIT payment mode, got %v", err)
	}

	// Partial payment: NON_PAYEE -> PARTIELLEMENT_PAYEE.
	_, err = svc.CreatePaiement(ctx, domain.PaiementRequest{
		IDFacture:    f.ID,
		Montant:      decimal.NewFromInt(80),
		ModePaiement: domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("partial payment: %v", err)
	}
	refreshed, err := svc.GetFacture(ctx, f.ID)
	if err != nil {
		t.Fatalf("get facture: %v", err)
	}
	if refreshed.StatutPaiement != domain.FacturePartiellementPaye {
		t.Fatalf("expected PARTIELLEMENT_PAYEE, got %s", refreshed.StatutPaiement)
	}
	if !refreshed.MontantPaye.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected montantPaye 80, got %s", refreshed.MontantPaye)
	}

	// Settling the rest: PARTIELLEMENT_PAYEE -> PAYEE.
	_, err = svc.CreatePaiement(ctx, domain.PaiementRequest{
		IDFacture:    f.ID,
		Montant:      decimal.NewFromInt(120),
		ModePaiement: domain.PaiementMobileMoney,
	})
	if err != nil {
		t.Fatalf("final payment: %v", err)
	}
	refreshed, err = svc.GetFacture(ctx, f.ID)
	if err != nil {
		t.Fatalf("get facture: %v", err)
	}
	if refreshed.StatutPaiement != domain.FacturePayee {
		t.Fatalf("expected PAYEE, got %s", refreshed.StatutPaiement)
	}
	if !refreshed.MontantPaye.Equal(refreshed.MontantTotal) {
		t.Fatalf("expected montantPaye %s, got %s", refreshed.MontantTotal, refreshed.MontantPaye)
	}

	// The settled invoice accepts nothing more.
	_, err = svc.CreatePaiement(ctx, domain.PaiementRequest{
		IDFacture:    f.ID,
		Montant:      decimal.NewFromInt(1),
		ModePaiement: domain.PaiementEspeces,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict after settlement, got %v", err)
	}
}

func TestUpdateStockRejectsSortie(t *testing.T) {
	svc, _, ctx := newTestService(t)

	_, err := svc.UpdateStock(ctx, "prod-ram-16", domain.StockUpdateRequest{
		Type:     domain.MouvementSortie,
		Quantite: 2,
		Motif:    "test",
	})
	if !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpdateStockEntreeAndAjustement(t *testing.T) {
	svc, _, ctx := newTestService(t)

	p, err := svc.UpdateStock(ctx, "prod-ram-16", domain.StockUpdateRequest{
		Type:     domain.MouvementEntree,
		Quantite: 5,
		Motif:    "réception fournisseur",
	})
	if err != nil {
		t.Fatalf("entree: %v", err)
	}
	if p.Stock != 35 {
		t.Fatalf("expected stock 35, got %d", p.Stock)
	}

	p, err = svc.UpdateStock(ctx, "prod-ram-16", domain.StockUpdateRequest{
		Type:     domain.MouvementAjustement,
		Quantite: 20,
		Motif:    "inventaire",
	})
	if err != nil {
		t.Fatalf("ajustement: %v", err)
	}
	if p.Stock != 20 {
		t.Fatalf("expected stock 20, got %d", p.Stock)
	}
}

func TestSuppressionProduitWorkflow(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	admin, err := repo.CreateUser(context.Background(), domain.User{
		Nom: "Admin Test", Email: "admin@test.local", Role: domain.RoleAdmin, Actif: true,
	})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	adminCtx := WithActor(context.Background(), domain.Actor{ID: admin.ID, Nom: admin.Nom, Role: admin.Role})

	validation, err := svc.RequestProduitSuppression(ctx, "prod-souris-sf", "fin de série")
	if err != nil {
		t.Fatalf("request suppression: %v", err)
	}
	if validation.Statut != domain.ValidationEnAttente {
		t.Fatalf("expected EN_ATTENTE, got %s", validation.Statut)
	}

	p, _ := svc.GetProduit(ctx, "prod-souris-sf")
	if p.Statut != domain.ProduitEnAttenteSuppression {
		t.Fatalf("expected EN_ATTENTE_SUPPRESSION, got %s", p.Statut)
	}

	// A second request for the same product is a conflict.
	if _, err := svc.RequestProduitSuppression(ctx, "prod-souris-sf", "encore"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	processed, err := svc.TraiterValidation(adminCtx, validation.ID, domain.TraiterValidationRequest{
		Decision: domain.ValidationValidee,
	})
	if err != nil {
		t.Fatalf("traiter validation: %v", err)
	}
	if processed.Statut != domain.ValidationValidee || processed.DateTraitement == nil {
		t.Fatalf("unexpected validation state %+v", processed)
	}

	p, _ = svc.GetProduit(ctx, "prod-souris-sf")
	if p.Statut != domain.ProduitSupprime {
		t.Fatalf("expected SUPPRIME, got %s", p.Statut)
	}

	// A settled request cannot be processed twice.
	if _, err := svc.TraiterValidation(adminCtx, validation.ID, domain.TraiterValidationRequest{Decision: domain.ValidationRefusee}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSuppressionProduitRefusalRestoresActif(t *testing.T) {
	svc, _, ctx := newTestService(t)

	validation, err := svc.RequestProduitSuppression(ctx, "prod-ecran-27", "doublon")
	if err != nil {
		t.Fatalf("request suppression: %v", err)
	}

	_, err = svc.TraiterValidation(ctx, validation.ID, domain.TraiterValidationRequest{
		Decision: domain.ValidationRefusee,
		Motif:    "produit encore vendu",
	})
	if err != nil {
		t.Fatalf("traiter validation: %v", err)
	}

	p, _ := svc.GetProduit(ctx, "prod-ecran-27")
	if p.Statut != domain.ProduitActif {
		t.Fatalf("expected ACTIF after refusal, got %s", p.Statut)
	}
}

func TestSoftDeletedClientKeptInSalesHistory(t *testing.T) {
	svc, _, ctx := newTestService(t)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-ndiaye",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
		ModePaiement: domain.PaiementMobileMoney,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	if err := svc.DeleteClient(ctx, "client-ndiaye"); err != nil {
		t.Fatalf("delete client: %v", err)
	}

	clients, _, err := svc.ListClients(ctx, store.ClientFilter{})
	if err != nil {
		t.Fatalf("list clients: %v", err)
	}
	for _, c := range clients {
		if c.ID == "client-ndiaye" {
			t.Fatalf("soft-deleted client still listed")
		}
	}

	got, err := svc.GetVente(ctx, vente.ID)
	if err != nil {
		t.Fatalf("get vente: %v", err)
	}
	if got.Client == nil || got.Client.ID != "client-ndiaye" {
		t.Fatalf("expected historic sale to keep its client reference")
	}
}

func TestDashboardStatsReflectSales(t *testing.T) {
	svc, _, ctx := newTestService(t)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-laptop-pro14", Quantite: 1}},
		ModePaiement: domain.PaiementCarte,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	stats, err := svc.DashboardStats(ctx)
	if err != nil {
		t.Fatalf("dashboard stats: %v", err)
	}
	if stats.NbVentesJour != 1 || stats.NbVentesMois != 1 {
		t.Fatalf("expected one sale today and this month, got %d/%d", stats.NbVentesJour, stats.NbVentesMois)
	}
	if !stats.VentesJour.Equal(vente.TotalNet) {
		t.Fatalf("expected ventesJour %s, got %s", vente.TotalNet, stats.VentesJour)
	}
	if len(stats.TopProduits) == 0 || stats.TopProduits[0].IDProduit != "prod-laptop-pro14" {
		t.Fatalf("expected laptop in top produits")
	}
}

func TestCreateVenteAuditsTheSale(t *testing.T) {
	svc, _, ctx := newTestService(t)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:     "client-diallo",
		Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
		ModePaiement: domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}

	audits, _, err := svc.ListAudits(ctx, store.AuditFilter{Action: "CREATION_VENTE"})
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audits))
	}
	if audits[0].IDEntite != vente.ID {
		t.Fatalf("audit points at wrong entity")
	}
	if audits[0].Details["numeroVente"] != vente.NumeroVente {
		t.Fatalf("audit missing sale number")
	}
}

func TestCreateVenteValidation(t *testing.T) {
	svc, _, ctx := newTestService(t)

	cases := []struct {
		name string
		req  domain.CreateVenteRequest
	}{
		{"missing client", domain.CreateVenteRequest{
			Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
			ModePaiement: domain.PaiementEspeces,
		}},
		{"no lines", domain.CreateVenteRequest{
			IDClient:     "client-diallo",
			ModePaiement: domain.PaiementEspeces,
		}},
		{"bad payment mode", domain.CreateVenteRequest{
			IDClient:     "client-diallo",
			Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
			ModePaiement: "CHEQUE",
		}},
		{"zero quantity", domain.CreateVenteRequest{
			IDClient:     "client-diallo",
			Lignes:       []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 0}},
			ModePaiement: domain.PaiementEspeces,
		}},
		{"negative global discount", domain.CreateVenteRequest{
			IDClient:      "client-diallo",
			Lignes:        []domain.LigneVenteRequest{{IDProduit: "prod-souris-sf", Quantite: 1}},
			RemiseGlobale: decimal.NewFromInt(-1),
			ModePaiement:  domain.PaiementEspeces,
		}},
	}
	for _, tc := range cases {
		if _, err := svc.CreateVente(ctx, tc.req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestGlobalDiscountFloorsAtZero(t *testing.T) {
	svc, repo, ctx := newTestService(t)
	produit := mustCreateProduit(t, repo, "Cable", 10, 5, 0)

	vente, err := svc.CreateVente(ctx, domain.CreateVenteRequest{
		IDClient:      "client-diallo",
		Lignes:        []domain.LigneVenteRequest{{IDProduit: produit.ID, Quantite: 1}},
		RemiseGlobale: decimal.NewFromInt(50),
		ModePaiement:  domain.PaiementEspeces,
	})
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}
	if !vente.TotalNet.Equal(decimal.Zero) {
		t.Fatalf("expected totalNet 0, got %s", vente.TotalNet)
	}
}
