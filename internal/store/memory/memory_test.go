package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"computerstore/backend/internal/domain"
	"computerstore/backend/internal/store"
)

func TestListClientsPagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		_, err := s.CreateClient(ctx, domain.Client{Nom: fmt.Sprintf("Client %02d", i)})
		if err != nil {
			t.Fatalf("create client %d: %v", i, err)
		}
	}

	clients, total, err := s.ListClients(ctx, store.ClientFilter{Page: store.PageParams{Page: 2, Limit: 10}})
	if err != nil {
		t.Fatalf("list clients: %v", err)
	}
	if total != 25 {
		t.Fatalf("expected total 25, got %d", total)
	}
	if len(clients) != 10 {
		t.Fatalf("expected 10 items on page 2, got %d", len(clients))
	}
	if clients[0].Nom != "Client 11" || clients[9].Nom != "Client 20" {
		t.Fatalf("expected items 11-20, got %s..%s", clients[0].Nom, clients[9].Nom)
	}

	// Page past the end is empty, total unchanged.
	clients, total, err = s.ListClients(ctx, store.ClientFilter{Page: store.PageParams{Page: 4, Limit: 10}})
	if err != nil {
		t.Fatalf("list clients: %v", err)
	}
	if total != 25 || len(clients) != 0 {
		t.Fatalf("expected empty page with total 25, got %d items total %d", len(clients), total)
	}
}

func TestPageParamsNormalize(t *testing.T) {
	p := store.PageParams{Page: 0, Limit: 0}.Normalize()
	if p.Page != 1 || p.Limit != 20 {
		t.Fatalf("unexpected defaults %+v", p)
	}
	p = store.PageParams{Page: 3, Limit: 1000}.Normalize()
	if p.Limit != 200 {
		t.Fatalf("expected limit capped at 200, got %d", p.Limit)
	}
}

func TestSoftDeleteCategorieExcludedFromList(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if err := s.SoftDeleteCategorie(ctx, "cat-peripheriques"); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	categories, total, err := s.ListCategories(ctx, store.CategorieFilter{})
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 categories, got %d", total)
	}
	for _, c := range categories {
		if c.ID == "cat-peripheriques" {
			t.Fatalf("deleted category still listed")
		}
	}

	// Products keep their category reference and the record stays readable.
	c, err := s.GetCategorie(ctx, "cat-peripheriques")
	if err != nil {
		t.Fatalf("get deleted category: %v", err)
	}
	if !c.Supprime {
		t.Fatalf("expected supprime flag")
	}

	if err := s.SoftDeleteCategorie(ctx, "cat-peripheriques"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestCreateProduitRejectsDuplicateReference(t *testing.T) {
	s := New()
	ctx := context.Background()

	p := domain.Produit{Nom: "Hub USB", Reference: "HUB-01", Prix: decimal.NewFromInt(20), Stock: 5}
	if _, err := s.CreateProduit(ctx, p); err != nil {
		t.Fatalf("create produit: %v", err)
	}
	if _, err := s.CreateProduit(ctx, p); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestVenteNumbersIncrementPerYear(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	prix := decimal.NewFromInt(8500)
	vente := domain.Vente{
		IDClient: "client-diallo",
		IDUser:   "usr-test",
		Lignes: []domain.LigneVente{{
			IDProduit:    "prod-souris-sf",
			Quantite:     1,
			PrixUnitaire: prix,
			SousTotal:    prix,
		}},
		TotalBrut:    prix,
		TotalNet:     prix,
		ModePaiement: domain.PaiementEspeces,
	}

	first, err := s.CreateVente(ctx, vente)
	if err != nil {
		t.Fatalf("first vente: %v", err)
	}
	second, err := s.CreateVente(ctx, vente)
	if err != nil {
		t.Fatalf("second vente: %v", err)
	}

	year := first.Vente.Date.Year()
	if first.Vente.NumeroVente != fmt.Sprintf("V-%d-%06d", year, 1) {
		t.Fatalf("unexpected first number %s", first.Vente.NumeroVente)
	}
	if second.Vente.NumeroVente != fmt.Sprintf("V-%d-%06d", year, 2) {
		t.Fatalf("unexpected second number %s", second.Vente.NumeroVente)
	}
	if first.Facture.NumeroFacture != fmt.Sprintf("F-%d-%06d", year, 1) {
		t.Fatalf("unexpected facture number %s", first.Facture.NumeroFacture)
	}
}

func TestCreateVenteAggregatesDuplicateProductLines(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	prix := decimal.NewFromInt(180000)
	ligne := domain.LigneVente{
		IDProduit:    "prod-ecran-27",
		Quantite:     5,
		PrixUnitaire: prix,
		SousTotal:    prix.Mul(decimal.NewFromInt(5)),
	}
	vente := domain.Vente{
		IDClient:     "client-diallo",
		IDUser:       "usr-test",
		Lignes:       []domain.LigneVente{ligne, ligne},
		TotalBrut:    prix.Mul(decimal.NewFromInt(10)),
		TotalNet:     prix.Mul(decimal.NewFromInt(10)),
		ModePaiement: domain.PaiementEspeces,
	}

	// Seeded stock is 9: two lines of 5 must be rejected as a whole.
	_, err := s.CreateVente(ctx, vente)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock for 10 units against stock 9, got %v", err)
	}
	p, err := s.GetProduit(ctx, "prod-ecran-27")
	if err != nil {
		t.Fatalf("get produit: %v", err)
	}
	if p.Stock != 9 {
		t.Fatalf("expected stock untouched at 9, got %d", p.Stock)
	}

	// Two lines totalling exactly the stock still go through.
	vente.Lignes[1].Quantite = 4
	created, err := s.CreateVente(ctx, vente)
	if err != nil {
		t.Fatalf("create vente: %v", err)
	}
	p, err = s.GetProduit(ctx, created.Vente.Lignes[0].IDProduit)
	if err != nil {
		t.Fatalf("get produit: %v", err)
	}
	if p.Stock != 0 {
		t.Fatalf("expected stock 0 after selling 9, got %d", p.Stock)
	}
}

func TestApplyMouvementSortieInsufficientStock(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.ApplyMouvement(ctx, domain.MouvementStock{
		IDProduit: "prod-ecran-27",
		Type:      domain.MouvementSortie,
		Quantite:  999,
		IDUser:    "usr-test",
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}
