package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
)

// TestLedgerKeepsSnapshotConsistent exercises the create/amend/delete
// cycle against a real database and checks that the snapshot always
// equals the sum of surviving ledger rows.
func TestLedgerKeepsSnapshotConsistent(t *testing.T) {
	databaseURL := os.Getenv("GUDANGKU_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set GUDANGKU_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	productName := fmt.Sprintf("it-produk-%d", stamp)
	warehouseName := fmt.Sprintf("it-gudang-%d", stamp)

	product, err := s.CreateProduct(ctx, domain.Product{Name: productName, PriceCents: 5000, Active: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	warehouse, err := s.CreateWarehouse(ctx, domain.Warehouse{Name: warehouseName, Active: true})
	if err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_adjustments WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM inventory_snapshots WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM warehouses WHERE id = $1`, warehouse.ID)
	})

	assertConsistent := func(label string) {
		t.Helper()
		var sum int
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(quantity_change), 0)
			FROM ledger_entries
			WHERE product_id = $1 AND warehouse_id = $2
		`, product.ID, warehouse.ID).Scan(&sum)
		if err != nil {
			t.Fatalf("%s: sum ledger: %v", label, err)
		}
		snap, err := s.GetSnapshot(ctx, product.ID, warehouse.ID)
		if err != nil {
			t.Fatalf("%s: get snapshot: %v", label, err)
		}
		if snap.QuantityOnHand != sum {
			t.Fatalf("%s: snapshot drifted: on_hand=%d ledger sum=%d", label, snap.QuantityOnHand, sum)
		}
	}

	purchase, err := s.CreateLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      product.ID,
		WarehouseID:    warehouse.ID,
		Type:           domain.EntryTypePurchase,
		QuantityChange: 100,
	})
	if err != nil {
		t.Fatalf("create purchase: %v", err)
	}
	if purchase.Snapshot.QuantityOnHand != 100 {
		t.Fatalf("expected on_hand 100, got %d", purchase.Snapshot.QuantityOnHand)
	}
	assertConsistent("after purchase")

	sale, err := s.CreateLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      product.ID,
		WarehouseID:    warehouse.ID,
		Type:           domain.EntryTypeSale,
		QuantityChange: -35,
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}
	assertConsistent("after sale")

	amended, err := s.UpdateLedgerEntry(ctx, sale.Entry.ID, domain.LedgerEntryRequest{
		ProductID:      product.ID,
		WarehouseID:    warehouse.ID,
		Type:           domain.EntryTypeSale,
		QuantityChange: -20,
	})
	if err != nil {
		t.Fatalf("amend sale: %v", err)
	}
	if amended.Snapshot.QuantityOnHand != 80 {
		t.Fatalf("expected on_hand 80 after amend, got %d", amended.Snapshot.QuantityOnHand)
	}
	assertConsistent("after amend")

	adj, err := s.CreateAdjustment(ctx, domain.AdjustmentRequest{
		ProductID:   product.ID,
		WarehouseID: warehouse.ID,
		OldQuantity: 80,
		NewQuantity: 77,
		Reason:      "integration recount",
		AdjustedBy:  "it",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adj.Snapshot.QuantityOnHand != 77 {
		t.Fatalf("expected on_hand 77 after adjustment, got %d", adj.Snapshot.QuantityOnHand)
	}
	assertConsistent("after adjustment")

	// The adjustment's ledger entry is pinned by its audit row.
	if _, err := s.DeleteLedgerEntry(ctx, adj.Entry.ID); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("expected ErrInUse deleting audited entry, got %v", err)
	}
	assertConsistent("after refused delete")

	snap, err := s.DeleteLedgerEntry(ctx, sale.Entry.ID)
	if err != nil {
		t.Fatalf("delete sale: %v", err)
	}
	if snap.QuantityOnHand != 97 {
		t.Fatalf("expected on_hand 97 after delete, got %d", snap.QuantityOnHand)
	}
	assertConsistent("after delete")

	// Product deletion must be blocked while history survives.
	if err := s.DeleteProduct(ctx, product.ID); !errors.Is(err, store.ErrInUse) {
		t.Fatalf("expected ErrInUse deleting product with history, got %v", err)
	}
}
