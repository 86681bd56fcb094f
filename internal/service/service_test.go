package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/store/memory"
)

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "rina", Role: "staff"})
}

type fixture struct {
	svc        *Service
	repo       *memory.Store
	product    *domain.Product
	warehouse  *domain.Warehouse
	warehouse2 *domain.Warehouse
	supplier   *domain.Supplier
}

// newFixture builds a service over an empty in-memory store with one
// product, two warehouses and one supplier.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := memory.New()
	svc := New(repo, nil, time.Second)
	ctx := adminCtx()

	supplier, err := svc.CreateSupplier(ctx, domain.Supplier{Name: "PT Maju Bersama"})
	if err != nil {
		t.Fatalf("create supplier: %v", err)
	}
	wh, err := svc.CreateWarehouse(ctx, domain.Warehouse{Name: "Gudang A", Active: true})
	if err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	wh2, err := svc.CreateWarehouse(ctx, domain.Warehouse{Name: "Gudang B", Active: true})
	if err != nil {
		t.Fatalf("create warehouse 2: %v", err)
	}
	product, err := svc.CreateProduct(ctx, domain.Product{
		Name:         "Gula Pasir 1kg",
		PriceCents:   16500,
		ReorderLevel: 10,
		SupplierID:   &supplier.ID,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	return &fixture{svc: svc, repo: repo, product: product, warehouse: wh, warehouse2: wh2, supplier: supplier}
}

func (f *fixture) record(t *testing.T, ctx context.Context, entryType string, change int) *domain.LedgerMutation {
	t.Helper()
	result, err := f.svc.RecordLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      f.product.ID,
		WarehouseID:    f.warehouse.ID,
		Type:           entryType,
		QuantityChange: change,
	})
	if err != nil {
		t.Fatalf("record %s %+d: %v", entryType, change, err)
	}
	return result
}

func (f *fixture) onHand(t *testing.T, warehouseID int64) int {
	t.Helper()
	snap, err := f.svc.GetStock(adminCtx(), f.product.ID, warehouseID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	return snap.QuantityOnHand
}

// assertLedgerInvariant checks that the snapshot equals the sum of
// quantity changes over surviving ledger entries for the pair.
func (f *fixture) assertLedgerInvariant(t *testing.T, warehouseID int64) {
	t.Helper()
	entries, err := f.svc.ListLedgerEntries(adminCtx(), domain.LedgerFilter{
		ProductID:   &f.product.ID,
		WarehouseID: &warehouseID,
		Limit:       1000,
	})
	if err != nil {
		t.Fatalf("list ledger entries: %v", err)
	}
	sum := 0
	for _, e := range entries {
		sum += e.QuantityChange
	}
	if got := f.onHand(t, warehouseID); got != sum {
		t.Fatalf("snapshot drifted: on_hand=%d but ledger sum=%d", got, sum)
	}
}

func TestRecordLedgerEntryUpdatesSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	result := f.record(t, ctx, "PURCHASE", 100)
	if result.Snapshot.QuantityOnHand != 100 {
		t.Fatalf("expected on_hand 100, got %d", result.Snapshot.QuantityOnHand)
	}

	result = f.record(t, ctx, "SALE", -35)
	if result.Snapshot.QuantityOnHand != 65 {
		t.Fatalf("expected on_hand 65, got %d", result.Snapshot.QuantityOnHand)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
}

func TestAmendLedgerEntryReversesOldDelta(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	f.record(t, ctx, "PURCHASE", 100)
	sale := f.record(t, ctx, "SALE", -35)
	if f.onHand(t, f.warehouse.ID) != 65 {
		t.Fatalf("expected on_hand 65 before amend, got %d", f.onHand(t, f.warehouse.ID))
	}

	result, err := f.svc.AmendLedgerEntry(ctx, sale.Entry.ID, domain.LedgerEntryRequest{
		ProductID:      f.product.ID,
		WarehouseID:    f.warehouse.ID,
		Type:           "SALE",
		QuantityChange: -20,
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if result.Snapshot.QuantityOnHand != 80 {
		t.Fatalf("expected on_hand 80 after amend, got %d", result.Snapshot.QuantityOnHand)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
}

func TestAmendLedgerEntryPreservesTransactionDate(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	created := f.record(t, ctx, "PURCHASE", 10)
	amended, err := f.svc.AmendLedgerEntry(ctx, created.Entry.ID, domain.LedgerEntryRequest{
		ProductID:      f.product.ID,
		WarehouseID:    f.warehouse.ID,
		Type:           "PURCHASE",
		QuantityChange: 12,
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if !amended.Entry.TransactionDate.Equal(created.Entry.TransactionDate) {
		t.Fatalf("transaction date changed on amend: %v -> %v", created.Entry.TransactionDate, amended.Entry.TransactionDate)
	}
}

func TestAmendLedgerEntryRepointsWarehouse(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	entry := f.record(t, ctx, "PURCHASE", 40)

	_, err := f.svc.AmendLedgerEntry(ctx, entry.Entry.ID, domain.LedgerEntryRequest{
		ProductID:      f.product.ID,
		WarehouseID:    f.warehouse2.ID,
		Type:           "PURCHASE",
		QuantityChange: 40,
	})
	if err != nil {
		t.Fatalf("amend across warehouses: %v", err)
	}

	if got := f.onHand(t, f.warehouse.ID); got != 0 {
		t.Fatalf("old warehouse should be back to 0, got %d", got)
	}
	if got := f.onHand(t, f.warehouse2.ID); got != 40 {
		t.Fatalf("new warehouse should hold 40, got %d", got)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
	f.assertLedgerInvariant(t, f.warehouse2.ID)
}

func TestRemoveLedgerEntryReversesDelta(t *testing.T) {
	f := newFixture(t)

	f.record(t, staffCtx(), "PURCHASE", 100)
	sale := f.record(t, staffCtx(), "SALE", -35)

	snap, err := f.svc.RemoveLedgerEntry(adminCtx(), sale.Entry.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if snap.QuantityOnHand != 100 {
		t.Fatalf("expected on_hand 100 after removing the sale, got %d", snap.QuantityOnHand)
	}

	if _, err := f.svc.GetLedgerEntry(adminCtx(), sale.Entry.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for removed entry, got %v", err)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
}

func TestRemoveLedgerEntryRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	entry := f.record(t, staffCtx(), "PURCHASE", 10)
	_, err := f.svc.RemoveLedgerEntry(staffCtx(), entry.Entry.ID)
	if err == nil || !strings.Contains(err.Error(), "admin role required") {
		t.Fatalf("expected admin role error, got %v", err)
	}

	// The entry and its effect must be untouched.
	if got := f.onHand(t, f.warehouse.ID); got != 10 {
		t.Fatalf("on_hand changed after refused delete: %d", got)
	}
}

func TestZeroDeltaEntryIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	f.record(t, ctx, "PURCHASE", 50)
	result := f.record(t, ctx, "ADJUSTMENT", 0)

	if result.Snapshot.QuantityOnHand != 50 {
		t.Fatalf("zero delta changed on_hand: %d", result.Snapshot.QuantityOnHand)
	}
	if _, err := f.svc.GetLedgerEntry(ctx, result.Entry.ID); err != nil {
		t.Fatalf("zero-delta entry not stored: %v", err)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
}

func TestNegativeOnHandIsAllowed(t *testing.T) {
	f := newFixture(t)

	result := f.record(t, staffCtx(), "SALE", -5)
	if result.Snapshot.QuantityOnHand != -5 {
		t.Fatalf("expected on_hand -5, got %d", result.Snapshot.QuantityOnHand)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
}

func TestSnapshotAbsentReadsAsZero(t *testing.T) {
	f := newFixture(t)

	snap, err := f.svc.GetStock(staffCtx(), f.product.ID, f.warehouse2.ID)
	if err != nil {
		t.Fatalf("get stock for untouched pair: %v", err)
	}
	if snap.QuantityOnHand != 0 || snap.QuantityReserved != 0 || snap.AverageCostCents != 0 {
		t.Fatalf("expected zero-valued snapshot, got %+v", snap)
	}
}

func TestPlainEntryLeavesReservedAndCostUntouched(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ResetStock(adminCtx(), domain.SnapshotResetRequest{
		ProductID:        f.product.ID,
		WarehouseID:      f.warehouse.ID,
		QuantityOnHand:   20,
		QuantityReserved: 7,
		AverageCostCents: 12000,
	})
	if err != nil {
		t.Fatalf("reset stock: %v", err)
	}

	result := f.record(t, staffCtx(), "PURCHASE", 5)
	if result.Snapshot.QuantityReserved != 7 {
		t.Fatalf("reserved quantity was touched: %d", result.Snapshot.QuantityReserved)
	}
	if result.Snapshot.AverageCostCents != 12000 {
		t.Fatalf("average cost was touched: %d", result.Snapshot.AverageCostCents)
	}
	if result.Snapshot.QuantityOnHand != 25 {
		t.Fatalf("expected on_hand 25, got %d", result.Snapshot.QuantityOnHand)
	}
}

func TestAdjustStockTranslatesRecount(t *testing.T) {
	f := newFixture(t)

	f.record(t, staffCtx(), "PURCHASE", 80)

	result, err := f.svc.AdjustStock(staffCtx(), domain.AdjustmentRequest{
		ProductID:   f.product.ID,
		WarehouseID: f.warehouse.ID,
		OldQuantity: 80,
		NewQuantity: 72,
		Reason:      "damaged cartons",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	if result.Adjustment.AdjustmentQuantity != -8 {
		t.Fatalf("expected delta -8, got %d", result.Adjustment.AdjustmentQuantity)
	}
	if result.Entry.Type != domain.EntryTypeAdjustment {
		t.Fatalf("expected ADJUSTMENT ledger entry, got %q", result.Entry.Type)
	}
	if result.Entry.QuantityChange != -8 {
		t.Fatalf("ledger delta mismatch: %d", result.Entry.QuantityChange)
	}
	if !strings.Contains(result.Entry.Notes, "damaged cartons") {
		t.Fatalf("expected reason in ledger notes, got %q", result.Entry.Notes)
	}
	if result.Adjustment.LedgerEntryID != result.Entry.ID {
		t.Fatalf("audit row does not reference the ledger entry")
	}
	if result.Snapshot.QuantityOnHand != 72 {
		t.Fatalf("expected on_hand 72, got %d", result.Snapshot.QuantityOnHand)
	}
	if result.Adjustment.AdjustedBy != "rina" {
		t.Fatalf("expected actor username recorded, got %q", result.Adjustment.AdjustedBy)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)
}

func TestAdjustStockZeroDeltaStillAudited(t *testing.T) {
	f := newFixture(t)

	f.record(t, staffCtx(), "PURCHASE", 30)
	result, err := f.svc.AdjustStock(staffCtx(), domain.AdjustmentRequest{
		ProductID:   f.product.ID,
		WarehouseID: f.warehouse.ID,
		OldQuantity: 30,
		NewQuantity: 30,
		Reason:      "cycle count",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if result.Adjustment.AdjustmentQuantity != 0 {
		t.Fatalf("expected zero delta, got %d", result.Adjustment.AdjustmentQuantity)
	}
	if result.Snapshot.QuantityOnHand != 30 {
		t.Fatalf("on_hand changed on zero-delta recount: %d", result.Snapshot.QuantityOnHand)
	}

	adjustments, err := f.svc.ListAdjustments(staffCtx(), 10)
	if err != nil {
		t.Fatalf("list adjustments: %v", err)
	}
	if len(adjustments) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(adjustments))
	}
}

func TestAdjustmentEntryCannotBeDeletedWhileAudited(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.AdjustStock(staffCtx(), domain.AdjustmentRequest{
		ProductID:   f.product.ID,
		WarehouseID: f.warehouse.ID,
		OldQuantity: 0,
		NewQuantity: 9,
		Reason:      "found stock",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}

	_, err = f.svc.RemoveLedgerEntry(adminCtx(), result.Entry.ID)
	if !errors.Is(err, store.ErrInUse) {
		t.Fatalf("expected ErrInUse for audited entry, got %v", err)
	}
}

func TestDeleteProductWithHistoryRefused(t *testing.T) {
	f := newFixture(t)

	f.record(t, staffCtx(), "PURCHASE", 3)
	err := f.svc.DeleteProduct(adminCtx(), f.product.ID)
	if !errors.Is(err, store.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
}

func TestLedgerInvariantAcrossMixedOperations(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	first := f.record(t, ctx, "PURCHASE", 120)
	f.record(t, ctx, "SALE", -40)
	ret := f.record(t, ctx, "RETURN", 4)

	if _, err := f.svc.AmendLedgerEntry(ctx, first.Entry.ID, domain.LedgerEntryRequest{
		ProductID:      f.product.ID,
		WarehouseID:    f.warehouse.ID,
		Type:           "PURCHASE",
		QuantityChange: 110,
	}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	if _, err := f.svc.RemoveLedgerEntry(adminCtx(), ret.Entry.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.svc.AdjustStock(ctx, domain.AdjustmentRequest{
		ProductID:   f.product.ID,
		WarehouseID: f.warehouse.ID,
		OldQuantity: 70,
		NewQuantity: 68,
		Reason:      "shrinkage",
	}); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	f.assertLedgerInvariant(t, f.warehouse.ID)
	if got := f.onHand(t, f.warehouse.ID); got != 68 {
		t.Fatalf("expected on_hand 68, got %d", got)
	}
}

func TestReceivePurchaseOrderBooksEveryLine(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()

	second, err := f.svc.CreateProduct(ctx, domain.Product{
		Name:       "Teh Celup 25s",
		PriceCents: 8500,
		SupplierID: &f.supplier.ID,
		Active:     true,
	})
	if err != nil {
		t.Fatalf("create second product: %v", err)
	}

	po, err := f.svc.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		SupplierID: f.supplier.ID,
		Items: []domain.PurchaseOrderItem{
			{ProductID: f.product.ID, Quantity: 50, UnitCostCents: 11000},
			{ProductID: second.ID, Quantity: 24, UnitCostCents: 6000},
		},
	})
	if err != nil {
		t.Fatalf("create po: %v", err)
	}
	if po.Status != domain.POStatusPending {
		t.Fatalf("new order should be PENDING, got %s", po.Status)
	}
	if po.TotalCents != 50*11000+24*6000 {
		t.Fatalf("total not derived from lines: %d", po.TotalCents)
	}
	if po.PONumber == "" {
		t.Fatal("expected generated PO number")
	}

	receipt, err := f.svc.ReceivePurchaseOrder(staffCtx(), po.ID, f.warehouse.ID)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if receipt.Order.Status != domain.POStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", receipt.Order.Status)
	}
	if receipt.Order.ReceivedBy != "rina" {
		t.Fatalf("receiver not recorded: %q", receipt.Order.ReceivedBy)
	}
	if len(receipt.Mutations) != 2 {
		t.Fatalf("expected 2 ledger mutations, got %d", len(receipt.Mutations))
	}
	for _, m := range receipt.Mutations {
		if m.Entry.Type != domain.EntryTypePurchase {
			t.Fatalf("expected PURCHASE entries, got %q", m.Entry.Type)
		}
		if m.Entry.ReferenceNumber != po.PONumber {
			t.Fatalf("entry should reference the PO number, got %q", m.Entry.ReferenceNumber)
		}
	}

	if got := f.onHand(t, f.warehouse.ID); got != 50 {
		t.Fatalf("expected on_hand 50 for first product, got %d", got)
	}
	snap, _ := f.svc.GetStock(ctx, f.product.ID, f.warehouse.ID)
	if snap.AverageCostCents != 11000 {
		t.Fatalf("average cost should match first receipt cost, got %d", snap.AverageCostCents)
	}
	f.assertLedgerInvariant(t, f.warehouse.ID)

	// Receiving twice must not double-book stock.
	if _, err := f.svc.ReceivePurchaseOrder(staffCtx(), po.ID, f.warehouse.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict on second receive, got %v", err)
	}
	if got := f.onHand(t, f.warehouse.ID); got != 50 {
		t.Fatalf("second receive changed stock: %d", got)
	}
}

func TestReceiveWeightedAverageCost(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()

	po1, err := f.svc.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		SupplierID: f.supplier.ID,
		Items:      []domain.PurchaseOrderItem{{ProductID: f.product.ID, Quantity: 10, UnitCostCents: 1000}},
	})
	if err != nil {
		t.Fatalf("create po1: %v", err)
	}
	if _, err := f.svc.ReceivePurchaseOrder(ctx, po1.ID, f.warehouse.ID); err != nil {
		t.Fatalf("receive po1: %v", err)
	}

	po2, err := f.svc.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		SupplierID: f.supplier.ID,
		Items:      []domain.PurchaseOrderItem{{ProductID: f.product.ID, Quantity: 30, UnitCostCents: 2000}},
	})
	if err != nil {
		t.Fatalf("create po2: %v", err)
	}
	if _, err := f.svc.ReceivePurchaseOrder(ctx, po2.ID, f.warehouse.ID); err != nil {
		t.Fatalf("receive po2: %v", err)
	}

	snap, err := f.svc.GetStock(ctx, f.product.ID, f.warehouse.ID)
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	// (10*1000 + 30*2000) / 40 = 1750
	if snap.AverageCostCents != 1750 {
		t.Fatalf("expected weighted cost 1750, got %d", snap.AverageCostCents)
	}
	if snap.QuantityOnHand != 40 {
		t.Fatalf("expected on_hand 40, got %d", snap.QuantityOnHand)
	}
}

func TestPurchaseOrderStatusGuards(t *testing.T) {
	f := newFixture(t)
	ctx := adminCtx()

	po, err := f.svc.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		SupplierID: f.supplier.ID,
		Items:      []domain.PurchaseOrderItem{{ProductID: f.product.ID, Quantity: 5, UnitCostCents: 500}},
	})
	if err != nil {
		t.Fatalf("create po: %v", err)
	}

	// RECEIVED only flows through the receive operation.
	if _, err := f.svc.UpdatePurchaseOrderStatus(ctx, po.ID, "RECEIVED"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict setting RECEIVED directly, got %v", err)
	}

	if _, err := f.svc.UpdatePurchaseOrderStatus(ctx, po.ID, "CANCELLED"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.ReceivePurchaseOrder(ctx, po.ID, f.warehouse.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict receiving a cancelled order, got %v", err)
	}

	po2, err := f.svc.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		SupplierID: f.supplier.ID,
		Items:      []domain.PurchaseOrderItem{{ProductID: f.product.ID, Quantity: 5, UnitCostCents: 500}},
	})
	if err != nil {
		t.Fatalf("create po2: %v", err)
	}
	if _, err := f.svc.ReceivePurchaseOrder(ctx, po2.ID, f.warehouse.ID); err != nil {
		t.Fatalf("receive po2: %v", err)
	}
	if err := f.svc.DeletePurchaseOrder(ctx, po2.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict deleting a received order, got %v", err)
	}
}

func TestResetStockRequiresAdminAndRealReferences(t *testing.T) {
	f := newFixture(t)

	if _, err := f.svc.ResetStock(staffCtx(), domain.SnapshotResetRequest{ProductID: f.product.ID, WarehouseID: f.warehouse.ID}); err == nil {
		t.Fatal("expected staff reset to be refused")
	}

	_, err := f.svc.ResetStock(adminCtx(), domain.SnapshotResetRequest{ProductID: 9999, WarehouseID: f.warehouse.ID})
	if !errors.Is(err, store.ErrBadReference) {
		t.Fatalf("expected ErrBadReference for unknown product, got %v", err)
	}
}

// flakyRepo fails the first N stock-affecting calls with ErrTransient,
// then delegates.
type flakyRepo struct {
	store.Repository
	mu       sync.Mutex
	failures int
}

func (f *flakyRepo) CreateLedgerEntry(ctx context.Context, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	f.mu.Lock()
	remaining := f.failures
	if remaining > 0 {
		f.failures--
	}
	f.mu.Unlock()
	if remaining > 0 {
		return nil, store.ErrTransient
	}
	return f.Repository.CreateLedgerEntry(ctx, req)
}

func TestRecordLedgerEntryRetriesTransientFailures(t *testing.T) {
	repo := memory.New()
	flaky := &flakyRepo{Repository: repo, failures: 2}
	svc := New(flaky, nil, time.Second)
	ctx := adminCtx()

	wh, err := svc.CreateWarehouse(ctx, domain.Warehouse{Name: "Gudang", Active: true})
	if err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	product, err := svc.CreateProduct(ctx, domain.Product{Name: "Kopi Bubuk", PriceCents: 12000, Active: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	result, err := svc.RecordLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      product.ID,
		WarehouseID:    wh.ID,
		Type:           "PURCHASE",
		QuantityChange: 6,
	})
	if err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if result.Snapshot.QuantityOnHand != 6 {
		t.Fatalf("expected on_hand 6, got %d", result.Snapshot.QuantityOnHand)
	}
}

func TestRecordLedgerEntryGivesUpAfterRetries(t *testing.T) {
	repo := memory.New()
	flaky := &flakyRepo{Repository: repo, failures: 10}
	svc := New(flaky, nil, time.Second)
	ctx := adminCtx()

	wh, err := svc.CreateWarehouse(ctx, domain.Warehouse{Name: "Gudang", Active: true})
	if err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	product, err := svc.CreateProduct(ctx, domain.Product{Name: "Kopi Bubuk", PriceCents: 12000, Active: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	_, err = svc.RecordLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      product.ID,
		WarehouseID:    wh.ID,
		Type:           "PURCHASE",
		QuantityChange: 6,
	})
	if !errors.Is(err, store.ErrTransient) {
		t.Fatalf("expected ErrTransient after exhausting retries, got %v", err)
	}
}

func TestValidationRejectsBadLedgerRequests(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	cases := []domain.LedgerEntryRequest{
		{ProductID: 0, WarehouseID: f.warehouse.ID, Type: "SALE", QuantityChange: -1},
		{ProductID: f.product.ID, WarehouseID: 0, Type: "SALE", QuantityChange: -1},
		{ProductID: f.product.ID, WarehouseID: f.warehouse.ID, Type: "  ", QuantityChange: -1},
	}
	for i, req := range cases {
		if _, err := f.svc.RecordLedgerEntry(ctx, req); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}

	if _, err := f.svc.RecordLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      9999,
		WarehouseID:    f.warehouse.ID,
		Type:           "SALE",
		QuantityChange: -1,
	}); !errors.Is(err, store.ErrBadReference) {
		t.Fatalf("expected ErrBadReference for unknown product, got %v", err)
	}
}

func TestReorderSuggestionsFlagLowStock(t *testing.T) {
	f := newFixture(t)
	ctx := staffCtx()

	// Reorder level is 10; put 10 on hand (boundary counts as low).
	f.record(t, ctx, "PURCHASE", 10)

	suggestions, err := f.svc.ReorderSuggestions(ctx)
	if err != nil {
		t.Fatalf("reorder suggestions: %v", err)
	}
	if len(suggestions) != 1 || suggestions[0].ProductID != f.product.ID {
		t.Fatalf("expected the product to be flagged, got %+v", suggestions)
	}

	f.record(t, ctx, "PURCHASE", 1)
	suggestions, err = f.svc.ReorderSuggestions(ctx)
	if err != nil {
		t.Fatalf("reorder suggestions: %v", err)
	}
	if len(suggestions) != 0 {
		t.Fatalf("expected no suggestions above reorder level, got %+v", suggestions)
	}
}

type countingCache struct {
	mu     sync.Mutex
	stats  map[string]domain.DashboardStats
	sets   int
	gets   int
	hits   int
	delete int
}

func newCountingCache() *countingCache {
	return &countingCache{stats: make(map[string]domain.DashboardStats)}
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.DashboardStats, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	stats, ok := c.stats[key]
	if !ok {
		return nil, false, nil
	}
	c.hits++
	return &stats, true, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.DashboardStats, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.stats[key] = *value
	return nil
}

func (c *countingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delete++
	delete(c.stats, key)
	return nil
}

func TestDashboardUsesCacheUntilStockChanges(t *testing.T) {
	repo := memory.New()
	cacheStore := newCountingCache()
	svc := New(repo, cacheStore, time.Minute)
	ctx := adminCtx()

	wh, err := svc.CreateWarehouse(ctx, domain.Warehouse{Name: "Gudang", Active: true})
	if err != nil {
		t.Fatalf("create warehouse: %v", err)
	}
	product, err := svc.CreateProduct(ctx, domain.Product{Name: "Sarden Kaleng", PriceCents: 9000, Active: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	if _, err := svc.Dashboard(ctx); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if _, err := svc.Dashboard(ctx); err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if cacheStore.sets != 1 || cacheStore.hits != 1 {
		t.Fatalf("expected one fill and one hit, got sets=%d hits=%d", cacheStore.sets, cacheStore.hits)
	}

	if _, err := svc.RecordLedgerEntry(ctx, domain.LedgerEntryRequest{
		ProductID:      product.ID,
		WarehouseID:    wh.ID,
		Type:           "PURCHASE",
		QuantityChange: 12,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	stats, err := svc.Dashboard(ctx)
	if err != nil {
		t.Fatalf("dashboard after write: %v", err)
	}
	if stats.TotalOnHand != 12 {
		t.Fatalf("stale dashboard after stock write: %+v", stats)
	}
	if cacheStore.delete == 0 {
		t.Fatal("expected cache invalidation on stock write")
	}
}
