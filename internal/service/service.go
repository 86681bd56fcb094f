package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const (
	dashboardCacheKey = "dashboard:stats"

	// Stock-affecting writes are retried this many times on transient
	// storage failures (serialization aborts, deadlocks).
	transientRetries = 3
)

type Service struct {
	repo         store.Repository
	dashboards   cache.DashboardCache
	dashboardTTL time.Duration
}

func New(repo store.Repository, dashboards cache.DashboardCache, dashboardTTL time.Duration) *Service {
	if dashboards == nil {
		dashboards = cache.NoopDashboardCache{}
	}
	if dashboardTTL <= 0 {
		dashboardTTL = 30 * time.Second
	}

	return &Service{
		repo:         repo,
		dashboards:   dashboards,
		dashboardTTL: dashboardTTL,
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}
	return nil
}

// withRetry reruns fn on store.ErrTransient with a short linear
// backoff. Any other outcome is returned as-is.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if err = fn(); err == nil || !errors.Is(err, store.ErrTransient) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return err
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	if err := s.dashboards.Delete(ctx, dashboardCacheKey); err != nil {
		log.Printf("[service] WARN: failed to invalidate dashboard cache: %v", err)
	}
}

// --- Categories ---

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.repo.ListCategories(ctx)
}

func (s *Service) GetCategory(ctx context.Context, id int64) (*domain.Category, error) {
	return s.repo.GetCategoryByID(ctx, id)
}

func (s *Service) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.CreateCategory(ctx, category)
}

func (s *Service) UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	category.Name = strings.TrimSpace(category.Name)
	if category.ID < 1 || category.Name == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.UpdateCategory(ctx, category)
}

func (s *Service) DeleteCategory(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteCategory(ctx, id)
}

// --- Suppliers ---

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) GetSupplier(ctx context.Context, id int64) (*domain.Supplier, error) {
	return s.repo.GetSupplierByID(ctx, id)
}

func (s *Service) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.CreateSupplier(ctx, supplier)
}

func (s *Service) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.ID < 1 || supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.UpdateSupplier(ctx, supplier)
}

func (s *Service) DeleteSupplier(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteSupplier(ctx, id)
}

// --- Warehouses ---

func (s *Service) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

func (s *Service) GetWarehouse(ctx context.Context, id int64) (*domain.Warehouse, error) {
	return s.repo.GetWarehouseByID(ctx, id)
}

func (s *Service) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	warehouse.Name = strings.TrimSpace(warehouse.Name)
	if warehouse.Name == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.CreateWarehouse(ctx, warehouse)
}

func (s *Service) UpdateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	warehouse.Name = strings.TrimSpace(warehouse.Name)
	if warehouse.ID < 1 || warehouse.Name == "" {
		return nil, store.ErrInvalidInput
	}
	return s.repo.UpdateWarehouse(ctx, warehouse)
}

func (s *Service) DeleteWarehouse(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	return s.repo.DeleteWarehouse(ctx, id)
}

// --- Products ---

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	product.Name = strings.TrimSpace(product.Name)
	if product.Name == "" || product.PriceCents < 0 || product.ReorderLevel < 0 {
		return nil, store.ErrInvalidInput
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product_create", fmt.Sprintf("id=%d,name=%s", created.ID, created.Name))
	s.invalidateDashboard(ctx)
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	product.Name = strings.TrimSpace(product.Name)
	if product.ID < 1 || product.Name == "" || product.PriceCents < 0 || product.ReorderLevel < 0 {
		return nil, store.ErrInvalidInput
	}

	saved, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product_update", fmt.Sprintf("id=%d,active=%t", saved.ID, saved.Active))
	s.invalidateDashboard(ctx)
	return saved, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", fmt.Sprintf("id=%d", id))
	s.invalidateDashboard(ctx)
	return nil
}

// --- Stock snapshots ---

func (s *Service) GetStock(ctx context.Context, productID int64, warehouseID int64) (domain.InventorySnapshot, error) {
	if productID < 1 || warehouseID < 1 {
		return domain.InventorySnapshot{}, store.ErrInvalidInput
	}
	return s.repo.GetSnapshot(ctx, productID, warehouseID)
}

func (s *Service) ListStock(ctx context.Context) ([]domain.InventorySnapshot, error) {
	return s.repo.ListSnapshots(ctx)
}

// ResetStock overwrites a snapshot row without a ledger entry. Admin
// only; it exists for correcting rows whose history predates the
// ledger.
func (s *Service) ResetStock(ctx context.Context, req domain.SnapshotResetRequest) (*domain.InventorySnapshot, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if req.ProductID < 1 || req.WarehouseID < 1 {
		return nil, store.ErrInvalidInput
	}
	if _, err := s.repo.GetProductByID(ctx, req.ProductID); err != nil {
		return nil, badReferenceIfMissing(err)
	}
	if _, err := s.repo.GetWarehouseByID(ctx, req.WarehouseID); err != nil {
		return nil, badReferenceIfMissing(err)
	}

	snap, err := s.repo.ResetSnapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock_reset", fmt.Sprintf("product=%d,warehouse=%d,on_hand=%d", req.ProductID, req.WarehouseID, req.QuantityOnHand))
	s.invalidateDashboard(ctx)
	return snap, nil
}

// --- Ledger ---

func normalizeLedgerRequest(req *domain.LedgerEntryRequest) error {
	req.Type = strings.ToUpper(strings.TrimSpace(req.Type))
	req.ReferenceNumber = strings.TrimSpace(req.ReferenceNumber)
	if req.ProductID < 1 || req.WarehouseID < 1 || req.Type == "" {
		return store.ErrInvalidInput
	}
	if req.UnitCostCents != nil && *req.UnitCostCents < 0 {
		return store.ErrInvalidInput
	}
	return nil
}

// RecordLedgerEntry appends a signed quantity movement and updates the
// pair's snapshot in the same storage transaction. A zero delta is
// legal: the entry is still recorded.
func (s *Service) RecordLedgerEntry(ctx context.Context, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	if err := normalizeLedgerRequest(&req); err != nil {
		return nil, err
	}

	var result *domain.LedgerMutation
	err := withRetry(ctx, func() error {
		var err error
		result, err = s.repo.CreateLedgerEntry(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "ledger_create", fmt.Sprintf("id=%d,product=%d,warehouse=%d,change=%d", result.Entry.ID, req.ProductID, req.WarehouseID, req.QuantityChange))
	s.invalidateDashboard(ctx)
	return result, nil
}

func (s *Service) GetLedgerEntry(ctx context.Context, id int64) (*domain.LedgerEntry, error) {
	if id < 1 {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetLedgerEntry(ctx, id)
}

// AmendLedgerEntry rewrites an existing entry. The old delta is
// reversed on the old pair and the new delta applied on the new pair,
// so the edit may re-point the entry at a different product or
// warehouse without leaving drift behind.
func (s *Service) AmendLedgerEntry(ctx context.Context, id int64, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	if id < 1 {
		return nil, store.ErrInvalidInput
	}
	if err := normalizeLedgerRequest(&req); err != nil {
		return nil, err
	}

	var result *domain.LedgerMutation
	err := withRetry(ctx, func() error {
		var err error
		result, err = s.repo.UpdateLedgerEntry(ctx, id, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "ledger_update", fmt.Sprintf("id=%d,change=%d", id, req.QuantityChange))
	s.invalidateDashboard(ctx)
	return result, nil
}

// RemoveLedgerEntry deletes an entry and reverses its delta from the
// snapshot. Admin only.
func (s *Service) RemoveLedgerEntry(ctx context.Context, id int64) (*domain.InventorySnapshot, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if id < 1 {
		return nil, store.ErrInvalidInput
	}

	var snap *domain.InventorySnapshot
	err := withRetry(ctx, func() error {
		var err error
		snap, err = s.repo.DeleteLedgerEntry(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "ledger_delete", fmt.Sprintf("id=%d", id))
	s.invalidateDashboard(ctx)
	return snap, nil
}

func (s *Service) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	if filter.Limit < 1 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Type = strings.ToUpper(strings.TrimSpace(filter.Type))
	return s.repo.ListLedgerEntries(ctx, filter)
}

// --- Adjustments ---

// AdjustStock reconciles a physical recount. The caller reports the
// quantity it saw before counting and the quantity it counted; the
// difference becomes an ADJUSTMENT ledger entry, and the recount itself
// is kept as an audit record pointing at that entry.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentResult, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}

	req.Reason = strings.TrimSpace(req.Reason)
	req.AdjustedBy = strings.TrimSpace(req.AdjustedBy)
	if req.AdjustedBy == "" {
		req.AdjustedBy = actor.Username
	}
	if req.ProductID < 1 || req.WarehouseID < 1 || req.Reason == "" {
		return nil, store.ErrInvalidInput
	}

	var result *domain.AdjustmentResult
	err := withRetry(ctx, func() error {
		var err error
		result, err = s.repo.CreateAdjustment(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock_adjust", fmt.Sprintf("product=%d,warehouse=%d,delta=%d,reason=%s", req.ProductID, req.WarehouseID, result.Adjustment.AdjustmentQuantity, req.Reason))
	s.invalidateDashboard(ctx)
	return result, nil
}

func (s *Service) ListAdjustments(ctx context.Context, limit int) ([]domain.StockAdjustment, error) {
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListAdjustments(ctx, limit)
}

// --- Purchase orders ---

func (s *Service) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if po.SupplierID < 1 || len(po.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	var total int64
	for _, item := range po.Items {
		if item.ProductID < 1 || item.Quantity < 1 || item.UnitCostCents < 0 {
			return nil, store.ErrInvalidInput
		}
		total += item.UnitCostCents * int64(item.Quantity)
	}
	if po.TotalCents == 0 {
		po.TotalCents = total
	}
	po.Status = domain.POStatusPending

	saved, err := s.repo.CreatePurchaseOrder(ctx, po)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "purchase_order_create", fmt.Sprintf("id=%d,po=%s,items=%d", saved.ID, saved.PONumber, len(saved.Items)))
	s.invalidateDashboard(ctx)
	return saved, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id int64) (*domain.PurchaseOrder, error) {
	if id < 1 {
		return nil, store.ErrInvalidInput
	}
	return s.repo.GetPurchaseOrderByID(ctx, id)
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListPurchaseOrders(ctx, status, limit)
}

func validPOStatus(status string) bool {
	switch status {
	case domain.POStatusPending, domain.POStatusOrdered, domain.POStatusReceived, domain.POStatusCancelled:
		return true
	}
	return false
}

// UpdatePurchaseOrderStatus moves an order between the non-terminal
// states. RECEIVED is rejected here; it is only reachable through
// ReceivePurchaseOrder so stock is always booked alongside it.
func (s *Service) UpdatePurchaseOrderStatus(ctx context.Context, id int64, status string) (*domain.PurchaseOrder, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	status = strings.ToUpper(strings.TrimSpace(status))
	if id < 1 || !validPOStatus(status) {
		return nil, store.ErrInvalidInput
	}

	saved, err := s.repo.UpdatePurchaseOrderStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "purchase_order_status", fmt.Sprintf("id=%d,status=%s", id, status))
	s.invalidateDashboard(ctx)
	return saved, nil
}

func (s *Service) DeletePurchaseOrder(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if id < 1 {
		return store.ErrInvalidInput
	}

	po, err := s.repo.GetPurchaseOrderByID(ctx, id)
	if err != nil {
		return err
	}
	// A received order already moved stock; its paper trail stays.
	if po.Status == domain.POStatusReceived {
		return store.ErrConflict
	}

	if err := s.repo.DeletePurchaseOrder(ctx, id); err != nil {
		return err
	}
	s.logAudit(ctx, "purchase_order_delete", fmt.Sprintf("id=%d,po=%s", id, po.PONumber))
	s.invalidateDashboard(ctx)
	return nil
}

// ReceivePurchaseOrder books every line item into the given warehouse.
// Any authenticated actor may receive; the receiver is recorded on the
// order.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, id int64, warehouseID int64) (*domain.PurchaseOrderReceipt, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("authenticated actor required")
	}
	if id < 1 || warehouseID < 1 {
		return nil, store.ErrInvalidInput
	}
	if _, err := s.repo.GetWarehouseByID(ctx, warehouseID); err != nil {
		return nil, badReferenceIfMissing(err)
	}

	var receipt *domain.PurchaseOrderReceipt
	err := withRetry(ctx, func() error {
		var err error
		receipt, err = s.repo.ReceivePurchaseOrder(ctx, id, warehouseID, actor.Username, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "purchase_order_receive", fmt.Sprintf("id=%d,po=%s,warehouse=%d,lines=%d", id, receipt.Order.PONumber, warehouseID, len(receipt.Mutations)))
	s.invalidateDashboard(ctx)
	return receipt, nil
}

// --- Reporting ---

func (s *Service) Dashboard(ctx context.Context) (domain.DashboardStats, error) {
	if cached, ok, err := s.dashboards.Get(ctx, dashboardCacheKey); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[service] WARN: dashboard cache read failed: %v", err)
	}

	stats, err := s.repo.DashboardStats(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	if err := s.dashboards.Set(ctx, dashboardCacheKey, &stats, s.dashboardTTL); err != nil {
		log.Printf("[service] WARN: dashboard cache write failed: %v", err)
	}
	return stats, nil
}

func (s *Service) ReorderSuggestions(ctx context.Context) ([]domain.ReorderSuggestion, error) {
	return s.repo.ReorderSuggestions(ctx)
}

// --- Helpers ---

// badReferenceIfMissing turns a lookup miss on a referenced record into
// ErrBadReference so callers see "the thing you pointed at does not
// exist" rather than a 404 on the operation itself.
func badReferenceIfMissing(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return store.ErrBadReference
	}
	return err
}

func (s *Service) logAudit(ctx context.Context, action string, detail string) {
	username := "anonymous"
	if actor, ok := ActorFromContext(ctx); ok {
		username = actor.Username
	}
	log.Printf("[audit] action=%s user=%s %s", action, username, detail)
}
