package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/refnum"
	"gudangku/backend/internal/store"
)

type pairKey struct {
	productID   int64
	warehouseID int64
}

// Store is the in-memory Repository used by tests and by dev mode when
// DATABASE_URL is unset. All operations run under one mutex, so every
// ledger+snapshot write is trivially atomic.
type Store struct {
	mu sync.RWMutex

	categories  map[int64]domain.Category
	suppliers   map[int64]domain.Supplier
	warehouses  map[int64]domain.Warehouse
	products    map[int64]domain.Product
	snapshots   map[pairKey]domain.InventorySnapshot
	ledger      map[int64]domain.LedgerEntry
	adjustments map[int64]domain.StockAdjustment
	orders      map[int64]domain.PurchaseOrder
	users       map[string]domain.UserAccount

	nextID int64
}

func New() *Store {
	return &Store{
		categories:  make(map[int64]domain.Category),
		suppliers:   make(map[int64]domain.Supplier),
		warehouses:  make(map[int64]domain.Warehouse),
		products:    make(map[int64]domain.Product),
		snapshots:   make(map[pairKey]domain.InventorySnapshot),
		ledger:      make(map[int64]domain.LedgerEntry),
		adjustments: make(map[int64]domain.StockAdjustment),
		orders:      make(map[int64]domain.PurchaseOrder),
		users:       seedUsers(),
	}
}

// NewSeeded returns a store pre-loaded with a small catalog and opening
// stock. Opening stock is booked through the ledger path so the
// snapshot invariant holds from the first read.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	categories := []domain.Category{
		{Name: "minuman", Description: "Minuman kemasan"},
		{Name: "sembako", Description: "Kebutuhan pokok"},
		{Name: "perawatan", Description: "Perawatan rumah tangga"},
	}
	for _, c := range categories {
		c.ID = s.nextSeq()
		s.categories[c.ID] = c
	}

	suppliers := []domain.Supplier{
		{Name: "PT Sumber Makmur", ContactPerson: "Budi Santoso", Phone: "021-555-0101", Email: "order@sumbermakmur.co.id", Address: "Jl. Industri 12, Jakarta", CreatedAt: now},
		{Name: "CV Tani Jaya", ContactPerson: "Siti Rahma", Phone: "031-555-0202", Email: "sales@tanijaya.id", Address: "Jl. Raya Darmo 88, Surabaya", CreatedAt: now},
	}
	for _, sp := range suppliers {
		sp.ID = s.nextSeq()
		s.suppliers[sp.ID] = sp
	}

	warehouses := []domain.Warehouse{
		{Name: "Gudang Pusat", Location: "Jakarta Timur", ManagerName: "Agus Wijaya", Phone: "021-555-0303", Active: true},
		{Name: "Gudang Surabaya", Location: "Surabaya", ManagerName: "Dewi Lestari", Phone: "031-555-0404", Active: true},
	}
	for _, w := range warehouses {
		w.ID = s.nextSeq()
		s.warehouses[w.ID] = w
	}

	catIDs := sortedKeys(s.categories)
	supIDs := sortedKeys(s.suppliers)
	whIDs := sortedKeys(s.warehouses)

	products := []domain.Product{
		{Name: "Air Mineral 600ml", Description: "Karton isi 24", PriceCents: 4500, ReorderLevel: 40, UnitOfMeasure: "pcs", CategoryID: &catIDs[0], SupplierID: &supIDs[0], Active: true, CreatedAt: now},
		{Name: "Beras Premium 5kg", Description: "", PriceCents: 78000, ReorderLevel: 15, UnitOfMeasure: "sak", CategoryID: &catIDs[1], SupplierID: &supIDs[1], Active: true, CreatedAt: now},
		{Name: "Minyak Goreng 2L", Description: "", PriceCents: 36500, ReorderLevel: 20, UnitOfMeasure: "btl", CategoryID: &catIDs[1], SupplierID: &supIDs[1], Active: true, CreatedAt: now},
		{Name: "Sabun Cuci 800g", Description: "", PriceCents: 21500, ReorderLevel: 25, UnitOfMeasure: "pcs", CategoryID: &catIDs[2], SupplierID: &supIDs[0], Active: true, CreatedAt: now},
	}
	openingQty := []int{120, 60, 80, 45}
	for i, p := range products {
		p.ID = s.nextSeq()
		s.products[p.ID] = p

		cost := p.PriceCents * 7 / 10
		if _, err := s.createLedgerEntryLocked(domain.LedgerEntryRequest{
			ProductID:       p.ID,
			WarehouseID:     whIDs[0],
			Type:            domain.EntryTypePurchase,
			QuantityChange:  openingQty[i],
			UnitCostCents:   &cost,
			ReferenceNumber: "SEED",
			Notes:           "opening stock",
		}, now); err != nil {
			log.Fatalf("[memory-store] seed ledger entry: %v", err)
		}
		key := pairKey{p.ID, whIDs[0]}
		snap := s.snapshots[key]
		snap.AverageCostCents = cost
		s.snapshots[key] = snap
	}

	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo
// mode. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_STAFF_PASSWORD; hardcoded dev defaults are used with a warning
// when unset. Production deployments use PostgreSQL-backed users.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_STAFF_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"staff", staffPwd, "staff"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) nextSeq() int64 {
	s.nextID++
	return s.nextID
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// --- Categories ---

func (s *Store) ListCategories(_ context.Context) ([]domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		count := 0
		for _, p := range s.products {
			if p.CategoryID != nil && *p.CategoryID == c.ID {
				count++
			}
		}
		c.ProductCount = count
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) GetCategoryByID(_ context.Context, id int64) (*domain.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.categories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	category.ID = s.nextSeq()
	category.ProductCount = 0
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) UpdateCategory(_ context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[category.ID]; !ok {
		return nil, store.ErrNotFound
	}
	category.ProductCount = 0
	s.categories[category.ID] = category
	return &category, nil
}

func (s *Store) DeleteCategory(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.categories[id]; !ok {
		return store.ErrNotFound
	}
	for _, p := range s.products {
		if p.CategoryID != nil && *p.CategoryID == id {
			return store.ErrInUse
		}
	}
	delete(s.categories, id)
	return nil
}

// --- Suppliers ---

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sp := range s.suppliers {
		result = append(result, sp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (s *Store) GetSupplierByID(_ context.Context, id int64) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sp, ok := s.suppliers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sp, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	supplier.ID = s.nextSeq()
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliers[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) UpdateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.suppliers[supplier.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	supplier.CreatedAt = current.CreatedAt
	s.suppliers[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) DeleteSupplier(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[id]; !ok {
		return store.ErrNotFound
	}
	for _, p := range s.products {
		if p.SupplierID != nil && *p.SupplierID == id {
			return store.ErrInUse
		}
	}
	for _, po := range s.orders {
		if po.SupplierID == id {
			return store.ErrInUse
		}
	}
	delete(s.suppliers, id)
	return nil
}

// --- Warehouses ---

func (s *Store) ListWarehouses(_ context.Context) ([]domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Warehouse, 0, len(s.warehouses))
	for _, w := range s.warehouses {
		result = append(result, w)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (s *Store) GetWarehouseByID(_ context.Context, id int64) (*domain.Warehouse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.warehouses[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (s *Store) CreateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if strings.TrimSpace(warehouse.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	warehouse.ID = s.nextSeq()
	s.warehouses[warehouse.ID] = warehouse
	return &warehouse, nil
}

func (s *Store) UpdateWarehouse(_ context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if strings.TrimSpace(warehouse.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.warehouses[warehouse.ID]; !ok {
		return nil, store.ErrNotFound
	}
	s.warehouses[warehouse.ID] = warehouse
	return &warehouse, nil
}

func (s *Store) DeleteWarehouse(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.warehouses[id]; !ok {
		return store.ErrNotFound
	}
	for _, e := range s.ledger {
		if e.WarehouseID == id {
			return store.ErrInUse
		}
	}
	for key := range s.snapshots {
		if key.warehouseID == id {
			return store.ErrInUse
		}
	}
	delete(s.warehouses, id)
	return nil
}

// --- Products ---

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (s *Store) GetProductByID(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.CategoryID != nil {
		if _, ok := s.categories[*product.CategoryID]; !ok {
			return nil, store.ErrBadReference
		}
	}
	if product.SupplierID != nil {
		if _, ok := s.suppliers[*product.SupplierID]; !ok {
			return nil, store.ErrBadReference
		}
	}

	product.ID = s.nextSeq()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	if product.UnitOfMeasure == "" {
		product.UnitOfMeasure = "pcs"
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if product.CategoryID != nil {
		if _, ok := s.categories[*product.CategoryID]; !ok {
			return nil, store.ErrBadReference
		}
	}
	if product.SupplierID != nil {
		if _, ok := s.suppliers[*product.SupplierID]; !ok {
			return nil, store.ErrBadReference
		}
	}
	product.CreatedAt = current.CreatedAt
	if product.UnitOfMeasure == "" {
		product.UnitOfMeasure = current.UnitOfMeasure
	}
	s.products[product.ID] = product
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	for _, e := range s.ledger {
		if e.ProductID == id {
			return store.ErrInUse
		}
	}
	for key := range s.snapshots {
		if key.productID == id {
			return store.ErrInUse
		}
	}
	for _, po := range s.orders {
		for _, item := range po.Items {
			if item.ProductID == id {
				return store.ErrInUse
			}
		}
	}
	delete(s.products, id)
	return nil
}

// --- Snapshots ---

func (s *Store) GetSnapshot(_ context.Context, productID int64, warehouseID int64) (domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked(productID, warehouseID), nil
}

// snapshotLocked returns the stored row or a zero-valued one. Callers
// hold at least the read lock.
func (s *Store) snapshotLocked(productID int64, warehouseID int64) domain.InventorySnapshot {
	if snap, ok := s.snapshots[pairKey{productID, warehouseID}]; ok {
		return snap
	}
	return domain.InventorySnapshot{ProductID: productID, WarehouseID: warehouseID}
}

func (s *Store) ListSnapshots(_ context.Context) ([]domain.InventorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.InventorySnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ProductID != result[j].ProductID {
			return result[i].ProductID < result[j].ProductID
		}
		return result[i].WarehouseID < result[j].WarehouseID
	})
	return result, nil
}

func (s *Store) ResetSnapshot(_ context.Context, req domain.SnapshotResetRequest) (*domain.InventorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[req.ProductID]; !ok {
		return nil, store.ErrBadReference
	}
	if _, ok := s.warehouses[req.WarehouseID]; !ok {
		return nil, store.ErrBadReference
	}

	snap := domain.InventorySnapshot{
		ProductID:        req.ProductID,
		WarehouseID:      req.WarehouseID,
		QuantityOnHand:   req.QuantityOnHand,
		QuantityReserved: req.QuantityReserved,
		AverageCostCents: req.AverageCostCents,
		LastUpdated:      time.Now().UTC(),
	}
	s.snapshots[pairKey{req.ProductID, req.WarehouseID}] = snap
	return &snap, nil
}

// --- Ledger / consistency engine ---

func (s *Store) CreateLedgerEntry(_ context.Context, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.createLedgerEntryLocked(req, time.Now().UTC())
}

func (s *Store) createLedgerEntryLocked(req domain.LedgerEntryRequest, at time.Time) (*domain.LedgerMutation, error) {
	if _, ok := s.products[req.ProductID]; !ok {
		return nil, store.ErrBadReference
	}
	if _, ok := s.warehouses[req.WarehouseID]; !ok {
		return nil, store.ErrBadReference
	}

	entry := domain.LedgerEntry{
		ID:              s.nextSeq(),
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		Type:            req.Type,
		QuantityChange:  req.QuantityChange,
		UnitCostCents:   req.UnitCostCents,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		TransactionDate: at,
	}
	s.ledger[entry.ID] = entry

	snap := s.applyDeltaLocked(req.ProductID, req.WarehouseID, req.QuantityChange, at)
	return &domain.LedgerMutation{Entry: entry, Snapshot: snap}, nil
}

// applyDeltaLocked adds delta to the pair's on-hand quantity, creating
// the snapshot row lazily. Reserved quantity and average cost pass
// through untouched.
func (s *Store) applyDeltaLocked(productID int64, warehouseID int64, delta int, at time.Time) domain.InventorySnapshot {
	key := pairKey{productID, warehouseID}
	snap := s.snapshotLocked(productID, warehouseID)
	snap.QuantityOnHand += delta
	snap.LastUpdated = at
	s.snapshots[key] = snap
	return snap
}

func (s *Store) GetLedgerEntry(_ context.Context, id int64) (*domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.ledger[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (s *Store) UpdateLedgerEntry(_ context.Context, id int64, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.ledger[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if _, ok := s.products[req.ProductID]; !ok {
		return nil, store.ErrBadReference
	}
	if _, ok := s.warehouses[req.WarehouseID]; !ok {
		return nil, store.ErrBadReference
	}

	now := time.Now().UTC()

	// Reverse the old delta on the old pair, then apply the new delta on
	// the new pair. When the pairs match this nets out on one row.
	s.applyDeltaLocked(old.ProductID, old.WarehouseID, -old.QuantityChange, now)
	snap := s.applyDeltaLocked(req.ProductID, req.WarehouseID, req.QuantityChange, now)

	entry := domain.LedgerEntry{
		ID:              id,
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		Type:            req.Type,
		QuantityChange:  req.QuantityChange,
		UnitCostCents:   req.UnitCostCents,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		TransactionDate: old.TransactionDate,
	}
	s.ledger[id] = entry
	return &domain.LedgerMutation{Entry: entry, Snapshot: snap}, nil
}

func (s *Store) DeleteLedgerEntry(_ context.Context, id int64) (*domain.InventorySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.ledger[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	for _, adj := range s.adjustments {
		if adj.LedgerEntryID == id {
			return nil, store.ErrInUse
		}
	}

	snap := s.applyDeltaLocked(entry.ProductID, entry.WarehouseID, -entry.QuantityChange, time.Now().UTC())
	delete(s.ledger, id)
	return &snap, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0, len(s.ledger))
	for _, e := range s.ledger {
		if filter.ProductID != nil && e.ProductID != *filter.ProductID {
			continue
		}
		if filter.WarehouseID != nil && e.WarehouseID != *filter.WarehouseID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].TransactionDate.Equal(result[j].TransactionDate) {
			return result[i].TransactionDate.After(result[j].TransactionDate)
		}
		return result[i].ID > result[j].ID
	})

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(result) {
		return []domain.LedgerEntry{}, nil
	}
	result = result[offset:]
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// --- Adjustments ---

func (s *Store) CreateAdjustment(_ context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	delta := req.NewQuantity - req.OldQuantity

	mutation, err := s.createLedgerEntryLocked(domain.LedgerEntryRequest{
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		Type:            domain.EntryTypeAdjustment,
		QuantityChange:  delta,
		ReferenceNumber: refnum.New("ADJ"),
		Notes:           "Stock adjustment: " + req.Reason,
	}, now)
	if err != nil {
		return nil, err
	}

	adj := domain.StockAdjustment{
		ID:                 s.nextSeq(),
		ProductID:          req.ProductID,
		WarehouseID:        req.WarehouseID,
		OldQuantity:        req.OldQuantity,
		NewQuantity:        req.NewQuantity,
		AdjustmentQuantity: delta,
		Reason:             req.Reason,
		AdjustedBy:         req.AdjustedBy,
		Notes:              req.Notes,
		LedgerEntryID:      mutation.Entry.ID,
		AdjustmentDate:     now,
	}
	s.adjustments[adj.ID] = adj

	return &domain.AdjustmentResult{
		Adjustment: adj,
		Entry:      mutation.Entry,
		Snapshot:   mutation.Snapshot,
	}, nil
}

func (s *Store) ListAdjustments(_ context.Context, limit int) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockAdjustment, 0, len(s.adjustments))
	for _, adj := range s.adjustments {
		result = append(result, adj)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].AdjustmentDate.Equal(result[j].AdjustmentDate) {
			return result[i].AdjustmentDate.After(result[j].AdjustmentDate)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Purchase orders ---

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.suppliers[po.SupplierID]; !ok {
		return nil, store.ErrBadReference
	}
	for _, item := range po.Items {
		if _, ok := s.products[item.ProductID]; !ok {
			return nil, store.ErrBadReference
		}
		if item.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
	}
	if po.PONumber == "" {
		po.PONumber = refnum.New("PO")
	}
	for _, existing := range s.orders {
		if existing.PONumber == po.PONumber {
			return nil, store.ErrConflict
		}
	}
	if po.Status == "" {
		po.Status = domain.POStatusPending
	}
	if po.OrderDate.IsZero() {
		po.OrderDate = time.Now().UTC()
	}

	po.ID = s.nextSeq()
	items := make([]domain.PurchaseOrderItem, len(po.Items))
	for i, item := range po.Items {
		item.ID = s.nextSeq()
		items[i] = item
	}
	po.Items = items
	s.orders[po.ID] = po
	return &po, nil
}

func (s *Store) GetPurchaseOrderByID(_ context.Context, id int64) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &po, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PurchaseOrder, 0, len(s.orders))
	for _, po := range s.orders {
		if status != "" && po.Status != status {
			continue
		}
		result = append(result, po)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) UpdatePurchaseOrderStatus(_ context.Context, id int64, status string) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	// RECEIVED is only reachable through ReceivePurchaseOrder, which
	// books the stock.
	if status == domain.POStatusReceived || po.Status == domain.POStatusReceived {
		return nil, store.ErrConflict
	}
	po.Status = status
	s.orders[id] = po
	return &po, nil
}

func (s *Store) DeletePurchaseOrder(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.orders, id)
	return nil
}

func (s *Store) ReceivePurchaseOrder(_ context.Context, id int64, warehouseID int64, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrderReceipt, error) {
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	receivedBy = strings.TrimSpace(receivedBy)
	if receivedBy == "" {
		receivedBy = "system"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	po, ok := s.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if po.Status == domain.POStatusReceived || po.Status == domain.POStatusCancelled {
		return nil, store.ErrConflict
	}
	if _, ok := s.warehouses[warehouseID]; !ok {
		return nil, store.ErrBadReference
	}
	if len(po.Items) == 0 {
		return nil, store.ErrInvalidInput
	}

	mutations := make([]domain.LedgerMutation, 0, len(po.Items))
	for _, item := range po.Items {
		cost := item.UnitCostCents
		mutation, err := s.createLedgerEntryLocked(domain.LedgerEntryRequest{
			ProductID:       item.ProductID,
			WarehouseID:     warehouseID,
			Type:            domain.EntryTypePurchase,
			QuantityChange:  item.Quantity,
			UnitCostCents:   &cost,
			ReferenceNumber: po.PONumber,
			Notes:           "purchase order receipt",
		}, receivedAt)
		if err != nil {
			return nil, err
		}

		key := pairKey{item.ProductID, warehouseID}
		snap := s.snapshots[key]
		prevQty := snap.QuantityOnHand - item.Quantity
		snap.AverageCostCents = weightedCostCents(snap.AverageCostCents, prevQty, item.UnitCostCents, item.Quantity)
		s.snapshots[key] = snap
		mutation.Snapshot = snap

		mutations = append(mutations, *mutation)
	}

	po.Status = domain.POStatusReceived
	po.ReceivedBy = receivedBy
	at := receivedAt
	po.ReceivedAt = &at
	s.orders[id] = po

	return &domain.PurchaseOrderReceipt{Order: po, Mutations: mutations}, nil
}

// weightedCostCents computes the incoming-weighted average unit cost.
// Zero or negative prior state falls back to the incoming cost.
func weightedCostCents(oldCost int64, oldQty int, incomingCost int64, incomingQty int) int64 {
	if incomingQty <= 0 || incomingCost <= 0 {
		return oldCost
	}
	if oldQty <= 0 || oldCost <= 0 {
		return incomingCost
	}
	totalQty := int64(oldQty) + int64(incomingQty)
	totalValue := oldCost*int64(oldQty) + incomingCost*int64(incomingQty)
	weighted := (totalValue + totalQty/2) / totalQty
	if weighted < 1 {
		return 1
	}
	return weighted
}

// --- Reporting ---

func (s *Store) DashboardStats(_ context.Context) (domain.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.DashboardStats
	for _, p := range s.products {
		if p.Active {
			stats.TotalProducts++
		}
	}
	for _, snap := range s.snapshots {
		stats.TotalOnHand += int64(snap.QuantityOnHand)
	}
	stats.TotalSuppliers = int64(len(s.suppliers))
	for _, po := range s.orders {
		if po.Status == domain.POStatusPending {
			stats.PendingOrders++
		}
	}
	return stats, nil
}

func (s *Store) ReorderSuggestions(_ context.Context) ([]domain.ReorderSuggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := make(map[int64]int, len(s.products))
	for key, snap := range s.snapshots {
		totals[key.productID] += snap.QuantityOnHand
	}

	result := make([]domain.ReorderSuggestion, 0, 8)
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		if totals[p.ID] > p.ReorderLevel {
			continue
		}
		result = append(result, domain.ReorderSuggestion{
			ProductID:    p.ID,
			ProductName:  p.Name,
			TotalOnHand:  totals[p.ID],
			ReorderLevel: p.ReorderLevel,
			SupplierID:   p.SupplierID,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "staff"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrConflict
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		result = append(result, user)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}
