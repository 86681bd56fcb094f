package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/refnum"
	"gudangku/backend/internal/store"
)

// Store is the PostgreSQL-backed Repository. Stock-affecting writes run
// in serializable transactions with FOR UPDATE locks on the affected
// snapshot rows; serialization failures surface as store.ErrTransient
// so the service layer can retry.
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

// --- Categories ---

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.description, COUNT(p.id)
		FROM categories c
		LEFT JOIN products p ON p.category_id = c.id
		GROUP BY c.id, c.name, c.description
		ORDER BY c.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	categories := make([]domain.Category, 0, 16)
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.ProductCount); err != nil {
			return nil, err
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) GetCategoryByID(ctx context.Context, id int64) (*domain.Category, error) {
	var c domain.Category
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description FROM categories WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Description)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO categories (name, description) VALUES ($1, $2) RETURNING id
	`, category.Name, category.Description).Scan(&category.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &category, nil
}

func (s *Store) UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error) {
	if strings.TrimSpace(category.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE categories SET name = $2, description = $3 WHERE id = $1
	`, category.ID, category.Name, category.Description)
	if err != nil {
		return nil, mapPgError(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return &category, nil
}

func (s *Store) DeleteCategory(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInUse
		}
		return err
	}
	return requireAffected(res)
}

// --- Suppliers ---

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact_person, phone, email, address, created_at
		FROM suppliers
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 16)
	for rows.Next() {
		var sp domain.Supplier
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.ContactPerson, &sp.Phone, &sp.Email, &sp.Address, &sp.CreatedAt); err != nil {
			return nil, err
		}
		sp.CreatedAt = sp.CreatedAt.UTC()
		suppliers = append(suppliers, sp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) GetSupplierByID(ctx context.Context, id int64) (*domain.Supplier, error) {
	var sp domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, contact_person, phone, email, address, created_at
		FROM suppliers WHERE id = $1
	`, id).Scan(&sp.ID, &sp.Name, &sp.ContactPerson, &sp.Phone, &sp.Email, &sp.Address, &sp.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sp.CreatedAt = sp.CreatedAt.UTC()
	return &sp, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO suppliers (name, contact_person, phone, email, address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, supplier.Name, supplier.ContactPerson, supplier.Phone, supplier.Email, supplier.Address, supplier.CreatedAt).Scan(&supplier.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &supplier, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE suppliers
		SET name = $2, contact_person = $3, phone = $4, email = $5, address = $6
		WHERE id = $1
	`, supplier.ID, supplier.Name, supplier.ContactPerson, supplier.Phone, supplier.Email, supplier.Address)
	if err != nil {
		return nil, mapPgError(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return &supplier, nil
}

func (s *Store) DeleteSupplier(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM suppliers WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInUse
		}
		return err
	}
	return requireAffected(res)
}

// --- Warehouses ---

func (s *Store) ListWarehouses(ctx context.Context) ([]domain.Warehouse, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, location, manager_name, phone, active
		FROM warehouses
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	warehouses := make([]domain.Warehouse, 0, 8)
	for rows.Next() {
		var w domain.Warehouse
		if err := rows.Scan(&w.ID, &w.Name, &w.Location, &w.ManagerName, &w.Phone, &w.Active); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return warehouses, nil
}

func (s *Store) GetWarehouseByID(ctx context.Context, id int64) (*domain.Warehouse, error) {
	var w domain.Warehouse
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, location, manager_name, phone, active
		FROM warehouses WHERE id = $1
	`, id).Scan(&w.ID, &w.Name, &w.Location, &w.ManagerName, &w.Phone, &w.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (s *Store) CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if strings.TrimSpace(warehouse.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO warehouses (name, location, manager_name, phone, active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id
	`, warehouse.Name, warehouse.Location, warehouse.ManagerName, warehouse.Phone, warehouse.Active).Scan(&warehouse.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &warehouse, nil
}

func (s *Store) UpdateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error) {
	if strings.TrimSpace(warehouse.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE warehouses
		SET name = $2, location = $3, manager_name = $4, phone = $5, active = $6
		WHERE id = $1
	`, warehouse.ID, warehouse.Name, warehouse.Location, warehouse.ManagerName, warehouse.Phone, warehouse.Active)
	if err != nil {
		return nil, mapPgError(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return &warehouse, nil
}

func (s *Store) DeleteWarehouse(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM warehouses WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInUse
		}
		return err
	}
	return requireAffected(res)
}

// --- Products ---

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, price_cents, reorder_level, unit_of_measure,
		       category_id, supplier_id, active, created_at
		FROM products
		ORDER BY id DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	var categoryID, supplierID sql.NullInt64
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.PriceCents, &p.ReorderLevel,
		&p.UnitOfMeasure, &categoryID, &supplierID, &p.Active, &p.CreatedAt)
	if err != nil {
		return domain.Product{}, err
	}
	if categoryID.Valid {
		p.CategoryID = &categoryID.Int64
	}
	if supplierID.Valid {
		p.SupplierID = &supplierID.Int64
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return p, nil
}

func (s *Store) GetProductByID(ctx context.Context, id int64) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, price_cents, reorder_level, unit_of_measure,
		       category_id, supplier_id, active, created_at
		FROM products WHERE id = $1
	`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.UnitOfMeasure == "" {
		product.UnitOfMeasure = "pcs"
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, description, price_cents, reorder_level, unit_of_measure,
		                      category_id, supplier_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id
	`, product.Name, product.Description, product.PriceCents, product.ReorderLevel,
		product.UnitOfMeasure, nullID(product.CategoryID), nullID(product.SupplierID),
		product.Active, product.CreatedAt).Scan(&product.ID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.PriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, price_cents = $4, reorder_level = $5,
		    unit_of_measure = $6, category_id = $7, supplier_id = $8, active = $9
		WHERE id = $1
	`, product.ID, product.Name, product.Description, product.PriceCents, product.ReorderLevel,
		product.UnitOfMeasure, nullID(product.CategoryID), nullID(product.SupplierID), product.Active)
	if err != nil {
		return nil, mapPgError(err)
	}
	if err := requireAffected(res); err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrInUse
		}
		return err
	}
	return requireAffected(res)
}

// --- Snapshots ---

func (s *Store) GetSnapshot(ctx context.Context, productID int64, warehouseID int64) (domain.InventorySnapshot, error) {
	snap := domain.InventorySnapshot{ProductID: productID, WarehouseID: warehouseID}
	err := s.db.QueryRowContext(ctx, `
		SELECT quantity_on_hand, quantity_reserved, average_cost_cents, last_updated
		FROM inventory_snapshots
		WHERE product_id = $1 AND warehouse_id = $2
	`, productID, warehouseID).Scan(&snap.QuantityOnHand, &snap.QuantityReserved, &snap.AverageCostCents, &snap.LastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Absent means zero stock, never an error.
			return snap, nil
		}
		return snap, err
	}
	snap.LastUpdated = snap.LastUpdated.UTC()
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]domain.InventorySnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, warehouse_id, quantity_on_hand, quantity_reserved, average_cost_cents, last_updated
		FROM inventory_snapshots
		ORDER BY product_id, warehouse_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]domain.InventorySnapshot, 0, 64)
	for rows.Next() {
		var snap domain.InventorySnapshot
		if err := rows.Scan(&snap.ProductID, &snap.WarehouseID, &snap.QuantityOnHand,
			&snap.QuantityReserved, &snap.AverageCostCents, &snap.LastUpdated); err != nil {
			return nil, err
		}
		snap.LastUpdated = snap.LastUpdated.UTC()
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *Store) ResetSnapshot(ctx context.Context, req domain.SnapshotResetRequest) (*domain.InventorySnapshot, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (product_id, warehouse_id, quantity_on_hand, quantity_reserved, average_cost_cents, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (product_id, warehouse_id)
		DO UPDATE SET quantity_on_hand = EXCLUDED.quantity_on_hand,
		              quantity_reserved = EXCLUDED.quantity_reserved,
		              average_cost_cents = EXCLUDED.average_cost_cents,
		              last_updated = EXCLUDED.last_updated
	`, req.ProductID, req.WarehouseID, req.QuantityOnHand, req.QuantityReserved, req.AverageCostCents, now)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &domain.InventorySnapshot{
		ProductID:        req.ProductID,
		WarehouseID:      req.WarehouseID,
		QuantityOnHand:   req.QuantityOnHand,
		QuantityReserved: req.QuantityReserved,
		AverageCostCents: req.AverageCostCents,
		LastUpdated:      now,
	}, nil
}

// --- Ledger / consistency engine ---

// lockSnapshot reads the pair's snapshot under FOR UPDATE, returning a
// zero-valued row when absent. The lock holds until the transaction
// ends, serializing concurrent writers on the same pair.
func lockSnapshot(ctx context.Context, tx *sql.Tx, productID int64, warehouseID int64) (domain.InventorySnapshot, error) {
	snap := domain.InventorySnapshot{ProductID: productID, WarehouseID: warehouseID}
	err := tx.QueryRowContext(ctx, `
		SELECT quantity_on_hand, quantity_reserved, average_cost_cents, last_updated
		FROM inventory_snapshots
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE
	`, productID, warehouseID).Scan(&snap.QuantityOnHand, &snap.QuantityReserved, &snap.AverageCostCents, &snap.LastUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return snap, err
	}
	return snap, nil
}

func upsertSnapshot(ctx context.Context, tx *sql.Tx, snap domain.InventorySnapshot) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_snapshots (product_id, warehouse_id, quantity_on_hand, quantity_reserved, average_cost_cents, last_updated)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (product_id, warehouse_id)
		DO UPDATE SET quantity_on_hand = EXCLUDED.quantity_on_hand,
		              quantity_reserved = EXCLUDED.quantity_reserved,
		              average_cost_cents = EXCLUDED.average_cost_cents,
		              last_updated = EXCLUDED.last_updated
	`, snap.ProductID, snap.WarehouseID, snap.QuantityOnHand, snap.QuantityReserved, snap.AverageCostCents, snap.LastUpdated)
	return err
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, req domain.LedgerEntryRequest, at time.Time) (domain.LedgerEntry, error) {
	entry := domain.LedgerEntry{
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		Type:            req.Type,
		QuantityChange:  req.QuantityChange,
		UnitCostCents:   req.UnitCostCents,
		ReferenceNumber: req.ReferenceNumber,
		Notes:           req.Notes,
		TransactionDate: at,
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (product_id, warehouse_id, entry_type, quantity_change,
		                            unit_cost_cents, reference_number, notes, transaction_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, req.ProductID, req.WarehouseID, req.Type, req.QuantityChange,
		nullInt64(req.UnitCostCents), req.ReferenceNumber, req.Notes, at).Scan(&entry.ID)
	return entry, err
}

func (s *Store) CreateLedgerEntry(ctx context.Context, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	entry, err := insertLedgerEntry(ctx, tx, req, now)
	if err != nil {
		return nil, mapPgError(err)
	}

	snap, err := lockSnapshot(ctx, tx, req.ProductID, req.WarehouseID)
	if err != nil {
		return nil, mapPgError(err)
	}
	snap.QuantityOnHand += req.QuantityChange
	snap.LastUpdated = now
	if err := upsertSnapshot(ctx, tx, snap); err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &domain.LedgerMutation{Entry: entry, Snapshot: snap}, nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, id int64) (*domain.LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, warehouse_id, entry_type, quantity_change,
		       unit_cost_cents, reference_number, notes, transaction_date
		FROM ledger_entries WHERE id = $1
	`, id)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func scanLedgerEntry(row interface{ Scan(...any) error }) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	var unitCost sql.NullInt64
	err := row.Scan(&entry.ID, &entry.ProductID, &entry.WarehouseID, &entry.Type,
		&entry.QuantityChange, &unitCost, &entry.ReferenceNumber, &entry.Notes, &entry.TransactionDate)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if unitCost.Valid {
		entry.UnitCostCents = &unitCost.Int64
	}
	entry.TransactionDate = entry.TransactionDate.UTC()
	return entry, nil
}

func (s *Store) UpdateLedgerEntry(ctx context.Context, id int64, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, product_id, warehouse_id, entry_type, quantity_change,
		       unit_cost_cents, reference_number, notes, transaction_date
		FROM ledger_entries WHERE id = $1
		FOR UPDATE
	`, id)
	old, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}

	now := time.Now().UTC()

	// Reverse the old delta on the old pair's snapshot, then apply the
	// new delta on the (possibly different) new pair's snapshot.
	oldSnap, err := lockSnapshot(ctx, tx, old.ProductID, old.WarehouseID)
	if err != nil {
		return nil, mapPgError(err)
	}
	samePair := old.ProductID == req.ProductID && old.WarehouseID == req.WarehouseID

	var snap domain.InventorySnapshot
	if samePair {
		oldSnap.QuantityOnHand += req.QuantityChange - old.QuantityChange
		oldSnap.LastUpdated = now
		if err := upsertSnapshot(ctx, tx, oldSnap); err != nil {
			return nil, mapPgError(err)
		}
		snap = oldSnap
	} else {
		oldSnap.QuantityOnHand -= old.QuantityChange
		oldSnap.LastUpdated = now
		if err := upsertSnapshot(ctx, tx, oldSnap); err != nil {
			return nil, mapPgError(err)
		}
		newSnap, err := lockSnapshot(ctx, tx, req.ProductID, req.WarehouseID)
		if err != nil {
			return nil, mapPgError(err)
		}
		newSnap.QuantityOnHand += req.QuantityChange
		newSnap.LastUpdated = now
		if err := upsertSnapshot(ctx, tx, newSnap); err != nil {
			return nil, mapPgError(err)
		}
		snap = newSnap
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_entries
		SET product_id = $2, warehouse_id = $3, entry_type = $4, quantity_change = $5,
		    unit_cost_cents = $6, reference_number = $7, notes = $8
		WHERE id = $1
	`, id, req.ProductID, req.WarehouseID, req.Type, req.QuantityChange,
		nullInt64(req.UnitCostCents), req.ReferenceNumber, req.Notes)
	if err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}

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
	return &domain.LedgerMutation{Entry: entry, Snapshot: snap}, nil
}

func (s *Store) DeleteLedgerEntry(ctx context.Context, id int64) (*domain.InventorySnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, product_id, warehouse_id, entry_type, quantity_change,
		       unit_cost_cents, reference_number, notes, transaction_date
		FROM ledger_entries WHERE id = $1
		FOR UPDATE
	`, id)
	entry, err := scanLedgerEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}

	now := time.Now().UTC()
	snap, err := lockSnapshot(ctx, tx, entry.ProductID, entry.WarehouseID)
	if err != nil {
		return nil, mapPgError(err)
	}
	snap.QuantityOnHand -= entry.QuantityChange
	snap.LastUpdated = now
	if err := upsertSnapshot(ctx, tx, snap); err != nil {
		return nil, mapPgError(err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			// An adjustment audit row still points at this entry.
			return nil, store.ErrInUse
		}
		return nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &snap, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.ProductID != nil {
		args = append(args, *filter.ProductID)
		conditions = append(conditions, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if filter.WarehouseID != nil {
		args = append(args, *filter.WarehouseID)
		conditions = append(conditions, fmt.Sprintf("warehouse_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("entry_type = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := filter.Limit
	if limit < 1 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT id, product_id, warehouse_id, entry_type, quantity_change,
		       unit_cost_cents, reference_number, notes, transaction_date
		FROM ledger_entries
		%s
		ORDER BY transaction_date DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 64)
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// --- Adjustments ---

func (s *Store) CreateAdjustment(ctx context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	delta := req.NewQuantity - req.OldQuantity

	entry, err := insertLedgerEntry(ctx, tx, domain.LedgerEntryRequest{
		ProductID:       req.ProductID,
		WarehouseID:     req.WarehouseID,
		Type:            domain.EntryTypeAdjustment,
		QuantityChange:  delta,
		ReferenceNumber: refnum.New("ADJ"),
		Notes:           "Stock adjustment: " + req.Reason,
	}, now)
	if err != nil {
		return nil, mapPgError(err)
	}

	snap, err := lockSnapshot(ctx, tx, req.ProductID, req.WarehouseID)
	if err != nil {
		return nil, mapPgError(err)
	}
	snap.QuantityOnHand += delta
	snap.LastUpdated = now
	if err := upsertSnapshot(ctx, tx, snap); err != nil {
		return nil, mapPgError(err)
	}

	adj := domain.StockAdjustment{
		ProductID:          req.ProductID,
		WarehouseID:        req.WarehouseID,
		OldQuantity:        req.OldQuantity,
		NewQuantity:        req.NewQuantity,
		AdjustmentQuantity: delta,
		Reason:             req.Reason,
		AdjustedBy:         req.AdjustedBy,
		Notes:              req.Notes,
		LedgerEntryID:      entry.ID,
		AdjustmentDate:     now,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stock_adjustments (product_id, warehouse_id, old_quantity, new_quantity,
		                               adjustment_quantity, reason, adjusted_by, notes,
		                               ledger_entry_id, adjustment_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, adj.ProductID, adj.WarehouseID, adj.OldQuantity, adj.NewQuantity, adj.AdjustmentQuantity,
		adj.Reason, adj.AdjustedBy, adj.Notes, adj.LedgerEntryID, adj.AdjustmentDate).Scan(&adj.ID)
	if err != nil {
		return nil, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &domain.AdjustmentResult{Adjustment: adj, Entry: entry, Snapshot: snap}, nil
}

func (s *Store) ListAdjustments(ctx context.Context, limit int) ([]domain.StockAdjustment, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, warehouse_id, old_quantity, new_quantity, adjustment_quantity,
		       reason, adjusted_by, notes, ledger_entry_id, adjustment_date
		FROM stock_adjustments
		ORDER BY adjustment_date DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	adjustments := make([]domain.StockAdjustment, 0, limit)
	for rows.Next() {
		var adj domain.StockAdjustment
		if err := rows.Scan(&adj.ID, &adj.ProductID, &adj.WarehouseID, &adj.OldQuantity,
			&adj.NewQuantity, &adj.AdjustmentQuantity, &adj.Reason, &adj.AdjustedBy,
			&adj.Notes, &adj.LedgerEntryID, &adj.AdjustmentDate); err != nil {
			return nil, err
		}
		adj.AdjustmentDate = adj.AdjustmentDate.UTC()
		adjustments = append(adjustments, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return adjustments, nil
}

// --- Purchase orders ---

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.PONumber == "" {
		po.PONumber = refnum.New("PO")
	}
	if po.Status == "" {
		po.Status = domain.POStatusPending
	}
	if po.OrderDate.IsZero() {
		po.OrderDate = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO purchase_orders (po_number, supplier_id, order_date, expected_delivery,
		                             status, total_cents, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id
	`, po.PONumber, po.SupplierID, po.OrderDate, nullTime(po.ExpectedDelivery),
		po.Status, po.TotalCents, po.Notes).Scan(&po.ID)
	if err != nil {
		return nil, mapPgError(err)
	}

	items := make([]domain.PurchaseOrderItem, len(po.Items))
	for i, item := range po.Items {
		if item.Quantity < 1 {
			return nil, store.ErrInvalidInput
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO purchase_order_items (purchase_order_id, product_id, quantity, unit_cost_cents)
			VALUES ($1,$2,$3,$4)
			RETURNING id
		`, po.ID, item.ProductID, item.Quantity, item.UnitCostCents).Scan(&item.ID)
		if err != nil {
			return nil, mapPgError(err)
		}
		items[i] = item
	}
	po.Items = items

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}
	return &po, nil
}

func (s *Store) GetPurchaseOrderByID(ctx context.Context, id int64) (*domain.PurchaseOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, po_number, supplier_id, order_date, expected_delivery, status,
		       total_cents, notes, received_by, received_at
		FROM purchase_orders WHERE id = $1
	`, id)
	po, err := scanPurchaseOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	items, err := s.loadPOItems(ctx, id)
	if err != nil {
		return nil, err
	}
	po.Items = items
	return &po, nil
}

func scanPurchaseOrder(row interface{ Scan(...any) error }) (domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	var expected, receivedAt sql.NullTime
	var receivedBy sql.NullString
	err := row.Scan(&po.ID, &po.PONumber, &po.SupplierID, &po.OrderDate, &expected,
		&po.Status, &po.TotalCents, &po.Notes, &receivedBy, &receivedAt)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	po.OrderDate = po.OrderDate.UTC()
	if expected.Valid {
		t := expected.Time.UTC()
		po.ExpectedDelivery = &t
	}
	if receivedBy.Valid {
		po.ReceivedBy = receivedBy.String
	}
	if receivedAt.Valid {
		t := receivedAt.Time.UTC()
		po.ReceivedAt = &t
	}
	return po, nil
}

func (s *Store) loadPOItems(ctx context.Context, poID int64) ([]domain.PurchaseOrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, unit_cost_cents
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY id ASC
	`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PurchaseOrderItem, 0, 8)
	for rows.Next() {
		var item domain.PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.UnitCostCents); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 200
	}
	query := `
		SELECT id, po_number, supplier_id, order_date, expected_delivery, status,
		       total_cents, notes, received_by, received_at
		FROM purchase_orders
	`
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.PurchaseOrder, 0, limit)
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) UpdatePurchaseOrderStatus(ctx context.Context, id int64, status string) (*domain.PurchaseOrder, error) {
	// RECEIVED is only reachable through ReceivePurchaseOrder.
	if status == domain.POStatusReceived {
		return nil, store.ErrConflict
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchase_orders SET status = $2
		WHERE id = $1 AND status <> 'RECEIVED'
	`, id, status)
	if err != nil {
		return nil, mapPgError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		po, err := s.GetPurchaseOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if po.Status == domain.POStatusReceived {
			return nil, store.ErrConflict
		}
		return nil, store.ErrNotFound
	}
	return s.GetPurchaseOrderByID(ctx, id)
}

func (s *Store) DeletePurchaseOrder(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM purchase_order_items WHERE purchase_order_id = $1`, id); err != nil {
		return mapPgError(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM purchase_orders WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ReceivePurchaseOrder(ctx context.Context, id int64, warehouseID int64, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrderReceipt, error) {
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	receivedBy = strings.TrimSpace(receivedBy)
	if receivedBy == "" {
		receivedBy = "system"
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT id, po_number, supplier_id, order_date, expected_delivery, status,
		       total_cents, notes, received_by, received_at
		FROM purchase_orders WHERE id = $1
		FOR UPDATE
	`, id)
	po, err := scanPurchaseOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgError(err)
	}
	if po.Status == domain.POStatusReceived || po.Status == domain.POStatusCancelled {
		return nil, store.ErrConflict
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT id, product_id, quantity, unit_cost_cents
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, err
	}
	items := make([]domain.PurchaseOrderItem, 0, 8)
	for itemRows.Next() {
		var item domain.PurchaseOrderItem
		if err := itemRows.Scan(&item.ID, &item.ProductID, &item.Quantity, &item.UnitCostCents); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()
	if len(items) == 0 {
		return nil, store.ErrInvalidInput
	}
	po.Items = items

	mutations := make([]domain.LedgerMutation, 0, len(items))
	for _, item := range items {
		cost := item.UnitCostCents
		entry, err := insertLedgerEntry(ctx, tx, domain.LedgerEntryRequest{
			ProductID:       item.ProductID,
			WarehouseID:     warehouseID,
			Type:            domain.EntryTypePurchase,
			QuantityChange:  item.Quantity,
			UnitCostCents:   &cost,
			ReferenceNumber: po.PONumber,
			Notes:           "purchase order receipt",
		}, receivedAt)
		if err != nil {
			return nil, mapPgError(err)
		}

		snap, err := lockSnapshot(ctx, tx, item.ProductID, warehouseID)
		if err != nil {
			return nil, mapPgError(err)
		}
		snap.AverageCostCents = weightedCostCents(snap.AverageCostCents, snap.QuantityOnHand, item.UnitCostCents, item.Quantity)
		snap.QuantityOnHand += item.Quantity
		snap.LastUpdated = receivedAt
		if err := upsertSnapshot(ctx, tx, snap); err != nil {
			return nil, mapPgError(err)
		}
		mutations = append(mutations, domain.LedgerMutation{Entry: entry, Snapshot: snap})
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET status = 'RECEIVED', received_by = $2, received_at = $3
		WHERE id = $1 AND status <> 'RECEIVED'
	`, id, receivedBy, receivedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrConflict
	}

	if err := tx.Commit(); err != nil {
		return nil, mapPgError(err)
	}

	po.Status = domain.POStatusReceived
	po.ReceivedBy = receivedBy
	at := receivedAt
	po.ReceivedAt = &at
	return &domain.PurchaseOrderReceipt{Order: po, Mutations: mutations}, nil
}

// --- Reporting ---

func (s *Store) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	var stats domain.DashboardStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM products WHERE active = true),
			(SELECT COALESCE(SUM(quantity_on_hand), 0) FROM inventory_snapshots),
			(SELECT COUNT(*) FROM suppliers),
			(SELECT COUNT(*) FROM purchase_orders WHERE status = 'PENDING')
	`).Scan(&stats.TotalProducts, &stats.TotalOnHand, &stats.TotalSuppliers, &stats.PendingOrders)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	return stats, nil
}

func (s *Store) ReorderSuggestions(ctx context.Context) ([]domain.ReorderSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, COALESCE(SUM(i.quantity_on_hand), 0) AS total_on_hand,
		       p.reorder_level, p.supplier_id
		FROM products p
		LEFT JOIN inventory_snapshots i ON i.product_id = p.id
		WHERE p.active = true
		GROUP BY p.id, p.name, p.reorder_level, p.supplier_id
		HAVING COALESCE(SUM(i.quantity_on_hand), 0) <= p.reorder_level
		ORDER BY p.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.ReorderSuggestion, 0, 16)
	for rows.Next() {
		var sg domain.ReorderSuggestion
		var supplierID sql.NullInt64
		if err := rows.Scan(&sg.ProductID, &sg.ProductName, &sg.TotalOnHand, &sg.ReorderLevel, &supplierID); err != nil {
			return nil, err
		}
		if supplierID.Valid {
			sg.SupplierID = &supplierID.Int64
		}
		result = append(result, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		return mapPgError(err)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// --- Helpers ---

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

// mapPgError translates postgres error codes into the store taxonomy:
// foreign key violations mean a missing referenced row on writes,
// unique violations are conflicts, and serialization/deadlock failures
// are retryable.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return store.ErrBadReference
		case "23505":
			return store.ErrConflict
		case "40001", "40P01":
			return store.ErrTransient
		}
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func nullID(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullInt64(val *int64) any {
	if val == nil {
		return nil
	}
	return *val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
