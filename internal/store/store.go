package store

import (
	"context"
	"errors"
	"time"

	"gudangku/backend/internal/domain"
)

var (
	// ErrNotFound: the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBadReference: a referenced product or warehouse does not exist.
	ErrBadReference = errors.New("referenced record does not exist")
	// ErrInUse: the row cannot be deleted because ledger or snapshot
	// history still references it.
	ErrInUse = errors.New("record still referenced by inventory history")
	// ErrConflict: duplicate key or an operation invalid for the row's
	// current state (e.g. receiving a cancelled purchase order).
	ErrConflict = errors.New("conflict")
	// ErrTransient: lock contention or serialization failure; the caller
	// may retry.
	ErrTransient = errors.New("transient storage failure")
	// ErrInvalidInput: a required field is missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
)

// Repository is the persistence contract shared by the postgres and
// in-memory stores.
//
// The four stock-affecting operations (CreateLedgerEntry,
// UpdateLedgerEntry, DeleteLedgerEntry, CreateAdjustment) and
// ReceivePurchaseOrder each run as a single storage transaction: the
// ledger write and the snapshot write commit together or not at all.
// On lock contention they return ErrTransient and may be retried.
type Repository interface {
	// Categories
	ListCategories(ctx context.Context) ([]domain.Category, error)
	GetCategoryByID(ctx context.Context, id int64) (*domain.Category, error)
	CreateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	UpdateCategory(ctx context.Context, category domain.Category) (*domain.Category, error)
	DeleteCategory(ctx context.Context, id int64) error

	// Suppliers
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	GetSupplierByID(ctx context.Context, id int64) (*domain.Supplier, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	DeleteSupplier(ctx context.Context, id int64) error

	// Warehouses
	ListWarehouses(ctx context.Context) ([]domain.Warehouse, error)
	GetWarehouseByID(ctx context.Context, id int64) (*domain.Warehouse, error)
	CreateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)
	UpdateWarehouse(ctx context.Context, warehouse domain.Warehouse) (*domain.Warehouse, error)
	// DeleteWarehouse fails with ErrInUse while ledger or snapshot rows
	// reference the warehouse.
	DeleteWarehouse(ctx context.Context, id int64) error

	// Products
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductByID(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	// DeleteProduct fails with ErrInUse while ledger or snapshot rows
	// reference the product.
	DeleteProduct(ctx context.Context, id int64) error

	// Snapshots. GetSnapshot returns a zero-valued snapshot when the
	// pair has no row yet; absence is never an error.
	GetSnapshot(ctx context.Context, productID int64, warehouseID int64) (domain.InventorySnapshot, error)
	ListSnapshots(ctx context.Context) ([]domain.InventorySnapshot, error)
	// ResetSnapshot overwrites the full row, creating it if absent. It
	// is the administrative escape hatch that bypasses the ledger.
	ResetSnapshot(ctx context.Context, req domain.SnapshotResetRequest) (*domain.InventorySnapshot, error)

	// Ledger / consistency engine
	CreateLedgerEntry(ctx context.Context, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error)
	GetLedgerEntry(ctx context.Context, id int64) (*domain.LedgerEntry, error)
	UpdateLedgerEntry(ctx context.Context, id int64, req domain.LedgerEntryRequest) (*domain.LedgerMutation, error)
	DeleteLedgerEntry(ctx context.Context, id int64) (*domain.InventorySnapshot, error)
	ListLedgerEntries(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error)

	// Adjustments
	CreateAdjustment(ctx context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentResult, error)
	ListAdjustments(ctx context.Context, limit int) ([]domain.StockAdjustment, error)

	// Purchase orders
	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrderByID(ctx context.Context, id int64) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, id int64, status string) (*domain.PurchaseOrder, error)
	DeletePurchaseOrder(ctx context.Context, id int64) error
	// ReceivePurchaseOrder books every line item into the given
	// warehouse: one PURCHASE ledger entry per line, snapshot updates
	// with weighted average cost, and the status flip to RECEIVED, all
	// in one transaction.
	ReceivePurchaseOrder(ctx context.Context, id int64, warehouseID int64, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrderReceipt, error)

	// Reporting
	DashboardStats(ctx context.Context) (domain.DashboardStats, error)
	ReorderSuggestions(ctx context.Context) ([]domain.ReorderSuggestion, error)

	// Users
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
