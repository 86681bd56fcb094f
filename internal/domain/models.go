package domain

import "time"

// Ledger entry types are free-form tags; these are the ones the system
// itself writes. Callers may submit their own.
const (
	EntryTypePurchase   = "PURCHASE"
	EntryTypeSale       = "SALE"
	EntryTypeAdjustment = "ADJUSTMENT"
	EntryTypeReturn     = "RETURN"
)

// Purchase order lifecycle states.
const (
	POStatusPending   = "PENDING"
	POStatusOrdered   = "ORDERED"
	POStatusReceived  = "RECEIVED"
	POStatusCancelled = "CANCELLED"
)

type Category struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	// ProductCount is filled in by list queries only.
	ProductCount int `json:"product_count,omitempty"`
}

type Supplier struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	Address       string    `json:"address"`
	CreatedAt     time.Time `json:"created_at"`
}

type Warehouse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	ManagerName string `json:"manager_name"`
	Phone       string `json:"phone"`
	Active      bool   `json:"active"`
}

type Product struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description"`
	PriceCents    int64     `json:"price_cents"`
	ReorderLevel  int       `json:"reorder_level"`
	UnitOfMeasure string    `json:"unit_of_measure"`
	CategoryID    *int64    `json:"category_id,omitempty"`
	SupplierID    *int64    `json:"supplier_id,omitempty"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// InventorySnapshot is the derived current stock state for one
// (product, warehouse) pair. It is never written directly by callers:
// every change flows through a ledger entry, except the admin reset.
//
// Invariant: QuantityOnHand equals the sum of QuantityChange over all
// surviving ledger entries for the pair.
type InventorySnapshot struct {
	ProductID        int64     `json:"product_id"`
	WarehouseID      int64     `json:"warehouse_id"`
	QuantityOnHand   int       `json:"quantity_on_hand"`
	QuantityReserved int       `json:"quantity_reserved"`
	AverageCostCents int64     `json:"average_cost_cents"`
	LastUpdated      time.Time `json:"last_updated"`
}

// QuantityAvailable is on-hand minus reserved. It may be negative; the
// system enforces no floor on either field.
func (s InventorySnapshot) QuantityAvailable() int {
	return s.QuantityOnHand - s.QuantityReserved
}

// LedgerEntry records one signed quantity change for a product at a
// warehouse. Entries may be edited or deleted; the store reverses the
// old delta before applying a new one so the snapshot never drifts.
type LedgerEntry struct {
	ID              int64     `json:"id"`
	ProductID       int64     `json:"product_id"`
	WarehouseID     int64     `json:"warehouse_id"`
	Type            string    `json:"type"`
	QuantityChange  int       `json:"quantity_change"`
	UnitCostCents   *int64    `json:"unit_cost_cents,omitempty"`
	ReferenceNumber string    `json:"reference_number"`
	Notes           string    `json:"notes"`
	TransactionDate time.Time `json:"transaction_date"`
}

// LedgerEntryRequest carries the caller-settable fields of a ledger
// entry. The same shape is used for create and update; update keeps the
// original transaction date.
type LedgerEntryRequest struct {
	ProductID       int64  `json:"product_id"`
	WarehouseID     int64  `json:"warehouse_id"`
	Type            string `json:"type"`
	QuantityChange  int    `json:"quantity_change"`
	UnitCostCents   *int64 `json:"unit_cost_cents,omitempty"`
	ReferenceNumber string `json:"reference_number"`
	Notes           string `json:"notes"`
}

// LedgerMutation is the result of a stock-affecting write: the ledger
// entry as stored plus the snapshot state after the write.
type LedgerMutation struct {
	Entry    LedgerEntry       `json:"entry"`
	Snapshot InventorySnapshot `json:"snapshot"`
}

type LedgerFilter struct {
	ProductID   *int64
	WarehouseID *int64
	Type        string
	Limit       int
	Offset      int
}

// StockAdjustment is the audit record for an observed-vs-target recount.
// It affects stock only through the ledger entry it references.
type StockAdjustment struct {
	ID                 int64     `json:"id"`
	ProductID          int64     `json:"product_id"`
	WarehouseID        int64     `json:"warehouse_id"`
	OldQuantity        int       `json:"old_quantity"`
	NewQuantity        int       `json:"new_quantity"`
	AdjustmentQuantity int       `json:"adjustment_quantity"`
	Reason             string    `json:"reason"`
	AdjustedBy         string    `json:"adjusted_by"`
	Notes              string    `json:"notes"`
	LedgerEntryID      int64     `json:"ledger_entry_id"`
	AdjustmentDate     time.Time `json:"adjustment_date"`
}

type AdjustmentRequest struct {
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	OldQuantity int    `json:"old_quantity"`
	NewQuantity int    `json:"new_quantity"`
	Reason      string `json:"reason"`
	AdjustedBy  string `json:"adjusted_by"`
	Notes       string `json:"notes"`
}

// AdjustmentResult bundles the audit record with the ledger mutation it
// produced.
type AdjustmentResult struct {
	Adjustment StockAdjustment   `json:"adjustment"`
	Entry      LedgerEntry       `json:"entry"`
	Snapshot   InventorySnapshot `json:"snapshot"`
}

// SnapshotResetRequest is the administrative full-row overwrite. It is
// the one write that bypasses the ledger, kept for parity with the
// legacy inventory endpoint.
type SnapshotResetRequest struct {
	ProductID        int64 `json:"product_id"`
	WarehouseID      int64 `json:"warehouse_id"`
	QuantityOnHand   int   `json:"quantity_on_hand"`
	QuantityReserved int   `json:"quantity_reserved"`
	AverageCostCents int64 `json:"average_cost_cents"`
}

type PurchaseOrderItem struct {
	ID            int64 `json:"id"`
	ProductID     int64 `json:"product_id"`
	Quantity      int   `json:"quantity"`
	UnitCostCents int64 `json:"unit_cost_cents"`
}

type PurchaseOrder struct {
	ID               int64               `json:"id"`
	PONumber         string              `json:"po_number"`
	SupplierID       int64               `json:"supplier_id"`
	OrderDate        time.Time           `json:"order_date"`
	ExpectedDelivery *time.Time          `json:"expected_delivery,omitempty"`
	Status           string              `json:"status"`
	TotalCents       int64               `json:"total_cents"`
	Notes            string              `json:"notes"`
	Items            []PurchaseOrderItem `json:"items"`
	ReceivedBy       string              `json:"received_by,omitempty"`
	ReceivedAt       *time.Time          `json:"received_at,omitempty"`
}

// PurchaseOrderReceipt is the outcome of receiving a PO: the updated
// order plus the ledger mutation per line item.
type PurchaseOrderReceipt struct {
	Order     PurchaseOrder    `json:"order"`
	Mutations []LedgerMutation `json:"mutations"`
}

type DashboardStats struct {
	TotalProducts  int64 `json:"total_products"`
	TotalOnHand    int64 `json:"total_on_hand"`
	TotalSuppliers int64 `json:"total_suppliers"`
	PendingOrders  int64 `json:"pending_orders"`
}

// ReorderSuggestion flags a product whose stock across all warehouses
// has fallen to or below its reorder level.
type ReorderSuggestion struct {
	ProductID    int64  `json:"product_id"`
	ProductName  string `json:"product_name"`
	TotalOnHand  int    `json:"total_on_hand"`
	ReorderLevel int    `json:"reorder_level"`
	SupplierID   *int64 `json:"supplier_id,omitempty"`
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
