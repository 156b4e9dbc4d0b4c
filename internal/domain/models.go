package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tenant is one store in the shared deployment. OpaqueKey travels in the
// X-Tenant-Key header; PartitionID names the tenant's database schema.
// Both are immutable after creation, only Active may change.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OpaqueKey   string    `json:"tenant_key"`
	PartitionID string    `json:"partition_id"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Employee accounts live in the public partition and are shared across
// tenants.
type Employee struct {
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

type Product struct {
	ID          string          `json:"id"`
	SKU         string          `json:"sku"`
	Barcode     string          `json:"barcode,omitempty"`
	Name        string          `json:"name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Tracked     bool            `json:"tracked"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ProductStock pairs a product with its derived quantities. Quantity is the
// sum over active batches; Available subtracts active reservations.
type ProductStock struct {
	Product   Product         `json:"product"`
	Quantity  decimal.Decimal `json:"quantity"`
	Available decimal.Decimal `json:"available"`
}

type Batch struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	Active      bool            `json:"active"`
}

const (
	ReservationActive    = "active"
	ReservationCompleted = "completed"
	ReservationCancelled = "cancelled"
	ReservationExpired   = "expired"
)

// Reservation is a temporary claim on batch quantity. While active it
// consumes availability; complete durably decrements the batch, release and
// expiry give the capacity back.
type Reservation struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	BatchID        string          `json:"batch_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Status         string          `json:"status"`
	OwnerReference string          `json:"owner_reference,omitempty"`
	ReservedUntil  *time.Time      `json:"reserved_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

const (
	SalePending   = "pending"
	SaleCompleted = "completed"
	SaleCancelled = "cancelled"
	SaleRefunded  = "refunded"
)

type Sale struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	ReceiptNumber string          `json:"receipt_number"`
	Cashier       string          `json:"cashier"`
	Status        string          `json:"status"`
	Lines         []SaleLine      `json:"lines"`
	Payments      []Payment       `json:"payments,omitempty"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

type SaleLine struct {
	ID            string          `json:"id"`
	SaleID        string          `json:"sale_id"`
	ProductID     string          `json:"product_id"`
	BatchID       string          `json:"batch_id"`
	ReservationID string          `json:"reservation_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Discount      decimal.Decimal `json:"discount"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

const (
	PayCash     = "cash"
	PayCard     = "card"
	PayTransfer = "transfer"
	PayOnline   = "online"
	PayCredit   = "credit"
	PayOther    = "other"
)

type Payment struct {
	ID             string           `json:"id"`
	SaleID         string           `json:"sale_id"`
	SessionID      string           `json:"session_id"`
	Method         string           `json:"method"`
	Amount         decimal.Decimal  `json:"amount"`
	ReceivedAmount *decimal.Decimal `json:"received_amount,omitempty"`
	ChangeAmount   decimal.Decimal  `json:"change_amount"`
	Reference      string           `json:"reference,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

const (
	SessionOpen      = "open"
	SessionSuspended = "suspended"
	SessionClosed    = "closed"
)

type CashSession struct {
	ID           string           `json:"id"`
	Cashier      string           `json:"cashier"`
	RegisterCode string           `json:"register_code"`
	Status       string           `json:"status"`
	OpeningCash  decimal.Decimal  `json:"opening_cash"`
	ExpectedCash decimal.Decimal  `json:"expected_cash"`
	ActualCash   *decimal.Decimal `json:"actual_cash,omitempty"`
	Difference   decimal.Decimal  `json:"difference"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

const (
	CashIn  = "cash_in"
	CashOut = "cash_out"
)

const (
	CashReasonCollection = "collection"
	CashReasonChange     = "change"
	CashReasonFloat      = "float"
	CashReasonExpense    = "expense"
	CashReasonCorrection = "correction"
	CashReasonOther      = "other"
)

type CashMovement struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Reason    string          `json:"reason"`
	Amount    decimal.Decimal `json:"amount"`
	Notes     string          `json:"notes,omitempty"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionReport summarizes a session for reconciliation: settled totals per
// payment method plus cash movement sums.
type SessionReport struct {
	Session       CashSession                `json:"session"`
	SalesCount    int                        `json:"sales_count"`
	TotalByMethod map[string]decimal.Decimal `json:"total_by_method"`
	CashInTotal   decimal.Decimal            `json:"cash_in_total"`
	CashOutTotal  decimal.Decimal            `json:"cash_out_total"`
	ExpectedCash  decimal.Decimal            `json:"expected_cash"`
}

type AuditLog struct {
	ID        string    `json:"id"`
	Partition string    `json:"partition"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
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

type TenantCreateRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

type ProductCreateRequest struct {
	SKU         string          `json:"sku"`
	Barcode     string          `json:"barcode"`
	Name        string          `json:"name"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Tracked     *bool           `json:"tracked"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}

type ProductUpdateRequest struct {
	Barcode     *string          `json:"barcode"`
	Name        *string          `json:"name"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
	MinQuantity *decimal.Decimal `json:"min_quantity"`
	Active      *bool            `json:"active"`
}

type BatchReceiveRequest struct {
	ProductID   string          `json:"product_id"`
	BatchNumber string          `json:"batch_number"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	ExpiryDate  *time.Time      `json:"expiry_date"`
}

type ScanRequest struct {
	ProductID string          `json:"product_id"`
	Barcode   string          `json:"barcode"`
	Quantity  decimal.Decimal `json:"quantity"`
	BatchID   string          `json:"batch_id"`
	Discount  decimal.Decimal `json:"discount"`
}

type PaymentInput struct {
	Method         string           `json:"method"`
	Amount         decimal.Decimal  `json:"amount"`
	ReceivedAmount *decimal.Decimal `json:"received_amount"`
	Reference      string           `json:"reference"`
}

type CheckoutRequest struct {
	Payments []PaymentInput `json:"payments"`
}

type SessionOpenRequest struct {
	RegisterCode string          `json:"register_code"`
	OpeningCash  decimal.Decimal `json:"opening_cash"`
}

type SessionCloseRequest struct {
	ActualCash decimal.Decimal `json:"actual_cash"`
}

type CashMovementRequest struct {
	Type   string          `json:"type"`
	Reason string          `json:"reason"`
	Amount decimal.Decimal `json:"amount"`
	Notes  string          `json:"notes"`
}

type EmployeeCreateRequest struct {
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Password string `json:"password"`
	Role     string `json:"role"`
}
