package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mitrapos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrTenantRequired      = errors.New("tenant key required")
	ErrTenantInvalid       = errors.New("invalid or inactive tenant")
	ErrProductNotFound     = errors.New("product not found")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrSessionNotOpen      = errors.New("cash session is not open")
	ErrSaleNotPending      = errors.New("sale is not pending")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrEmptySale           = errors.New("sale has no items")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrForbidden           = errors.New("forbidden")
)

// StockError reports an allocation shortfall with the concrete quantities so
// the cashier can correct and retry. AlreadyInCart is only set on line adds.
type StockError struct {
	ProductID     string
	BatchID       string
	Available     decimal.Decimal
	Requested     decimal.Decimal
	AlreadyInCart decimal.Decimal
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: available %s, requested %s",
		e.ProductID, e.Available.String(), e.Requested.String())
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// PaymentError reports a settlement shortfall: the required amount versus
// what was actually tendered.
type PaymentError struct {
	Required decimal.Decimal
	Paid     decimal.Decimal
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("insufficient payment: required %s, paid %s",
		e.Required.String(), e.Paid.String())
}

func (e *PaymentError) Unwrap() error { return ErrInsufficientPayment }

// PublicPartition is the shared namespace holding the tenant directory and
// employee accounts.
const PublicPartition = "public"

type partitionContextKey struct{}

// WithPartition binds a tenant partition to the context. Every tenant-scoped
// repository call reads the partition from its context; nothing is ever held
// in process-global state, so the partition cannot leak between requests.
func WithPartition(ctx context.Context, partitionID string) context.Context {
	return context.WithValue(ctx, partitionContextKey{}, partitionID)
}

func PartitionFromContext(ctx context.Context) (string, bool) {
	partition, ok := ctx.Value(partitionContextKey{}).(string)
	if !ok || partition == "" {
		return "", false
	}
	return partition, true
}

type ReserveInput struct {
	ProductID      string
	BatchID        string // optional; empty means FEFO scan
	Quantity       decimal.Decimal
	OwnerReference string
	ReservedUntil  *time.Time
}

type AddLineInput struct {
	SaleID        string
	ProductID     string
	BatchID       string // optional
	Quantity      decimal.Decimal
	Discount      decimal.Decimal
	ReservedUntil *time.Time
}

type SettleInput struct {
	SaleID   string
	Payments []domain.PaymentInput
}

// Repository is the storage contract shared by the in-memory and postgres
// implementations. All tenant-scoped methods require a partition on the
// context (store.WithPartition) and fail with ErrTenantRequired otherwise.
// Multi-step writes are atomic within one call: the postgres store wraps
// them in a transaction with row locks, the memory store in its mutex.
type Repository interface {
	// Tenant directory, public partition only.
	CreateTenant(ctx context.Context, tenant domain.Tenant) (*domain.Tenant, error)
	GetTenantByKey(ctx context.Context, opaqueKey string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]domain.Tenant, error)
	SetTenantActive(ctx context.Context, tenantID string, active bool) (*domain.Tenant, error)

	// Employees, always resolved against the public partition regardless of
	// the partition on the context.
	CreateEmployee(ctx context.Context, employee domain.Employee) error
	GetEmployeeByUsername(ctx context.Context, username string) (*domain.Employee, error)
	ListEmployees(ctx context.Context) ([]domain.Employee, error)
	UpdateEmployeePassword(ctx context.Context, username string, passwordHash string) error

	// Catalog.
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	ListProductStock(ctx context.Context) ([]domain.ProductStock, error)

	// Batch ledger.
	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error)
	ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error)

	// Reservation allocator. ReserveStock and GrowReservation take the batch
	// row lock, re-read availability under it, and only then commit the
	// claim.
	ReserveStock(ctx context.Context, input ReserveInput) (*domain.Reservation, error)
	GrowReservation(ctx context.Context, reservationID string, extra decimal.Decimal) (*domain.Reservation, error)
	ReleaseReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	CompleteReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)
	ExpireReservations(ctx context.Context, cutoff time.Time) (int, error)

	// Draft sales and settlement.
	FindPendingSale(ctx context.Context, sessionID string) (*domain.Sale, error)
	CreatePendingSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error)
	AddSaleLine(ctx context.Context, input AddLineInput) (*domain.Sale, error)
	RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.Sale, error)
	SettleSale(ctx context.Context, input SettleInput) (*domain.Sale, error)
	CancelSale(ctx context.Context, saleID string) (*domain.Sale, error)
	RefundSale(ctx context.Context, saleID string) (*domain.Sale, error)

	// Cash sessions.
	OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error)
	GetSessionByID(ctx context.Context, sessionID string) (*domain.CashSession, error)
	GetOpenSessionByCashier(ctx context.Context, cashier string) (*domain.CashSession, error)
	CloseSession(ctx context.Context, sessionID string, actualCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error)
	SetSessionStatus(ctx context.Context, sessionID string, from string, to string) (*domain.CashSession, error)
	AddCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	SessionReport(ctx context.Context, sessionID string) (*domain.SessionReport, error)

	// Audit trail.
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
}
