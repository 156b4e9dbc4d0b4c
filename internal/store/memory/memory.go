// Package memory implements store.Repository with in-process maps. It backs
// unit tests and DATABASE_URL-less development runs. Tenant partitions are
// separate datasets keyed by partition id; the single mutex makes every
// repository call atomic, which is the property the postgres store gets from
// transactions and row locks.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
	"mitrapos/backend/internal/xid"
)

type dataset struct {
	products     map[string]domain.Product
	batches      map[string]domain.Batch
	reservations map[string]domain.Reservation
	sales        map[string]*domain.Sale
	sessions     map[string]domain.CashSession
	movements    []domain.CashMovement
}

func newDataset() *dataset {
	return &dataset{
		products:     make(map[string]domain.Product),
		batches:      make(map[string]domain.Batch),
		reservations: make(map[string]domain.Reservation),
		sales:        make(map[string]*domain.Sale),
		sessions:     make(map[string]domain.CashSession),
	}
}

type Store struct {
	mu          sync.RWMutex
	tenantsByID map[string]domain.Tenant
	keyToTenant map[string]string
	employees   map[string]domain.Employee
	partitions  map[string]*dataset
	auditLogs   []domain.AuditLog
}

func New() *Store {
	return &Store{
		tenantsByID: make(map[string]domain.Tenant),
		keyToTenant: make(map[string]string),
		employees:   make(map[string]domain.Employee),
		partitions:  make(map[string]*dataset),
	}
}

// NewSeeded returns a store with one demo tenant, two employees and a small
// batch-tracked catalog, enough to exercise every endpoint without postgres.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	tenant := domain.Tenant{
		ID:          "tnt-demo",
		Name:        "Toko Demo",
		OpaqueKey:   "demo-tenant-key",
		PartitionID: "tenant_demo",
		Active:      true,
		CreatedAt:   now,
	}
	s.tenantsByID[tenant.ID] = tenant
	s.keyToTenant[tenant.OpaqueKey] = tenant.ID
	data := newDataset()
	s.partitions[tenant.PartitionID] = data

	for _, emp := range seedEmployees(now) {
		s.employees[emp.Username] = emp
	}

	expSoon := now.AddDate(0, 0, 14)
	expLater := now.AddDate(0, 6, 0)
	seed := []struct {
		product domain.Product
		batches []domain.Batch
	}{
		{
			product: domain.Product{ID: "prd-indomie", SKU: "SKU-IND-001", Barcode: "8998866200011", Name: "Indomie Goreng", UnitPrice: dec("3500"), Tracked: true, MinQuantity: dec("10")},
			batches: []domain.Batch{
				{ID: "bat-indomie-1", BatchNumber: "IND-A", Quantity: dec("40"), UnitCost: dec("2800"), ExpiryDate: &expSoon, ReceivedAt: now.AddDate(0, 0, -20)},
				{ID: "bat-indomie-2", BatchNumber: "IND-B", Quantity: dec("60"), UnitCost: dec("2750"), ExpiryDate: &expLater, ReceivedAt: now.AddDate(0, 0, -5)},
			},
		},
		{
			product: domain.Product{ID: "prd-tehbotol", SKU: "SKU-TEH-001", Barcode: "8996001600021", Name: "Teh Botol Sosro", UnitPrice: dec("5000"), Tracked: true, MinQuantity: dec("12")},
			batches: []domain.Batch{
				{ID: "bat-tehbotol-1", BatchNumber: "TEH-A", Quantity: dec("48"), UnitCost: dec("3900"), ExpiryDate: &expLater, ReceivedAt: now.AddDate(0, 0, -10)},
			},
		},
		{
			product: domain.Product{ID: "prd-beras", SKU: "SKU-BRS-005", Barcode: "8991002100053", Name: "Beras Premium 5kg", UnitPrice: dec("78000"), Tracked: true, MinQuantity: dec("5")},
			batches: []domain.Batch{
				{ID: "bat-beras-1", BatchNumber: "BRS-A", Quantity: dec("25"), UnitCost: dec("69000"), ReceivedAt: now.AddDate(0, 0, -30)},
			},
		},
	}
	for _, entry := range seed {
		product := entry.product
		product.Active = true
		product.CreatedAt = now
		data.products[product.ID] = product
		for _, batch := range entry.batches {
			batch.ProductID = product.ID
			batch.Active = true
			data.batches[batch.ID] = batch
		}
	}

	return s
}

func seedEmployees(now time.Time) []domain.Employee {
	out := make([]domain.Employee, 0, 2)
	for _, cred := range []struct {
		username, fullName, password, role string
	}{
		{"admin", "Store Admin", "admin12345", "admin"},
		{"kasir1", "Kasir Satu", "kasir12345", "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(cred.password), bcrypt.DefaultCost)
		if err != nil {
			continue
		}
		out = append(out, domain.Employee{
			Username:     cred.username,
			FullName:     cred.fullName,
			PasswordHash: string(hash),
			Role:         cred.role,
			Active:       true,
			CreatedAt:    now,
		})
	}
	return out
}

func dec(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// data resolves the tenant dataset for the partition on the context. Callers
// must hold s.mu.
func (s *Store) data(ctx context.Context) (*dataset, error) {
	partition, ok := store.PartitionFromContext(ctx)
	if !ok || partition == store.PublicPartition {
		return nil, store.ErrTenantRequired
	}
	d, ok := s.partitions[partition]
	if !ok {
		return nil, store.ErrTenantInvalid
	}
	return d, nil
}

// --- tenant directory (public partition) ---

func (s *Store) CreateTenant(_ context.Context, tenant domain.Tenant) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tenant.ID == "" || tenant.OpaqueKey == "" || tenant.PartitionID == "" {
		return nil, store.ErrInvalidRequest
	}
	if _, exists := s.partitions[tenant.PartitionID]; exists {
		return nil, fmt.Errorf("%w: partition %s already exists", store.ErrInvalidRequest, tenant.PartitionID)
	}
	if _, exists := s.keyToTenant[tenant.OpaqueKey]; exists {
		return nil, fmt.Errorf("%w: tenant key already in use", store.ErrInvalidRequest)
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}

	s.tenantsByID[tenant.ID] = tenant
	s.keyToTenant[tenant.OpaqueKey] = tenant.ID
	s.partitions[tenant.PartitionID] = newDataset()

	created := tenant
	return &created, nil
}

func (s *Store) GetTenantByKey(_ context.Context, opaqueKey string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keyToTenant[opaqueKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	tenant := s.tenantsByID[id]
	return &tenant, nil
}

func (s *Store) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Tenant, 0, len(s.tenantsByID))
	for _, tenant := range s.tenantsByID {
		out = append(out, tenant)
	}
	slices.SortFunc(out, func(a, b domain.Tenant) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Store) SetTenantActive(_ context.Context, tenantID string, active bool) (*domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.tenantsByID[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	tenant.Active = active
	s.tenantsByID[tenantID] = tenant
	return &tenant, nil
}

// --- employees (public partition) ---

func (s *Store) CreateEmployee(_ context.Context, employee domain.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if employee.Username == "" || employee.PasswordHash == "" {
		return store.ErrInvalidRequest
	}
	if _, exists := s.employees[employee.Username]; exists {
		return fmt.Errorf("%w: username already taken", store.ErrInvalidRequest)
	}
	if employee.CreatedAt.IsZero() {
		employee.CreatedAt = time.Now().UTC()
	}
	s.employees[employee.Username] = employee
	return nil
}

func (s *Store) GetEmployeeByUsername(_ context.Context, username string) (*domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	employee, ok := s.employees[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &employee, nil
}

func (s *Store) ListEmployees(_ context.Context) ([]domain.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Employee, 0, len(s.employees))
	for _, employee := range s.employees {
		out = append(out, employee)
	}
	slices.SortFunc(out, func(a, b domain.Employee) int { return strings.Compare(a.Username, b.Username) })
	return out, nil
}

func (s *Store) UpdateEmployeePassword(_ context.Context, username string, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	employee, ok := s.employees[username]
	if !ok {
		return store.ErrNotFound
	}
	employee.PasswordHash = passwordHash
	s.employees[username] = employee
	return nil
}

// --- catalog ---

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	if product.SKU == "" || product.Name == "" || product.UnitPrice.IsNegative() {
		return nil, store.ErrInvalidRequest
	}
	for _, existing := range data.products {
		if existing.SKU == product.SKU {
			return nil, fmt.Errorf("%w: sku %s already exists", store.ErrInvalidRequest, product.SKU)
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	data.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := data.products[product.ID]; !ok {
		return nil, store.ErrProductNotFound
	}
	data.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	product, ok := data.products[productID]
	if !ok {
		return nil, store.ErrProductNotFound
	}
	return &product, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	for _, product := range data.products {
		if product.Barcode != "" && product.Barcode == barcode {
			found := product
			return &found, nil
		}
	}
	return nil, store.ErrProductNotFound
}

func (s *Store) ListProductStock(ctx context.Context) ([]domain.ProductStock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProductStock, 0, len(data.products))
	for _, product := range data.products {
		quantity := decimal.Zero
		for _, batch := range data.batches {
			if batch.ProductID == product.ID && batch.Active {
				quantity = quantity.Add(batch.Quantity)
			}
		}
		reserved := activeReservedForProduct(data, product.ID)
		out = append(out, domain.ProductStock{
			Product:   product,
			Quantity:  quantity,
			Available: quantity.Sub(reserved),
		})
	}
	slices.SortFunc(out, func(a, b domain.ProductStock) int { return strings.Compare(a.Product.SKU, b.Product.SKU) })
	return out, nil
}

// --- batch ledger ---

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := data.products[batch.ProductID]; !ok {
		return nil, store.ErrProductNotFound
	}
	if batch.Quantity.IsNegative() || batch.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: batch quantity must be positive", store.ErrInvalidRequest)
	}
	if batch.ID == "" {
		batch.ID = xid.New("bat")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.Active = true

	data.batches[batch.ID] = batch
	created := batch
	return &created, nil
}

func (s *Store) GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	batch, ok := data.batches[batchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	return &batch, nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Batch, 0, 8)
	for _, batch := range data.batches {
		if batch.ProductID == productID {
			out = append(out, batch)
		}
	}
	slices.SortFunc(out, compareBatchFEFO)
	return out, nil
}

// compareBatchFEFO orders batches for allocation: ascending expiry with nil
// expiry last, then ascending received time.
func compareBatchFEFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if a.ExpiryDate.Before(*b.ExpiryDate) {
			return -1
		}
		if a.ExpiryDate.After(*b.ExpiryDate) {
			return 1
		}
	}
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

func activeReservedForBatch(data *dataset, batchID string) decimal.Decimal {
	reserved := decimal.Zero
	for _, res := range data.reservations {
		if res.BatchID == batchID && res.Status == domain.ReservationActive {
			reserved = reserved.Add(res.Quantity)
		}
	}
	return reserved
}

func activeReservedForProduct(data *dataset, productID string) decimal.Decimal {
	reserved := decimal.Zero
	for _, res := range data.reservations {
		if res.ProductID == productID && res.Status == domain.ReservationActive {
			reserved = reserved.Add(res.Quantity)
		}
	}
	return reserved
}

func batchAvailable(data *dataset, batch domain.Batch) decimal.Decimal {
	return batch.Quantity.Sub(activeReservedForBatch(data, batch.ID))
}

func batchUsable(batch domain.Batch, now time.Time) bool {
	if !batch.Active {
		return false
	}
	if batch.ExpiryDate != nil && batch.ExpiryDate.Before(now) {
		return false
	}
	return true
}

// --- reservation allocator ---

func (s *Store) ReserveStock(ctx context.Context, input store.ReserveInput) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	return reserveLocked(data, input)
}

// reserveLocked performs the check-then-act allocation. The caller holds the
// store mutex, so availability cannot change between the check and the
// reservation insert.
func reserveLocked(data *dataset, input store.ReserveInput) (*domain.Reservation, error) {
	if input.Quantity.IsNegative() || input.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: reservation quantity must be positive", store.ErrInvalidRequest)
	}
	product, ok := data.products[input.ProductID]
	if !ok || !product.Active {
		return nil, store.ErrProductNotFound
	}

	now := time.Now().UTC()
	var target *domain.Batch

	if input.BatchID != "" {
		batch, ok := data.batches[input.BatchID]
		if !ok || batch.ProductID != input.ProductID {
			return nil, store.ErrBatchNotFound
		}
		available := batchAvailable(data, batch)
		if available.LessThan(input.Quantity) {
			return nil, &store.StockError{
				ProductID: input.ProductID,
				BatchID:   batch.ID,
				Available: available,
				Requested: input.Quantity,
			}
		}
		target = &batch
	} else {
		candidates := make([]domain.Batch, 0, 8)
		for _, batch := range data.batches {
			if batch.ProductID == input.ProductID && batchUsable(batch, now) {
				candidates = append(candidates, batch)
			}
		}
		slices.SortFunc(candidates, compareBatchFEFO)

		totalAvailable := decimal.Zero
		for i := range candidates {
			available := batchAvailable(data, candidates[i])
			totalAvailable = totalAvailable.Add(available)
			if target == nil && !available.LessThan(input.Quantity) {
				target = &candidates[i]
			}
		}
		if target == nil {
			return nil, &store.StockError{
				ProductID: input.ProductID,
				Available: totalAvailable,
				Requested: input.Quantity,
			}
		}
	}

	reservation := domain.Reservation{
		ID:             xid.New("rsv"),
		ProductID:      input.ProductID,
		BatchID:        target.ID,
		Quantity:       input.Quantity,
		Status:         domain.ReservationActive,
		OwnerReference: input.OwnerReference,
		ReservedUntil:  input.ReservedUntil,
		CreatedAt:      now,
	}
	data.reservations[reservation.ID] = reservation
	created := reservation
	return &created, nil
}

func (s *Store) GrowReservation(ctx context.Context, reservationID string, extra decimal.Decimal) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	return growLocked(data, reservationID, extra, decimal.Zero)
}

func growLocked(data *dataset, reservationID string, extra decimal.Decimal, alreadyInCart decimal.Decimal) (*domain.Reservation, error) {
	if extra.IsNegative() || extra.IsZero() {
		return nil, fmt.Errorf("%w: reservation growth must be positive", store.ErrInvalidRequest)
	}
	reservation, ok := data.reservations[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if reservation.Status != domain.ReservationActive {
		return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrInvalidRequest, reservationID, reservation.Status)
	}
	batch, ok := data.batches[reservation.BatchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	available := batchAvailable(data, batch)
	if available.LessThan(extra) {
		return nil, &store.StockError{
			ProductID:     reservation.ProductID,
			BatchID:       batch.ID,
			Available:     available,
			Requested:     extra,
			AlreadyInCart: alreadyInCart,
		}
	}

	reservation.Quantity = reservation.Quantity.Add(extra)
	data.reservations[reservationID] = reservation
	grown := reservation
	return &grown, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	return releaseLocked(data, reservationID)
}

func releaseLocked(data *dataset, reservationID string) (*domain.Reservation, error) {
	reservation, ok := data.reservations[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if reservation.Status != domain.ReservationActive {
		// Idempotent: releasing a non-active reservation is a no-op.
		released := reservation
		return &released, nil
	}
	reservation.Status = domain.ReservationCancelled
	data.reservations[reservationID] = reservation
	released := reservation
	return &released, nil
}

func (s *Store) CompleteReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	return completeLocked(data, reservationID)
}

// completeLocked is the only durable stock decrement. The batch quantity is
// floored at zero; going negative means a prior accounting inconsistency and
// is logged rather than propagated.
func completeLocked(data *dataset, reservationID string) (*domain.Reservation, error) {
	reservation, ok := data.reservations[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if reservation.Status == domain.ReservationCompleted {
		completed := reservation
		return &completed, nil
	}
	if reservation.Status != domain.ReservationActive {
		return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrInvalidRequest, reservationID, reservation.Status)
	}

	batch, ok := data.batches[reservation.BatchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	remaining := batch.Quantity.Sub(reservation.Quantity)
	if remaining.IsNegative() {
		log.Printf("[memory] WARN: batch %s would go negative completing reservation %s (qty=%s reserved=%s), flooring at zero",
			batch.ID, reservation.ID, batch.Quantity.String(), reservation.Quantity.String())
		remaining = decimal.Zero
	}
	batch.Quantity = remaining
	data.batches[batch.ID] = batch

	reservation.Status = domain.ReservationCompleted
	data.reservations[reservationID] = reservation
	completed := reservation
	return &completed, nil
}

func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return 0, err
	}
	expired := 0
	for id, reservation := range data.reservations {
		if reservation.Status != domain.ReservationActive || reservation.ReservedUntil == nil {
			continue
		}
		if reservation.ReservedUntil.After(cutoff) {
			continue
		}
		reservation.Status = domain.ReservationExpired
		data.reservations[id] = reservation
		expired++
	}
	return expired, nil
}

// --- draft sales and settlement ---

func (s *Store) FindPendingSale(ctx context.Context, sessionID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale := findPendingLocked(data, sessionID)
	if sale == nil {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

// findPendingLocked returns the most recent pending sale for the session
// (last-pending-wins, matching the scan lookup behavior).
func findPendingLocked(data *dataset, sessionID string) *domain.Sale {
	var latest *domain.Sale
	for _, sale := range data.sales {
		if sale.SessionID != sessionID || sale.Status != domain.SalePending {
			continue
		}
		if latest == nil || sale.CreatedAt.After(latest.CreatedAt) {
			latest = sale
		}
	}
	return latest
}

func (s *Store) CreatePendingSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := data.sessions[sale.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return nil, store.ErrSessionNotOpen
	}
	// One pending draft per session: under the store mutex a concurrent
	// create cannot slip between this check and the insert, mirroring the
	// partial unique index in the postgres store.
	if existing := findPendingLocked(data, sale.SessionID); existing != nil {
		return cloneSale(existing), nil
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SalePending
	sale.Lines = nil
	sale.Payments = nil
	sale.Subtotal = decimal.Zero
	sale.Discount = decimal.Zero
	sale.Tax = decimal.Zero
	sale.Total = decimal.Zero

	stored := sale
	data.sales[sale.ID] = &stored
	return cloneSale(&stored), nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale, ok := data.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSale(sale), nil
}

func (s *Store) AddSaleLine(ctx context.Context, input store.AddLineInput) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale, ok := data.sales[input.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SalePending {
		return nil, store.ErrSaleNotPending
	}
	if input.Quantity.IsNegative() || input.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: line quantity must be positive", store.ErrInvalidRequest)
	}
	product, ok := data.products[input.ProductID]
	if !ok || !product.Active {
		return nil, store.ErrProductNotFound
	}

	// Rapid double-scans of the same product merge into one line, growing
	// its reservation instead of stacking duplicates.
	var growErr error
	for i := range sale.Lines {
		line := &sale.Lines[i]
		if line.ProductID != input.ProductID {
			continue
		}
		if input.BatchID != "" && line.BatchID != input.BatchID {
			continue
		}
		if _, err := growLocked(data, line.ReservationID, input.Quantity, line.Quantity); err != nil {
			// The line's batch may be tapped out while a later batch still
			// has stock; fall through and open a new line there.
			if input.BatchID == "" && errors.Is(err, store.ErrInsufficientStock) {
				growErr = err
				continue
			}
			return nil, err
		}
		line.Quantity = line.Quantity.Add(input.Quantity)
		if input.Discount.IsPositive() {
			line.Discount = line.Discount.Add(input.Discount)
		}
		line.LineTotal = lineTotal(*line)
		recomputeTotals(sale)
		return cloneSale(sale), nil
	}

	reservation, err := reserveLocked(data, store.ReserveInput{
		ProductID:      input.ProductID,
		BatchID:        input.BatchID,
		Quantity:       input.Quantity,
		OwnerReference: input.SaleID,
		ReservedUntil:  input.ReservedUntil,
	})
	if err != nil {
		// Surface the merge failure instead: it carries the cart quantity
		// alongside the batch availability.
		if growErr != nil && errors.Is(err, store.ErrInsufficientStock) {
			return nil, growErr
		}
		return nil, err
	}

	line := domain.SaleLine{
		ID:            xid.New("line"),
		SaleID:        sale.ID,
		ProductID:     product.ID,
		BatchID:       reservation.BatchID,
		ReservationID: reservation.ID,
		Quantity:      input.Quantity,
		UnitPrice:     product.UnitPrice,
		Discount:      input.Discount,
	}
	line.LineTotal = lineTotal(line)
	sale.Lines = append(sale.Lines, line)
	recomputeTotals(sale)
	return cloneSale(sale), nil
}

func (s *Store) RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale, ok := data.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SalePending {
		return nil, store.ErrSaleNotPending
	}

	idx := -1
	for i := range sale.Lines {
		if sale.Lines[i].ID == lineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	if _, err := releaseLocked(data, sale.Lines[idx].ReservationID); err != nil {
		return nil, err
	}
	sale.Lines = append(sale.Lines[:idx], sale.Lines[idx+1:]...)
	recomputeTotals(sale)
	return cloneSale(sale), nil
}

func (s *Store) SettleSale(ctx context.Context, input store.SettleInput) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale, ok := data.sales[input.SaleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SalePending {
		return nil, store.ErrSaleNotPending
	}
	if len(sale.Lines) == 0 {
		return nil, store.ErrEmptySale
	}
	session, ok := data.sessions[sale.SessionID]
	if !ok || session.Status != domain.SessionOpen {
		return nil, store.ErrSessionNotOpen
	}

	totalPaid := decimal.Zero
	for _, payment := range input.Payments {
		if payment.Amount.IsNegative() || payment.Amount.IsZero() {
			return nil, fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidRequest)
		}
		totalPaid = totalPaid.Add(payment.Amount)
	}
	if totalPaid.LessThan(sale.Total) {
		return nil, &store.PaymentError{Required: sale.Total, Paid: totalPaid}
	}
	for _, payment := range input.Payments {
		if payment.Method != domain.PayCash || payment.ReceivedAmount == nil {
			continue
		}
		if payment.ReceivedAmount.LessThan(payment.Amount) {
			return nil, &store.PaymentError{Required: payment.Amount, Paid: *payment.ReceivedAmount}
		}
	}

	// Validation passed: commit. Completing the reservations is the moment
	// stock durably decrements.
	now := time.Now().UTC()
	for _, line := range sale.Lines {
		if _, err := completeLocked(data, line.ReservationID); err != nil {
			return nil, err
		}
	}

	payments := make([]domain.Payment, 0, len(input.Payments))
	for _, in := range input.Payments {
		payment := domain.Payment{
			ID:             xid.New("pay"),
			SaleID:         sale.ID,
			SessionID:      sale.SessionID,
			Method:         in.Method,
			Amount:         in.Amount,
			ReceivedAmount: in.ReceivedAmount,
			ChangeAmount:   decimal.Zero,
			Reference:      in.Reference,
			CreatedAt:      now,
		}
		if in.Method == domain.PayCash && in.ReceivedAmount != nil {
			payment.ChangeAmount = in.ReceivedAmount.Sub(in.Amount)
		}
		payments = append(payments, payment)
	}
	sale.Payments = payments
	sale.Status = domain.SaleCompleted
	sale.CompletedAt = &now
	return cloneSale(sale), nil
}

func (s *Store) CancelSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale, ok := data.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SalePending {
		return nil, store.ErrSaleNotPending
	}
	for _, line := range sale.Lines {
		if _, err := releaseLocked(data, line.ReservationID); err != nil {
			return nil, err
		}
	}
	sale.Status = domain.SaleCancelled
	return cloneSale(sale), nil
}

func (s *Store) RefundSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	sale, ok := data.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if sale.Status != domain.SaleCompleted {
		return nil, fmt.Errorf("%w: only completed sales can be refunded", store.ErrInvalidRequest)
	}

	// Refund is the only operation that credits quantity back to a batch.
	for _, line := range sale.Lines {
		reservation, ok := data.reservations[line.ReservationID]
		if ok {
			reservation.Status = domain.ReservationCancelled
			data.reservations[line.ReservationID] = reservation
		}
		batch, ok := data.batches[line.BatchID]
		if !ok {
			continue
		}
		batch.Quantity = batch.Quantity.Add(line.Quantity)
		data.batches[line.BatchID] = batch
	}
	sale.Status = domain.SaleRefunded
	return cloneSale(sale), nil
}

// --- cash sessions ---

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	if session.Cashier == "" {
		return nil, store.ErrInvalidRequest
	}
	if session.OpeningCash.IsNegative() {
		return nil, fmt.Errorf("%w: opening cash cannot be negative", store.ErrInvalidRequest)
	}
	for _, existing := range data.sessions {
		if existing.Cashier == session.Cashier && existing.Status != domain.SessionClosed {
			return nil, fmt.Errorf("%w: cashier %s already has a session", store.ErrInvalidRequest, session.Cashier)
		}
	}
	if session.ID == "" {
		session.ID = xid.New("sess")
	}
	if session.OpenedAt.IsZero() {
		session.OpenedAt = time.Now().UTC()
	}
	session.Status = domain.SessionOpen
	session.ExpectedCash = session.OpeningCash
	session.Difference = decimal.Zero

	data.sessions[session.ID] = session
	opened := session
	return &opened, nil
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := data.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &session, nil
}

func (s *Store) GetOpenSessionByCashier(ctx context.Context, cashier string) (*domain.CashSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range data.sessions {
		if session.Cashier == cashier && session.Status == domain.SessionOpen {
			found := session
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

// expectedCashLocked recomputes the reconciliation target from the session's
// opening float, settled cash payments and cash movements.
func expectedCashLocked(data *dataset, session domain.CashSession) decimal.Decimal {
	expected := session.OpeningCash
	for _, sale := range data.sales {
		if sale.SessionID != session.ID || sale.Status != domain.SaleCompleted {
			continue
		}
		for _, payment := range sale.Payments {
			if payment.Method == domain.PayCash {
				expected = expected.Add(payment.Amount)
			}
		}
	}
	for _, movement := range data.movements {
		if movement.SessionID != session.ID {
			continue
		}
		switch movement.Type {
		case domain.CashIn:
			expected = expected.Add(movement.Amount)
		case domain.CashOut:
			expected = expected.Sub(movement.Amount)
		}
	}
	return expected
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, actualCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := data.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return nil, store.ErrSessionNotOpen
	}

	session.ExpectedCash = expectedCashLocked(data, session)
	session.ActualCash = &actualCash
	session.Difference = actualCash.Sub(session.ExpectedCash)
	session.Status = domain.SessionClosed
	session.ClosedAt = &closedAt

	data.sessions[sessionID] = session
	closed := session
	return &closed, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, from string, to string) (*domain.CashSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := data.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != from {
		return nil, fmt.Errorf("%w: session is %s, expected %s", store.ErrInvalidRequest, session.Status, from)
	}
	session.Status = to
	data.sessions[sessionID] = session
	updated := session
	return &updated, nil
}

func (s *Store) AddCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := data.sessions[movement.SessionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if session.Status != domain.SessionOpen {
		return nil, store.ErrSessionNotOpen
	}
	if movement.Amount.IsNegative() || movement.Amount.IsZero() {
		return nil, fmt.Errorf("%w: movement amount must be positive", store.ErrInvalidRequest)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	data.movements = append(data.movements, movement)
	created := movement
	return &created, nil
}

func (s *Store) SessionReport(ctx context.Context, sessionID string) (*domain.SessionReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := s.data(ctx)
	if err != nil {
		return nil, err
	}
	session, ok := data.sessions[sessionID]
	if !ok {
		return nil, store.ErrNotFound
	}

	report := domain.SessionReport{
		Session:       session,
		TotalByMethod: make(map[string]decimal.Decimal),
		CashInTotal:   decimal.Zero,
		CashOutTotal:  decimal.Zero,
	}
	for _, sale := range data.sales {
		if sale.SessionID != sessionID || sale.Status != domain.SaleCompleted {
			continue
		}
		report.SalesCount++
		for _, payment := range sale.Payments {
			current, ok := report.TotalByMethod[payment.Method]
			if !ok {
				current = decimal.Zero
			}
			report.TotalByMethod[payment.Method] = current.Add(payment.Amount)
		}
	}
	for _, movement := range data.movements {
		if movement.SessionID != sessionID {
			continue
		}
		switch movement.Type {
		case domain.CashIn:
			report.CashInTotal = report.CashInTotal.Add(movement.Amount)
		case domain.CashOut:
			report.CashOutTotal = report.CashOutTotal.Add(movement.Amount)
		}
	}
	report.ExpectedCash = expectedCashLocked(data, session)
	return &report, nil
}

// --- audit trail ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Partition == "" {
		if partition, ok := store.PartitionFromContext(ctx); ok {
			entry.Partition = partition
		}
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// --- helpers ---

func lineTotal(line domain.SaleLine) decimal.Decimal {
	return line.Quantity.Mul(line.UnitPrice).Sub(line.Discount)
}

func recomputeTotals(sale *domain.Sale) {
	subtotal := decimal.Zero
	discount := decimal.Zero
	for _, line := range sale.Lines {
		subtotal = subtotal.Add(line.Quantity.Mul(line.UnitPrice))
		discount = discount.Add(line.Discount)
	}
	sale.Subtotal = subtotal
	sale.Discount = discount
	sale.Total = subtotal.Sub(discount).Add(sale.Tax)
}

func cloneSale(src *domain.Sale) *domain.Sale {
	if src == nil {
		return nil
	}
	dup := *src
	dup.Lines = make([]domain.SaleLine, len(src.Lines))
	copy(dup.Lines, src.Lines)
	dup.Payments = make([]domain.Payment, len(src.Payments))
	copy(dup.Payments, src.Payments)
	return &dup
}
