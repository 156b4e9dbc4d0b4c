package service

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
	"mitrapos/backend/internal/tenant"
	"mitrapos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo           store.Repository
	directory      *tenant.Directory
	reservationTTL time.Duration
}

func New(repo store.Repository, directory *tenant.Directory, reservationTTL time.Duration) *Service {
	if reservationTTL <= 0 {
		reservationTTL = 30 * time.Minute
	}
	return &Service{
		repo:           repo,
		directory:      directory,
		reservationTTL: reservationTTL,
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entity string, entityID string, details string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		Actor:    actor.Username,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Details:  details,
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s entity=%s: %v", action, entity, err)
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	return nil
}

// --- tenant administration (public partition) ---

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(raw string) string {
	slug := strings.ToLower(strings.TrimSpace(raw))
	slug = slugPattern.ReplaceAllString(slug, "_")
	return strings.Trim(slug, "_")
}

func (s *Service) CreateTenant(ctx context.Context, req domain.TenantCreateRequest) (domain.Tenant, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Tenant{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Tenant{}, fmt.Errorf("%w: tenant name is required", store.ErrInvalidRequest)
	}
	slug := slugify(req.Slug)
	if slug == "" {
		slug = slugify(name)
	}
	if slug == "" {
		return domain.Tenant{}, fmt.Errorf("%w: tenant slug is required", store.ErrInvalidRequest)
	}

	tenant := domain.Tenant{
		ID:          xid.New("tnt"),
		Name:        name,
		OpaqueKey:   uuid.NewString(),
		PartitionID: "tenant_" + slug,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	created, err := s.repo.CreateTenant(ctx, tenant)
	if err != nil {
		return domain.Tenant{}, err
	}

	s.logAudit(ctx, "tenant_create", "tenant", created.ID, fmt.Sprintf("name=%s,partition=%s", created.Name, created.PartitionID))
	return *created, nil
}

func (s *Service) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListTenants(ctx)
}

func (s *Service) SetTenantActive(ctx context.Context, tenantID string, active bool) (domain.Tenant, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Tenant{}, err
	}

	updated, err := s.repo.SetTenantActive(ctx, tenantID, active)
	if err != nil {
		return domain.Tenant{}, err
	}
	// Drop the cached record so a deactivated key stops resolving now, not
	// after the cache TTL.
	if s.directory != nil {
		s.directory.Invalidate(ctx, updated.OpaqueKey)
	}

	s.logAudit(ctx, "tenant_set_active", "tenant", updated.ID, fmt.Sprintf("active=%t", active))
	return *updated, nil
}

// SweepExpiredReservations walks every active tenant partition and expires
// overdue reservations. Run periodically from main; each partition sweep is
// independent so one failing tenant does not stall the rest.
func (s *Service) SweepExpiredReservations(ctx context.Context) int {
	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		log.Printf("[service] WARN: reservation sweep could not list tenants: %v", err)
		return 0
	}

	total := 0
	now := time.Now().UTC()
	for _, t := range tenants {
		if !t.Active {
			continue
		}
		partitionCtx := store.WithPartition(ctx, t.PartitionID)
		expired, err := s.repo.ExpireReservations(partitionCtx, now)
		if err != nil {
			log.Printf("[service] WARN: reservation sweep failed for tenant %s: %v", t.ID, err)
			continue
		}
		if expired > 0 {
			log.Printf("[service] reservation sweep expired %d reservation(s) for tenant %s", expired, t.ID)
		}
		total += expired
	}
	return total
}

// --- catalog ---

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Name = strings.TrimSpace(req.Name)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if req.SKU == "" || req.Name == "" {
		return domain.Product{}, fmt.Errorf("%w: sku and name are required", store.ErrInvalidRequest)
	}
	if !req.UnitPrice.IsPositive() {
		return domain.Product{}, fmt.Errorf("%w: unit price must be positive", store.ErrInvalidRequest)
	}
	if req.MinQuantity.IsNegative() {
		return domain.Product{}, fmt.Errorf("%w: min quantity cannot be negative", store.ErrInvalidRequest)
	}

	tracked := true
	if req.Tracked != nil {
		tracked = *req.Tracked
	}
	product := domain.Product{
		SKU:         req.SKU,
		Barcode:     req.Barcode,
		Name:        req.Name,
		UnitPrice:   req.UnitPrice,
		Tracked:     tracked,
		MinQuantity: req.MinQuantity,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%s", created.SKU, created.UnitPrice.String()))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, fmt.Errorf("%w: product name cannot be empty", store.ErrInvalidRequest)
		}
		updated.Name = name
	}
	if req.Barcode != nil {
		updated.Barcode = strings.TrimSpace(*req.Barcode)
	}
	if req.UnitPrice != nil {
		if !req.UnitPrice.IsPositive() {
			return domain.Product{}, fmt.Errorf("%w: unit price must be positive", store.ErrInvalidRequest)
		}
		updated.UnitPrice = *req.UnitPrice
	}
	if req.MinQuantity != nil {
		if req.MinQuantity.IsNegative() {
			return domain.Product{}, fmt.Errorf("%w: min quantity cannot be negative", store.ErrInvalidRequest)
		}
		updated.MinQuantity = *req.MinQuantity
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, "")
	return *saved, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.ProductStock, error) {
	return s.repo.ListProductStock(ctx)
}

func (s *Service) GetProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, fmt.Errorf("%w: barcode is required", store.ErrInvalidRequest)
	}
	product, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// ReceiveBatch records incoming stock as a new batch; receiving never
// mutates an existing batch.
func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Batch{}, err
	}

	if req.ProductID == "" {
		return domain.Batch{}, fmt.Errorf("%w: product id is required", store.ErrInvalidRequest)
	}
	if !req.Quantity.IsPositive() {
		return domain.Batch{}, fmt.Errorf("%w: batch quantity must be positive", store.ErrInvalidRequest)
	}
	if req.UnitCost.IsNegative() {
		return domain.Batch{}, fmt.Errorf("%w: unit cost cannot be negative", store.ErrInvalidRequest)
	}

	batch := domain.Batch{
		ProductID:   req.ProductID,
		BatchNumber: strings.TrimSpace(req.BatchNumber),
		Quantity:    req.Quantity,
		UnitCost:    req.UnitCost,
		ExpiryDate:  req.ExpiryDate,
		ReceivedAt:  time.Now().UTC(),
	}
	created, err := s.repo.CreateBatch(ctx, batch)
	if err != nil {
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "batch_receive", "batch", created.ID, fmt.Sprintf("product=%s,qty=%s", created.ProductID, created.Quantity.String()))
	return *created, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string) ([]domain.Batch, error) {
	if productID == "" {
		return nil, fmt.Errorf("%w: product id is required", store.ErrInvalidRequest)
	}
	return s.repo.ListBatchesByProduct(ctx, productID)
}
