// Package postgres implements store.Repository on PostgreSQL with one schema
// per tenant partition. The partition comes from the request context and is
// applied with SET LOCAL inside each transaction, so the pooled connection
// falls back to the default search_path on commit and rollback alike and can
// never carry one request's partition into the next.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"regexp"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
	"mitrapos/backend/internal/xid"
)

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

	s := &Store{db: db}
	if err := s.ensurePublicSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensurePublicSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.tenants (
			id            text PRIMARY KEY,
			name          text NOT NULL,
			tenant_key    text NOT NULL UNIQUE,
			partition_id  text NOT NULL UNIQUE,
			active        boolean NOT NULL DEFAULT true,
			created_at    timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS public.employees (
			username      text PRIMARY KEY,
			full_name     text NOT NULL DEFAULT '',
			password_hash text NOT NULL,
			role          text NOT NULL,
			active        boolean NOT NULL DEFAULT true,
			created_at    timestamptz NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS public.audit_logs (
			id         text PRIMARY KEY,
			partition  text NOT NULL,
			actor      text NOT NULL,
			action     text NOT NULL,
			entity     text NOT NULL,
			entity_id  text NOT NULL,
			details    text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL DEFAULT now()
		);
	`)
	return err
}

// partitionDDL creates the per-tenant tables. It runs with search_path set
// to the fresh partition, so the unqualified names land in the right schema.
const partitionDDL = `
	CREATE TABLE IF NOT EXISTS products (
		id           text PRIMARY KEY,
		sku          text NOT NULL UNIQUE,
		barcode      text NOT NULL DEFAULT '',
		name         text NOT NULL,
		unit_price   numeric(14,2) NOT NULL,
		tracked      boolean NOT NULL DEFAULT true,
		min_quantity numeric(14,3) NOT NULL DEFAULT 0,
		active       boolean NOT NULL DEFAULT true,
		created_at   timestamptz NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS batches (
		id           text PRIMARY KEY,
		product_id   text NOT NULL REFERENCES products(id),
		batch_number text NOT NULL DEFAULT '',
		quantity     numeric(14,3) NOT NULL CHECK (quantity >= 0),
		unit_cost    numeric(14,2) NOT NULL DEFAULT 0,
		expiry_date  date,
		received_at  timestamptz NOT NULL DEFAULT now(),
		active       boolean NOT NULL DEFAULT true
	);
	CREATE INDEX IF NOT EXISTS batches_fefo_idx ON batches (product_id, expiry_date ASC NULLS LAST, received_at ASC);
	CREATE TABLE IF NOT EXISTS reservations (
		id              text PRIMARY KEY,
		product_id      text NOT NULL REFERENCES products(id),
		batch_id        text NOT NULL REFERENCES batches(id),
		quantity        numeric(14,3) NOT NULL CHECK (quantity > 0),
		status          text NOT NULL,
		owner_reference text NOT NULL DEFAULT '',
		reserved_until  timestamptz,
		created_at      timestamptz NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS reservations_batch_active_idx ON reservations (batch_id) WHERE status = 'active';
	CREATE TABLE IF NOT EXISTS cash_sessions (
		id            text PRIMARY KEY,
		cashier       text NOT NULL,
		register_code text NOT NULL DEFAULT '',
		status        text NOT NULL,
		opening_cash  numeric(14,2) NOT NULL,
		expected_cash numeric(14,2) NOT NULL DEFAULT 0,
		actual_cash   numeric(14,2),
		difference    numeric(14,2) NOT NULL DEFAULT 0,
		opened_at     timestamptz NOT NULL DEFAULT now(),
		closed_at     timestamptz
	);
	CREATE UNIQUE INDEX IF NOT EXISTS cash_sessions_one_active_idx ON cash_sessions (cashier) WHERE status <> 'closed';
	CREATE TABLE IF NOT EXISTS sales (
		id             text PRIMARY KEY,
		session_id     text NOT NULL REFERENCES cash_sessions(id),
		receipt_number text NOT NULL,
		cashier        text NOT NULL DEFAULT '',
		status         text NOT NULL,
		subtotal       numeric(14,2) NOT NULL DEFAULT 0,
		discount       numeric(14,2) NOT NULL DEFAULT 0,
		tax            numeric(14,2) NOT NULL DEFAULT 0,
		total          numeric(14,2) NOT NULL DEFAULT 0,
		created_at     timestamptz NOT NULL DEFAULT now(),
		completed_at   timestamptz
	);
	CREATE UNIQUE INDEX IF NOT EXISTS sales_one_pending_idx ON sales (session_id) WHERE status = 'pending';
	CREATE TABLE IF NOT EXISTS sale_lines (
		id             text PRIMARY KEY,
		sale_id        text NOT NULL REFERENCES sales(id),
		product_id     text NOT NULL REFERENCES products(id),
		batch_id       text NOT NULL REFERENCES batches(id),
		reservation_id text NOT NULL REFERENCES reservations(id),
		quantity       numeric(14,3) NOT NULL CHECK (quantity > 0),
		unit_price     numeric(14,2) NOT NULL,
		discount       numeric(14,2) NOT NULL DEFAULT 0,
		line_total     numeric(14,2) NOT NULL
	);
	CREATE TABLE IF NOT EXISTS payments (
		id              text PRIMARY KEY,
		sale_id         text NOT NULL REFERENCES sales(id),
		session_id      text NOT NULL REFERENCES cash_sessions(id),
		method          text NOT NULL,
		amount          numeric(14,2) NOT NULL,
		received_amount numeric(14,2),
		change_amount   numeric(14,2) NOT NULL DEFAULT 0,
		reference       text NOT NULL DEFAULT '',
		created_at      timestamptz NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS cash_movements (
		id         text PRIMARY KEY,
		session_id text NOT NULL REFERENCES cash_sessions(id),
		type       text NOT NULL,
		reason     text NOT NULL,
		amount     numeric(14,2) NOT NULL CHECK (amount > 0),
		notes      text NOT NULL DEFAULT '',
		created_by text NOT NULL DEFAULT '',
		created_at timestamptz NOT NULL DEFAULT now()
	);
`

var partitionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// withTenant runs fn inside a transaction whose search_path is the tenant
// partition from the context. All multi-step tenant writes go through here so
// their row locks and the partition switch share one transaction boundary.
func (s *Store) withTenant(ctx context.Context, fn func(tx *sql.Tx) error) error {
	partition, ok := store.PartitionFromContext(ctx)
	if !ok || partition == store.PublicPartition {
		return store.ErrTenantRequired
	}
	if !partitionNamePattern.MatchString(partition) {
		return store.ErrTenantInvalid
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+pgx.Identifier{partition}.Sanitize()+", public"); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// --- tenant directory (public partition) ---

func (s *Store) CreateTenant(ctx context.Context, tenant domain.Tenant) (*domain.Tenant, error) {
	if tenant.ID == "" || tenant.OpaqueKey == "" || tenant.PartitionID == "" {
		return nil, store.ErrInvalidRequest
	}
	if !partitionNamePattern.MatchString(tenant.PartitionID) {
		return nil, fmt.Errorf("%w: invalid partition name", store.ErrInvalidRequest)
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO public.tenants (id, name, tenant_key, partition_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, tenant.ID, tenant.Name, tenant.OpaqueKey, tenant.PartitionID, tenant.Active, tenant.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: tenant key or partition already in use", store.ErrInvalidRequest)
		}
		return nil, err
	}

	// Provision the partition in the same transaction: either the tenant row
	// and its schema both exist afterwards, or neither does.
	quoted := pgx.Identifier{tenant.PartitionID}.Sanitize()
	if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+quoted+", public"); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, partitionDDL); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := tenant
	return &created, nil
}

func (s *Store) GetTenantByKey(ctx context.Context, opaqueKey string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, tenant_key, partition_id, active, created_at
		FROM public.tenants
		WHERE tenant_key = $1
	`, opaqueKey).Scan(&tenant.ID, &tenant.Name, &tenant.OpaqueKey, &tenant.PartitionID, &tenant.Active, &tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, tenant_key, partition_id, active, created_at
		FROM public.tenants
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tenants := make([]domain.Tenant, 0, 16)
	for rows.Next() {
		var tenant domain.Tenant
		if err := rows.Scan(&tenant.ID, &tenant.Name, &tenant.OpaqueKey, &tenant.PartitionID, &tenant.Active, &tenant.CreatedAt); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (s *Store) SetTenantActive(ctx context.Context, tenantID string, active bool) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.db.QueryRowContext(ctx, `
		UPDATE public.tenants SET active = $2 WHERE id = $1
		RETURNING id, name, tenant_key, partition_id, active, created_at
	`, tenantID, active).Scan(&tenant.ID, &tenant.Name, &tenant.OpaqueKey, &tenant.PartitionID, &tenant.Active, &tenant.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &tenant, nil
}

// --- employees ---
// Always queried with an explicit public prefix: employee identity is shared
// across tenants and must resolve the same way whatever partition a request
// carries.

func (s *Store) CreateEmployee(ctx context.Context, employee domain.Employee) error {
	if employee.Username == "" || employee.PasswordHash == "" {
		return store.ErrInvalidRequest
	}
	if employee.CreatedAt.IsZero() {
		employee.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.employees (username, full_name, password_hash, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, employee.Username, employee.FullName, employee.PasswordHash, employee.Role, employee.Active, employee.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: username already taken", store.ErrInvalidRequest)
	}
	return err
}

func (s *Store) GetEmployeeByUsername(ctx context.Context, username string) (*domain.Employee, error) {
	var employee domain.Employee
	err := s.db.QueryRowContext(ctx, `
		SELECT username, full_name, password_hash, role, active, created_at
		FROM public.employees
		WHERE username = $1
	`, username).Scan(&employee.Username, &employee.FullName, &employee.PasswordHash, &employee.Role, &employee.Active, &employee.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &employee, nil
}

func (s *Store) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, full_name, password_hash, role, active, created_at
		FROM public.employees
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	employees := make([]domain.Employee, 0, 16)
	for rows.Next() {
		var employee domain.Employee
		if err := rows.Scan(&employee.Username, &employee.FullName, &employee.PasswordHash, &employee.Role, &employee.Active, &employee.CreatedAt); err != nil {
			return nil, err
		}
		employees = append(employees, employee)
	}
	return employees, rows.Err()
}

func (s *Store) UpdateEmployeePassword(ctx context.Context, username string, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.employees SET password_hash = $2 WHERE username = $1
	`, username, passwordHash)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- catalog ---

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Name == "" || product.UnitPrice.IsNegative() {
		return nil, store.ErrInvalidRequest
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	product.Active = true

	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, sku, barcode, name, unit_price, tracked, min_quantity, active, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, product.ID, product.SKU, product.Barcode, product.Name, product.UnitPrice, product.Tracked, product.MinQuantity, product.Active, product.CreatedAt)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: sku %s already exists", store.ErrInvalidRequest, product.SKU)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	created := product
	return &created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE products
			SET barcode = $2, name = $3, unit_price = $4, tracked = $5, min_quantity = $6, active = $7
			WHERE id = $1
		`, product.ID, product.Barcode, product.Name, product.UnitPrice, product.Tracked, product.MinQuantity, product.Active)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return store.ErrProductNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	updated := product
	return &updated, nil
}

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var product domain.Product
	err := row.Scan(&product.ID, &product.SKU, &product.Barcode, &product.Name,
		&product.UnitPrice, &product.Tracked, &product.MinQuantity, &product.Active, &product.CreatedAt)
	return product, err
}

const productColumns = `id, sku, barcode, name, unit_price, tracked, min_quantity, active, created_at`

func (s *Store) GetProductByID(ctx context.Context, productID string) (*domain.Product, error) {
	var product domain.Product
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		product, err = scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, productID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrProductNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	var product domain.Product
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		product, err = scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = $1 AND barcode <> ''`, barcode))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrProductNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProductStock(ctx context.Context) ([]domain.ProductStock, error) {
	var out []domain.ProductStock
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT p.id, p.sku, p.barcode, p.name, p.unit_price, p.tracked, p.min_quantity, p.active, p.created_at,
				COALESCE((SELECT SUM(b.quantity) FROM batches b WHERE b.product_id = p.id AND b.active), 0) AS quantity,
				COALESCE((SELECT SUM(r.quantity) FROM reservations r WHERE r.product_id = p.id AND r.status = 'active'), 0) AS reserved
			FROM products p
			WHERE p.active
			ORDER BY p.sku
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]domain.ProductStock, 0, 128)
		for rows.Next() {
			var entry domain.ProductStock
			var reserved decimal.Decimal
			if err := rows.Scan(&entry.Product.ID, &entry.Product.SKU, &entry.Product.Barcode, &entry.Product.Name,
				&entry.Product.UnitPrice, &entry.Product.Tracked, &entry.Product.MinQuantity, &entry.Product.Active,
				&entry.Product.CreatedAt, &entry.Quantity, &reserved); err != nil {
				return err
			}
			entry.Available = entry.Quantity.Sub(reserved)
			out = append(out, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- batch ledger ---

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
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

	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, batch.ProductID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrProductNotFound
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (id, product_id, batch_number, quantity, unit_cost, expiry_date, received_at, active)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, batch.ID, batch.ProductID, batch.BatchNumber, batch.Quantity, batch.UnitCost, batch.ExpiryDate, batch.ReceivedAt, batch.Active)
		return err
	})
	if err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

const batchColumns = `id, product_id, batch_number, quantity, unit_cost, expiry_date, received_at, active`

func scanBatch(row interface{ Scan(...any) error }) (domain.Batch, error) {
	var batch domain.Batch
	var expiry sql.NullTime
	err := row.Scan(&batch.ID, &batch.ProductID, &batch.BatchNumber, &batch.Quantity,
		&batch.UnitCost, &expiry, &batch.ReceivedAt, &batch.Active)
	if expiry.Valid {
		t := expiry.Time
		batch.ExpiryDate = &t
	}
	return batch, err
}

func (s *Store) GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	var batch domain.Batch
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		batch, err = scanBatch(tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, batchID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrBatchNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, productID string) ([]domain.Batch, error) {
	var out []domain.Batch
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+batchColumns+`
			FROM batches
			WHERE product_id = $1
			ORDER BY expiry_date ASC NULLS LAST, received_at ASC
		`, productID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]domain.Batch, 0, 8)
		for rows.Next() {
			batch, err := scanBatch(rows)
			if err != nil {
				return err
			}
			out = append(out, batch)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- reservation allocator ---

// lockedBatchAvailable re-reads a batch under FOR UPDATE and returns it with
// its available quantity (quantity minus active reservations). This is the
// check half of check-then-act; the caller inserts or grows the reservation
// in the same transaction before the lock is given up.
func lockedBatchAvailable(ctx context.Context, tx *sql.Tx, batchID string) (domain.Batch, decimal.Decimal, error) {
	batch, err := scanBatch(tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Batch{}, decimal.Zero, store.ErrBatchNotFound
		}
		return domain.Batch{}, decimal.Zero, err
	}
	var reserved decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM reservations WHERE batch_id = $1 AND status = 'active'
	`, batchID).Scan(&reserved)
	if err != nil {
		return domain.Batch{}, decimal.Zero, err
	}
	return batch, batch.Quantity.Sub(reserved), nil
}

func reserveInTx(ctx context.Context, tx *sql.Tx, input store.ReserveInput) (*domain.Reservation, error) {
	if input.Quantity.IsNegative() || input.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: reservation quantity must be positive", store.ErrInvalidRequest)
	}
	var productActive bool
	err := tx.QueryRowContext(ctx, `SELECT active FROM products WHERE id = $1`, input.ProductID).Scan(&productActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, err
	}
	if !productActive {
		return nil, store.ErrProductNotFound
	}

	var targetBatch string
	if input.BatchID != "" {
		batch, available, err := lockedBatchAvailable(ctx, tx, input.BatchID)
		if err != nil {
			return nil, err
		}
		if batch.ProductID != input.ProductID {
			return nil, store.ErrBatchNotFound
		}
		if available.LessThan(input.Quantity) {
			return nil, &store.StockError{
				ProductID: input.ProductID,
				BatchID:   input.BatchID,
				Available: available,
				Requested: input.Quantity,
			}
		}
		targetBatch = input.BatchID
	} else {
		// Lock every usable batch of the product in FEFO order, then walk
		// them re-reading availability. Locking the full set keeps two
		// concurrent FEFO scans from interleaving on different batches.
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM batches
			WHERE product_id = $1 AND active
				AND (expiry_date IS NULL OR expiry_date >= CURRENT_DATE)
			ORDER BY expiry_date ASC NULLS LAST, received_at ASC
			FOR UPDATE
		`, input.ProductID)
		if err != nil {
			return nil, err
		}
		batchIDs := make([]string, 0, 8)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			batchIDs = append(batchIDs, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()

		totalAvailable := decimal.Zero
		for _, id := range batchIDs {
			_, available, err := lockedBatchAvailable(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			totalAvailable = totalAvailable.Add(available)
			if targetBatch == "" && !available.LessThan(input.Quantity) {
				targetBatch = id
			}
		}
		if targetBatch == "" {
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
		BatchID:        targetBatch,
		Quantity:       input.Quantity,
		Status:         domain.ReservationActive,
		OwnerReference: input.OwnerReference,
		ReservedUntil:  input.ReservedUntil,
		CreatedAt:      time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, product_id, batch_id, quantity, status, owner_reference, reserved_until, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, reservation.ID, reservation.ProductID, reservation.BatchID, reservation.Quantity,
		reservation.Status, reservation.OwnerReference, reservation.ReservedUntil, reservation.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (s *Store) ReserveStock(ctx context.Context, input store.ReserveInput) (*domain.Reservation, error) {
	var reservation *domain.Reservation
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		reservation, err = reserveInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

const reservationColumns = `id, product_id, batch_id, quantity, status, owner_reference, reserved_until, created_at`

func scanReservation(row interface{ Scan(...any) error }) (domain.Reservation, error) {
	var reservation domain.Reservation
	var until sql.NullTime
	err := row.Scan(&reservation.ID, &reservation.ProductID, &reservation.BatchID, &reservation.Quantity,
		&reservation.Status, &reservation.OwnerReference, &until, &reservation.CreatedAt)
	if until.Valid {
		t := until.Time
		reservation.ReservedUntil = &t
	}
	return reservation, err
}

func growInTx(ctx context.Context, tx *sql.Tx, reservationID string, extra decimal.Decimal, alreadyInCart decimal.Decimal) (*domain.Reservation, error) {
	if extra.IsNegative() || extra.IsZero() {
		return nil, fmt.Errorf("%w: reservation growth must be positive", store.ErrInvalidRequest)
	}
	reservation, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, reservationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if reservation.Status != domain.ReservationActive {
		return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrInvalidRequest, reservationID, reservation.Status)
	}

	_, available, err := lockedBatchAvailable(ctx, tx, reservation.BatchID)
	if err != nil {
		return nil, err
	}
	if available.LessThan(extra) {
		return nil, &store.StockError{
			ProductID:     reservation.ProductID,
			BatchID:       reservation.BatchID,
			Available:     available,
			Requested:     extra,
			AlreadyInCart: alreadyInCart,
		}
	}

	reservation.Quantity = reservation.Quantity.Add(extra)
	_, err = tx.ExecContext(ctx, `UPDATE reservations SET quantity = $2 WHERE id = $1`, reservationID, reservation.Quantity)
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (s *Store) GrowReservation(ctx context.Context, reservationID string, extra decimal.Decimal) (*domain.Reservation, error) {
	var reservation *domain.Reservation
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		reservation, err = growInTx(ctx, tx, reservationID, extra, decimal.Zero)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func releaseInTx(ctx context.Context, tx *sql.Tx, reservationID string) (*domain.Reservation, error) {
	reservation, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, reservationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if reservation.Status != domain.ReservationActive {
		return &reservation, nil
	}
	reservation.Status = domain.ReservationCancelled
	if _, err := tx.ExecContext(ctx, `UPDATE reservations SET status = $2 WHERE id = $1`, reservationID, reservation.Status); err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var reservation *domain.Reservation
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		reservation, err = releaseInTx(ctx, tx, reservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func completeInTx(ctx context.Context, tx *sql.Tx, reservationID string) (*domain.Reservation, error) {
	reservation, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, reservationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if reservation.Status == domain.ReservationCompleted {
		return &reservation, nil
	}
	if reservation.Status != domain.ReservationActive {
		return nil, fmt.Errorf("%w: reservation %s is %s", store.ErrInvalidRequest, reservationID, reservation.Status)
	}

	batch, err := scanBatch(tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1 FOR UPDATE`, reservation.BatchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBatchNotFound
		}
		return nil, err
	}
	remaining := batch.Quantity.Sub(reservation.Quantity)
	if remaining.IsNegative() {
		log.Printf("[postgres] WARN: batch %s would go negative completing reservation %s (qty=%s reserved=%s), flooring at zero",
			batch.ID, reservation.ID, batch.Quantity.String(), reservation.Quantity.String())
		remaining = decimal.Zero
	}
	if _, err := tx.ExecContext(ctx, `UPDATE batches SET quantity = $2 WHERE id = $1`, batch.ID, remaining); err != nil {
		return nil, err
	}
	reservation.Status = domain.ReservationCompleted
	if _, err := tx.ExecContext(ctx, `UPDATE reservations SET status = $2 WHERE id = $1`, reservationID, reservation.Status); err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (s *Store) CompleteReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	var reservation *domain.Reservation
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		reservation, err = completeInTx(ctx, tx, reservationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reservation, nil
}

func (s *Store) ExpireReservations(ctx context.Context, cutoff time.Time) (int, error) {
	expired := 0
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reservations SET status = 'expired'
			WHERE status = 'active' AND reserved_until IS NOT NULL AND reserved_until <= $1
		`, cutoff)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		expired = int(affected)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return expired, nil
}

// --- draft sales and settlement ---

const saleColumns = `id, session_id, receipt_number, cashier, status, subtotal, discount, tax, total, created_at, completed_at`

func scanSale(row interface{ Scan(...any) error }) (domain.Sale, error) {
	var sale domain.Sale
	var completedAt sql.NullTime
	err := row.Scan(&sale.ID, &sale.SessionID, &sale.ReceiptNumber, &sale.Cashier, &sale.Status,
		&sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total, &sale.CreatedAt, &completedAt)
	if completedAt.Valid {
		t := completedAt.Time
		sale.CompletedAt = &t
	}
	return sale, err
}

func loadSaleInTx(ctx context.Context, tx *sql.Tx, saleID string, forUpdate bool) (*domain.Sale, error) {
	query := `SELECT ` + saleColumns + ` FROM sales WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sale, err := scanSale(tx.QueryRowContext(ctx, query, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	lineRows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, product_id, batch_id, reservation_id, quantity, unit_price, discount, line_total
		FROM sale_lines WHERE sale_id = $1 ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var line domain.SaleLine
		if err := lineRows.Scan(&line.ID, &line.SaleID, &line.ProductID, &line.BatchID, &line.ReservationID,
			&line.Quantity, &line.UnitPrice, &line.Discount, &line.LineTotal); err != nil {
			return nil, err
		}
		sale.Lines = append(sale.Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	payRows, err := tx.QueryContext(ctx, `
		SELECT id, sale_id, session_id, method, amount, received_amount, change_amount, reference, created_at
		FROM payments WHERE sale_id = $1 ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer payRows.Close()
	for payRows.Next() {
		var payment domain.Payment
		var received decimal.NullDecimal
		if err := payRows.Scan(&payment.ID, &payment.SaleID, &payment.SessionID, &payment.Method,
			&payment.Amount, &received, &payment.ChangeAmount, &payment.Reference, &payment.CreatedAt); err != nil {
			return nil, err
		}
		if received.Valid {
			v := received.Decimal
			payment.ReceivedAmount = &v
		}
		sale.Payments = append(sale.Payments, payment)
	}
	return &sale, payRows.Err()
}

func recomputeTotalsInTx(ctx context.Context, tx *sql.Tx, saleID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sales SET
			subtotal = totals.subtotal,
			discount = totals.discount,
			total = totals.subtotal - totals.discount + sales.tax
		FROM (
			SELECT COALESCE(SUM(quantity * unit_price), 0) AS subtotal,
				COALESCE(SUM(discount), 0) AS discount
			FROM sale_lines WHERE sale_id = $1
		) AS totals
		WHERE sales.id = $1
	`, saleID)
	return err
}

func (s *Store) FindPendingSale(ctx context.Context, sessionID string) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var saleID string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM sales
			WHERE session_id = $1 AND status = 'pending'
			ORDER BY created_at DESC LIMIT 1
		`, sessionID).Scan(&saleID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		sale, err = loadSaleInTx(ctx, tx, saleID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) CreatePendingSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.Status = domain.SalePending

	var created *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var sessionStatus string
		err := tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1`, sale.SessionID).Scan(&sessionStatus)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if sessionStatus != domain.SessionOpen {
			return store.ErrSessionNotOpen
		}

		// ON CONFLICT against the partial unique index keeps the transaction
		// healthy when a concurrent find-or-create wins the race; a failed
		// INSERT would abort the tx and poison the follow-up fetch.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO sales (id, session_id, receipt_number, cashier, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (session_id) WHERE status = 'pending' DO NOTHING
		`, sale.ID, sale.SessionID, sale.ReceiptNumber, sale.Cashier, sale.Status, sale.CreatedAt)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			var existingID string
			if err := tx.QueryRowContext(ctx, `
				SELECT id FROM sales
				WHERE session_id = $1 AND status = 'pending'
				ORDER BY created_at DESC LIMIT 1
			`, sale.SessionID).Scan(&existingID); err != nil {
				return err
			}
			created, err = loadSaleInTx(ctx, tx, existingID, false)
			return err
		}
		created, err = loadSaleInTx(ctx, tx, sale.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetSaleByID(ctx context.Context, saleID string) (*domain.Sale, error) {
	var sale *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		sale, err = loadSaleInTx(ctx, tx, saleID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sale, nil
}

func (s *Store) AddSaleLine(ctx context.Context, input store.AddLineInput) (*domain.Sale, error) {
	if input.Quantity.IsNegative() || input.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: line quantity must be positive", store.ErrInvalidRequest)
	}

	var updated *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		// Lock the sale row first: rapid double-scans on the same draft
		// serialize here instead of racing each other's line merge.
		sale, err := loadSaleInTx(ctx, tx, input.SaleID, true)
		if err != nil {
			return err
		}
		if sale.Status != domain.SalePending {
			return store.ErrSaleNotPending
		}

		var product domain.Product
		product, err = scanProduct(tx.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, input.ProductID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrProductNotFound
			}
			return err
		}
		if !product.Active {
			return store.ErrProductNotFound
		}

		var merged bool
		var growErr error
		for _, line := range sale.Lines {
			if line.ProductID != input.ProductID {
				continue
			}
			if input.BatchID != "" && line.BatchID != input.BatchID {
				continue
			}
			if _, err := growInTx(ctx, tx, line.ReservationID, input.Quantity, line.Quantity); err != nil {
				// The line's batch may be tapped out while a later batch
				// still has stock; fall through and open a new line there.
				if input.BatchID == "" && errors.Is(err, store.ErrInsufficientStock) {
					growErr = err
					continue
				}
				return err
			}
			newQty := line.Quantity.Add(input.Quantity)
			newDiscount := line.Discount
			if input.Discount.IsPositive() {
				newDiscount = newDiscount.Add(input.Discount)
			}
			newTotal := newQty.Mul(line.UnitPrice).Sub(newDiscount)
			if _, err := tx.ExecContext(ctx, `
				UPDATE sale_lines SET quantity = $2, discount = $3, line_total = $4 WHERE id = $1
			`, line.ID, newQty, newDiscount, newTotal); err != nil {
				return err
			}
			merged = true
			break
		}

		if !merged {
			reservation, err := reserveInTx(ctx, tx, store.ReserveInput{
				ProductID:      input.ProductID,
				BatchID:        input.BatchID,
				Quantity:       input.Quantity,
				OwnerReference: input.SaleID,
				ReservedUntil:  input.ReservedUntil,
			})
			if err != nil {
				// Surface the merge failure instead: it carries the cart
				// quantity alongside the batch availability.
				if growErr != nil && errors.Is(err, store.ErrInsufficientStock) {
					return growErr
				}
				return err
			}
			lineID := xid.New("line")
			total := input.Quantity.Mul(product.UnitPrice).Sub(input.Discount)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sale_lines (id, sale_id, product_id, batch_id, reservation_id, quantity, unit_price, discount, line_total)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, lineID, input.SaleID, input.ProductID, reservation.BatchID, reservation.ID,
				input.Quantity, product.UnitPrice, input.Discount, total); err != nil {
				return err
			}
		}

		if err := recomputeTotalsInTx(ctx, tx, input.SaleID); err != nil {
			return err
		}
		updated, err = loadSaleInTx(ctx, tx, input.SaleID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) RemoveSaleLine(ctx context.Context, saleID string, lineID string) (*domain.Sale, error) {
	var updated *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleInTx(ctx, tx, saleID, true)
		if err != nil {
			return err
		}
		if sale.Status != domain.SalePending {
			return store.ErrSaleNotPending
		}

		var target *domain.SaleLine
		for i := range sale.Lines {
			if sale.Lines[i].ID == lineID {
				target = &sale.Lines[i]
				break
			}
		}
		if target == nil {
			return store.ErrNotFound
		}
		if _, err := releaseInTx(ctx, tx, target.ReservationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sale_lines WHERE id = $1`, lineID); err != nil {
			return err
		}
		if err := recomputeTotalsInTx(ctx, tx, saleID); err != nil {
			return err
		}
		updated, err = loadSaleInTx(ctx, tx, saleID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) SettleSale(ctx context.Context, input store.SettleInput) (*domain.Sale, error) {
	var settled *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleInTx(ctx, tx, input.SaleID, true)
		if err != nil {
			return err
		}
		if sale.Status != domain.SalePending {
			return store.ErrSaleNotPending
		}
		if len(sale.Lines) == 0 {
			return store.ErrEmptySale
		}

		var sessionStatus string
		err = tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR UPDATE`, sale.SessionID).Scan(&sessionStatus)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if sessionStatus != domain.SessionOpen {
			return store.ErrSessionNotOpen
		}

		totalPaid := decimal.Zero
		for _, payment := range input.Payments {
			if payment.Amount.IsNegative() || payment.Amount.IsZero() {
				return fmt.Errorf("%w: payment amount must be positive", store.ErrInvalidRequest)
			}
			totalPaid = totalPaid.Add(payment.Amount)
		}
		if totalPaid.LessThan(sale.Total) {
			return &store.PaymentError{Required: sale.Total, Paid: totalPaid}
		}
		for _, payment := range input.Payments {
			if payment.Method != domain.PayCash || payment.ReceivedAmount == nil {
				continue
			}
			if payment.ReceivedAmount.LessThan(payment.Amount) {
				return &store.PaymentError{Required: payment.Amount, Paid: *payment.ReceivedAmount}
			}
		}

		now := time.Now().UTC()
		for _, line := range sale.Lines {
			if _, err := completeInTx(ctx, tx, line.ReservationID); err != nil {
				return err
			}
		}
		for _, in := range input.Payments {
			change := decimal.Zero
			if in.Method == domain.PayCash && in.ReceivedAmount != nil {
				change = in.ReceivedAmount.Sub(in.Amount)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO payments (id, sale_id, session_id, method, amount, received_amount, change_amount, reference, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, xid.New("pay"), sale.ID, sale.SessionID, in.Method, in.Amount, decimalPtrToNull(in.ReceivedAmount), change, in.Reference, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sales SET status = $2, completed_at = $3 WHERE id = $1
		`, sale.ID, domain.SaleCompleted, now); err != nil {
			return err
		}
		settled, err = loadSaleInTx(ctx, tx, sale.ID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func decimalPtrToNull(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func (s *Store) CancelSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var cancelled *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleInTx(ctx, tx, saleID, true)
		if err != nil {
			return err
		}
		if sale.Status != domain.SalePending {
			return store.ErrSaleNotPending
		}
		for _, line := range sale.Lines {
			if _, err := releaseInTx(ctx, tx, line.ReservationID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = $2 WHERE id = $1`, saleID, domain.SaleCancelled); err != nil {
			return err
		}
		cancelled, err = loadSaleInTx(ctx, tx, saleID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

func (s *Store) RefundSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	var refunded *domain.Sale
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		sale, err := loadSaleInTx(ctx, tx, saleID, true)
		if err != nil {
			return err
		}
		if sale.Status != domain.SaleCompleted {
			return fmt.Errorf("%w: only completed sales can be refunded", store.ErrInvalidRequest)
		}
		for _, line := range sale.Lines {
			if _, err := tx.ExecContext(ctx, `
				UPDATE reservations SET status = $2 WHERE id = $1
			`, line.ReservationID, domain.ReservationCancelled); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE batches SET quantity = quantity + $2 WHERE id = $1
			`, line.BatchID, line.Quantity); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sales SET status = $2 WHERE id = $1`, saleID, domain.SaleRefunded); err != nil {
			return err
		}
		refunded, err = loadSaleInTx(ctx, tx, saleID, false)
		return err
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

// --- cash sessions ---

const sessionColumns = `id, cashier, register_code, status, opening_cash, expected_cash, actual_cash, difference, opened_at, closed_at`

func scanSession(row interface{ Scan(...any) error }) (domain.CashSession, error) {
	var session domain.CashSession
	var actual decimal.NullDecimal
	var closedAt sql.NullTime
	err := row.Scan(&session.ID, &session.Cashier, &session.RegisterCode, &session.Status,
		&session.OpeningCash, &session.ExpectedCash, &actual, &session.Difference, &session.OpenedAt, &closedAt)
	if actual.Valid {
		v := actual.Decimal
		session.ActualCash = &v
	}
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}
	return session, err
}

func (s *Store) OpenSession(ctx context.Context, session domain.CashSession) (*domain.CashSession, error) {
	if session.Cashier == "" {
		return nil, store.ErrInvalidRequest
	}
	if session.OpeningCash.IsNegative() {
		return nil, fmt.Errorf("%w: opening cash cannot be negative", store.ErrInvalidRequest)
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

	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cash_sessions (id, cashier, register_code, status, opening_cash, expected_cash, difference, opened_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, session.ID, session.Cashier, session.RegisterCode, session.Status,
			session.OpeningCash, session.ExpectedCash, session.Difference, session.OpenedAt)
		if err != nil && isUniqueViolation(err) {
			return fmt.Errorf("%w: cashier %s already has a session", store.ErrInvalidRequest, session.Cashier)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	opened := session
	return &opened, nil
}

func (s *Store) GetSessionByID(ctx context.Context, sessionID string) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, sessionID))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) GetOpenSessionByCashier(ctx context.Context, cashier string) (*domain.CashSession, error) {
	var session domain.CashSession
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var err error
		session, err = scanSession(tx.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM cash_sessions WHERE cashier = $1 AND status = 'open'
		`, cashier))
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func expectedCashInTx(ctx context.Context, tx *sql.Tx, session domain.CashSession) (decimal.Decimal, error) {
	var cashSales decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(p.amount), 0)
		FROM payments p
		JOIN sales s ON s.id = p.sale_id
		WHERE p.session_id = $1 AND p.method = 'cash' AND s.status = 'completed'
	`, session.ID).Scan(&cashSales)
	if err != nil {
		return decimal.Zero, err
	}
	var cashIn, cashOut decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'cash_in'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'cash_out'), 0)
		FROM cash_movements WHERE session_id = $1
	`, session.ID).Scan(&cashIn, &cashOut)
	if err != nil {
		return decimal.Zero, err
	}
	return session.OpeningCash.Add(cashSales).Add(cashIn).Sub(cashOut), nil
}

func (s *Store) CloseSession(ctx context.Context, sessionID string, actualCash decimal.Decimal, closedAt time.Time) (*domain.CashSession, error) {
	var closed domain.CashSession
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE
		`, sessionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if session.Status != domain.SessionOpen {
			return store.ErrSessionNotOpen
		}

		expected, err := expectedCashInTx(ctx, tx, session)
		if err != nil {
			return err
		}
		session.ExpectedCash = expected
		session.ActualCash = &actualCash
		session.Difference = actualCash.Sub(expected)
		session.Status = domain.SessionClosed
		session.ClosedAt = &closedAt

		_, err = tx.ExecContext(ctx, `
			UPDATE cash_sessions
			SET status = $2, expected_cash = $3, actual_cash = $4, difference = $5, closed_at = $6
			WHERE id = $1
		`, sessionID, session.Status, session.ExpectedCash, actualCash, session.Difference, closedAt)
		if err != nil {
			return err
		}
		closed = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &closed, nil
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, from string, to string) (*domain.CashSession, error) {
	var updated domain.CashSession
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, `
			SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1 FOR UPDATE
		`, sessionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if session.Status != from {
			return fmt.Errorf("%w: session is %s, expected %s", store.ErrInvalidRequest, session.Status, from)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cash_sessions SET status = $2 WHERE id = $1`, sessionID, to); err != nil {
			return err
		}
		session.Status = to
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) AddCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.Amount.IsNegative() || movement.Amount.IsZero() {
		return nil, fmt.Errorf("%w: movement amount must be positive", store.ErrInvalidRequest)
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM cash_sessions WHERE id = $1 FOR UPDATE`, movement.SessionID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		if status != domain.SessionOpen {
			return store.ErrSessionNotOpen
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO cash_movements (id, session_id, type, reason, amount, notes, created_by, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, movement.ID, movement.SessionID, movement.Type, movement.Reason, movement.Amount,
			movement.Notes, movement.CreatedBy, movement.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	created := movement
	return &created, nil
}

func (s *Store) SessionReport(ctx context.Context, sessionID string) (*domain.SessionReport, error) {
	var report domain.SessionReport
	err := s.withTenant(ctx, func(tx *sql.Tx) error {
		session, err := scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM cash_sessions WHERE id = $1`, sessionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		report.Session = session
		report.TotalByMethod = make(map[string]decimal.Decimal)

		rows, err := tx.QueryContext(ctx, `
			SELECT p.method, SUM(p.amount)
			FROM payments p
			JOIN sales s ON s.id = p.sale_id
			WHERE p.session_id = $1 AND s.status = 'completed'
			GROUP BY p.method
		`, sessionID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var method string
			var total decimal.Decimal
			if err := rows.Scan(&method, &total); err != nil {
				rows.Close()
				return err
			}
			report.TotalByMethod[method] = total
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sales WHERE session_id = $1 AND status = 'completed'
		`, sessionID).Scan(&report.SalesCount); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT
				COALESCE(SUM(amount) FILTER (WHERE type = 'cash_in'), 0),
				COALESCE(SUM(amount) FILTER (WHERE type = 'cash_out'), 0)
			FROM cash_movements WHERE session_id = $1
		`, sessionID).Scan(&report.CashInTotal, &report.CashOutTotal); err != nil {
			return err
		}
		report.ExpectedCash, err = expectedCashInTx(ctx, tx, session)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// --- audit trail ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Partition == "" {
		if partition, ok := store.PartitionFromContext(ctx); ok {
			entry.Partition = partition
		} else {
			entry.Partition = store.PublicPartition
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.audit_logs (id, partition, actor, action, entity, entity_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.Partition, entry.Actor, entry.Action, entry.Entity, entry.EntityID, entry.Details, entry.CreatedAt)
	return err
}
