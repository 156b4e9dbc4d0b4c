package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
)

func demoCtx() context.Context {
	return store.WithPartition(context.Background(), "tenant_demo")
}

func mustDec(t *testing.T, raw string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(raw)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", raw, err)
	}
	return d
}

func TestPartitionRequired(t *testing.T) {
	s := NewSeeded()

	_, err := s.ListProductStock(context.Background())
	if !errors.Is(err, store.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired without a partition, got %v", err)
	}

	_, err = s.ListProductStock(store.WithPartition(context.Background(), "tenant_nonexistent"))
	if !errors.Is(err, store.ErrTenantInvalid) {
		t.Fatalf("expected ErrTenantInvalid for unknown partition, got %v", err)
	}
}

func TestPublicPartitionRejectedForTenantData(t *testing.T) {
	s := NewSeeded()

	ctx := store.WithPartition(context.Background(), store.PublicPartition)
	if _, err := s.ListProductStock(ctx); !errors.Is(err, store.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired for public partition, got %v", err)
	}
}

func TestBatchOrderEarliestExpiryFirst(t *testing.T) {
	s := NewSeeded()

	batches, err := s.ListBatchesByProduct(demoCtx(), "prd-indomie")
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].ID != "bat-indomie-1" {
		t.Fatalf("expected earliest-expiry batch first, got %s", batches[0].ID)
	}
}

func TestBatchOrderNilExpiryLast(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	// bat-beras-1 has no expiry and was received 30 days ago. A dated batch
	// received later must still sort ahead of it.
	expiry := time.Now().UTC().AddDate(0, 3, 0)
	created, err := s.CreateBatch(ctx, domain.Batch{
		ProductID:   "prd-beras",
		BatchNumber: "BRS-B",
		Quantity:    mustDec(t, "10"),
		UnitCost:    mustDec(t, "68000"),
		ExpiryDate:  &expiry,
	})
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	batches, err := s.ListBatchesByProduct(ctx, "prd-beras")
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	if batches[0].ID != created.ID {
		t.Fatalf("expected dated batch first, got %s", batches[0].ID)
	}
	if batches[len(batches)-1].ID != "bat-beras-1" {
		t.Fatalf("expected nil-expiry batch last, got %s", batches[len(batches)-1].ID)
	}
}

func TestReserveReportsRemainingAvailability(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	product, err := s.CreateProduct(ctx, domain.Product{SKU: "SKU-TEST-RSV", Name: "Reserve Test", UnitPrice: mustDec(t, "1000")})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	batch, err := s.CreateBatch(ctx, domain.Batch{ProductID: product.ID, Quantity: mustDec(t, "10"), UnitCost: mustDec(t, "800")})
	if err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	if _, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: product.ID, Quantity: mustDec(t, "6"), OwnerReference: "cart-a"}); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}

	// 6 of 10 are claimed; a second request for 6 must see only 4.
	_, err = s.ReserveStock(ctx, store.ReserveInput{ProductID: product.ID, Quantity: mustDec(t, "6"), OwnerReference: "cart-b"})
	var stockErr *store.StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if !stockErr.Available.Equal(mustDec(t, "4")) || !stockErr.Requested.Equal(mustDec(t, "6")) {
		t.Fatalf("expected available=4 requested=6, got available=%s requested=%s", stockErr.Available, stockErr.Requested)
	}

	got, err := s.GetBatchByID(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch failed: %v", err)
	}
	if !got.Quantity.Equal(mustDec(t, "10")) {
		t.Fatalf("reserving must not change batch quantity, got %s", got.Quantity)
	}
}

func TestConcurrentReservesNeverOversubscribe(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	product, err := s.CreateProduct(ctx, domain.Product{SKU: "SKU-TEST-RACE", Name: "Race Test", UnitPrice: mustDec(t, "1000")})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if _, err := s.CreateBatch(ctx, domain.Batch{ProductID: product.ID, Quantity: mustDec(t, "25"), UnitCost: mustDec(t, "800")}); err != nil {
		t.Fatalf("create batch failed: %v", err)
	}

	// 8 carts race for 6 units each out of 25: only 4 can fit.
	const workers = 8
	qty := mustDec(t, "6")
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.ReserveStock(ctx, store.ReserveInput{
				ProductID:      product.ID,
				Quantity:       qty,
				OwnerReference: fmt.Sprintf("cart-%d", n),
			})
			errs[n] = err
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("expected only stock shortfalls, got %v", err)
		}
	}
	if succeeded != 4 {
		t.Fatalf("expected exactly 4 of 8 reservations to fit, got %d", succeeded)
	}

	// 24 of 25 are claimed: exactly one unit must remain reservable.
	if _, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: product.ID, Quantity: mustDec(t, "2")}); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected 2 units to exceed the remainder, got %v", err)
	}
	if _, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: product.ID, Quantity: mustDec(t, "1")}); err != nil {
		t.Fatalf("expected the final unit to be reservable: %v", err)
	}
}

func TestReserveSkipsExpiredBatches(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	product, err := s.CreateProduct(ctx, domain.Product{SKU: "SKU-TEST-EXP", Name: "Expiry Test", UnitPrice: mustDec(t, "1000")})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	past := time.Now().UTC().AddDate(0, 0, -1)
	if _, err := s.CreateBatch(ctx, domain.Batch{ProductID: product.ID, Quantity: mustDec(t, "50"), ExpiryDate: &past}); err != nil {
		t.Fatalf("create expired batch failed: %v", err)
	}
	future := time.Now().UTC().AddDate(0, 1, 0)
	fresh, err := s.CreateBatch(ctx, domain.Batch{ProductID: product.ID, Quantity: mustDec(t, "5"), ExpiryDate: &future})
	if err != nil {
		t.Fatalf("create fresh batch failed: %v", err)
	}

	reservation, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: product.ID, Quantity: mustDec(t, "5")})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reservation.BatchID != fresh.ID {
		t.Fatalf("expected allocation from the unexpired batch, got %s", reservation.BatchID)
	}

	// Only 5 usable units exist despite 50 expired ones on the shelf.
	_, err = s.ReserveStock(ctx, store.ReserveInput{ProductID: product.ID, Quantity: mustDec(t, "1")})
	var stockErr *store.StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if !stockErr.Available.Equal(mustDec(t, "0")) {
		t.Fatalf("expected available=0, got %s", stockErr.Available)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	reservation, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: "prd-tehbotol", Quantity: mustDec(t, "10")})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	first, err := s.ReleaseReservation(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if first.Status != domain.ReservationCancelled {
		t.Fatalf("expected cancelled, got %s", first.Status)
	}

	second, err := s.ReleaseReservation(ctx, reservation.ID)
	if err != nil {
		t.Fatalf("second release must be a no-op, got %v", err)
	}
	if second.Status != domain.ReservationCancelled {
		t.Fatalf("expected cancelled after repeat release, got %s", second.Status)
	}
}

func TestCompleteDecrementsOnce(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	reservation, err := s.ReserveStock(ctx, store.ReserveInput{
		ProductID: "prd-tehbotol",
		BatchID:   "bat-tehbotol-1",
		Quantity:  mustDec(t, "8"),
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	if _, err := s.CompleteReservation(ctx, reservation.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	batch, err := s.GetBatchByID(ctx, "bat-tehbotol-1")
	if err != nil {
		t.Fatalf("get batch failed: %v", err)
	}
	if !batch.Quantity.Equal(mustDec(t, "40")) {
		t.Fatalf("expected 40 after completion, got %s", batch.Quantity)
	}

	// Completing again must not decrement a second time.
	if _, err := s.CompleteReservation(ctx, reservation.ID); err != nil {
		t.Fatalf("repeat complete failed: %v", err)
	}
	batch, _ = s.GetBatchByID(ctx, "bat-tehbotol-1")
	if !batch.Quantity.Equal(mustDec(t, "40")) {
		t.Fatalf("expected 40 after repeat completion, got %s", batch.Quantity)
	}
}

func TestCompleteRejectsCancelledReservation(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	reservation, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: "prd-tehbotol", Quantity: mustDec(t, "3")})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := s.ReleaseReservation(ctx, reservation.ID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := s.CompleteReservation(ctx, reservation.ID); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest completing a cancelled reservation, got %v", err)
	}
}

func TestCompleteFloorsBatchAtZero(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	reservation, err := s.ReserveStock(ctx, store.ReserveInput{
		ProductID: "prd-tehbotol",
		BatchID:   "bat-tehbotol-1",
		Quantity:  mustDec(t, "10"),
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Simulate an inconsistency: the batch lost quantity after the claim.
	s.mu.Lock()
	data := s.partitions["tenant_demo"]
	batch := data.batches["bat-tehbotol-1"]
	batch.Quantity = mustDec(t, "4")
	data.batches["bat-tehbotol-1"] = batch
	s.mu.Unlock()

	if _, err := s.CompleteReservation(ctx, reservation.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	got, err := s.GetBatchByID(ctx, "bat-tehbotol-1")
	if err != nil {
		t.Fatalf("get batch failed: %v", err)
	}
	if !got.Quantity.Equal(decimal.Zero) {
		t.Fatalf("expected batch floored at zero, got %s", got.Quantity)
	}
}

func TestExpireReservationsHonorsCutoff(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	soon := time.Now().UTC().Add(time.Minute)
	later := time.Now().UTC().Add(time.Hour)
	if _, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: "prd-tehbotol", Quantity: mustDec(t, "2"), ReservedUntil: &soon}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: "prd-tehbotol", Quantity: mustDec(t, "2"), ReservedUntil: &later}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	// No deadline: never swept.
	if _, err := s.ReserveStock(ctx, store.ReserveInput{ProductID: "prd-tehbotol", Quantity: mustDec(t, "2")}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	expired, err := s.ExpireReservations(ctx, time.Now().UTC().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", expired)
	}
}

func TestCreatePendingSaleReturnsExistingDraft(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	session, err := s.OpenSession(ctx, domain.CashSession{Cashier: "kasir1", OpeningCash: mustDec(t, "0")})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	first, err := s.CreatePendingSale(ctx, domain.Sale{SessionID: session.ID, Cashier: "kasir1", ReceiptNumber: "CHECK-1"})
	if err != nil {
		t.Fatalf("create pending failed: %v", err)
	}
	second, err := s.CreatePendingSale(ctx, domain.Sale{SessionID: session.ID, Cashier: "kasir1", ReceiptNumber: "CHECK-2"})
	if err != nil {
		t.Fatalf("second create pending failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected existing draft back, got %s and %s", first.ID, second.ID)
	}
}

func TestConcurrentCreatePendingSaleSharesOneDraft(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	session, err := s.OpenSession(ctx, domain.CashSession{Cashier: "kasir1", OpeningCash: mustDec(t, "0")})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}

	// Every racing find-or-create must come back with the same draft, never
	// an error and never a second pending sale.
	const racers = 6
	ids := make([]string, racers)
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sale, err := s.CreatePendingSale(ctx, domain.Sale{SessionID: session.ID, Cashier: "kasir1"})
			if err != nil {
				errs[n] = err
				return
			}
			ids[n] = sale.ID
		}(i)
	}
	wg.Wait()

	for n := 0; n < racers; n++ {
		if errs[n] != nil {
			t.Fatalf("racer %d failed: %v", n, errs[n])
		}
		if ids[n] != ids[0] {
			t.Fatalf("expected one shared draft, got %s and %s", ids[0], ids[n])
		}
	}
}

func TestCreatePendingSaleRequiresOpenSession(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	session, err := s.OpenSession(ctx, domain.CashSession{Cashier: "kasir1", OpeningCash: mustDec(t, "0")})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if _, err := s.SetSessionStatus(ctx, session.ID, domain.SessionOpen, domain.SessionSuspended); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}

	_, err = s.CreatePendingSale(ctx, domain.Sale{SessionID: session.ID, Cashier: "kasir1"})
	if !errors.Is(err, store.ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen, got %v", err)
	}
}

func TestOneActiveSessionPerCashier(t *testing.T) {
	s := NewSeeded()
	ctx := demoCtx()

	if _, err := s.OpenSession(ctx, domain.CashSession{Cashier: "kasir1", OpeningCash: mustDec(t, "0")}); err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	if _, err := s.OpenSession(ctx, domain.CashSession{Cashier: "kasir1", OpeningCash: mustDec(t, "0")}); err == nil {
		t.Fatalf("expected second open session for same cashier to fail")
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	s := NewSeeded()

	other, err := s.CreateTenant(context.Background(), domain.Tenant{
		ID:          "tnt-other",
		Name:        "Toko Lain",
		OpaqueKey:   "other-key",
		PartitionID: "tenant_other",
		Active:      true,
	})
	if err != nil {
		t.Fatalf("create tenant failed: %v", err)
	}

	otherCtx := store.WithPartition(context.Background(), other.PartitionID)
	if _, err := s.GetProductByID(otherCtx, "prd-indomie"); !errors.Is(err, store.ErrProductNotFound) {
		t.Fatalf("expected demo product to be invisible in another partition, got %v", err)
	}

	products, err := s.ListProductStock(demoCtx())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(products) != 3 {
		t.Fatalf("expected demo catalog untouched, got %d products", len(products))
	}
}
