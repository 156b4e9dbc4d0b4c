package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
	"mitrapos/backend/internal/store/memory"
	"mitrapos/backend/internal/tenant"
)

func newTestService() *Service {
	repo := memory.NewSeeded()
	directory := tenant.NewDirectory(repo, nil, time.Second)
	return New(repo, directory, 30*time.Minute)
}

func cashierCtx() context.Context {
	ctx := WithActor(context.Background(), domain.Actor{Username: "kasir1", Role: "cashier"})
	return store.WithPartition(ctx, "tenant_demo")
}

func adminCtx() context.Context {
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
	return store.WithPartition(ctx, "tenant_demo")
}

func d(raw string) decimal.Decimal {
	parsed, err := decimal.NewFromString(raw)
	if err != nil {
		panic(err)
	}
	return parsed
}

func openTestSession(t *testing.T, svc *Service, ctx context.Context, openingCash string) domain.CashSession {
	t.Helper()
	session, err := svc.OpenSession(ctx, domain.SessionOpenRequest{
		RegisterCode: "reg-1",
		OpeningCash:  d(openingCash),
	})
	if err != nil {
		t.Fatalf("open session failed: %v", err)
	}
	return session
}

func TestScanRequiresOpenSession(t *testing.T) {
	svc := newTestService()

	_, err := svc.ScanItem(cashierCtx(), domain.ScanRequest{ProductID: "prd-indomie"})
	if !errors.Is(err, store.ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen, got %v", err)
	}
}

func TestScanCreatesPendingSale(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if sale.Status != domain.SalePending {
		t.Fatalf("expected pending sale, got %s", sale.Status)
	}
	if len(sale.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(sale.Lines))
	}
	if !sale.Lines[0].Quantity.Equal(d("1")) {
		t.Fatalf("expected default quantity 1, got %s", sale.Lines[0].Quantity)
	}
	if !sale.Total.Equal(d("3500")) {
		t.Fatalf("expected total 3500, got %s", sale.Total)
	}
	if sale.ReceiptNumber == "" {
		t.Fatalf("expected a receipt number on the draft")
	}
}

func TestScanAllocatesEarliestExpiryBatch(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	// prd-indomie has two batches; bat-indomie-1 expires first.
	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie", Quantity: d("3")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if sale.Lines[0].BatchID != "bat-indomie-1" {
		t.Fatalf("expected allocation from bat-indomie-1, got %s", sale.Lines[0].BatchID)
	}
}

func TestScanByBarcode(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{Barcode: "8996001600021"})
	if err != nil {
		t.Fatalf("scan by barcode failed: %v", err)
	}
	if sale.Lines[0].ProductID != "prd-tehbotol" {
		t.Fatalf("expected prd-tehbotol, got %s", sale.Lines[0].ProductID)
	}
}

func TestScanMergesRepeatedProduct(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	first, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	second, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected both scans to land on the same draft")
	}
	if len(second.Lines) != 1 {
		t.Fatalf("expected merged line, got %d lines", len(second.Lines))
	}
	if !second.Lines[0].Quantity.Equal(d("2")) {
		t.Fatalf("expected merged quantity 2, got %s", second.Lines[0].Quantity)
	}
	if !second.Total.Equal(d("7000")) {
		t.Fatalf("expected total 7000, got %s", second.Total)
	}
}

func TestScanInsufficientStockReportsNumbers(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	// prd-tehbotol has a single batch of 48.
	_, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("50")})
	var stockErr *store.StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if !stockErr.Available.Equal(d("48")) || !stockErr.Requested.Equal(d("50")) {
		t.Fatalf("expected available=48 requested=50, got available=%s requested=%s", stockErr.Available, stockErr.Requested)
	}
}

func TestScanGrowthReportsCartQuantity(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("40")}); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}

	// Only 8 remain in the batch; asking for 10 more must report what is
	// already held by this cart.
	_, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("10")})
	var stockErr *store.StockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if !stockErr.Available.Equal(d("8")) {
		t.Fatalf("expected available=8, got %s", stockErr.Available)
	}
	if !stockErr.Requested.Equal(d("10")) {
		t.Fatalf("expected requested=10, got %s", stockErr.Requested)
	}
	if !stockErr.AlreadyInCart.Equal(d("40")) {
		t.Fatalf("expected already_in_cart=40, got %s", stockErr.AlreadyInCart)
	}
}

func TestScanRollsOverToNextBatchWhenLineBatchExhausted(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	// The first scan drains bat-indomie-1 (40 units); the next scan cannot
	// grow that line but must open a second one on bat-indomie-2.
	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie", Quantity: d("40")}); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie", Quantity: d("10")})
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}

	if len(sale.Lines) != 2 {
		t.Fatalf("expected a second line on the next batch, got %d lines", len(sale.Lines))
	}
	if sale.Lines[0].BatchID != "bat-indomie-1" || sale.Lines[1].BatchID != "bat-indomie-2" {
		t.Fatalf("expected lines on bat-indomie-1 then bat-indomie-2, got %s and %s",
			sale.Lines[0].BatchID, sale.Lines[1].BatchID)
	}
	if !sale.Total.Equal(d("175000")) {
		t.Fatalf("expected total 175000 for 50 units, got %s", sale.Total)
	}
}

func TestRemoveLineReleasesStock(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("48")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	// Fully reserved; a second cart-equivalent reservation must fail.
	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("1")}); err == nil {
		t.Fatalf("expected scan to fail with batch fully reserved")
	}

	updated, err := svc.RemoveLine(ctx, sale.ID, sale.Lines[0].ID)
	if err != nil {
		t.Fatalf("remove line failed: %v", err)
	}
	if len(updated.Lines) != 0 {
		t.Fatalf("expected empty sale after removal, got %d lines", len(updated.Lines))
	}

	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("48")}); err != nil {
		t.Fatalf("expected released stock to be reservable again: %v", err)
	}
}

func TestCheckoutRejectsShortPayment(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie", Quantity: d("2")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	_, err = svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCash, Amount: d("5000")}},
	})
	var payErr *store.PaymentError
	if !errors.As(err, &payErr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}
	if !payErr.Required.Equal(d("7000")) || !payErr.Paid.Equal(d("5000")) {
		t.Fatalf("expected required=7000 paid=5000, got required=%s paid=%s", payErr.Required, payErr.Paid)
	}
}

func TestCheckoutRejectsShortCashReceived(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie", Quantity: d("2")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	received := d("5000")
	_, err = svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCash, Amount: d("7000"), ReceivedAmount: &received}},
	})
	var payErr *store.PaymentError
	if !errors.As(err, &payErr) {
		t.Fatalf("expected PaymentError for short cash, got %v", err)
	}
}

func TestCheckoutComputesChangeAndDecrementsStock(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie", Quantity: d("2")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	received := d("10000")
	settled, err := svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCash, Amount: d("7000"), ReceivedAmount: &received}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if settled.Status != domain.SaleCompleted {
		t.Fatalf("expected completed sale, got %s", settled.Status)
	}
	if settled.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
	if !settled.Payments[0].ChangeAmount.Equal(d("3000")) {
		t.Fatalf("expected change 3000, got %s", settled.Payments[0].ChangeAmount)
	}

	batches, err := svc.ListBatches(ctx, "prd-indomie")
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	for _, batch := range batches {
		if batch.ID == "bat-indomie-1" && !batch.Quantity.Equal(d("38")) {
			t.Fatalf("expected bat-indomie-1 quantity 38 after settlement, got %s", batch.Quantity)
		}
	}
}

func TestCheckoutRejectsEmptySale(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if _, err := svc.RemoveLine(ctx, sale.ID, sale.Lines[0].ID); err != nil {
		t.Fatalf("remove line failed: %v", err)
	}

	_, err = svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCard, Amount: d("1000")}},
	})
	if !errors.Is(err, store.ErrEmptySale) {
		t.Fatalf("expected ErrEmptySale, got %v", err)
	}
}

func TestCheckoutTwiceFails(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	payments := domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCard, Amount: d("3500")}},
	}
	if _, err := svc.Checkout(ctx, sale.ID, payments); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if _, err := svc.Checkout(ctx, sale.ID, payments); !errors.Is(err, store.ErrSaleNotPending) {
		t.Fatalf("expected ErrSaleNotPending on second checkout, got %v", err)
	}
}

func TestCancelRestoresAvailability(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("48")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	cancelled, err := svc.CancelSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.SaleCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("48")}); err != nil {
		t.Fatalf("expected full availability after cancel: %v", err)
	}
}

func TestRefundCreditsBatch(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-beras", Quantity: d("2")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if _, err := svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCard, Amount: d("156000")}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	refunded, err := svc.RefundSale(ctx, sale.ID)
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refunded.Status != domain.SaleRefunded {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}

	batches, err := svc.ListBatches(ctx, "prd-beras")
	if err != nil {
		t.Fatalf("list batches failed: %v", err)
	}
	if !batches[0].Quantity.Equal(d("25")) {
		t.Fatalf("expected batch credited back to 25, got %s", batches[0].Quantity)
	}
}

func TestRefundRequiresCompletedSale(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()
	openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if _, err := svc.RefundSale(ctx, sale.ID); !errors.Is(err, store.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest refunding a pending sale, got %v", err)
	}
}

func TestRefundRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.RefundSale(cashierCtx(), "sale-x"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin refund, got %v", err)
	}
}

func TestSinglePendingSalePerSession(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	first, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	second, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-beras"})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected a single draft per session, got %s and %s", first.ID, second.ID)
	}
	if len(second.Lines) != 2 {
		t.Fatalf("expected 2 lines on the shared draft, got %d", len(second.Lines))
	}
}

func TestExpectedCashReconciliation(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	// 4 x 5000 cash sale settles 20000 into the drawer.
	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("4")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	received := d("20000")
	if _, err := svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCash, Amount: d("20000"), ReceivedAmount: &received}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	closed, err := svc.CloseSession(ctx, domain.SessionCloseRequest{ActualCash: d("70000")})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !closed.ExpectedCash.Equal(d("70000")) {
		t.Fatalf("expected expected_cash 70000, got %s", closed.ExpectedCash)
	}
	if !closed.Difference.Equal(d("0")) {
		t.Fatalf("expected zero difference, got %s", closed.Difference)
	}
}

func TestCashMovementsAffectExpectedCash(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	if _, err := svc.AddCashMovement(ctx, domain.CashMovementRequest{
		Type: domain.CashIn, Reason: domain.CashReasonFloat, Amount: d("10000"),
	}); err != nil {
		t.Fatalf("cash in failed: %v", err)
	}
	if _, err := svc.AddCashMovement(ctx, domain.CashMovementRequest{
		Type: domain.CashOut, Reason: domain.CashReasonExpense, Amount: d("5000"), Notes: "kopi",
	}); err != nil {
		t.Fatalf("cash out failed: %v", err)
	}

	closed, err := svc.CloseSession(ctx, domain.SessionCloseRequest{ActualCash: d("54000")})
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !closed.ExpectedCash.Equal(d("55000")) {
		t.Fatalf("expected expected_cash 55000, got %s", closed.ExpectedCash)
	}
	if !closed.Difference.Equal(d("-1000")) {
		t.Fatalf("expected difference -1000, got %s", closed.Difference)
	}
}

func TestSuspendAndResumeSession(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	session := openTestSession(t, svc, ctx, "50000")

	suspended, err := svc.SuspendSession(ctx)
	if err != nil {
		t.Fatalf("suspend failed: %v", err)
	}
	if suspended.Status != domain.SessionSuspended {
		t.Fatalf("expected suspended, got %s", suspended.Status)
	}

	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"}); !errors.Is(err, store.ErrSessionNotOpen) {
		t.Fatalf("expected ErrSessionNotOpen while suspended, got %v", err)
	}

	resumed, err := svc.ResumeSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != domain.SessionOpen {
		t.Fatalf("expected open after resume, got %s", resumed.Status)
	}
	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-indomie"}); err != nil {
		t.Fatalf("expected scan to work after resume: %v", err)
	}
}

func TestResumeRejectsOtherCashier(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	session := openTestSession(t, svc, ctx, "50000")
	if _, err := svc.SuspendSession(ctx); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}

	otherCtx := store.WithPartition(WithActor(context.Background(), domain.Actor{Username: "kasir2", Role: "cashier"}), "tenant_demo")
	if _, err := svc.ResumeSession(otherCtx, session.ID); err == nil {
		t.Fatalf("expected resume to fail for another cashier")
	}
}

func TestSessionReportTotals(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()
	session := openTestSession(t, svc, ctx, "50000")

	sale, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("2")})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if _, err := svc.Checkout(ctx, sale.ID, domain.CheckoutRequest{
		Payments: []domain.PaymentInput{{Method: domain.PayCard, Amount: d("10000"), Reference: "CARD-1"}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	report, err := svc.SessionReport(ctx, session.ID)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if report.SalesCount != 1 {
		t.Fatalf("expected 1 sale, got %d", report.SalesCount)
	}
	if !report.TotalByMethod[domain.PayCard].Equal(d("10000")) {
		t.Fatalf("expected card total 10000, got %s", report.TotalByMethod[domain.PayCard])
	}
	// No cash sales, so expected cash stays at the opening float.
	if !report.ExpectedCash.Equal(d("50000")) {
		t.Fatalf("expected expected_cash 50000, got %s", report.ExpectedCash)
	}
}

func TestSweepExpiresStaleReservations(t *testing.T) {
	repo := memory.NewSeeded()
	directory := tenant.NewDirectory(repo, nil, time.Second)
	svc := New(repo, directory, time.Nanosecond)
	ctx := cashierCtx()
	openTestSession(t, svc, ctx, "50000")

	if _, err := svc.ScanItem(ctx, domain.ScanRequest{ProductID: "prd-tehbotol", Quantity: d("48")}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	expired := svc.SweepExpiredReservations(context.Background())
	if expired != 1 {
		t.Fatalf("expected 1 expired reservation, got %d", expired)
	}

	products, err := svc.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	for _, stock := range products {
		if stock.Product.ID == "prd-tehbotol" && !stock.Available.Equal(d("48")) {
			t.Fatalf("expected availability restored to 48 after sweep, got %s", stock.Available)
		}
	}
}

func TestCreateTenantProvisionsPartition(t *testing.T) {
	svc := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	created, err := svc.CreateTenant(ctx, domain.TenantCreateRequest{Name: "Warung Baru", Slug: "Warung Baru"})
	if err != nil {
		t.Fatalf("create tenant failed: %v", err)
	}
	if created.PartitionID != "tenant_warung_baru" {
		t.Fatalf("unexpected partition id %s", created.PartitionID)
	}
	if created.OpaqueKey == "" {
		t.Fatalf("expected an opaque key to be generated")
	}

	// The fresh partition starts empty but must be addressable.
	freshCtx := store.WithPartition(adminCtx(), created.PartitionID)
	products, err := svc.ListProducts(freshCtx)
	if err != nil {
		t.Fatalf("list products in new partition failed: %v", err)
	}
	if len(products) != 0 {
		t.Fatalf("expected empty catalog, got %d products", len(products))
	}
}

func TestCreateTenantRequiresAdmin(t *testing.T) {
	svc := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{Username: "kasir1", Role: "cashier"})

	if _, err := svc.CreateTenant(ctx, domain.TenantCreateRequest{Name: "Nope"}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-admin tenant create, got %v", err)
	}
}

func TestDeactivatedTenantStopsResolving(t *testing.T) {
	repo := memory.NewSeeded()
	directory := tenant.NewDirectory(repo, nil, time.Second)
	svc := New(repo, directory, 30*time.Minute)
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	if _, err := directory.Resolve(context.Background(), "demo-tenant-key"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if _, err := svc.SetTenantActive(ctx, "tnt-demo", false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if _, err := directory.Resolve(context.Background(), "demo-tenant-key"); !errors.Is(err, store.ErrTenantInvalid) {
		t.Fatalf("expected ErrTenantInvalid after deactivation, got %v", err)
	}
}

func TestReceiveBatchAndProductCRUD(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	product, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		SKU:       "sku-gula-01",
		Name:      "Gula Pasir 1kg",
		UnitPrice: d("16000"),
	})
	if err != nil {
		t.Fatalf("create product failed: %v", err)
	}
	if product.SKU != "SKU-GULA-01" {
		t.Fatalf("expected uppercased sku, got %s", product.SKU)
	}

	expiry := time.Now().UTC().AddDate(1, 0, 0)
	batch, err := svc.ReceiveBatch(ctx, domain.BatchReceiveRequest{
		ProductID:   product.ID,
		BatchNumber: "GULA-A",
		Quantity:    d("30"),
		UnitCost:    d("13500"),
		ExpiryDate:  &expiry,
	})
	if err != nil {
		t.Fatalf("receive batch failed: %v", err)
	}
	if !batch.Quantity.Equal(d("30")) {
		t.Fatalf("expected batch quantity 30, got %s", batch.Quantity)
	}

	newName := "Gula Pasir Premium 1kg"
	updated, err := svc.UpdateProduct(ctx, product.ID, domain.ProductUpdateRequest{Name: &newName})
	if err != nil {
		t.Fatalf("update product failed: %v", err)
	}
	if updated.Name != newName {
		t.Fatalf("expected renamed product, got %s", updated.Name)
	}
}
