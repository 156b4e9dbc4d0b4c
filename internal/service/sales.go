package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"mitrapos/backend/internal/domain"
	"mitrapos/backend/internal/store"
)

var decimalOne = decimal.NewFromInt(1)

var validPaymentMethods = map[string]bool{
	domain.PayCash:     true,
	domain.PayCard:     true,
	domain.PayTransfer: true,
	domain.PayOnline:   true,
	domain.PayCredit:   true,
	domain.PayOther:    true,
}

// openSessionFor returns the caller's open cash session; scanning and
// settlement are only legal while one exists.
func (s *Service) openSessionFor(ctx context.Context) (*domain.CashSession, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return nil, fmt.Errorf("%w: authenticated cashier required", store.ErrInvalidRequest)
	}
	session, err := s.repo.GetOpenSessionByCashier(ctx, actor.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrSessionNotOpen
		}
		return nil, err
	}
	return session, nil
}

// ScanItem is the cashier's single entry point: it finds or creates the
// pending draft for the caller's open session and adds the scanned product,
// by id or barcode, to it.
func (s *Service) ScanItem(ctx context.Context, req domain.ScanRequest) (domain.Sale, error) {
	session, err := s.openSessionFor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	quantity := req.Quantity
	if quantity.IsZero() {
		quantity = decimalOne
	}
	if quantity.IsNegative() {
		return domain.Sale{}, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidRequest)
	}
	if req.Discount.IsNegative() {
		return domain.Sale{}, fmt.Errorf("%w: discount cannot be negative", store.ErrInvalidRequest)
	}

	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		barcode := strings.TrimSpace(req.Barcode)
		if barcode == "" {
			return domain.Sale{}, fmt.Errorf("%w: product id or barcode is required", store.ErrInvalidRequest)
		}
		product, err := s.repo.GetProductByBarcode(ctx, barcode)
		if err != nil {
			return domain.Sale{}, err
		}
		productID = product.ID
	}

	sale, err := s.repo.FindPendingSale(ctx, session.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return domain.Sale{}, err
		}
		actor, _ := ActorFromContext(ctx)
		sale, err = s.repo.CreatePendingSale(ctx, domain.Sale{
			SessionID:     session.ID,
			ReceiptNumber: "CHECK-" + time.Now().UTC().Format("20060102150405"),
			Cashier:       actor.Username,
		})
		if err != nil {
			return domain.Sale{}, err
		}
	}

	reservedUntil := time.Now().UTC().Add(s.reservationTTL)
	updated, err := s.repo.AddSaleLine(ctx, store.AddLineInput{
		SaleID:        sale.ID,
		ProductID:     productID,
		BatchID:       strings.TrimSpace(req.BatchID),
		Quantity:      quantity,
		Discount:      req.Discount,
		ReservedUntil: &reservedUntil,
	})
	if err != nil {
		return domain.Sale{}, err
	}
	return *updated, nil
}

func (s *Service) RemoveLine(ctx context.Context, saleID string, lineID string) (domain.Sale, error) {
	if saleID == "" || lineID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id and line id are required", store.ErrInvalidRequest)
	}
	updated, err := s.repo.RemoveSaleLine(ctx, saleID, lineID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *updated, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	sale, err := s.repo.GetSaleByID(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// Checkout settles the draft: payments must cover the total and cash must
// cover its own amount before any reservation is completed.
func (s *Service) Checkout(ctx context.Context, saleID string, req domain.CheckoutRequest) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrInvalidRequest)
	}
	if len(req.Payments) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: at least one payment is required", store.ErrInvalidRequest)
	}
	for _, payment := range req.Payments {
		if !validPaymentMethods[payment.Method] {
			return domain.Sale{}, fmt.Errorf("%w: unknown payment method %q", store.ErrInvalidRequest, payment.Method)
		}
	}

	settled, err := s.repo.SettleSale(ctx, store.SettleInput{
		SaleID:   saleID,
		Payments: req.Payments,
	})
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_checkout", "sale", settled.ID, fmt.Sprintf("total=%s,payments=%d", settled.Total.String(), len(settled.Payments)))
	return *settled, nil
}

func (s *Service) CancelSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrInvalidRequest)
	}
	cancelled, err := s.repo.CancelSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_cancel", "sale", cancelled.ID, "")
	return *cancelled, nil
}

func (s *Service) RefundSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Sale{}, err
	}
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", store.ErrInvalidRequest)
	}

	refunded, err := s.repo.RefundSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}

	s.logAudit(ctx, "sale_refund", "sale", refunded.ID, fmt.Sprintf("total=%s", refunded.Total.String()))
	return *refunded, nil
}
