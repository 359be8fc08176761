package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/logging"
	"boxledger/backend/internal/store"
	"boxledger/backend/internal/xid"
)

// CreateSale reserves stock and then records the sale. The ledger and the sale
// row are separate resources, so a failed insert is compensated by releasing the
// reservation. If that release fails too the error wraps store.ErrInconsistent.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Sale{}, err
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.ClientName = strings.TrimSpace(req.ClientName)
	req.ClientPhone = strings.TrimSpace(req.ClientPhone)
	if err := validateStruct(req); err != nil {
		return domain.Sale{}, err
	}
	if err := checkQuantities(req.BoxesQuantity, req.KgQuantity, true); err != nil {
		return domain.Sale{}, err
	}
	if err := checkPrices(req.BoxPrice, req.KgPrice); err != nil {
		return domain.Sale{}, err
	}

	total := domain.SaleTotal(req.BoxesQuantity, req.KgQuantity, req.BoxPrice, req.KgPrice)
	amountPaid, err := resolveAmountPaid(req.PaymentStatus, req.AmountPaid, total)
	if err != nil {
		return domain.Sale{}, err
	}
	payment := domain.PaymentValues{
		PaymentStatus: req.PaymentStatus,
		PaymentMethod: req.PaymentMethod,
		AmountPaid:    amountPaid,
		ClientName:    req.ClientName,
		ClientPhone:   req.ClientPhone,
	}
	if err := checkPayment(payment, total); err != nil {
		return domain.Sale{}, err
	}

	product, err := s.ownedProduct(ctx, req.ProductID)
	if err != nil {
		return domain.Sale{}, err
	}
	if req.BoxesQuantity > product.StockBoxes || req.KgQuantity.GreaterThan(product.StockKg) {
		return domain.Sale{}, store.ErrInsufficientStock
	}

	if _, err := s.Reserve(ctx, product.ID, req.BoxesQuantity, req.KgQuantity); err != nil {
		return domain.Sale{}, err
	}

	sale := domain.Sale{
		ID:            xid.New("sale"),
		OwnerID:       actor.OwnerID,
		ProductID:     product.ID,
		BoxesQuantity: req.BoxesQuantity,
		KgQuantity:    req.KgQuantity,
		BoxPrice:      req.BoxPrice,
		KgPrice:       req.KgPrice,
		TotalAmount:   total,
		PaymentStatus: payment.PaymentStatus,
		PaymentMethod: payment.PaymentMethod,
		AmountPaid:    payment.AmountPaid,
		ClientName:    payment.ClientName,
		ClientPhone:   payment.ClientPhone,
		CreatedBy:     actor.Username,
		CreatedAt:     s.now(),
	}

	created, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		if _, releaseErr := s.Release(ctx, product.ID, req.BoxesQuantity, req.KgQuantity); releaseErr != nil {
			logging.LogError(s.logger, moduleName, "CreateSale", "release after failed sale insert", map[string]any{
				"sale_id":    sale.ID,
				"product_id": product.ID,
				"boxes":      req.BoxesQuantity,
				"kg":         req.KgQuantity.String(),
				"insert_err": err.Error(),
			}, releaseErr)
			return domain.Sale{}, fmt.Errorf("%w: sale insert failed (%v) and %d boxes / %s kg of %s stay reserved: %v",
				store.ErrInconsistent, err, req.BoxesQuantity, req.KgQuantity, product.ID, releaseErr)
		}
		s.logger.WithFields(logrus.Fields{
			"module":     moduleName,
			"sale_id":    sale.ID,
			"product_id": product.ID,
		}).WithError(err).Warn("sale insert failed; reservation released")
		return domain.Sale{}, err
	}

	s.invalidateSales(ctx, actor.OwnerID)
	s.logActivity(ctx, actor.OwnerID, "sale_create", "sale", created.ID,
		fmt.Sprintf("product=%s,boxes=%d,kg=%s,total=%s,payment=%s", created.ProductID, created.BoxesQuantity, created.KgQuantity, created.TotalAmount, created.PaymentStatus))
	return *created, nil
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.Sale, error) {
	sale, err := s.ownedSale(ctx, id)
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

// ListSales returns the owner's sales, newest first. Soft-deleted sales are
// only included when asked for. The cache generation is read before the store
// so a listing that races an invalidation is filed under the old generation.
func (s *Service) ListSales(ctx context.Context, includeDeleted bool) ([]domain.Sale, error) {
	ownerID := s.ownerID(ctx)
	log := s.logger.WithFields(logrus.Fields{"module": moduleName, "owner_id": ownerID})

	generation, genErr := s.saleCache.Generation(ctx, ownerID)
	if genErr != nil {
		log.WithError(genErr).Warn("sale cache generation read failed")
	} else if cached, ok, err := s.saleCache.Get(ctx, ownerID, generation, includeDeleted); err != nil {
		log.WithError(err).Warn("sale cache read failed")
	} else if ok {
		return cached, nil
	}

	sales, err := s.repo.ListSales(ctx, ownerID, includeDeleted)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		if err := s.saleCache.Set(ctx, ownerID, generation, includeDeleted, sales, s.saleCacheTTL); err != nil {
			log.WithError(err).Warn("sale cache write failed")
		}
	}
	return sales, nil
}

func (s *Service) ownedSale(ctx context.Context, id string) (*domain.Sale, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalidField("sale_id", "required")
	}
	sale, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return nil, err
	}
	if sale.OwnerID != s.ownerID(ctx) {
		return nil, store.ErrNotFound
	}
	return sale, nil
}

func resolveAmountPaid(status domain.PaymentStatus, given *decimal.Decimal, total decimal.Decimal) (decimal.Decimal, error) {
	if given != nil {
		return *given, nil
	}
	switch status {
	case domain.PaymentPaid:
		return total, nil
	case domain.PaymentPending:
		return decimal.Zero, nil
	default:
		return decimal.Zero, invalidField("amount_paid", "required")
	}
}

func checkPrices(boxPrice decimal.Decimal, kgPrice decimal.Decimal) error {
	if boxPrice.IsNegative() {
		return invalidField("box_price", "gte=0")
	}
	if kgPrice.IsNegative() {
		return invalidField("kg_price", "gte=0")
	}
	return nil
}

// checkPayment enforces the payment rules against the sale total: paid means
// settled in full, partial means something but not everything, pending means
// nothing yet. Anything short of paid needs a client to follow up with.
func checkPayment(p domain.PaymentValues, total decimal.Decimal) error {
	if !isSupportedPaymentMethod(p.PaymentMethod) {
		return invalidField("payment_method", "oneof")
	}
	if p.AmountPaid.IsNegative() {
		return invalidField("amount_paid", "gte=0")
	}
	switch p.PaymentStatus {
	case domain.PaymentPaid:
		if !p.AmountPaid.Equal(total) {
			return invalidField("amount_paid", "eq=total_amount")
		}
	case domain.PaymentPartial:
		if !p.AmountPaid.IsPositive() || !p.AmountPaid.LessThan(total) {
			return invalidField("amount_paid", "gt=0,lt=total_amount")
		}
	case domain.PaymentPending:
		if !p.AmountPaid.IsZero() {
			return invalidField("amount_paid", "eq=0")
		}
	default:
		return invalidField("payment_status", "oneof")
	}
	if p.PaymentStatus != domain.PaymentPaid && p.ClientName == "" {
		return invalidField("client_name", "required_unless=payment_status paid")
	}
	return nil
}

func isSupportedPaymentMethod(method domain.PaymentMethod) bool {
	switch method {
	case domain.MethodCash, domain.MethodCard, domain.MethodTransfer, domain.MethodMobileMoney, domain.MethodCredit:
		return true
	default:
		return false
	}
}
