package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/store"
)

// Reserve takes stock out of the ledger. The check and the decrement are one
// atomic store operation; on ErrInsufficientStock nothing is written.
func (s *Service) Reserve(ctx context.Context, productID string, boxes int, kg decimal.Decimal) (domain.Product, error) {
	if err := checkQuantities(boxes, kg, true); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.AdjustStock(ctx, productID, -boxes, kg.Neg())
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// Release puts stock back into the ledger.
func (s *Service) Release(ctx context.Context, productID string, boxes int, kg decimal.Decimal) (domain.Product, error) {
	if err := checkQuantities(boxes, kg, true); err != nil {
		return domain.Product{}, err
	}
	product, err := s.repo.AdjustStock(ctx, productID, boxes, kg)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// Adjust applies a signed delta to both counters at once. It never converts
// between boxes and kilograms. Approvals make the same movement through
// store.Tx.AdjustStock so it commits with the sale write.
func (s *Service) Adjust(ctx context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (domain.Product, error) {
	if boxesDelta > domain.MaxBoxes || boxesDelta < -domain.MaxBoxes {
		return domain.Product{}, invalidField("boxes_delta", "lte=1000000")
	}
	product, err := s.repo.AdjustStock(ctx, productID, boxesDelta, kgDelta)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.ProductView, error) {
	products, err := s.repo.ListProducts(ctx, s.ownerID(ctx))
	if err != nil {
		return nil, err
	}
	views := make([]domain.ProductView, 0, len(products))
	for _, p := range products {
		views = append(views, domain.NewProductView(p))
	}
	return views, nil
}

func (s *Service) GetProduct(ctx context.Context, id string) (domain.ProductView, error) {
	product, err := s.ownedProduct(ctx, id)
	if err != nil {
		return domain.ProductView{}, err
	}
	return domain.NewProductView(*product), nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.ProductView, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.ProductView{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.ProductView{}, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}

	req.Name = strings.TrimSpace(req.Name)
	if err := validateStruct(req); err != nil {
		return domain.ProductView{}, err
	}
	if !req.BoxToKgRatio.IsPositive() {
		return domain.ProductView{}, invalidField("box_to_kg_ratio", "gt=0")
	}
	if req.InitialKg.IsNegative() {
		return domain.ProductView{}, invalidField("initial_kg", "gte=0")
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		OwnerID:           actor.OwnerID,
		Name:              req.Name,
		StockBoxes:        req.InitialBoxes,
		StockKg:           req.InitialKg,
		BoxToKgRatio:      req.BoxToKgRatio,
		LowStockThreshold: req.LowStockThreshold,
	})
	if err != nil {
		return domain.ProductView{}, err
	}

	s.logActivity(ctx, actor.OwnerID, "product_create", "product", created.ID,
		fmt.Sprintf("name=%s,boxes=%d,kg=%s,ratio=%s", created.Name, created.StockBoxes, created.StockKg, created.BoxToKgRatio))
	return domain.NewProductView(*created), nil
}

func (s *Service) RestockProduct(ctx context.Context, id string, req domain.RestockRequest) (domain.ProductView, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.ProductView{}, err
	}
	if actor.Role != domain.RoleAdmin {
		return domain.ProductView{}, fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	if err := validateStruct(req); err != nil {
		return domain.ProductView{}, err
	}
	if _, err := s.ownedProduct(ctx, id); err != nil {
		return domain.ProductView{}, err
	}

	updated, err := s.Release(ctx, id, req.Boxes, req.Kg)
	if err != nil {
		return domain.ProductView{}, err
	}

	s.logActivity(ctx, actor.OwnerID, "product_restock", "product", id,
		fmt.Sprintf("boxes=%d,kg=%s,note=%s", req.Boxes, req.Kg, strings.TrimSpace(req.Note)))
	return domain.NewProductView(updated), nil
}

func (s *Service) ownedProduct(ctx context.Context, id string) (*domain.Product, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invalidField("product_id", "required")
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if product.OwnerID != s.ownerID(ctx) {
		return nil, store.ErrNotFound
	}
	return product, nil
}

func checkQuantities(boxes int, kg decimal.Decimal, requirePositive bool) error {
	if boxes < 0 {
		return invalidField("boxes_quantity", "gte=0")
	}
	if boxes > domain.MaxBoxes {
		return invalidField("boxes_quantity", "lte=1000000")
	}
	if kg.IsNegative() {
		return invalidField("kg_quantity", "gte=0")
	}
	if requirePositive && boxes == 0 && kg.IsZero() {
		return invalid("at least one of boxes or kg must be positive")
	}
	return nil
}
