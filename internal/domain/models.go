package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

// MaxBoxes caps any single box count or box movement. Request validation tags
// repeat the value.
const MaxBoxes = 1_000_000

type Product struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"owner_id"`
	Name              string          `json:"name"`
	StockBoxes        int             `json:"stock_boxes"`
	StockKg           decimal.Decimal `json:"stock_kg"`
	BoxToKgRatio      decimal.Decimal `json:"box_to_kg_ratio"`
	LowStockThreshold int             `json:"low_stock_threshold"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// KgEquivalent is the display-only total of both counters expressed in kilograms.
// It never feeds back into the stock counters.
func (p Product) KgEquivalent() decimal.Decimal {
	return decimal.NewFromInt(int64(p.StockBoxes)).Mul(p.BoxToKgRatio).Add(p.StockKg)
}

func (p Product) LowStock() bool {
	threshold := decimal.NewFromInt(int64(p.LowStockThreshold)).Mul(p.BoxToKgRatio)
	return p.KgEquivalent().LessThanOrEqual(threshold)
}

type ProductView struct {
	Product
	StockKgEquivalent decimal.Decimal `json:"stock_kg_equivalent"`
	LowStock          bool            `json:"low_stock"`
}

func NewProductView(p Product) ProductView {
	return ProductView{Product: p, StockKgEquivalent: p.KgEquivalent(), LowStock: p.LowStock()}
}

type ProductCreateRequest struct {
	Name              string          `json:"name" validate:"required,max=120"`
	BoxToKgRatio      decimal.Decimal `json:"box_to_kg_ratio"`
	LowStockThreshold int             `json:"low_stock_threshold" validate:"gte=0,lte=1000000"`
	InitialBoxes      int             `json:"initial_boxes" validate:"gte=0,lte=1000000"`
	InitialKg         decimal.Decimal `json:"initial_kg"`
}

type RestockRequest struct {
	Boxes int             `json:"boxes" validate:"gte=0,lte=1000000"`
	Kg    decimal.Decimal `json:"kg"`
	Note  string          `json:"note" validate:"max=240"`
}

type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentPartial PaymentStatus = "partial"
)

type PaymentMethod string

const (
	MethodCash        PaymentMethod = "cash"
	MethodCard        PaymentMethod = "card"
	MethodTransfer    PaymentMethod = "transfer"
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodCredit      PaymentMethod = "credit"
)

type SaleState string

const (
	SaleActive          SaleState = "active"
	SaleEditPending     SaleState = "edit_pending"
	SaleDeletionPending SaleState = "deletion_pending"
	SaleDeleted         SaleState = "deleted"
)

// SaleStateFor derives the lifecycle state shown to readers. pending is the
// audit type of the sale's outstanding proposal, or empty when there is none.
func SaleStateFor(deletedAt *time.Time, pending AuditType) SaleState {
	switch {
	case deletedAt != nil:
		return SaleDeleted
	case pending == AuditDeletion:
		return SaleDeletionPending
	case pending != "":
		return SaleEditPending
	default:
		return SaleActive
	}
}

type Sale struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"owner_id"`
	ProductID     string          `json:"product_id"`
	BoxesQuantity int             `json:"boxes_quantity"`
	KgQuantity    decimal.Decimal `json:"kg_quantity"`
	BoxPrice      decimal.Decimal `json:"box_price"`
	KgPrice       decimal.Decimal `json:"kg_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	ClientName    string          `json:"client_name,omitempty"`
	ClientPhone   string          `json:"client_phone,omitempty"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeletedAt     *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy     string          `json:"deleted_by,omitempty"`
	State         SaleState       `json:"state"`
}

func SaleTotal(boxes int, kg decimal.Decimal, boxPrice decimal.Decimal, kgPrice decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(int64(boxes)).Mul(boxPrice).Add(kg.Mul(kgPrice))
}

func (s Sale) QuantityValues() QuantityValues {
	return QuantityValues{
		BoxesQuantity: s.BoxesQuantity,
		KgQuantity:    s.KgQuantity,
		BoxPrice:      s.BoxPrice,
		KgPrice:       s.KgPrice,
		TotalAmount:   s.TotalAmount,
	}
}

func (s Sale) PaymentValues() PaymentValues {
	return PaymentValues{
		PaymentStatus: s.PaymentStatus,
		PaymentMethod: s.PaymentMethod,
		AmountPaid:    s.AmountPaid,
		ClientName:    s.ClientName,
		ClientPhone:   s.ClientPhone,
	}
}

// WithValues returns a copy of the sale with every present section of v written
// over the matching fields. The total is recomputed from the resulting quantities.
func (s Sale) WithValues(v ProposalValues) Sale {
	if v.Quantity != nil {
		s.BoxesQuantity = v.Quantity.BoxesQuantity
		s.KgQuantity = v.Quantity.KgQuantity
		s.BoxPrice = v.Quantity.BoxPrice
		s.KgPrice = v.Quantity.KgPrice
	}
	if v.Payment != nil {
		s.PaymentStatus = v.Payment.PaymentStatus
		s.PaymentMethod = v.Payment.PaymentMethod
		s.AmountPaid = v.Payment.AmountPaid
		s.ClientName = v.Payment.ClientName
		s.ClientPhone = v.Payment.ClientPhone
	}
	s.TotalAmount = SaleTotal(s.BoxesQuantity, s.KgQuantity, s.BoxPrice, s.KgPrice)
	return s
}

type SaleCreateRequest struct {
	ProductID     string           `json:"product_id" validate:"required"`
	BoxesQuantity int              `json:"boxes_quantity" validate:"gte=0,lte=1000000"`
	KgQuantity    decimal.Decimal  `json:"kg_quantity"`
	BoxPrice      decimal.Decimal  `json:"box_price"`
	KgPrice       decimal.Decimal  `json:"kg_price"`
	PaymentStatus PaymentStatus    `json:"payment_status" validate:"required,oneof=paid pending partial"`
	PaymentMethod PaymentMethod    `json:"payment_method" validate:"required,oneof=cash card transfer mobile_money credit"`
	AmountPaid    *decimal.Decimal `json:"amount_paid,omitempty"`
	ClientName    string           `json:"client_name" validate:"max=120"`
	ClientPhone   string           `json:"client_phone" validate:"max=40"`
}

// SaleEditRequest carries only the fields a worker wants changed; nil means
// keep the current value.
type SaleEditRequest struct {
	BoxesQuantity *int             `json:"boxes_quantity,omitempty" validate:"omitempty,gte=0,lte=1000000"`
	KgQuantity    *decimal.Decimal `json:"kg_quantity,omitempty"`
	BoxPrice      *decimal.Decimal `json:"box_price,omitempty"`
	KgPrice       *decimal.Decimal `json:"kg_price,omitempty"`
	PaymentStatus *PaymentStatus   `json:"payment_status,omitempty" validate:"omitempty,oneof=paid pending partial"`
	PaymentMethod *PaymentMethod   `json:"payment_method,omitempty" validate:"omitempty,oneof=cash card transfer mobile_money credit"`
	AmountPaid    *decimal.Decimal `json:"amount_paid,omitempty"`
	ClientName    *string          `json:"client_name,omitempty" validate:"omitempty,max=120"`
	ClientPhone   *string          `json:"client_phone,omitempty" validate:"omitempty,max=40"`
	Reason        string           `json:"reason" validate:"required,max=500"`
}

type DeletionRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type DecisionRequest struct {
	DecisionReason string `json:"decision_reason" validate:"required,max=500"`
}

type DecisionResult struct {
	Proposal AuditProposal `json:"proposal"`
	Sale     Sale          `json:"sale"`
	Product  *ProductView  `json:"product,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	OwnerID     string `json:"owner_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	OwnerID  string
}

func (a Actor) CanApprove() bool {
	return a.Role == RoleAdmin
}

type WorkerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type WorkerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	OwnerID   string    `json:"owner_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	OwnerID   string
	Active    bool
	CreatedAt time.Time
}

type ActivityLog struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
