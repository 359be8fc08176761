package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"boxledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("validation failed")
	ErrConflict          = errors.New("conflict")
	ErrForbidden         = errors.New("forbidden")
	ErrPersistence       = errors.New("persistence failure")
	// ErrInconsistent marks a failure after part of a multi-step write already
	// took effect and could not be undone.
	ErrInconsistent = errors.New("inconsistent state")
)

// DriverError ties a database failure to one of the sentinels above. Its
// message is the sentinel's alone; Cause keeps the driver text for logs.
type DriverError struct {
	Kind  error
	Cause error
}

func (e *DriverError) Error() string {
	return e.Kind.Error()
}

func (e *DriverError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

type Repository interface {
	// WithinTx runs fn against a single atomic unit of work. Everything fn
	// writes through tx is discarded when fn returns an error.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error)
	// AdjustStock applies a signed delta to both counters in one atomic step and
	// fails with ErrInsufficientStock, without writing, if either would go negative.
	AdjustStock(ctx context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, ownerID string, includeDeleted bool) ([]domain.Sale, error)

	// CreateProposal fails with ErrConflict when the sale already has a pending proposal.
	CreateProposal(ctx context.Context, proposal domain.AuditProposal) (*domain.AuditProposal, error)
	GetProposal(ctx context.Context, id string) (*domain.AuditProposal, error)
	FindPendingProposal(ctx context.Context, saleID string) (*domain.AuditProposal, error)
	ListProposals(ctx context.Context, ownerID string, status domain.ApprovalStatus, limit int) ([]domain.AuditProposal, error)
	ListSaleProposals(ctx context.Context, saleID string) ([]domain.AuditProposal, error)

	CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error
	ListActivityLogs(ctx context.Context, ownerID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the write surface available inside Repository.WithinTx.
type Tx interface {
	// GetProposalForUpdate reads a proposal and holds it against concurrent
	// decisions until the unit of work ends.
	GetProposalForUpdate(ctx context.Context, id string) (*domain.AuditProposal, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	AdjustStock(ctx context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error)
	UpdateSaleValues(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	SoftDeleteSale(ctx context.Context, saleID string, deletedBy string, at time.Time) (*domain.Sale, error)
	ResolveProposal(ctx context.Context, id string, status domain.ApprovalStatus, approvedBy string, decisionReason string, at time.Time) (*domain.AuditProposal, error)
}
