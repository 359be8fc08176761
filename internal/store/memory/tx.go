package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/store"
)

// memTx runs with Store.mu held for writing. Every mutation pushes its inverse
// onto undo so a failed unit of work leaves the maps as they were.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) GetProposalForUpdate(_ context.Context, id string) (*domain.AuditProposal, error) {
	proposal, ok := t.s.proposals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProposal(proposal)
	return &out, nil
}

func (t *memTx) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	sale, ok := t.s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.s.saleViewLocked(sale), nil
}

func (t *memTx) AdjustStock(_ context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error) {
	updated, before, err := t.s.adjustStockLocked(productID, boxesDelta, kgDelta)
	if err != nil {
		return nil, err
	}
	t.undo = append(t.undo, func() { t.s.products[productID] = before })
	return &updated, nil
}

func (t *memTx) UpdateSaleValues(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	before, ok := t.s.sales[sale.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if before.DeletedAt != nil {
		return nil, store.ErrConflict
	}

	next := before
	next.BoxesQuantity = sale.BoxesQuantity
	next.KgQuantity = sale.KgQuantity
	next.BoxPrice = sale.BoxPrice
	next.KgPrice = sale.KgPrice
	next.TotalAmount = sale.TotalAmount
	next.PaymentStatus = sale.PaymentStatus
	next.PaymentMethod = sale.PaymentMethod
	next.AmountPaid = sale.AmountPaid
	next.ClientName = sale.ClientName
	next.ClientPhone = sale.ClientPhone
	next.UpdatedAt = time.Now().UTC()

	t.s.sales[sale.ID] = next
	t.undo = append(t.undo, func() { t.s.sales[sale.ID] = before })
	return t.s.saleViewLocked(next), nil
}

func (t *memTx) SoftDeleteSale(_ context.Context, saleID string, deletedBy string, at time.Time) (*domain.Sale, error) {
	before, ok := t.s.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if before.DeletedAt != nil {
		return nil, store.ErrConflict
	}

	next := before
	deletedAt := at
	next.DeletedAt = &deletedAt
	next.DeletedBy = deletedBy
	next.UpdatedAt = at

	t.s.sales[saleID] = next
	t.undo = append(t.undo, func() { t.s.sales[saleID] = before })
	return t.s.saleViewLocked(next), nil
}

func (t *memTx) ResolveProposal(_ context.Context, id string, status domain.ApprovalStatus, approvedBy string, decisionReason string, at time.Time) (*domain.AuditProposal, error) {
	before, ok := t.s.proposals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if before.ApprovalStatus != domain.ApprovalPending {
		return nil, store.ErrConflict
	}

	next := cloneProposal(before)
	decidedAt := at
	next.ApprovalStatus = status
	next.ApprovedBy = approvedBy
	next.DecisionReason = decisionReason
	next.DecidedAt = &decidedAt

	t.s.proposals[id] = next
	delete(t.s.pendingBySale, before.SaleID)
	t.undo = append(t.undo, func() {
		t.s.proposals[id] = before
		t.s.pendingBySale[before.SaleID] = id
	})

	out := cloneProposal(next)
	return &out, nil
}
