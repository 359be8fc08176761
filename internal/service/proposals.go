package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/export"
	"boxledger/backend/internal/store"
	"boxledger/backend/internal/xid"
)

const maxProposalList = 500

// ProposeEdit records a pending change to a sale. Nothing about the sale or the
// product's stock changes until an admin approves it.
func (s *Service) ProposeEdit(ctx context.Context, saleID string, req domain.SaleEditRequest) (domain.AuditProposal, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.AuditProposal{}, err
	}

	req.Reason = strings.TrimSpace(req.Reason)
	if req.ClientName != nil {
		trimmed := strings.TrimSpace(*req.ClientName)
		req.ClientName = &trimmed
	}
	if req.ClientPhone != nil {
		trimmed := strings.TrimSpace(*req.ClientPhone)
		req.ClientPhone = &trimmed
	}
	if err := validateStruct(req); err != nil {
		return domain.AuditProposal{}, err
	}

	sale, err := s.proposableSale(ctx, saleID)
	if err != nil {
		return domain.AuditProposal{}, err
	}

	oldQty := sale.QuantityValues()
	oldPay := sale.PaymentValues()
	newQty, newPay := mergeEdit(oldQty, oldPay, req)

	if err := checkQuantities(newQty.BoxesQuantity, newQty.KgQuantity, true); err != nil {
		return domain.AuditProposal{}, err
	}
	if err := checkPrices(newQty.BoxPrice, newQty.KgPrice); err != nil {
		return domain.AuditProposal{}, err
	}
	newQty.TotalAmount = domain.SaleTotal(newQty.BoxesQuantity, newQty.KgQuantity, newQty.BoxPrice, newQty.KgPrice)
	if req.AmountPaid == nil {
		switch newPay.PaymentStatus {
		case domain.PaymentPaid:
			newPay.AmountPaid = newQty.TotalAmount
		case domain.PaymentPending:
			newPay.AmountPaid = decimal.Zero
		}
	}
	if err := checkPayment(newPay, newQty.TotalAmount); err != nil {
		return domain.AuditProposal{}, err
	}

	qtyChanged := !newQty.Equal(oldQty)
	payChanged := !newPay.Equal(oldPay)
	if !qtyChanged && !payChanged {
		return domain.AuditProposal{}, invalid("no changes proposed")
	}

	boxesChange := newQty.BoxesQuantity - oldQty.BoxesQuantity
	kgChange := newQty.KgQuantity.Sub(oldQty.KgQuantity)

	// A sale may only grow into stock that is free right now. Approval checks again.
	product, err := s.repo.GetProduct(ctx, sale.ProductID)
	if err != nil {
		return domain.AuditProposal{}, err
	}
	if boxesChange > product.StockBoxes || kgChange.GreaterThan(product.StockKg) {
		return domain.AuditProposal{}, store.ErrInsufficientStock
	}

	proposal := domain.AuditProposal{
		ID:             xid.New("prop"),
		OwnerID:        sale.OwnerID,
		SaleID:         sale.ID,
		ProductID:      sale.ProductID,
		BoxesChange:    boxesChange,
		KgChange:       kgChange,
		Reason:         req.Reason,
		PerformedBy:    actor.Username,
		ApprovalStatus: domain.ApprovalPending,
		CreatedAt:      s.now(),
	}
	if qtyChanged {
		proposal.AuditType = domain.AuditQuantityChange
		proposal.OldValues.Quantity = &oldQty
		proposal.NewValues.Quantity = &newQty
		if payChanged {
			proposal.OldValues.Payment = &oldPay
			proposal.NewValues.Payment = &newPay
		}
	} else {
		proposal.AuditType = domain.AuditPaymentUpdate
		proposal.OldValues.Payment = &oldPay
		proposal.NewValues.Payment = &newPay
	}

	created, err := s.repo.CreateProposal(ctx, proposal)
	if err != nil {
		return domain.AuditProposal{}, err
	}

	s.invalidateSales(ctx, sale.OwnerID)
	s.logActivity(ctx, sale.OwnerID, "proposal_edit", "sale", sale.ID,
		fmt.Sprintf("proposal=%s,type=%s,boxes_change=%d,kg_change=%s", created.ID, created.AuditType, created.BoxesChange, created.KgChange))
	return *created, nil
}

// ProposeDeletion records a pending soft delete. On approval the sale's whole
// quantity goes back into stock.
func (s *Service) ProposeDeletion(ctx context.Context, saleID string, req domain.DeletionRequest) (domain.AuditProposal, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.AuditProposal{}, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validateStruct(req); err != nil {
		return domain.AuditProposal{}, err
	}

	sale, err := s.proposableSale(ctx, saleID)
	if err != nil {
		return domain.AuditProposal{}, err
	}

	oldQty := sale.QuantityValues()
	oldPay := sale.PaymentValues()
	created, err := s.repo.CreateProposal(ctx, domain.AuditProposal{
		ID:             xid.New("prop"),
		OwnerID:        sale.OwnerID,
		SaleID:         sale.ID,
		ProductID:      sale.ProductID,
		AuditType:      domain.AuditDeletion,
		BoxesChange:    -sale.BoxesQuantity,
		KgChange:       sale.KgQuantity.Neg(),
		OldValues:      domain.ProposalValues{Quantity: &oldQty, Payment: &oldPay},
		Reason:         req.Reason,
		PerformedBy:    actor.Username,
		ApprovalStatus: domain.ApprovalPending,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return domain.AuditProposal{}, err
	}

	s.invalidateSales(ctx, sale.OwnerID)
	s.logActivity(ctx, sale.OwnerID, "proposal_delete", "sale", sale.ID,
		fmt.Sprintf("proposal=%s,boxes_change=%d,kg_change=%s", created.ID, created.BoxesChange, created.KgChange))
	return *created, nil
}

func (s *Service) GetProposal(ctx context.Context, id string) (domain.AuditProposal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.AuditProposal{}, invalidField("proposal_id", "required")
	}
	proposal, err := s.repo.GetProposal(ctx, id)
	if err != nil {
		return domain.AuditProposal{}, err
	}
	if proposal.OwnerID != s.ownerID(ctx) {
		return domain.AuditProposal{}, store.ErrNotFound
	}
	return *proposal, nil
}

// ListProposals lists the owner's proposals oldest first, the order reviewers
// work the queue in. An empty status lists every state.
func (s *Service) ListProposals(ctx context.Context, status string) ([]domain.AuditProposal, error) {
	var filter domain.ApprovalStatus
	if status = strings.TrimSpace(status); status != "" {
		parsed, ok := domain.ParseApprovalStatus(status)
		if !ok {
			return nil, invalidField("status", "oneof=pending approved rejected")
		}
		filter = parsed
	}
	return s.repo.ListProposals(ctx, s.ownerID(ctx), filter, maxProposalList)
}

func (s *Service) ListSaleProposals(ctx context.Context, saleID string) ([]domain.AuditProposal, error) {
	sale, err := s.ownedSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListSaleProposals(ctx, sale.ID)
}

// ExportProposals writes the filtered proposal list as an xlsx workbook.
func (s *Service) ExportProposals(ctx context.Context, status string, w io.Writer) error {
	proposals, err := s.ListProposals(ctx, status)
	if err != nil {
		return err
	}
	if err := export.WriteProposals(w, proposals); err != nil {
		return fmt.Errorf("%w: export proposals: %v", store.ErrPersistence, err)
	}
	return nil
}

// proposableSale loads a sale that can still take a proposal: owned by the
// caller, not deleted, and with nothing pending. The store's uniqueness guard
// still decides races; this only turns the common case into an early error.
func (s *Service) proposableSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	sale, err := s.ownedSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.DeletedAt != nil {
		return nil, fmt.Errorf("%w: sale %s is deleted", store.ErrConflict, sale.ID)
	}
	pending, err := s.repo.FindPendingProposal(ctx, sale.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: sale %s already has pending proposal %s", store.ErrConflict, sale.ID, pending.ID)
	case errors.Is(err, store.ErrNotFound):
		return sale, nil
	default:
		return nil, err
	}
}

func mergeEdit(qty domain.QuantityValues, pay domain.PaymentValues, req domain.SaleEditRequest) (domain.QuantityValues, domain.PaymentValues) {
	if req.BoxesQuantity != nil {
		qty.BoxesQuantity = *req.BoxesQuantity
	}
	if req.KgQuantity != nil {
		qty.KgQuantity = *req.KgQuantity
	}
	if req.BoxPrice != nil {
		qty.BoxPrice = *req.BoxPrice
	}
	if req.KgPrice != nil {
		qty.KgPrice = *req.KgPrice
	}
	if req.PaymentStatus != nil {
		pay.PaymentStatus = *req.PaymentStatus
	}
	if req.PaymentMethod != nil {
		pay.PaymentMethod = *req.PaymentMethod
	}
	if req.AmountPaid != nil {
		pay.AmountPaid = *req.AmountPaid
	}
	if req.ClientName != nil {
		pay.ClientName = *req.ClientName
	}
	if req.ClientPhone != nil {
		pay.ClientPhone = *req.ClientPhone
	}
	return qty, pay
}
