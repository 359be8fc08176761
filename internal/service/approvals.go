package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/lock"
	"boxledger/backend/internal/store"
)

// ApproveProposal applies a pending proposal. The stock adjustment, the sale
// write and the status change commit together or not at all. When the ledger
// can no longer cover the change the call fails with ErrInsufficientStock and
// the proposal stays pending.
func (s *Service) ApproveProposal(ctx context.Context, id string, req domain.DecisionRequest) (domain.DecisionResult, error) {
	actor, id, err := s.prepareDecision(ctx, id, &req)
	if err != nil {
		return domain.DecisionResult{}, err
	}

	release, err := s.acquireDecision(ctx, id)
	if err != nil {
		return domain.DecisionResult{}, err
	}
	defer release()

	var result domain.DecisionResult
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		proposal, err := decidableProposal(ctx, tx, id, actor.OwnerID)
		if err != nil {
			return err
		}

		boxesDelta, kgDelta := proposal.StockDelta()
		product, err := tx.AdjustStock(ctx, proposal.ProductID, boxesDelta, kgDelta)
		if err != nil {
			return err
		}

		sale, err := tx.GetSale(ctx, proposal.SaleID)
		if err != nil {
			return err
		}
		now := s.now()
		if proposal.AuditType == domain.AuditDeletion {
			sale, err = tx.SoftDeleteSale(ctx, sale.ID, actor.Username, now)
		} else {
			sale, err = tx.UpdateSaleValues(ctx, sale.WithValues(proposal.NewValues))
		}
		if err != nil {
			return err
		}

		resolved, err := tx.ResolveProposal(ctx, proposal.ID, domain.ApprovalApproved, actor.Username, req.DecisionReason, now)
		if err != nil {
			return err
		}

		view := domain.NewProductView(*product)
		result = domain.DecisionResult{Proposal: *resolved, Sale: *sale, Product: &view}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			s.logger.WithFields(logrus.Fields{
				"module":      moduleName,
				"proposal_id": id,
			}).Warn("approval blocked by insufficient stock; proposal remains pending")
		}
		return domain.DecisionResult{}, err
	}

	result.Sale.State = domain.SaleStateFor(result.Sale.DeletedAt, "")
	s.invalidateSales(ctx, actor.OwnerID)
	s.logActivity(ctx, actor.OwnerID, "proposal_approve", "proposal", result.Proposal.ID,
		fmt.Sprintf("sale=%s,type=%s,reason=%s", result.Proposal.SaleID, result.Proposal.AuditType, req.DecisionReason))
	return result, nil
}

// RejectProposal closes a pending proposal without touching the sale or stock.
func (s *Service) RejectProposal(ctx context.Context, id string, req domain.DecisionRequest) (domain.DecisionResult, error) {
	actor, id, err := s.prepareDecision(ctx, id, &req)
	if err != nil {
		return domain.DecisionResult{}, err
	}

	release, err := s.acquireDecision(ctx, id)
	if err != nil {
		return domain.DecisionResult{}, err
	}
	defer release()

	var result domain.DecisionResult
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		proposal, err := decidableProposal(ctx, tx, id, actor.OwnerID)
		if err != nil {
			return err
		}
		resolved, err := tx.ResolveProposal(ctx, proposal.ID, domain.ApprovalRejected, actor.Username, req.DecisionReason, s.now())
		if err != nil {
			return err
		}
		sale, err := tx.GetSale(ctx, proposal.SaleID)
		if err != nil {
			return err
		}
		result = domain.DecisionResult{Proposal: *resolved, Sale: *sale}
		return nil
	})
	if err != nil {
		return domain.DecisionResult{}, err
	}

	result.Sale.State = domain.SaleStateFor(result.Sale.DeletedAt, "")
	s.invalidateSales(ctx, actor.OwnerID)
	s.logActivity(ctx, actor.OwnerID, "proposal_reject", "proposal", result.Proposal.ID,
		fmt.Sprintf("sale=%s,type=%s,reason=%s", result.Proposal.SaleID, result.Proposal.AuditType, req.DecisionReason))
	return result, nil
}

func (s *Service) prepareDecision(ctx context.Context, id string, req *domain.DecisionRequest) (domain.Actor, string, error) {
	actor, err := s.requireActor(ctx)
	if err != nil {
		return domain.Actor{}, "", err
	}
	if !actor.CanApprove() {
		return domain.Actor{}, "", fmt.Errorf("%w: approval authority required", store.ErrForbidden)
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Actor{}, "", invalidField("proposal_id", "required")
	}
	req.DecisionReason = strings.TrimSpace(req.DecisionReason)
	if err := validateStruct(*req); err != nil {
		return domain.Actor{}, "", err
	}
	return actor, id, nil
}

func (s *Service) acquireDecision(ctx context.Context, id string) (func(), error) {
	release, err := s.locker.Acquire(ctx, "proposal:"+id)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			return nil, fmt.Errorf("%w: proposal %s is being decided", store.ErrConflict, id)
		}
		return nil, fmt.Errorf("%w: decision lock: %v", store.ErrPersistence, err)
	}
	return release, nil
}

func decidableProposal(ctx context.Context, tx store.Tx, id string, ownerID string) (*domain.AuditProposal, error) {
	proposal, err := tx.GetProposalForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if proposal.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	if !proposal.IsPending() {
		return nil, fmt.Errorf("%w: proposal %s is already %s", store.ErrConflict, proposal.ID, proposal.ApprovalStatus)
	}
	return proposal, nil
}
