package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProposalForUpdate(ctx context.Context, id string) (*domain.AuditProposal, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM audit_proposals
		WHERE id = $1
		FOR UPDATE
	`, id)
	proposal, err := scanProposal(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return proposal, nil
}

func (t *pgTx) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, t.tx, id)
}

func (t *pgTx) AdjustStock(ctx context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error) {
	return adjustStock(ctx, t.tx, productID, boxesDelta, kgDelta)
}

func (t *pgTx) UpdateSaleValues(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET boxes_quantity = $2,
			kg_quantity = $3,
			box_price = $4,
			kg_price = $5,
			total_amount = $6,
			payment_status = $7,
			payment_method = $8,
			amount_paid = $9,
			client_name = $10,
			client_phone = $11,
			updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`, sale.ID, sale.BoxesQuantity, sale.KgQuantity, sale.BoxPrice, sale.KgPrice, sale.TotalAmount,
		string(sale.PaymentStatus), string(sale.PaymentMethod), sale.AmountPaid, nullIfEmpty(sale.ClientName), nullIfEmpty(sale.ClientPhone))
	if err := expectOneRow(res, err); err != nil {
		return nil, err
	}
	return getSale(ctx, t.tx, sale.ID)
}

func (t *pgTx) SoftDeleteSale(ctx context.Context, saleID string, deletedBy string, at time.Time) (*domain.Sale, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sales
		SET deleted_at = $2, deleted_by = $3, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, saleID, at, deletedBy)
	if err := expectOneRow(res, err); err != nil {
		return nil, err
	}
	return getSale(ctx, t.tx, saleID)
}

func (t *pgTx) ResolveProposal(ctx context.Context, id string, status domain.ApprovalStatus, approvedBy string, decisionReason string, at time.Time) (*domain.AuditProposal, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE audit_proposals
		SET approval_status = $2, approved_by = $3, decision_reason = $4, decided_at = $5
		WHERE id = $1 AND approval_status = 'pending'
		RETURNING `+proposalColumns,
		id, string(status), approvedBy, decisionReason, at)
	proposal, err := scanProposal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConflict
		}
		return nil, wrapErr(err)
	}
	return proposal, nil
}

// expectOneRow treats an update that matched nothing as a state conflict: the
// row was either deleted already or never existed in an updatable state.
func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return wrapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if affected == 0 {
		return store.ErrConflict
	}
	return nil
}
