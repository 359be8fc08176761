package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type AuditType string

const (
	AuditQuantityChange AuditType = "quantity_change"
	AuditPaymentUpdate  AuditType = "payment_update"
	AuditDeletion       AuditType = "deletion"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

func ParseApprovalStatus(raw string) (ApprovalStatus, bool) {
	switch status := ApprovalStatus(raw); status {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return status, true
	default:
		return "", false
	}
}

type QuantityValues struct {
	BoxesQuantity int             `json:"boxes_quantity"`
	KgQuantity    decimal.Decimal `json:"kg_quantity"`
	BoxPrice      decimal.Decimal `json:"box_price"`
	KgPrice       decimal.Decimal `json:"kg_price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

func (q QuantityValues) Equal(other QuantityValues) bool {
	return q.BoxesQuantity == other.BoxesQuantity &&
		q.KgQuantity.Equal(other.KgQuantity) &&
		q.BoxPrice.Equal(other.BoxPrice) &&
		q.KgPrice.Equal(other.KgPrice)
}

type PaymentValues struct {
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	ClientName    string          `json:"client_name,omitempty"`
	ClientPhone   string          `json:"client_phone,omitempty"`
}

func (p PaymentValues) Equal(other PaymentValues) bool {
	return p.PaymentStatus == other.PaymentStatus &&
		p.PaymentMethod == other.PaymentMethod &&
		p.AmountPaid.Equal(other.AmountPaid) &&
		p.ClientName == other.ClientName &&
		p.ClientPhone == other.ClientPhone
}

// ProposalValues is the snapshot of the mutable sale fields on one side of a
// proposal. Which sections are present is fixed by the proposal's AuditType:
//
//	quantity_change  Quantity, plus Payment when payment fields changed too
//	payment_update   Payment only
//	deletion         both sections in OldValues, NewValues empty
type ProposalValues struct {
	Quantity *QuantityValues `json:"quantity,omitempty"`
	Payment  *PaymentValues  `json:"payment,omitempty"`
}

func (v ProposalValues) IsEmpty() bool {
	return v.Quantity == nil && v.Payment == nil
}

type AuditProposal struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	SaleID         string          `json:"sale_id"`
	ProductID      string          `json:"product_id"`
	AuditType      AuditType       `json:"audit_type"`
	BoxesChange    int             `json:"boxes_change"`
	KgChange       decimal.Decimal `json:"kg_change"`
	OldValues      ProposalValues  `json:"old_values"`
	NewValues      ProposalValues  `json:"new_values"`
	Reason         string          `json:"reason"`
	PerformedBy    string          `json:"performed_by"`
	ApprovalStatus ApprovalStatus  `json:"approval_status"`
	ApprovedBy     string          `json:"approved_by,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (p AuditProposal) IsPending() bool {
	return p.ApprovalStatus == ApprovalPending
}

// StockDelta is the ledger adjustment that applying this proposal requires.
// BoxesChange and KgChange describe the sale, so the ledger moves the other way.
func (p AuditProposal) StockDelta() (int, decimal.Decimal) {
	return -p.BoxesChange, p.KgChange.Neg()
}
