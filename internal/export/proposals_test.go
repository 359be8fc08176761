package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"boxledger/backend/internal/domain"
)

func TestWriteProposalsRendersOneRowPerProposal(t *testing.T) {
	decided := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	proposals := []domain.AuditProposal{
		{
			ID:             "prop-1",
			SaleID:         "sale-1",
			ProductID:      "prd-tilapia",
			AuditType:      domain.AuditQuantityChange,
			BoxesChange:    2,
			KgChange:       decimal.Zero,
			Reason:         "customer took two more boxes",
			PerformedBy:    "worker",
			ApprovalStatus: domain.ApprovalApproved,
			ApprovedBy:     "admin",
			DecisionReason: "confirmed",
			CreatedAt:      decided.Add(-time.Hour),
			DecidedAt:      &decided,
		},
		{
			ID:             "prop-2",
			SaleID:         "sale-2",
			ProductID:      "prd-catfish",
			AuditType:      domain.AuditDeletion,
			BoxesChange:    -3,
			KgChange:       decimal.RequireFromString("-1.5"),
			Reason:         "duplicate entry",
			PerformedBy:    "worker",
			ApprovalStatus: domain.ApprovalPending,
			CreatedAt:      decided,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteProposals(&buf, proposals))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{proposalSheet}, f.GetSheetList())

	rows, err := f.GetRows(proposalSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, proposalHeadings, rows[0])
	assert.Equal(t, "prop-1", rows[1][0])
	assert.Equal(t, "quantity_change", rows[1][3])
	assert.Equal(t, "approved", rows[1][8])
	assert.Equal(t, "2026-03-02T09:30:00Z", rows[1][12])
	assert.Equal(t, "deletion", rows[2][3])
	assert.Equal(t, "-3", rows[2][4])
	assert.Equal(t, "pending", rows[2][8])
}

func TestWriteProposalsWithNoRowsStillHasHeadings(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteProposals(&buf, nil))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(proposalSheet)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, proposalHeadings, rows[0])
}
