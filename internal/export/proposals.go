package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"boxledger/backend/internal/domain"
)

const proposalSheet = "Proposals"

var proposalHeadings = []string{
	"ID", "SaleID", "ProductID", "Type", "BoxesChange", "KgChange",
	"Reason", "PerformedBy", "Status", "ApprovedBy", "DecisionReason", "CreatedAt", "DecidedAt",
}

// WriteProposals renders proposals as a single-sheet xlsx workbook, one row per
// proposal under a heading row.
func WriteProposals(w io.Writer, proposals []domain.AuditProposal) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", proposalSheet); err != nil {
		return err
	}

	headings := make([]interface{}, 0, len(proposalHeadings))
	for _, h := range proposalHeadings {
		headings = append(headings, h)
	}
	if err := f.SetSheetRow(proposalSheet, "A1", &headings); err != nil {
		return err
	}

	for i, p := range proposals {
		decidedAt := ""
		if p.DecidedAt != nil {
			decidedAt = p.DecidedAt.UTC().Format(time.RFC3339)
		}
		row := []interface{}{
			p.ID,
			p.SaleID,
			p.ProductID,
			string(p.AuditType),
			p.BoxesChange,
			p.KgChange.InexactFloat64(),
			p.Reason,
			p.PerformedBy,
			string(p.ApprovalStatus),
			p.ApprovedBy,
			p.DecisionReason,
			p.CreatedAt.UTC().Format(time.RFC3339),
			decidedAt,
		}
		if err := f.SetSheetRow(proposalSheet, "A"+fmt.Sprint(i+2), &row); err != nil {
			return err
		}
	}

	_, err := f.WriteTo(w)
	return err
}
