package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("BOXLEDGER_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BOXLEDGER_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Migrate(ctx))
	return s
}

func seedProduct(t *testing.T, s *Store, boxes int) domain.Product {
	t.Helper()
	ctx := context.Background()
	ownerID := fmt.Sprintf("owner-it-%d", time.Now().UnixNano())
	p, err := s.CreateProduct(ctx, domain.Product{
		OwnerID:      ownerID,
		Name:         "Integration Tilapia",
		StockBoxes:   boxes,
		StockKg:      decimal.NewFromInt(5),
		BoxToKgRatio: decimal.NewFromInt(20),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_proposals WHERE product_id = $1`, p.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales WHERE product_id = $1`, p.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, p.ID)
	})
	return *p
}

func TestAdjustStockGuardsAgainstOversell(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.AdjustStock(ctx, p.ID, -2, decimal.Zero)
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, store.ErrInsufficientStock)
			failures++
		}
	}
	require.Equal(t, 1, failures)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.StockBoxes)
}

func TestApprovedDeletionRestoresStockAndHidesSale(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	_, err := s.AdjustStock(ctx, p.ID, -3, decimal.Zero)
	require.NoError(t, err)
	sale, err := s.CreateSale(ctx, domain.Sale{
		OwnerID:       p.OwnerID,
		ProductID:     p.ID,
		BoxesQuantity: 3,
		KgQuantity:    decimal.Zero,
		BoxPrice:      decimal.NewFromInt(50),
		KgPrice:       decimal.Zero,
		TotalAmount:   decimal.NewFromInt(150),
		PaymentStatus: domain.PaymentPaid,
		PaymentMethod: domain.MethodCash,
		AmountPaid:    decimal.NewFromInt(150),
		CreatedBy:     "worker",
	})
	require.NoError(t, err)
	require.Equal(t, domain.SaleActive, sale.State)

	proposal, err := s.CreateProposal(ctx, domain.AuditProposal{
		OwnerID:     p.OwnerID,
		SaleID:      sale.ID,
		ProductID:   p.ID,
		AuditType:   domain.AuditDeletion,
		BoxesChange: -3,
		KgChange:    decimal.Zero,
		OldValues:   domain.ProposalValues{Quantity: &domain.QuantityValues{BoxesQuantity: 3}},
		Reason:      "entered twice",
		PerformedBy: "worker",
	})
	require.NoError(t, err)

	_, err = s.CreateProposal(ctx, domain.AuditProposal{
		OwnerID:     p.OwnerID,
		SaleID:      sale.ID,
		ProductID:   p.ID,
		AuditType:   domain.AuditDeletion,
		BoxesChange: -3,
		KgChange:    decimal.Zero,
		Reason:      "again",
		PerformedBy: "worker",
	})
	require.ErrorIs(t, err, store.ErrConflict)

	at := time.Now().UTC()
	err = s.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetProposalForUpdate(ctx, proposal.ID)
		if err != nil {
			return err
		}
		boxes, kg := locked.StockDelta()
		if _, err := tx.AdjustStock(ctx, p.ID, boxes, kg); err != nil {
			return err
		}
		if _, err := tx.SoftDeleteSale(ctx, sale.ID, "admin", at); err != nil {
			return err
		}
		_, err = tx.ResolveProposal(ctx, proposal.ID, domain.ApprovalApproved, "admin", "confirmed duplicate", at)
		return err
	})
	require.NoError(t, err)

	got, err := s.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.StockBoxes)

	active, err := s.ListSales(ctx, p.OwnerID, false)
	require.NoError(t, err)
	require.Empty(t, active)

	history, err := s.ListSaleProposals(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.ApprovalApproved, history[0].ApprovalStatus)
	require.NotNil(t, history[0].OldValues.Quantity)
}

func TestConcurrentProposalsHitPendingIndex(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	p := seedProduct(t, s, 10)

	sale, err := s.CreateSale(ctx, domain.Sale{
		OwnerID:       p.OwnerID,
		ProductID:     p.ID,
		BoxesQuantity: 1,
		KgQuantity:    decimal.Zero,
		BoxPrice:      decimal.NewFromInt(50),
		KgPrice:       decimal.Zero,
		TotalAmount:   decimal.NewFromInt(50),
		PaymentStatus: domain.PaymentPaid,
		PaymentMethod: domain.MethodCash,
		AmountPaid:    decimal.NewFromInt(50),
		CreatedBy:     "worker",
	})
	require.NoError(t, err)

	const attempts = 6
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.CreateProposal(ctx, domain.AuditProposal{
				OwnerID:     p.OwnerID,
				SaleID:      sale.ID,
				ProductID:   p.ID,
				AuditType:   domain.AuditDeletion,
				BoxesChange: -1,
				KgChange:    decimal.Zero,
				Reason:      fmt.Sprintf("attempt %d", i),
				PerformedBy: "worker",
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, store.ErrConflict)
		require.NotContains(t, err.Error(), "SQLSTATE")
	}
	require.Equal(t, 1, succeeded)

	pending, err := s.FindPendingProposal(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, sale.ID, pending.SaleID)
}
