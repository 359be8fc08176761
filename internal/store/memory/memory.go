package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/store"
	"boxledger/backend/internal/xid"
)

const seedOwnerID = "main-account"

// Store keeps every table in process memory behind one lock. A unit of work
// started with WithinTx holds the write lock until it finishes, so it must only
// be used through the Tx it is handed.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	sales           map[string]domain.Sale
	proposals       map[string]domain.AuditProposal
	pendingBySale   map[string]string
	activityLogs    []domain.ActivityLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		sales:           make(map[string]domain.Sale),
		proposals:       make(map[string]domain.AuditProposal),
		pendingBySale:   make(map[string]string),
		activityLogs:    make([]domain.ActivityLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_WORKER_PASSWORD; when
// unset, dev defaults are used and a warning is logged.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	workerPwd := envOr("SEED_WORKER_PASSWORD", "worker123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_WORKER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_WORKER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"worker", workerPwd, domain.RoleWorker},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			OwnerID:   seedOwnerID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	for _, p := range []domain.Product{
		{ID: "prd-tilapia", Name: "Tilapia", StockBoxes: 120, StockKg: decimal.NewFromInt(45), BoxToKgRatio: decimal.NewFromInt(20), LowStockThreshold: 10},
		{ID: "prd-mackerel", Name: "Mackerel", StockBoxes: 80, StockKg: decimal.RequireFromString("12.5"), BoxToKgRatio: decimal.NewFromInt(25), LowStockThreshold: 8},
		{ID: "prd-catfish", Name: "Catfish", StockBoxes: 40, StockKg: decimal.Zero, BoxToKgRatio: decimal.RequireFromString("18.5"), LowStockThreshold: 5},
	} {
		p.OwnerID = seedOwnerID
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) WithinTx(_ context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(product.Name) == "" || product.StockBoxes < 0 || product.StockKg.IsNegative() || !product.BoxToKgRatio.IsPositive() {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = product

	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context, ownerID string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, product := range s.products {
		if ownerID != "" && product.OwnerID != ownerID {
			continue
		}
		result = append(result, product)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) AdjustStock(_ context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, _, err := s.adjustStockLocked(productID, boxesDelta, kgDelta)
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[sale.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if _, exists := s.sales[sale.ID]; exists {
		return nil, store.ErrConflict
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	sale.UpdatedAt = sale.CreatedAt
	sale.DeletedAt = nil
	sale.DeletedBy = ""
	s.sales[sale.ID] = sale

	return s.saleViewLocked(sale), nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.saleViewLocked(sale), nil
}

func (s *Store) ListSales(_ context.Context, ownerID string, includeDeleted bool) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if ownerID != "" && sale.OwnerID != ownerID {
			continue
		}
		if sale.DeletedAt != nil && !includeDeleted {
			continue
		}
		result = append(result, *s.saleViewLocked(sale))
	}
	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateProposal(_ context.Context, proposal domain.AuditProposal) (*domain.AuditProposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[proposal.SaleID]; !ok {
		return nil, store.ErrNotFound
	}
	if proposal.ApprovalStatus == "" {
		proposal.ApprovalStatus = domain.ApprovalPending
	}
	if proposal.ApprovalStatus == domain.ApprovalPending {
		if _, exists := s.pendingBySale[proposal.SaleID]; exists {
			return nil, store.ErrConflict
		}
	}
	if proposal.ID == "" {
		proposal.ID = xid.New("prop")
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = time.Now().UTC()
	}

	stored := cloneProposal(proposal)
	s.proposals[stored.ID] = stored
	if stored.ApprovalStatus == domain.ApprovalPending {
		s.pendingBySale[stored.SaleID] = stored.ID
	}

	created := cloneProposal(stored)
	return &created, nil
}

func (s *Store) GetProposal(_ context.Context, id string) (*domain.AuditProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	proposal, ok := s.proposals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProposal(proposal)
	return &out, nil
}

func (s *Store) FindPendingProposal(_ context.Context, saleID string) (*domain.AuditProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pendingBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneProposal(s.proposals[id])
	return &out, nil
}

func (s *Store) ListProposals(_ context.Context, ownerID string, status domain.ApprovalStatus, limit int) ([]domain.AuditProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditProposal, 0, 32)
	for _, proposal := range s.proposals {
		if ownerID != "" && proposal.OwnerID != ownerID {
			continue
		}
		if status != "" && proposal.ApprovalStatus != status {
			continue
		}
		result = append(result, cloneProposal(proposal))
	}
	slices.SortFunc(result, func(a, b domain.AuditProposal) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListSaleProposals(_ context.Context, saleID string) ([]domain.AuditProposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditProposal, 0, 4)
	for _, proposal := range s.proposals {
		if proposal.SaleID == saleID {
			result = append(result, cloneProposal(proposal))
		}
	}
	slices.SortFunc(result, func(a, b domain.AuditProposal) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) CreateActivityLog(_ context.Context, entry domain.ActivityLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.activityLogs = append(s.activityLogs, entry)
	return nil
}

func (s *Store) ListActivityLogs(_ context.Context, ownerID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ActivityLog, 0, 64)
	for _, entry := range s.activityLogs {
		if ownerID != "" && entry.OwnerID != ownerID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.ActivityLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleWorker
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// adjustStockLocked returns the updated product and the row as it was before.
func (s *Store) adjustStockLocked(productID string, boxesDelta int, kgDelta decimal.Decimal) (domain.Product, domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, domain.Product{}, store.ErrNotFound
	}
	nextBoxes := product.StockBoxes + boxesDelta
	if boxesDelta > 0 && nextBoxes < product.StockBoxes {
		return domain.Product{}, domain.Product{}, fmt.Errorf("%w: box count out of range", store.ErrValidation)
	}
	nextKg := product.StockKg.Add(kgDelta)
	if nextBoxes < 0 || nextKg.IsNegative() {
		return domain.Product{}, domain.Product{}, store.ErrInsufficientStock
	}

	before := product
	product.StockBoxes = nextBoxes
	product.StockKg = nextKg
	product.UpdatedAt = time.Now().UTC()
	s.products[productID] = product
	return product, before, nil
}

func (s *Store) saleViewLocked(sale domain.Sale) *domain.Sale {
	var pending domain.AuditType
	if id, ok := s.pendingBySale[sale.ID]; ok {
		pending = s.proposals[id].AuditType
	}
	out := cloneSale(sale)
	out.State = domain.SaleStateFor(out.DeletedAt, pending)
	return &out
}

func cloneSale(src domain.Sale) domain.Sale {
	out := src
	if src.DeletedAt != nil {
		at := *src.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

func cloneProposal(src domain.AuditProposal) domain.AuditProposal {
	out := src
	out.OldValues = cloneValues(src.OldValues)
	out.NewValues = cloneValues(src.NewValues)
	if src.DecidedAt != nil {
		at := *src.DecidedAt
		out.DecidedAt = &at
	}
	return out
}

func cloneValues(src domain.ProposalValues) domain.ProposalValues {
	var out domain.ProposalValues
	if src.Quantity != nil {
		q := *src.Quantity
		out.Quantity = &q
	}
	if src.Payment != nil {
		p := *src.Payment
		out.Payment = &p
	}
	return out
}
