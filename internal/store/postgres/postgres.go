package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"boxledger/backend/internal/domain"
	"boxledger/backend/internal/store"
	"boxledger/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx so row helpers can run
// inside or outside a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return wrapErr(err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return wrapErr(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return wrapErr(err)
	}
	return nil
}

const productColumns = `id, owner_id, name, stock_boxes, stock_kg, box_to_kg_ratio, low_stock_threshold, created_at, updated_at`

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if strings.TrimSpace(product.Name) == "" || product.StockBoxes < 0 || product.StockKg.IsNegative() || !product.BoxToKgRatio.IsPositive() {
		return nil, store.ErrValidation
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, owner_id, name, stock_boxes, stock_kg, box_to_kg_ratio, low_stock_threshold, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		RETURNING `+productColumns,
		product.ID, product.OwnerID, product.Name, product.StockBoxes, product.StockKg, product.BoxToKgRatio, product.LowStockThreshold)
	created, err := scanProduct(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return created, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	product, err := scanProduct(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return product, nil
}

func (s *Store) ListProducts(ctx context.Context, ownerID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY name, id
	`, ownerID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 64)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		products = append(products, *product)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return products, nil
}

func (s *Store) AdjustStock(ctx context.Context, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error) {
	return adjustStock(ctx, s.db, productID, boxesDelta, kgDelta)
}

const saleColumns = `s.id, s.owner_id, s.product_id, s.boxes_quantity, s.kg_quantity, s.box_price, s.kg_price, s.total_amount,
	s.payment_status, s.payment_method, s.amount_paid, s.client_name, s.client_phone,
	s.created_by, s.created_at, s.updated_at, s.deleted_at, s.deleted_by, p.audit_type`

const saleFrom = `FROM sales s
	LEFT JOIN audit_proposals p ON p.sale_id = s.id AND p.approval_status = 'pending'`

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (
			id, owner_id, product_id, boxes_quantity, kg_quantity, box_price, kg_price, total_amount,
			payment_status, payment_method, amount_paid, client_name, client_phone,
			created_by, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
	`, sale.ID, sale.OwnerID, sale.ProductID, sale.BoxesQuantity, sale.KgQuantity, sale.BoxPrice, sale.KgPrice, sale.TotalAmount,
		string(sale.PaymentStatus), string(sale.PaymentMethod), sale.AmountPaid, nullIfEmpty(sale.ClientName), nullIfEmpty(sale.ClientPhone),
		sale.CreatedBy, sale.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, wrapErr(err)
	}
	return getSale(ctx, s.db, sale.ID)
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	return getSale(ctx, s.db, id)
}

func (s *Store) ListSales(ctx context.Context, ownerID string, includeDeleted bool) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		`+saleFrom+`
		WHERE ($1 = '' OR s.owner_id = $1)
			AND ($2 OR s.deleted_at IS NULL)
		ORDER BY s.created_at DESC, s.id DESC
	`, ownerID, includeDeleted)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return sales, nil
}

const proposalColumns = `id, owner_id, sale_id, product_id, audit_type, boxes_change, kg_change, old_values, new_values,
	reason, performed_by, approval_status, approved_by, decision_reason, decided_at, created_at`

func (s *Store) CreateProposal(ctx context.Context, proposal domain.AuditProposal) (*domain.AuditProposal, error) {
	if proposal.ID == "" {
		proposal.ID = xid.New("prop")
	}
	if proposal.ApprovalStatus == "" {
		proposal.ApprovalStatus = domain.ApprovalPending
	}
	if proposal.CreatedAt.IsZero() {
		proposal.CreatedAt = time.Now().UTC()
	}
	oldValues, err := json.Marshal(proposal.OldValues)
	if err != nil {
		return nil, err
	}
	newValues, err := json.Marshal(proposal.NewValues)
	if err != nil {
		return nil, err
	}

	// The partial unique index on (sale_id) WHERE approval_status = 'pending'
	// turns a second pending proposal into a unique violation.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_proposals (
			id, owner_id, sale_id, product_id, audit_type, boxes_change, kg_change, old_values, new_values,
			reason, performed_by, approval_status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING `+proposalColumns,
		proposal.ID, proposal.OwnerID, proposal.SaleID, proposal.ProductID, string(proposal.AuditType), proposal.BoxesChange, proposal.KgChange,
		oldValues, newValues, proposal.Reason, proposal.PerformedBy, string(proposal.ApprovalStatus), proposal.CreatedAt)
	created, err := scanProposal(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sale %s already has a pending proposal", store.ErrConflict, proposal.SaleID)
		}
		return nil, wrapErr(err)
	}
	return created, nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (*domain.AuditProposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM audit_proposals WHERE id = $1`, id)
	proposal, err := scanProposal(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return proposal, nil
}

func (s *Store) FindPendingProposal(ctx context.Context, saleID string) (*domain.AuditProposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM audit_proposals
		WHERE sale_id = $1 AND approval_status = 'pending'
	`, saleID)
	proposal, err := scanProposal(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return proposal, nil
}

func (s *Store) ListProposals(ctx context.Context, ownerID string, status domain.ApprovalStatus, limit int) ([]domain.AuditProposal, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM audit_proposals
		WHERE ($1 = '' OR owner_id = $1)
			AND ($2 = '' OR approval_status = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`, ownerID, string(status), limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	return collectProposals(rows)
}

func (s *Store) ListSaleProposals(ctx context.Context, saleID string) ([]domain.AuditProposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM audit_proposals
		WHERE sale_id = $1
		ORDER BY created_at DESC, id DESC
	`, saleID)
	if err != nil {
		return nil, wrapErr(err)
	}
	return collectProposals(rows)
}

func (s *Store) CreateActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("act")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs (
			id, owner_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.OwnerID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return wrapErr(err)
}

func (s *Store) ListActivityLogs(ctx context.Context, ownerID string, from time.Time, to time.Time, limit int) ([]domain.ActivityLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM activity_logs
		WHERE owner_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, ownerID, from, to, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	logs := make([]domain.ActivityLog, 0, limit)
	for rows.Next() {
		var entry domain.ActivityLog
		if err := rows.Scan(&entry.ID, &entry.OwnerID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleWorker
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, owner_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.OwnerID, user.Active, user.CreatedAt)
	return wrapErr(err)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, owner_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.OwnerID, &user.Active, &user.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return wrapErr(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// adjustStock is the guarded single-statement update behind reserve, release
// and adjust. The row lock taken by UPDATE makes the check and the write one step.
func adjustStock(ctx context.Context, q querier, productID string, boxesDelta int, kgDelta decimal.Decimal) (*domain.Product, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE products
		SET stock_boxes = stock_boxes + $2,
			stock_kg = stock_kg + $3,
			updated_at = now()
		WHERE id = $1
			AND stock_boxes + $2 >= 0
			AND stock_kg + $3 >= 0
		RETURNING `+productColumns,
		productID, boxesDelta, kgDelta)
	product, err := scanProduct(row)
	if err == nil {
		return product, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr(err)
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, wrapErr(err)
	}
	if !exists {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrInsufficientStock
}

func getSale(ctx context.Context, q querier, id string) (*domain.Sale, error) {
	row := q.QueryRowContext(ctx, `SELECT `+saleColumns+` `+saleFrom+` WHERE s.id = $1`, id)
	sale, err := scanSale(row)
	if err != nil {
		return nil, wrapErr(err)
	}
	return sale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.StockBoxes, &p.StockKg, &p.BoxToKgRatio, &p.LowStockThreshold, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var (
		sale          domain.Sale
		paymentStatus string
		paymentMethod string
		clientName    sql.NullString
		clientPhone   sql.NullString
		deletedAt     sql.NullTime
		deletedBy     sql.NullString
		pendingType   sql.NullString
	)
	err := row.Scan(
		&sale.ID, &sale.OwnerID, &sale.ProductID, &sale.BoxesQuantity, &sale.KgQuantity, &sale.BoxPrice, &sale.KgPrice, &sale.TotalAmount,
		&paymentStatus, &paymentMethod, &sale.AmountPaid, &clientName, &clientPhone,
		&sale.CreatedBy, &sale.CreatedAt, &sale.UpdatedAt, &deletedAt, &deletedBy, &pendingType,
	)
	if err != nil {
		return nil, err
	}
	sale.PaymentStatus = domain.PaymentStatus(paymentStatus)
	sale.PaymentMethod = domain.PaymentMethod(paymentMethod)
	sale.ClientName = clientName.String
	sale.ClientPhone = clientPhone.String
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.UpdatedAt = sale.UpdatedAt.UTC()
	if deletedAt.Valid {
		at := deletedAt.Time.UTC()
		sale.DeletedAt = &at
	}
	sale.DeletedBy = deletedBy.String
	sale.State = domain.SaleStateFor(sale.DeletedAt, domain.AuditType(pendingType.String))
	return &sale, nil
}

func scanProposal(row rowScanner) (*domain.AuditProposal, error) {
	var (
		p              domain.AuditProposal
		auditType      string
		status         string
		oldValues      []byte
		newValues      []byte
		approvedBy     sql.NullString
		decisionReason sql.NullString
		decidedAt      sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.OwnerID, &p.SaleID, &p.ProductID, &auditType, &p.BoxesChange, &p.KgChange, &oldValues, &newValues,
		&p.Reason, &p.PerformedBy, &status, &approvedBy, &decisionReason, &decidedAt, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(oldValues, &p.OldValues); err != nil {
		return nil, fmt.Errorf("decode old_values of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(newValues, &p.NewValues); err != nil {
		return nil, fmt.Errorf("decode new_values of %s: %w", p.ID, err)
	}
	p.AuditType = domain.AuditType(auditType)
	p.ApprovalStatus = domain.ApprovalStatus(status)
	p.ApprovedBy = approvedBy.String
	p.DecisionReason = decisionReason.String
	if decidedAt.Valid {
		at := decidedAt.Time.UTC()
		p.DecidedAt = &at
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

func collectProposals(rows *sql.Rows) ([]domain.AuditProposal, error) {
	defer rows.Close()

	proposals := make([]domain.AuditProposal, 0, 16)
	for rows.Next() {
		proposal, err := scanProposal(rows)
		if err != nil {
			return nil, wrapErr(err)
		}
		proposals = append(proposals, *proposal)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return proposals, nil
}

// wrapErr maps driver errors onto the store taxonomy. Anything unrecognised is
// a persistence failure.
func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case isUniqueViolation(err), isSerializationFailure(err):
		return &store.DriverError{Kind: store.ErrConflict, Cause: err}
	case isCheckViolation(err), isNumericOutOfRange(err):
		return &store.DriverError{Kind: store.ErrValidation, Cause: err}
	case isStoreError(err):
		return err
	default:
		return fmt.Errorf("%w: %v", store.ErrPersistence, err)
	}
}

func isStoreError(err error) bool {
	for _, target := range []error{
		store.ErrNotFound, store.ErrInsufficientStock, store.ErrValidation,
		store.ErrConflict, store.ErrForbidden, store.ErrPersistence, store.ErrInconsistent,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == "23503"
}

func isCheckViolation(err error) bool {
	return pgCode(err) == "23514"
}

func isNumericOutOfRange(err error) bool {
	return pgCode(err) == "22003"
}

func isSerializationFailure(err error) bool {
	return pgCode(err) == "40001"
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
