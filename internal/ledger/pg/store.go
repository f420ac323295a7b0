// Package pg implements ledger.Store on Postgres via pgx. Row locks come
// from SELECT ... FOR UPDATE; serialization failures and deadlocks are
// mapped to ledger.ErrConflict so components can retry.
package pg

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minimall/ledger/internal/ledger"
)

type Store struct {
	Pool *pgxpool.Pool
}

var _ ledger.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	ptx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = ptx.Rollback(ctx) }()

	if err := fn(ctx, &tx{tx: ptx}); err != nil {
		return mapErr(err)
	}
	if err := ptx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// mapErr translates Postgres failure codes into the ledger taxonomy.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ledger.ErrConflict
		case "23505":
			if pgErr.ConstraintName == "orders_external_id_key" {
				return ledger.ErrDuplicateOrder
			}
		}
	}
	return err
}

const productCols = `id, sku, name, stock, price_cents, low_stock_at, created_at, updated_at`

func scanProduct(row pgx.Row) (ledger.Product, error) {
	var p ledger.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Stock, &p.PriceCents, &p.LowStockAt, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) Product(ctx context.Context, productID string) (ledger.Product, error) {
	p, err := scanProduct(s.Pool.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, &ledger.ProductNotFoundError{ProductID: productID}
	}
	return p, err
}

func (s *Store) Products(ctx context.Context) ([]ledger.Product, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const orderCols = `id, external_id, customer_id, total_cents, due_cents, payment_method, status, receiver, phone, address, created_at`

func scanOrder(row pgx.Row) (ledger.Order, error) {
	var o ledger.Order
	err := row.Scan(&o.ID, &o.ExternalID, &o.CustomerID, &o.TotalCents, &o.DueCents,
		&o.PaymentMethod, &o.Status, &o.Receiver, &o.Phone, &o.Address, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	return o, err
}

func (s *Store) orderByRow(ctx context.Context, row pgx.Row) (ledger.Order, error) {
	o, err := scanOrder(row)
	if err != nil {
		return ledger.Order{}, err
	}

	itemRows, err := s.Pool.Query(ctx,
		`SELECT product_id, qty, price_cents FROM order_items WHERE order_id=$1 ORDER BY product_id`, o.ID)
	if err != nil {
		return ledger.Order{}, err
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var it ledger.OrderItem
		if err := itemRows.Scan(&it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return ledger.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	if err := itemRows.Err(); err != nil {
		return ledger.Order{}, err
	}

	allocRows, err := s.Pool.Query(ctx,
		`SELECT lot_id, amount, remaining FROM order_allocations WHERE order_id=$1 ORDER BY seq`, o.ID)
	if err != nil {
		return ledger.Order{}, err
	}
	defer allocRows.Close()
	for allocRows.Next() {
		var a ledger.AllocationEntry
		if err := allocRows.Scan(&a.LotID, &a.Amount, &a.Remaining); err != nil {
			return ledger.Order{}, err
		}
		o.Prepaid = append(o.Prepaid, a)
	}
	return o, allocRows.Err()
}

func (s *Store) Order(ctx context.Context, orderID string) (ledger.Order, error) {
	return s.orderByRow(ctx, s.Pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, orderID))
}

func (s *Store) OrderByExternalID(ctx context.Context, externalID string) (ledger.Order, error) {
	return s.orderByRow(ctx, s.Pool.QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE external_id=$1`, externalID))
}

const lotCols = `id, customer_id, kind, COALESCE(product_id, ''), original, balance, status, created_at, updated_at`

func scanLot(row pgx.Row) (ledger.CreditLot, error) {
	var l ledger.CreditLot
	err := row.Scan(&l.ID, &l.CustomerID, &l.Kind, &l.ProductID, &l.Original, &l.Balance, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	return l, err
}

func (s *Store) Lot(ctx context.Context, lotID string) (ledger.CreditLot, error) {
	l, err := scanLot(s.Pool.QueryRow(ctx, `SELECT `+lotCols+` FROM credit_lots WHERE id=$1`, lotID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CreditLot{}, ledger.ErrLotNotFound
	}
	return l, err
}

func (s *Store) LotsByCustomer(ctx context.Context, customerID string, kind ledger.CreditKind, productID string) ([]ledger.CreditLot, error) {
	return queryLots(ctx, s.Pool, customerID, kind, productID, "")
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLots(ctx context.Context, q querier, customerID string, kind ledger.CreditKind, productID, suffix string) ([]ledger.CreditLot, error) {
	sql := `SELECT ` + lotCols + ` FROM credit_lots
	        WHERE customer_id=$1 AND kind=$2 AND status='ACTIVE' AND balance > 0`
	args := []any{customerID, kind}
	if kind == ledger.KindProduct {
		sql += ` AND product_id=$3`
		args = append(args, productID)
	}
	sql += ` ORDER BY created_at, id` + suffix

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.CreditLot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) AuditByOrder(ctx context.Context, orderID string) ([]ledger.AuditEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, order_id, ref, ref_id, delta, at FROM ledger_audit WHERE order_id=$1 ORDER BY at, id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.AuditEntry
	for rows.Next() {
		var e ledger.AuditEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Ref, &e.RefID, &e.Delta, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type tx struct {
	tx pgx.Tx
}

var _ ledger.Tx = (*tx)(nil)

func (t *tx) ProductForUpdate(ctx context.Context, productID string) (ledger.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx,
		`SELECT `+productCols+` FROM products WHERE id=$1 FOR UPDATE`, productID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Product{}, &ledger.ProductNotFoundError{ProductID: productID}
	}
	return p, err
}

func (t *tx) AdjustStock(ctx context.Context, productID string, delta int) error {
	ct, err := t.tx.Exec(ctx,
		`UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, delta)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return &ledger.ProductNotFoundError{ProductID: productID}
	}
	return nil
}

func (t *tx) LotsForUpdate(ctx context.Context, customerID string, kind ledger.CreditKind, productID string) ([]ledger.CreditLot, error) {
	return queryLots(ctx, t.tx, customerID, kind, productID, ` FOR UPDATE`)
}

func (t *tx) DebitLot(ctx context.Context, lotID string, amount int64) (int64, error) {
	var remaining int64
	err := t.tx.QueryRow(ctx, `
		UPDATE credit_lots
		SET balance = balance - $2,
		    status = CASE WHEN balance - $2 = 0 THEN 'EXHAUSTED' ELSE status END,
		    updated_at = now()
		WHERE id = $1 AND balance >= $2 AND $2 > 0
		RETURNING balance`, lotID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		l, lerr := scanLot(t.tx.QueryRow(ctx, `SELECT `+lotCols+` FROM credit_lots WHERE id=$1`, lotID))
		if lerr != nil {
			return 0, ledger.ErrLotNotFound
		}
		return 0, &ledger.LotOverdrawError{LotID: lotID, Balance: l.Balance, Delta: -amount}
	}
	return remaining, err
}

func (t *tx) CreditLot(ctx context.Context, lotID string, amount int64) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE credit_lots
		SET balance = balance + $2, status = 'ACTIVE', updated_at = now()
		WHERE id = $1 AND balance + $2 <= original AND $2 > 0`, lotID, amount)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		l, lerr := scanLot(t.tx.QueryRow(ctx, `SELECT `+lotCols+` FROM credit_lots WHERE id=$1`, lotID))
		if lerr != nil {
			return ledger.ErrLotNotFound
		}
		return &ledger.LotOverdrawError{LotID: lotID, Balance: l.Balance, Delta: amount}
	}
	return nil
}

func (t *tx) InsertOrder(ctx context.Context, o ledger.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, customer_id, total_cents, due_cents, payment_method, status, receiver, phone, address, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		o.ID, o.ExternalID, o.CustomerID, o.TotalCents, o.DueCents, o.PaymentMethod, o.Status,
		o.Receiver, o.Phone, o.Address, o.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	for _, it := range o.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, qty, price_cents)
			VALUES ($1,$2,$3,$4)`, o.ID, it.ProductID, it.Qty, it.PriceCents); err != nil {
			return err
		}
	}
	for i, a := range o.Prepaid {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_allocations(order_id, seq, lot_id, amount, remaining)
			VALUES ($1,$2,$3,$4,$5)`, o.ID, i, a.LotID, a.Amount, a.Remaining); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) OrderForUpdate(ctx context.Context, orderID string) (ledger.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id=$1 FOR UPDATE`, orderID))
}

func (t *tx) UpdateOrderStatus(ctx context.Context, orderID string, status ledger.Status) error {
	ct, err := t.tx.Exec(ctx, `UPDATE orders SET status=$2 WHERE id=$1`, orderID, status)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ledger.ErrOrderNotFound
	}
	return nil
}

func (t *tx) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO ledger_audit(id, order_id, ref, ref_id, delta, at)
		VALUES ($1,$2,$3,$4,$5,$6)`, e.ID, e.OrderID, e.Ref, e.RefID, e.Delta, e.At)
	return err
}
