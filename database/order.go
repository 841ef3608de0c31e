package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/lib/pq"
	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

func (d Datasource) CreateOrder(ctx context.Context, order *model.Order) (*model.Order, error) {
	ctx, span := otel.Tracer("order.database").Start(ctx, "Saving order to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(order.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	if order.OrderID == "" {
		order.OrderID = model.GenerateUUIDWithSuffix("order")
	}
	if order.Status == "" {
		order.Status = model.OrderStatusCreated
	}
	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO orders(order_id,product_id,amount,currency,status,transaction_id,created_at,updated_at,expires_at,meta_data) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		order.OrderID, order.ProductID, order.Amount, order.Currency, order.Status, order.TransactionID, order.CreatedAt, order.UpdatedAt, order.ExpiresAt, metaDataJSON,
	)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Order with this ID already exists", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to create order", err)
	}

	return order, nil
}

func (d Datasource) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	ctx, span := otel.Tracer("order.database").Start(ctx, "Getting order from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT order_id, product_id, amount, currency, status, transaction_id, created_at, updated_at, expires_at, completed_at, meta_data
		FROM orders
		WHERE order_id = $1
	`, orderID)

	return scanOrderRow(row, fmt.Sprintf("Order with ID '%s' not found", orderID))
}

func (d Datasource) GetOrderByTransactionID(ctx context.Context, transactionID string) (*model.Order, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT order_id, product_id, amount, currency, status, transaction_id, created_at, updated_at, expires_at, completed_at, meta_data
		FROM orders
		WHERE transaction_id = $1
	`, transactionID)

	return scanOrderRow(row, fmt.Sprintf("No order linked to transaction '%s'", transactionID))
}

func (d Datasource) QueryOrderStatus(ctx context.Context, orderID string) (string, error) {
	var status string
	err := d.Conn.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE order_id = $1
	`, orderID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Order with ID '%s' not found", orderID), err)
		}
		return "", apierror.NewAPIError(apierror.ErrInternalServer, "Failed to query order status", err)
	}
	return status, nil
}

// UpdateOrderStatus moves an order through its lifecycle. The update is
// optimistic: the row is only touched while it still holds the status the
// transition was checked against, so concurrent writers cannot skip states.
func (d Datasource) UpdateOrderStatus(ctx context.Context, orderID string, status string) error {
	ctx, span := otel.Tracer("order.database").Start(ctx, "Updating order status")
	defer span.End()

	current, err := d.QueryOrderStatus(ctx, orderID)
	if err != nil {
		return err
	}

	guard := model.Order{Status: current}
	if !guard.CanTransitionTo(status) {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Order cannot move from '%s' to '%s'", current, status), nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, updated_at = NOW()
		WHERE order_id = $1 AND status = $2
	`, orderID, current, status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update order status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, "Order status changed concurrently", nil)
	}

	return nil
}

// CompleteOrder settles a pending order and links the transaction that paid
// for it. Completion is a one-way door: a second call finds no pending row
// and reports CONFLICT.
func (d Datasource) CompleteOrder(ctx context.Context, orderID string, transactionID string) error {
	ctx, span := otel.Tracer("order.database").Start(ctx, "Completing order")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, transaction_id = $2, completed_at = NOW(), updated_at = NOW()
		WHERE order_id = $1 AND status = $4
	`, orderID, transactionID, model.OrderStatusCompleted, model.OrderStatusPending)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to complete order", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read update result", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Order '%s' is not pending and cannot be completed", orderID), nil)
	}

	return nil
}

func (d Datasource) CancelOrder(ctx context.Context, orderID string) error {
	return d.UpdateOrderStatus(ctx, orderID, model.OrderStatusCancelled)
}

// CleanupExpiredOrders expires every open order whose deadline has passed.
func (d Datasource) CleanupExpiredOrders(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer("order.database").Start(ctx, "Cleaning up expired orders")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE expires_at < NOW() AND status IN ($2, $3)
	`, model.OrderStatusExpired, model.OrderStatusCreated, model.OrderStatusPending)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to expire orders", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read cleanup result", err)
	}
	return rowsAffected, nil
}

func (d Datasource) RecoverPendingOrders(ctx context.Context, batchSize int, offset int64) ([]*model.Order, error) {
	ctx, span := otel.Tracer("order.database").Start(ctx, "Getting open orders from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT order_id, product_id, amount, currency, status, transaction_id, created_at, updated_at, expires_at, completed_at, meta_data
		FROM orders
		WHERE status IN ($1, $2) AND expires_at > NOW()
		ORDER BY created_at ASC
		LIMIT $3 OFFSET $4
	`, model.OrderStatusCreated, model.OrderStatusPending, batchSize, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve open orders", err)
	}
	defer rows.Close()

	orders := []*model.Order{}
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate open orders", err)
	}

	return orders, nil
}

// GetAllOrders lists orders regardless of status, oldest first. Reindexing
// walks the whole table through this.
func (d Datasource) GetAllOrders(ctx context.Context, limit int, offset int) ([]*model.Order, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT order_id, product_id, amount, currency, status, transaction_id, created_at, updated_at, expires_at, completed_at, meta_data
		FROM orders
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve orders", err)
	}
	defer rows.Close()

	orders := []*model.Order{}
	for rows.Next() {
		order, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate orders", err)
	}

	return orders, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(scanner rowScanner) (*model.Order, error) {
	order := &model.Order{}
	var transactionID sql.NullString
	var completedAt sql.NullTime
	var metaDataJSON []byte

	err := scanner.Scan(&order.OrderID, &order.ProductID, &order.Amount, &order.Currency, &order.Status,
		&transactionID, &order.CreatedAt, &order.UpdatedAt, &order.ExpiresAt, &completedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}

	if transactionID.Valid {
		order.TransactionID = transactionID.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &order.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return order, nil
}

func scanOrderRow(row *sql.Row, notFoundMsg string) (*model.Order, error) {
	order, err := scanOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, notFoundMsg, err)
		}
		if apiErr, ok := err.(apierror.APIError); ok {
			return nil, apiErr
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve order", err)
	}
	return order, nil
}

func scanOrderRows(rows *sql.Rows) (*model.Order, error) {
	order, err := scanOrder(rows)
	if err != nil {
		if apiErr, ok := err.(apierror.APIError); ok {
			return nil, apiErr
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan order row", err)
	}
	return order, nil
}
