/*
Copyright 2025 PurchaseKit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/model"
)

// RecordTransaction upserts the audit record for a store transaction. The
// record is keyed by transaction ID; replays update the mutable fields but
// never clear an existing receipt hash or the finished flag.
func (d Datasource) RecordTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	ctx, span := otel.Tracer("transaction.database").Start(ctx, "Saving transaction record to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(txn.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	quantity := txn.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO transaction_records(transaction_id,original_transaction_id,product_id,state,quantity,receipt_hash,failure_reason,retryable,occurred_at,meta_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (transaction_id) DO UPDATE SET
			state = EXCLUDED.state,
			quantity = EXCLUDED.quantity,
			receipt_hash = COALESCE(NULLIF(EXCLUDED.receipt_hash, ''), transaction_records.receipt_hash),
			failure_reason = EXCLUDED.failure_reason,
			retryable = EXCLUDED.retryable,
			occurred_at = EXCLUDED.occurred_at,
			meta_data = EXCLUDED.meta_data
	`, txn.TransactionID, txn.OriginalTransactionID, txn.ProductID, txn.State, quantity,
		txn.ReceiptHash(), txn.FailureReason, txn.Retryable, txn.Timestamp, metaDataJSON)

	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record transaction", err)
	}

	return txn, nil
}

func (d Datasource) GetTransactionRecord(ctx context.Context, transactionID string) (*model.Transaction, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT transaction_id, original_transaction_id, product_id, state, quantity, failure_reason, retryable, occurred_at, meta_data
		FROM transaction_records
		WHERE transaction_id = $1
	`, transactionID)

	txn := &model.Transaction{}
	var originalID sql.NullString
	var failureReason sql.NullString
	var occurredAt sql.NullTime
	var metaDataJSON []byte
	err := row.Scan(&txn.TransactionID, &originalID, &txn.ProductID, &txn.State, &txn.Quantity,
		&failureReason, &txn.Retryable, &occurredAt, &metaDataJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", transactionID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction record", err)
	}

	if originalID.Valid {
		txn.OriginalTransactionID = originalID.String
	}
	if failureReason.Valid {
		txn.FailureReason = failureReason.String
	}
	if occurredAt.Valid {
		txn.Timestamp = occurredAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}

	return txn, nil
}

// MarkTransactionFinished flips the finished flag for a transaction. The
// first call returns false; repeat calls return true without touching the
// row, which is what makes downstream finish effects exactly-once.
func (d Datasource) MarkTransactionFinished(ctx context.Context, transactionID string) (bool, error) {
	ctx, span := otel.Tracer("transaction.database").Start(ctx, "Marking transaction finished")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE transaction_records
		SET finished = TRUE, finished_at = NOW()
		WHERE transaction_id = $1 AND finished = FALSE
	`, transactionID)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark transaction finished", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read update result", err)
	}
	if rowsAffected > 0 {
		return false, nil
	}

	// Nothing was updated: either the record was already finished or the
	// transaction was never recorded.
	finished, err := d.IsTransactionFinished(ctx, transactionID)
	if err != nil {
		return false, err
	}
	if !finished {
		return false, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Transaction with ID '%s' not found", transactionID), nil)
	}
	return true, nil
}

func (d Datasource) IsTransactionFinished(ctx context.Context, transactionID string) (bool, error) {
	var finished bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT finished FROM transaction_records WHERE transaction_id = $1
	`, transactionID).Scan(&finished)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check transaction finish state", err)
	}
	return finished, nil
}

func (d Datasource) IsReceiptProcessed(ctx context.Context, receiptHash string) (bool, error) {
	if receiptHash == "" {
		return false, nil
	}

	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM transaction_records WHERE receipt_hash = $1 AND finished = TRUE)
	`, receiptHash).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check receipt", err)
	}

	return exists, nil
}

func (d Datasource) GetUnfinishedTransactions(ctx context.Context, limit int) ([]*model.Transaction, error) {
	ctx, span := otel.Tracer("transaction.database").Start(ctx, "Getting unfinished transactions from db")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, original_transaction_id, product_id, state, quantity, failure_reason, retryable, occurred_at, meta_data
		FROM transaction_records
		WHERE finished = FALSE
		ORDER BY recorded_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve unfinished transactions", err)
	}
	defer rows.Close()

	transactions := []*model.Transaction{}
	for rows.Next() {
		txn, err := scanTransactionRecord(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate unfinished transactions", err)
	}

	return transactions, nil
}

// GetAllTransactionRecords lists recorded transactions in insertion order.
// Reindexing walks the whole table through this.
func (d Datasource) GetAllTransactionRecords(ctx context.Context, limit int, offset int) ([]*model.Transaction, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT transaction_id, original_transaction_id, product_id, state, quantity, failure_reason, retryable, occurred_at, meta_data
		FROM transaction_records
		ORDER BY recorded_at ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve transaction records", err)
	}
	defer rows.Close()

	transactions := []*model.Transaction{}
	for rows.Next() {
		txn, err := scanTransactionRecord(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to iterate transaction records", err)
	}

	return transactions, nil
}

func scanTransactionRecord(scanner rowScanner) (*model.Transaction, error) {
	txn := &model.Transaction{}
	var originalID sql.NullString
	var failureReason sql.NullString
	var occurredAt sql.NullTime
	var metaDataJSON []byte
	err := scanner.Scan(&txn.TransactionID, &originalID, &txn.ProductID, &txn.State, &txn.Quantity,
		&failureReason, &txn.Retryable, &occurredAt, &metaDataJSON)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan transaction row", err)
	}
	if originalID.Valid {
		txn.OriginalTransactionID = originalID.String
	}
	if failureReason.Valid {
		txn.FailureReason = failureReason.String
	}
	if occurredAt.Valid {
		txn.Timestamp = occurredAt.Time
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &txn.MetaData); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal metadata", err)
		}
	}
	return txn, nil
}
