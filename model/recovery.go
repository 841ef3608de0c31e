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
package model

import "time"

type RecoveryPair struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	PairedAt      time.Time `json:"paired_at"`
}

type RecoveryResult struct {
	RecoveryID     string     `json:"recovery_id"`
	Status         string     `json:"status"`
	RecoveredCount int        `json:"recovered_count"`
	FailedCount    int        `json:"failed_count"`
	InFlightCount  int        `json:"in_flight_count"`
	ProcessedCount int        `json:"processed_count"`
	PairedCount    int        `json:"paired_count"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Duration       float64    `json:"duration_seconds"`
}

// ToSearchDocument flattens the recovery result for indexing.
func (r *RecoveryResult) ToSearchDocument() map[string]interface{} {
	doc := map[string]interface{}{
		"id":              r.RecoveryID,
		"recovery_id":     r.RecoveryID,
		"status":          r.Status,
		"recovered_count": r.RecoveredCount,
		"failed_count":    r.FailedCount,
		"in_flight_count": r.InFlightCount,
		"processed_count": r.ProcessedCount,
		"paired_count":    r.PairedCount,
		"started_at":      r.StartedAt.Unix(),
	}
	if r.CompletedAt != nil {
		doc["completed_at"] = r.CompletedAt.Unix()
	}
	return doc
}
