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

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/purchasekit/purchasekit/model"
)

// LoadProductsRequest asks the service to fetch product details for a set
// of identifiers from the store catalog.
type LoadProductsRequest struct {
	ProductIDs []string `json:"product_ids"`
}

func (l *LoadProductsRequest) Validate() error {
	return validation.ValidateStruct(l,
		validation.Field(&l.ProductIDs, validation.Required, validation.Length(1, 100)),
	)
}

// PurchaseRequest starts a purchase for one product.
type PurchaseRequest struct {
	ProductID         string                 `json:"product_id"`
	Quantity          int                    `json:"quantity"`
	AppAccountToken   string                 `json:"app_account_token"`
	SimulatesAskToBuy bool                   `json:"simulates_ask_to_buy"`
	MetaData          map[string]interface{} `json:"meta_data"`
}

func (p *PurchaseRequest) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.ProductID, validation.Required),
		validation.Field(&p.Quantity, validation.Min(0), validation.Max(10)),
	)
}

func (p *PurchaseRequest) ToOptions() model.PurchaseOptions {
	return model.PurchaseOptions{
		Quantity:          p.Quantity,
		AppAccountToken:   p.AppAccountToken,
		SimulatesAskToBuy: p.SimulatesAskToBuy,
		MetaData:          p.MetaData,
	}
}

// ValidateReceiptRequest submits one receipt for validation.
type ValidateReceiptRequest struct {
	ProductID     string    `json:"product_id"`
	TransactionID string    `json:"transaction_id"`
	Payload       string    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Environment   string    `json:"environment"`
}

func (v *ValidateReceiptRequest) Validate() error {
	return validation.ValidateStruct(v,
		validation.Field(&v.ProductID, validation.Required),
		validation.Field(&v.TransactionID, validation.Required),
		validation.Field(&v.Payload, validation.Required),
		validation.Field(&v.Environment, validation.In(model.EnvironmentSandbox, model.EnvironmentProduction)),
	)
}

func (v *ValidateReceiptRequest) ToReceipt() *model.Receipt {
	timestamp := v.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	environment := v.Environment
	if environment == "" {
		environment = model.EnvironmentProduction
	}
	return &model.Receipt{
		ProductID:     v.ProductID,
		TransactionID: v.TransactionID,
		Payload:       v.Payload,
		Timestamp:     timestamp,
		Environment:   environment,
	}
}
