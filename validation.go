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

package purchasekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
	"github.com/purchasekit/purchasekit/internal/cache"
	"github.com/purchasekit/purchasekit/internal/files"
	"github.com/purchasekit/purchasekit/internal/request"
	"github.com/purchasekit/purchasekit/model"
)

// ReceiptValidator checks a receipt and reports whether it is genuine.
//
// Validate returns a result whenever a definitive verdict exists, including
// an invalid one. The error return is reserved for cases where no verdict
// could be produced at all: network failures, timeouts, or a validation
// service that rejected the request itself.
type ReceiptValidator interface {
	Validate(ctx context.Context, receipt *model.Receipt) (*model.ValidationResult, error)
	IsFormatValid(receipt *model.Receipt) bool
}

// NewReceiptValidator builds the validator for the configured mode.
func NewReceiptValidator(conf *config.Configuration) (ReceiptValidator, error) {
	switch conf.Validation.Mode {
	case config.ValidationModeLocal, "":
		return NewLocalValidator(), nil
	case config.ValidationModeRemote:
		return NewRemoteValidator()
	case config.ValidationModeHybrid:
		remote, err := NewRemoteValidator()
		if err != nil {
			return nil, err
		}
		return &HybridValidator{local: NewLocalValidator(), remote: remote}, nil
	default:
		return nil, apierror.NewAPIError(apierror.ErrConfiguration,
			fmt.Sprintf("unknown validation mode: %s", conf.Validation.Mode), nil)
	}
}

// receiptFormatValid is the cheap structural pre-check shared by every
// validator: identifying fields present, payload decodable, timestamp set.
func receiptFormatValid(receipt *model.Receipt) bool {
	if receipt == nil {
		return false
	}
	if receipt.ProductID == "" || receipt.TransactionID == "" || receipt.Payload == "" {
		return false
	}
	if receipt.Timestamp.IsZero() {
		return false
	}
	if _, err := receipt.DecodePayload(); err != nil {
		return false
	}
	return true
}

func invalidResult(receipt *model.Receipt, source, message string) *model.ValidationResult {
	result := &model.ValidationResult{
		Valid:          false,
		Source:         source,
		FailureCode:    string(apierror.ErrValidationFailed),
		FailureMessage: message,
		ValidatedAt:    time.Now(),
	}
	if receipt != nil {
		result.ProductID = receipt.ProductID
		result.TransactionID = receipt.TransactionID
		result.Environment = receipt.Environment
	}
	return result
}

// LocalValidator checks receipts on-device with no network round trip. It
// can catch malformed payloads and receipts issued for another app, but it
// cannot detect a forged payload, which is why remote and hybrid modes are
// the strict ones.
type LocalValidator struct{}

func NewLocalValidator() *LocalValidator {
	return &LocalValidator{}
}

func (v *LocalValidator) IsFormatValid(receipt *model.Receipt) bool {
	return receiptFormatValid(receipt)
}

func (v *LocalValidator) Validate(ctx context.Context, receipt *model.Receipt) (*model.ValidationResult, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	if !v.IsFormatValid(receipt) {
		return invalidResult(receipt, model.ValidationSourceLocal, "receipt payload is malformed"), nil
	}

	if conf.Purchase.BundleID != "" && receipt.BundleID() != conf.Purchase.BundleID {
		return invalidResult(receipt, model.ValidationSourceLocal,
			fmt.Sprintf("receipt was issued for bundle '%s'", receipt.BundleID())), nil
	}

	if version := receipt.AppVersion(); conf.Purchase.AppVersion != "" && version != "" && version != conf.Purchase.AppVersion {
		logrus.Warnf("receipt %s was issued for app version %s, current version is %s",
			receipt.TransactionID, version, conf.Purchase.AppVersion)
	}

	if receipt.Timestamp.After(time.Now().Add(conf.Purchase.MaxClockSkew())) {
		return invalidResult(receipt, model.ValidationSourceLocal, "receipt is dated in the future"), nil
	}

	return &model.ValidationResult{
		Valid:         true,
		ProductID:     receipt.ProductID,
		TransactionID: receipt.TransactionID,
		Environment:   receipt.Environment,
		Source:        model.ValidationSourceLocal,
		ValidatedAt:   time.Now(),
	}, nil
}

// remoteValidationResponse is the wire shape of the validation endpoint's
// answer. Status carries the provider's own rejection code when the receipt
// is judged invalid.
type remoteValidationResponse struct {
	Valid                 bool   `json:"valid"`
	Status                int    `json:"status"`
	Message               string `json:"message"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Environment           string `json:"environment"`
	ExpiresAt             int64  `json:"expires_at"`
	IsRenewable           bool   `json:"is_renewable"`
}

// RemoteValidator forwards receipts to the validation endpoint and caches
// positive verdicts by receipt hash. Negative verdicts are never cached; a
// provider hiccup must not brand a receipt invalid for the cache TTL.
type RemoteValidator struct {
	cache cache.Cache
}

func NewRemoteValidator() (*RemoteValidator, error) {
	resultCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	return &RemoteValidator{cache: resultCache}, nil
}

func (v *RemoteValidator) IsFormatValid(receipt *model.Receipt) bool {
	return receiptFormatValid(receipt)
}

func (v *RemoteValidator) Validate(ctx context.Context, receipt *model.Receipt) (*model.ValidationResult, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	if !v.IsFormatValid(receipt) {
		return invalidResult(receipt, model.ValidationSourceRemote, "receipt payload is malformed"), nil
	}

	cacheKey := fmt.Sprintf("receipt:validation:%s", receipt.Hash())
	var cached model.ValidationResult
	if err := v.cache.Get(ctx, cacheKey, &cached); err == nil && cached.Valid {
		cached.Source = model.ValidationSourceCache
		return &cached, nil
	}

	result, err := v.callEndpoint(ctx, conf, receipt)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		if err := v.cache.Set(ctx, cacheKey, result, conf.Cache.ValidationTTL()); err != nil {
			logrus.Warnf("failed to cache validation result for %s: %v", receipt.TransactionID, err)
		}
	}
	return result, nil
}

func (v *RemoteValidator) callEndpoint(ctx context.Context, conf *config.Configuration, receipt *model.Receipt) (*model.ValidationResult, error) {
	requestCtx, cancel := context.WithTimeout(ctx, conf.Validation.Timeout())
	defer cancel()

	payload, err := request.ToJsonReq(map[string]interface{}{
		"product_id":     receipt.ProductID,
		"transaction_id": receipt.TransactionID,
		"payload":        receipt.Payload,
		"environment":    receipt.Environment,
		"timestamp":      receipt.Timestamp.Unix(),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, conf.Validation.EndpointURL, payload)
	if err != nil {
		return nil, err
	}
	if conf.Validation.SharedSecret != "" {
		req.Header.Set("X-Purchasekit-Secret", conf.Validation.SharedSecret)
	}

	var response remoteValidationResponse
	resp, err := request.Call(req, &response)
	if resp == nil {
		return nil, classifyTransportError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.Error(err)
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apierror.NewAPIError(apierror.ErrPermissionDenied,
			"validation endpoint rejected the shared secret", nil)
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, apierror.NewAPIError(apierror.ErrTimeout, "validation endpoint timed out", nil)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, apierror.NewServerRejected(resp.StatusCode, "validation endpoint is unavailable")
	case resp.StatusCode != http.StatusOK:
		return nil, apierror.NewUnknown(fmt.Errorf("validation endpoint returned %d", resp.StatusCode))
	}
	if err != nil {
		// 200 with a body we could not decode.
		return nil, apierror.NewUnknown(err)
	}

	if !response.Valid {
		message := response.Message
		if message == "" {
			message = "validation service judged the receipt invalid"
		}
		result := invalidResult(receipt, model.ValidationSourceRemote,
			fmt.Sprintf("%s (status %d)", message, response.Status))
		return result, nil
	}

	result := &model.ValidationResult{
		Valid:                 true,
		ProductID:             receipt.ProductID,
		TransactionID:         receipt.TransactionID,
		OriginalTransactionID: response.OriginalTransactionID,
		Environment:           response.Environment,
		IsRenewable:           response.IsRenewable,
		Source:                model.ValidationSourceRemote,
		ValidatedAt:           time.Now(),
	}
	if result.Environment == "" {
		result.Environment = receipt.Environment
	}
	if response.ExpiresAt > 0 {
		expiresAt := time.Unix(response.ExpiresAt, 0)
		result.ExpiresAt = &expiresAt
	}
	return result, nil
}

// classifyTransportError maps a failed HTTP round trip onto the error
// taxonomy so retry decisions upstream stay uniform.
func classifyTransportError(err error) error {
	if err == nil {
		return apierror.NewUnknown(errors.New("validation request failed without a response"))
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return apierror.NewAPIError(apierror.ErrTimeout, "receipt validation timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apierror.NewAPIError(apierror.ErrTimeout, "receipt validation timed out", err)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return apierror.NewAPIError(apierror.ErrNetwork, "could not reach the validation endpoint", err)
	}

	return apierror.NewUnknown(err)
}

// HybridValidator runs the local checks first and only escalates receipts
// the local pass rejected. A receipt that already passed locally is never
// re-validated remotely.
type HybridValidator struct {
	local  *LocalValidator
	remote *RemoteValidator
}

func (v *HybridValidator) IsFormatValid(receipt *model.Receipt) bool {
	return receiptFormatValid(receipt)
}

func (v *HybridValidator) Validate(ctx context.Context, receipt *model.Receipt) (*model.ValidationResult, error) {
	localResult, err := v.local.Validate(ctx, receipt)
	if err != nil {
		return nil, err
	}
	if localResult.Valid {
		return localResult, nil
	}

	logrus.Infof("receipt %s failed local validation (%s), escalating to remote",
		receipt.TransactionID, localResult.FailureMessage)
	return v.remote.Validate(ctx, receipt)
}

// ValidateReceipt runs a single receipt through the configured validator.
func (l *PurchaseKit) ValidateReceipt(ctx context.Context, receipt *model.Receipt) (*model.ValidationResult, error) {
	return l.validator.Validate(ctx, receipt)
}

// ValidateReceipts validates a batch concurrently. Both slices are indexed
// like the input; a receipt that produced no verdict has a nil result and
// its own error in the matching error slot, and never fails the batch.
func (l *PurchaseKit) ValidateReceipts(ctx context.Context, receipts []*model.Receipt) ([]*model.ValidationResult, []error) {
	conf, err := config.Fetch()
	if err != nil {
		errs := make([]error, len(receipts))
		for i := range errs {
			errs[i] = err
		}
		return make([]*model.ValidationResult, len(receipts)), errs
	}

	results := make([]*model.ValidationResult, len(receipts))
	errs := make([]error, len(receipts))

	workers := conf.Recovery.Workers()
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, receipt := range receipts {
		wg.Add(1)
		sem <- struct{}{}
		go func(slot int, receipt *model.Receipt) {
			defer wg.Done()
			defer func() { <-sem }()
			results[slot], errs[slot] = l.validator.Validate(ctx, receipt)
		}(i, receipt)
	}
	wg.Wait()

	return results, errs
}

// ReceiptImport reports the outcome of one uploaded receipt batch. Failures
// maps row index to error message for rows that produced no verdict.
type ReceiptImport struct {
	ImportID string                    `json:"import_id"`
	Total    int                       `json:"total"`
	Results  []*model.ValidationResult `json:"results"`
	Failures map[int]string            `json:"failures,omitempty"`
}

// ImportReceipts parses an uploaded CSV or JSON receipt file and validates
// every parsed row as one batch.
func (l *PurchaseKit) ImportReceipts(ctx context.Context, environment string, reader io.Reader, filename string) (*ReceiptImport, error) {
	var receipts []*model.Receipt
	importID, total, err := files.ImportReceiptData(ctx, environment, reader, filename,
		func(ctx context.Context, importID string, receipt model.Receipt) error {
			parsed := receipt
			receipts = append(receipts, &parsed)
			return nil
		})
	if err != nil {
		if total == 0 {
			return nil, err
		}
		// Partial parses still validate the rows that made it through.
		logrus.Warnf("receipt import %s parsed with errors: %v", importID, err)
	}

	results, errs := l.ValidateReceipts(ctx, receipts)
	importReport := &ReceiptImport{
		ImportID: importID,
		Total:    total,
		Results:  results,
	}
	for i, validationErr := range errs {
		if validationErr == nil {
			continue
		}
		if importReport.Failures == nil {
			importReport.Failures = make(map[int]string)
		}
		importReport.Failures[i] = validationErr.Error()
	}
	return importReport, nil
}
