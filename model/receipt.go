package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"howett.net/plist"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

// Receipt is the proof-of-purchase payload handed back by the store.
// Payload is base64 over either a JSON document or an Apple property list.
type Receipt struct {
	ProductID     string    `json:"product_id"`
	TransactionID string    `json:"transaction_id"`
	Payload       string    `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Environment   string    `json:"environment"`
}

// Hash generates a SHA-256 hash of the receipt's identifying fields.
// Two receipts with the same product, transaction and payload hash equal
// regardless of how the payload document orders its keys.
func (r *Receipt) Hash() string {
	return HashFields(r.ProductID, r.TransactionID, r.Payload, fmt.Sprintf("%d", r.Timestamp.Unix()))
}

// DecodePayload decodes the base64 payload and parses it as JSON, falling
// back to an Apple plist when the bytes are not a JSON document.
func (r *Receipt) DecodePayload() (map[string]interface{}, error) {
	raw, err := base64.StdEncoding.DecodeString(r.Payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("receipt payload is not valid base64: %w", err)
		}
	}

	doc := make(map[string]interface{})
	if jsonErr := json.Unmarshal(raw, &doc); jsonErr == nil {
		return doc, nil
	}

	if _, plistErr := plist.Unmarshal(raw, &doc); plistErr != nil {
		return nil, fmt.Errorf("receipt payload is neither JSON nor plist")
	}
	return doc, nil
}

// BundleID extracts the application bundle identifier from the decoded
// payload. Both the long form and the legacy Apple short form are accepted.
func (r *Receipt) BundleID() string {
	doc, err := r.DecodePayload()
	if err != nil {
		return ""
	}
	for _, key := range []string{"bundle_id", "bid"} {
		if v, ok := doc[key].(string); ok {
			return v
		}
	}
	return ""
}

// AppVersion extracts the application version from the decoded payload.
func (r *Receipt) AppVersion() string {
	doc, err := r.DecodePayload()
	if err != nil {
		return ""
	}
	for _, key := range []string{"app_version", "bvrs"} {
		if v, ok := doc[key].(string); ok {
			return v
		}
	}
	return ""
}

// EncodeReceiptPayload builds a base64 JSON payload. Test and sandbox helper.
func EncodeReceiptPayload(doc map[string]interface{}) string {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(doc)
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
