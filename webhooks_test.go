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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/model"
)

func TestSendWebhook(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	mockConfig := &config.Configuration{
		Redis: config.RedisConfig{
			Dns: mr.Addr(),
		},
		Queue: config.QueueConfig{
			WebhookQueue: "webhook_queue",
		},
		Notification: config.Notification{Webhook: struct {
			Url     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}(struct {
			Url     string
			Headers map[string]string
		}{Url: "https:localhost:5001/webhook", Headers: nil})},
	}

	config.ConfigStore.Store(mockConfig)
	testData := NewWebhook{
		Event: EventPurchaseCompleted,
		Payload: &model.PurchaseResult{
			Outcome: model.OutcomeSuccess,
			Transaction: &model.Transaction{
				TransactionID: "txn_webhook_test",
				ProductID:     "com.example.coins100",
			},
		},
	}

	err = SendWebhook(testData)
	assert.NoError(t, err)

	// Verify that the task was enqueued
	tasks := mr.Keys()
	t.Log(tasks)
	assert.NotEmpty(t, tasks)
}

func TestSendWebhookNoURLConfigured(t *testing.T) {
	mockConfig := &config.Configuration{}
	config.ConfigStore.Store(mockConfig)

	err := SendWebhook(NewWebhook{Event: EventPurchaseFailed})
	assert.NoError(t, err)
}

func TestGetEventFromOutcome(t *testing.T) {
	assert.Equal(t, EventPurchaseCompleted, getEventFromOutcome(model.OutcomeSuccess))
	assert.Equal(t, EventPurchasePending, getEventFromOutcome(model.OutcomePending))
	assert.Equal(t, EventPurchaseCancelled, getEventFromOutcome(model.OutcomeCancelled))
	assert.Equal(t, EventPurchaseCancelled, getEventFromOutcome(model.OutcomeUserCancelled))
	assert.Equal(t, "purchase.unknown", getEventFromOutcome("something_else"))
}
