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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/purchasekit/purchasekit/config"
	redis_db "github.com/purchasekit/purchasekit/internal/redis-db"

	"github.com/hibiken/asynq"
)

// Queue represents a queue for handling various tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// FinishTaskPayload is the payload for an out-of-band transaction finish.
type FinishTaskPayload struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// queueIndexData enqueues a task to index data in a specified collection.
func (q *Queue) queueIndexData(id string, collection string, data interface{}) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	if cfg.TypeSense.Dns == "" {
		return nil
	}

	payload := map[string]interface{}{
		"collection": collection,
		"payload":    data,
	}

	IPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{asynq.Queue(cfg.Queue.IndexQueue)}
	task := asynq.NewTask(cfg.Queue.IndexQueue, IPayload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued index data: %+v", id)
	return nil
}

// queueFinishRetry enqueues an out-of-band finish for a transaction whose
// synchronous finish failed. The task ID is the transaction ID, so a finish
// that is already waiting is never queued twice.
func (q *Queue) queueFinishRetry(transactionID string, productID string, delay time.Duration) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	IPayload, err := json.Marshal(FinishTaskPayload{TransactionID: transactionID, ProductID: productID})
	if err != nil {
		return err
	}

	queueName := q.finishQueueFor(cfg, productID)
	taskOptions := []asynq.Option{
		asynq.TaskID(transactionID),
		asynq.Queue(queueName),
		asynq.MaxRetry(5),
	}
	if delay > 0 {
		taskOptions = append(taskOptions, asynq.ProcessIn(delay))
	}
	task := asynq.NewTask(queueName, IPayload, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued finish retry: %+v", transactionID)
	return nil
}

// ScheduleRecoveryRun enqueues a recovery run for the worker binary. The
// fixed task ID collapses overlapping schedules into a single waiting run.
func (q *Queue) ScheduleRecoveryRun() error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}

	taskOptions := []asynq.Option{
		asynq.TaskID("recovery:run"),
		asynq.Queue(cfg.Queue.RecoveryQueue),
		asynq.MaxRetry(5),
	}
	task := asynq.NewTask(cfg.Queue.RecoveryQueue, nil, taskOptions...)
	info, err := q.Client.Enqueue(task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// finishQueueFor assigns a finish task to a specific queue based on the product ID.
// It ensures that finish retries are evenly distributed across multiple queues by
// hashing the product ID. All finishes for the same product land in the same queue
// and are processed serially, keeping their store-side ordering intact.
func (q *Queue) finishQueueFor(cnf *config.Configuration, productID string) string {
	queueIndex := hashProductID(productID) % cnf.Queue.NumberOfQueues
	return fmt.Sprintf("%s_%d", cnf.Queue.FinishQueue, queueIndex+1)
}

// hashProductID returns a consistent hash value for a string product ID.
func hashProductID(productID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(productID))
	return int(hasher.Sum32())
}

// GetFinishTaskFromQueue retrieves a waiting finish task by its transaction ID.
func (q *Queue) GetFinishTaskFromQueue(transactionID string) (*FinishTaskPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	// Iterate over all specific finish queues
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.FinishQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, transactionID)
		if err == nil && task != nil {
			var payload FinishTaskPayload
			if err := json.Unmarshal(task.Payload, &payload); err != nil {
				return nil, err
			}
			return &payload, nil
		}
	}
	return nil, nil // Return nil if the finish task is not found in any queue
}
