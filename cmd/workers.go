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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
	"go.opentelemetry.io/otel"

	"github.com/purchasekit/purchasekit"
	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/internal/apierror"
	redis_db "github.com/purchasekit/purchasekit/internal/redis-db"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// orderCleanupTask is the task type for the scheduled sweep of expired
// orders. It rides the recovery queue.
const orderCleanupTask = "orders:cleanup"

// indexData represents the data structure used for indexing data into the
// search engine. It includes the collection name and the document payload.
type indexData struct {
	Collection string                 `json:"collection"`
	Payload    map[string]interface{} `json:"payload"`
}

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// processFinishRetry finishes a transaction whose inline finish failed.
// Retryable failures go back to the queue; a transaction that was settled in
// the meantime is a clean no-op.
func (b *purchasekitInstance) processFinishRetry(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("purchasekit.finish.worker").Start(ctx, "Process Finish Retry From Redis Queue")
	defer span.End()

	var payload purchasekit.FinishTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return err
	}

	if err := b.kit.FinishTransaction(ctx, payload.TransactionID, payload.ProductID); err != nil {
		if apierror.Retryable(err) {
			retryCount, _ := asynq.GetRetryCount(ctx)
			logrus.Infof("Finish for %s pushed back for retry due to error: %v (attempt %d)",
				payload.TransactionID, err, retryCount)
			return err
		}
		logrus.Errorf("Finish for %s failed permanently: %v", payload.TransactionID, err)
		return nil
	}

	log.Println(" [*] Transaction Finished", payload.TransactionID)
	return nil
}

// indexData indexes data into the search engine for searchability. It
// fetches the collection name and payload from the task, ensures the
// collections exist, and upserts the document.
func (b *purchasekitInstance) indexData(_ context.Context, t *asynq.Task) error {
	var data indexData

	if err := json.Unmarshal(t.Payload(), &data); err != nil {
		logrus.Error(err)
		return err
	}

	collection := data.Collection
	payload := data.Payload

	newSearch := purchasekit.NewTypesenseClient(b.cnf.TypeSenseKey, []string{b.cnf.TypeSense.Dns})
	err := newSearch.EnsureCollectionsExist(context.Background())
	if err != nil {
		log.Printf("Failed to ensure collections exist: %v", err)
		return err
	}

	err = newSearch.HandleNotification(context.Background(), collection, payload)
	if err != nil {
		log.Println("Error indexing data", err)
		return err
	}

	log.Println(" [*] Data indexed", collection)
	return nil
}

// processRecoveryRun starts a recovery pass from the schedule. A pass
// already running elsewhere is not an error; the schedule just fires again
// later.
func (b *purchasekitInstance) processRecoveryRun(ctx context.Context, _ *asynq.Task) error {
	result, err := b.kit.RecoverTransactions(ctx, nil)
	if err != nil {
		return err
	}

	if result.Status == purchasekit.RecoveryStatusAlreadyInProgress {
		log.Println(" [*] Recovery already in progress, skipping scheduled run")
		return nil
	}

	log.Println(" [*] Recovery run started", result.RecoveryID)
	return nil
}

// processOrderCleanup sweeps expired orders out of the open set.
func (b *purchasekitInstance) processOrderCleanup(ctx context.Context, _ *asynq.Task) error {
	swept, err := b.kit.GetDataSource().CleanupExpiredOrders(ctx)
	if err != nil {
		return err
	}

	if swept > 0 {
		log.Printf(" [*] Expired %d stale orders", swept)
	}
	return nil
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3
	queues[cfg.Queue.IndexQueue] = 1
	queues[cfg.Queue.RecoveryQueue] = 1

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.FinishQueue, i)
		queues[queueName] = 1
	}
	return queues
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency: 1,
			Queues:      queues,
		},
	), nil
}

func initializeTaskHandlers(b *purchasekitInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// Register handlers for the sharded finish queues. Finishes for the
	// same product always land in the same queue.
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.FinishQueue, i)
		mux.HandleFunc(queueName, b.processFinishRetry)
	}

	// Register handlers for other task types
	mux.HandleFunc(cfg.Queue.IndexQueue, b.indexData)
	mux.HandleFunc(cfg.Queue.WebhookQueue, purchasekit.ProcessWebhook)
	mux.HandleFunc(cfg.Queue.RecoveryQueue, b.processRecoveryRun)
	mux.HandleFunc(orderCleanupTask, b.processOrderCleanup)
}

// initializeScheduler wires the periodic recovery pass and the hourly sweep
// of expired orders.
func initializeScheduler(conf *config.Configuration) (*asynq.Scheduler, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		&asynq.SchedulerOpts{Location: time.UTC},
	)

	if _, err := scheduler.Register(conf.Recovery.ScheduleCron,
		asynq.NewTask(conf.Queue.RecoveryQueue, nil),
		asynq.Queue(conf.Queue.RecoveryQueue)); err != nil {
		return nil, fmt.Errorf("error scheduling recovery runs: %v", err)
	}

	if _, err := scheduler.Register("@every 1h",
		asynq.NewTask(orderCleanupTask, nil),
		asynq.Queue(conf.Queue.RecoveryQueue)); err != nil {
		return nil, fmt.Errorf("error scheduling order cleanup: %v", err)
	}

	return scheduler, nil
}

// workerCommands defines the "workers" command to start worker processes.
// The workers listen to the finish retry, webhook delivery, search indexing
// and recovery queues.
func workerCommands(b *purchasekitInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start purchasekit workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			// Load configuration
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			// Initialize observability (tracing and PostHog)
			phClient, shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}
			if phClient != nil {
				defer phClient.Close()
			}

			// Initialize queues
			queues := initializeQueues()

			// Initialize worker server
			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			// Initialize task handlers
			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Start the scheduler for recovery runs and order cleanup
			scheduler, err := initializeScheduler(conf)
			if err != nil {
				log.Fatal(err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					log.Fatalf("could not run scheduler: %v", err)
				}
			}()

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring", //  Optional: if you want to serve asynqmon under a sub-path.
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			// Start asynqmon HTTP server in a new goroutine
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			// Start worker server
			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
