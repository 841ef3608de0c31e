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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/purchasekit/purchasekit"
	"github.com/purchasekit/purchasekit/config"
	"github.com/purchasekit/purchasekit/database"
	"github.com/purchasekit/purchasekit/internal/notification"
	"github.com/purchasekit/purchasekit/payment"
)

// PurchasekitCLI wraps the root Cobra command.
type PurchasekitCLI struct {
	cmd *cobra.Command
}

// purchasekitInstance holds the runtime instance and its configuration,
// shared by every subcommand.
type purchasekitInstance struct {
	kit *purchasekit.PurchaseKit
	cnf *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads configuration and initializes the instance before any
// subcommand runs.
func preRun(app *purchasekitInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("purchasekit.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newKit, err := setupPurchaseKit(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.kit = newKit
		app.cnf = cnf

		return nil
	}
}

// setupPurchaseKit connects the datasource and the payment adapter and wires
// a new instance from the configuration.
func setupPurchaseKit(cfg *config.Configuration) (*purchasekit.PurchaseKit, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	// The sandbox adapter is the only store backend that runs server-side;
	// production apps plug their platform adapter in through the library API.
	adapter := payment.NewSandboxAdapter(cfg.Purchase.BundleID)

	newKit, err := purchasekit.NewPurchaseKit(db, adapter)
	if err != nil {
		return nil, fmt.Errorf("error creating purchasekit: %v", err)
	}
	return newKit, nil
}

// NewCLI creates the command-line interface, with subcommands for the API
// server, the queue workers, migrations and backups.
func NewCLI() *PurchasekitCLI {
	var configFile string
	b := &purchasekitInstance{}

	var rootCmd = &cobra.Command{
		Use:   "purchasekit",
		Short: "In-app purchase orchestration service",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./purchasekit.json", "Configuration file for purchasekit")

	rootCmd.PersistentPreRunE = preRun(b)

	rootCmd.AddCommand(serverCommands(b))
	rootCmd.AddCommand(workerCommands(b))
	rootCmd.AddCommand(migrateCommands(b))
	rootCmd.AddCommand(backupCommands(b))
	rootCmd.AddCommand(configCommands())

	return &PurchasekitCLI{cmd: rootCmd}
}

func (w PurchasekitCLI) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
