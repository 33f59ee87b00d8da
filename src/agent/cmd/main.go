// SPDX-License-Identifier: GPL-2.0 OR BSD-3-Clause
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/flowguard/flowguard/src/agent/pkg/api"
	"github.com/flowguard/flowguard/src/agent/pkg/audit"
	"github.com/flowguard/flowguard/src/agent/pkg/conntrack"
	"github.com/flowguard/flowguard/src/agent/pkg/enforce"
	"github.com/flowguard/flowguard/src/agent/pkg/engine"
	"github.com/flowguard/flowguard/src/agent/pkg/metrics"
	"github.com/flowguard/flowguard/src/agent/pkg/rule"
	"github.com/flowguard/flowguard/src/agent/pkg/storage"
	"github.com/flowguard/flowguard/src/agent/pkg/version"
)

var (
	logLevel       string
	statsInterval  int
	enableAPI      bool
	apiHost        string
	apiPort        int
	dbPath         string
	defaultAction  string
	connCapacity   int
	connTimeout    int
	sweepInterval  int
	auditRingSize  int
	enableAuditLog bool
)

var rootCmd = &cobra.Command{
	Use:   "flowguard-agent",
	Short: "Stateful network policy enforcement agent",
	Long:  `A policy enforcement agent that evaluates flows against versioned, canary-deployed rule sets across network, application and identity context`,
	Run:   runAgent,
}

func init() {
	rootCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().IntVarP(&statsInterval, "stats-interval", "s", 30, "Statistics print interval in seconds")
	rootCmd.Flags().BoolVarP(&enableAPI, "enable-api", "a", true, "Enable REST API server")
	rootCmd.Flags().StringVar(&apiHost, "api-host", "127.0.0.1", "API server host")
	rootCmd.Flags().IntVar(&apiPort, "api-port", 8080, "API server port")
	rootCmd.Flags().StringVar(&dbPath, "db", "flowguard.db", "Policy database path (empty disables persistence)")
	rootCmd.Flags().StringVar(&defaultAction, "default-action", "DROP", "Decision when no rule matches (DROP or REJECT)")
	rootCmd.Flags().IntVar(&connCapacity, "conn-capacity", 100000, "Connection table capacity")
	rootCmd.Flags().IntVar(&connTimeout, "conn-timeout", 3600, "Default connection timeout in seconds")
	rootCmd.Flags().IntVar(&sweepInterval, "sweep-interval", 60, "Connection expiry sweep interval in seconds")
	rootCmd.Flags().IntVar(&auditRingSize, "audit-ring", 4096, "In-memory audit event ring size")
	rootCmd.Flags().BoolVar(&enableAuditLog, "audit-log", true, "Mirror audit events to the structured log")
}

func runAgent(cmd *cobra.Command, args []string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	log.Info("Starting flowguard agent")

	// Version manager, rehydrated from storage when configured.
	versions := version.NewManager()
	var store storage.Storage
	if dbPath != "" {
		sqlStore, err := storage.NewSQLiteStorage(dbPath)
		if err != nil {
			log.Fatalf("Failed to open policy storage: %v", err)
		}
		defer sqlStore.Close()
		store = sqlStore

		restored, err := sqlStore.Restore(versions)
		if err != nil {
			log.Fatalf("Failed to restore policy versions: %v", err)
		}
		if restored > 0 {
			log.Infof("✓ Restored %d policy versions", restored)
		}
	}

	// Connection table with background expiry sweep.
	ctCfg := conntrack.DefaultConfig()
	ctCfg.Capacity = connCapacity
	ctCfg.DefaultTimeoutSeconds = uint32(connTimeout)
	ctCfg.SweepInterval = time.Duration(sweepInterval) * time.Second
	table := conntrack.New(ctCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go table.Run(ctx)

	log.Info("✓ Connection table initialized")

	// Audit pipeline: bounded ring for API queries, optional mirror to
	// the structured log.
	ring := audit.NewRingSink(auditRingSize)
	sinks := []audit.Sink{ring}
	if enableAuditLog {
		sinks = append(sinks, audit.LogSink{})
	}
	emitter := audit.NewEmitter(sinks...)

	m := metrics.New(func() float64 { return float64(table.Len()) })

	engCfg := engine.DefaultConfig()
	switch defaultAction {
	case "DROP", "":
	case "REJECT":
		engCfg.DefaultDecision = rule.DecisionReject
	default:
		log.Fatalf("Invalid default action %q (DROP or REJECT)", defaultAction)
	}

	eng := engine.New(engCfg, versions, table, enforce.NewEnforcer(), nil, emitter, m)

	log.Info("✓ Evaluation engine initialized")

	// Start API server if enabled.
	var apiServer *api.Server
	if enableAPI {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = apiHost
		apiConfig.Port = apiPort
		apiConfig.LogLevel = logLevel

		apiServer, err = api.NewAPIServer(apiConfig, eng, versions, store, ring, m)
		if err != nil {
			log.Fatalf("Failed to create API server: %v", err)
		}

		if err := apiServer.Start(); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}

		log.Infof("✓ API server started on http://%s:%d", apiHost, apiPort)
	}

	// Print statistics periodically.
	ticker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			stats := eng.Statistics()
			log.Info("=== Statistics ===")
			log.Infof("  Evaluations:      %d", stats.Evaluations)
			log.Infof("  Fast-path hits:   %d", stats.FastPathHits)
			log.Infof("  Passed:           %d", stats.Decisions[string(rule.DecisionPass)])
			log.Infof("  Dropped:          %d", stats.Decisions[string(rule.DecisionDrop)])
			log.Infof("  Active sessions:  %d", stats.Conntrack.ActiveEntries)
			log.Infof("  Errors:           %d", stats.Errors)
		}
	}()

	// Wait for interrupt signal.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Info("✓ Agent running. Press Ctrl+C to exit")

	<-sig
	log.Info("Shutting down...")

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			log.Errorf("Error stopping API server: %v", err)
		}
	}
	cancel()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
