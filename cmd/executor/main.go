package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/cmorris/tradeforge/internal/adapters"
	"github.com/cmorris/tradeforge/internal/approval"
	"github.com/cmorris/tradeforge/internal/config"
	"github.com/cmorris/tradeforge/internal/killswitch"
	"github.com/cmorris/tradeforge/internal/ledger"
	"github.com/cmorris/tradeforge/internal/observ"
	"github.com/cmorris/tradeforge/internal/orchestrator"
	"github.com/cmorris/tradeforge/internal/pnl"
	"github.com/cmorris/tradeforge/internal/rebalance"
	"github.com/cmorris/tradeforge/internal/retry"
	"github.com/cmorris/tradeforge/internal/risk"
	"github.com/cmorris/tradeforge/internal/transport"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}

	// Environment overrides for secrets and deployment mode.
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		cfg.Execution.Mode = v
	}
	if v := os.Getenv("APPROVAL_WEBHOOK_URL"); v != "" {
		cfg.Approval.WebhookURL = v
	}
	if v := os.Getenv("APPROVAL_SIGNING_SECRET"); v != "" {
		cfg.Approval.SigningSecret = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Persistence.PostgresDSN = v
	}

	kill := killswitch.New(cfg.SentinelPath)
	stopSignals := kill.Bind()
	defer stopSignals()

	auditor, err := ledger.NewAuditor(cfg.Persistence.AuditPath)
	if err != nil {
		log.Fatalf("open audit trail: %v", err)
	}
	kill.OnTrip(func(reason string) {
		if err := auditor.Flush(); err != nil {
			observ.LogError("audit_flush_failed", err, nil)
		}
	})

	var store ledger.PositionStore
	switch cfg.Persistence.Driver {
	case "postgres":
		store, err = ledger.NewPGStore(cfg.Persistence.PostgresDSN)
	default:
		store, err = ledger.NewFileStore(cfg.Persistence.PositionsPath)
	}
	if err != nil {
		log.Fatalf("open position store: %v", err)
	}

	policy := retry.FromConfig(cfg.Retry)
	riskMgr := risk.NewManager(cfg.Risk, kill, auditor)

	notifier := approval.NewWebhookNotifier(cfg.Approval, policy)
	defer notifier.Close()
	gate := approval.NewGate(notifier, time.Duration(cfg.Approval.TimeoutSeconds)*time.Second, auditor)

	quotes := adapters.NewCachedQuoteService(
		adapters.NewHTTPQuoteService(cfg.Quotes, policy),
		5*time.Second,
	)

	var backend adapters.ExecutionBackend
	if cfg.Execution.Mode == "live" {
		backend = adapters.NewHTTPBackend(cfg.Execution, policy)
	} else {
		backend, err = adapters.NewPaperBackend(cfg.Execution.JournalPath, time.Minute)
		if err != nil {
			log.Fatalf("open paper journal: %v", err)
		}
	}

	tracker := pnl.NewTracker()
	orch := orchestrator.New(cfg.Approval, riskMgr, gate, quotes, backend, store, tracker, kill, auditor)

	recovered, err := orch.Recover(context.Background())
	if err != nil {
		log.Fatalf("recover open positions: %v", err)
	}
	observ.Log("executor_started", map[string]any{
		"mode":                cfg.Execution.Mode,
		"persistence":         cfg.Persistence.Driver,
		"recovered_positions": recovered,
	})

	engine := rebalance.NewEngine(cfg.Rebalance)
	monitor := rebalance.NewMonitor(cfg.Rebalance, engine, store, orch, orch, auditor)
	go monitor.Run(kill.Context())

	srv := transport.NewServer(cfg.Server, cfg.Approval, orch, gate, riskMgr, kill)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			observ.LogError("http_server_stopped", err, nil)
			kill.Trip("server_error")
		}
	}()

	<-kill.Context().Done()
	_, reason := kill.Halted()
	observ.Log("executor_stopping", map[string]any{"reason": reason})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observ.LogError("http_shutdown_failed", err, nil)
	}
	if err := store.Close(); err != nil {
		observ.LogError("store_close_failed", err, nil)
	}
	if err := auditor.Close(); err != nil {
		observ.LogError("audit_close_failed", err, nil)
	}
}
