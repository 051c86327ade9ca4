package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"krx-split-trader/internal/broker"
	"krx-split-trader/internal/config"
	"krx-split-trader/internal/execution"
	"krx-split-trader/internal/exit"
	"krx-split-trader/internal/fees"
	"krx-split-trader/internal/journal"
	"krx-split-trader/internal/metrics"
	"krx-split-trader/internal/notifier"
	"krx-split-trader/internal/position"
	"krx-split-trader/internal/state"
	"krx-split-trader/internal/trading"
	"krx-split-trader/internal/utils"
)

func main() {
	cfg := config.MustLoadConfig()
	logFile := utils.SetupLogging("krx-split-trader.log")
	defer logFile.Close()
	log.Println("Starting KRX split trader in mode:", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	repo, err := state.NewRepository(cfg.StateFile)
	if err != nil {
		log.Fatalf("Failed to open state file %s: %v", cfg.StateFile, err)
	}

	jrnl := buildJournal(cfg)
	defer jrnl.Close()

	var ntf notifier.Notifier = notifier.Noop{}
	if cfg.DiscordWebhook != "" {
		ntf = notifier.NewDiscordNotifier(cfg.DiscordWebhook, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	gateway, err := buildGateway(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize broker gateway: %v", err)
	}

	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr)
		log.Println("Metrics endpoint listening on", cfg.MetricsAddr)
	}

	calc := fees.NewDefault()
	tracker := execution.NewTracker(gateway, calc, cfg.Execution, cfg.Entry.MaxPriceRunUp)
	reconciler := execution.NewReconciler(gateway, repo, calc, ntf, jrnl, cfg.Execution, cfg.Entry)
	engine := exit.NewEngine(cfg.Exit, calc)
	ladder := position.NewLadder(cfg.Entry)

	orch := trading.NewOrchestrator(cfg, gateway, repo, tracker, reconciler, engine, ladder, calc, ntf, jrnl, watchlistSource(cfg.Symbols))

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Trading loop failed: %v", err)
	}
	log.Println("Shutdown complete")
}

// buildJournal returns the Postgres journal when a connection string is
// configured, and the in-memory fallback otherwise.
func buildJournal(cfg config.Config) journal.Journaler {
	if cfg.DBConnStr == "" {
		log.Println("No DB configured, journaling in memory only")
		return journal.NewMemory()
	}
	j, err := journal.NewPostgres(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		log.Printf("Failed to connect to Postgres, journaling in memory only: %v", err)
		return journal.NewMemory()
	}
	log.Println("Connected to Postgres journal")
	return j
}

func buildGateway(cfg config.Config) (broker.Gateway, error) {
	switch cfg.Mode {
	case "paper":
		return broker.NewPaper(cfg.BudgetPerSymbol * float64(len(cfg.Symbols))), nil
	case "live":
		if cfg.BrokerAppKey == "" || cfg.BrokerAppSecret == "" || cfg.BrokerAccount == "" {
			return nil, errors.New("live mode requires broker credentials (BROKER_APP_KEY, BROKER_APP_SECRET, BROKER_ACCOUNT)")
		}
		return broker.NewKIS(broker.KISConfig{
			BaseURL:   "https://openapi.koreainvestment.com:9443",
			AppKey:    cfg.BrokerAppKey,
			AppSecret: cfg.BrokerAppSecret,
			Account:   cfg.BrokerAccount,
		}), nil
	default:
		return nil, errors.New("unsupported mode: " + cfg.Mode)
	}
}

// watchlistSource is the simplest CandidateSource: every configured symbol
// is a standing buy candidate, and the entry ladder plus momentum checks
// decide whether anything actually gets bought. A scoring strategy plugs
// in here.
func watchlistSource(symbols []string) trading.CandidateSource {
	return candidateFunc(func(ctx context.Context) ([]trading.Signal, error) {
		sigs := make([]trading.Signal, 0, len(symbols))
		for _, s := range symbols {
			sigs = append(sigs, trading.Signal{StockCode: s, Action: trading.SignalBuy, Confidence: 1})
		}
		return sigs, nil
	})
}

type candidateFunc func(ctx context.Context) ([]trading.Signal, error)

func (f candidateFunc) Candidates(ctx context.Context) ([]trading.Signal, error) { return f(ctx) }
