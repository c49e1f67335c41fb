package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/qubic/go-court/api"
	"github.com/qubic/go-court/business/domain/access"
	"github.com/qubic/go-court/business/domain/court"
	"github.com/qubic/go-court/business/domain/escrow"
	"github.com/qubic/go-court/business/domain/events"
	"github.com/qubic/go-court/business/domain/subscription"
	"github.com/qubic/go-court/business/domain/token"
	"github.com/qubic/go-court/entities"
	"github.com/qubic/go-court/external/controller"
	"github.com/qubic/go-court/external/kafka"
	"github.com/qubic/go-court/infrastructure/store/pebbledb"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const prefix = "QUBIC_COURT"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		InternalStoreFolder string        `conf:"default:store"`
		ServerListenAddr    string        `conf:"default:0.0.0.0:8000"`
		GrpcListenAddr      string        `conf:"default:0.0.0.0:8001"`
		MetricsNamespace    string        `conf:"default:qubic_court"`
		StatusCacheTtl      time.Duration `conf:"default:2s"`
		Court               struct {
			FirstTermStartTime     uint64 `conf:"default:1735689600"`
			TermDuration           uint64 `conf:"default:86400"`
			JurorFee               uint64 `conf:"default:10"`
			DraftFee               uint64 `conf:"default:30"`
			SettleFee              uint64 `conf:"default:40"`
			FirstRoundJurorsNumber uint64 `conf:"default:5"`
			EvidenceTerms          uint64 `conf:"default:3"`
			MaxTransitionsPerCall  uint64 `conf:"default:10"`
			MaxRulingOptions       uint8  `conf:"default:5"`
		}
		Accounts struct {
			Controller         string   `conf:"default:controller"`
			Escrow             string   `conf:"default:court-escrow"`
			Treasury           string   `conf:"default:court-treasury"`
			GenesisBalances    []string `conf:"optional"`
			SubscribedSubjects []string `conf:"optional"`
		}
		Auth struct {
			JwtSecret string `conf:"noprint"`
		}
		RateLimit struct {
			RequestsPerSecond float64       `conf:"default:20"`
			Burst             int           `conf:"default:40"`
			IdleTtl           time.Duration `conf:"default:10m"`
		}
		Kafka struct {
			Enabled          bool          `conf:"default:true"`
			BootstrapServers []string      `conf:"default:localhost:9092"`
			EventTopic       string        `conf:"default:qubic-court-events"`
			DeliveryTimeout  time.Duration `conf:"default:30s"`
			BatchSize        int           `conf:"default:100"`
			MinRetryDelay    time.Duration `conf:"default:500ms"`
			MaxRetryDelay    time.Duration `conf:"default:30s"`
		}
	}

	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %v", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %v", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %v", err)
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %v", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	if cfg.Auth.JwtSecret == "" {
		return errors.New("no controller jwt secret configured")
	}

	store, err := pebbledb.NewLedgerStore(cfg.InternalStoreFolder)
	if err != nil {
		return fmt.Errorf("creating ledger store: %v", err)
	}
	defer store.Close()

	records, err := store.LoadEvents()
	if err != nil {
		return fmt.Errorf("loading event log: %v", err)
	}
	eventLog, err := events.NewPersistentLog(store, records)
	if err != nil {
		return fmt.Errorf("restoring event log: %v", err)
	}

	var forwarder *events.Forwarder
	if cfg.Kafka.Enabled {
		kprom := kprom.NewMetrics(cfg.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(kprom),
			kgo.DefaultProduceTopic(cfg.Kafka.EventTopic),
			kgo.SeedBrokers(cfg.Kafka.BootstrapServers...),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
			kgo.RecordDeliveryTimeout(cfg.Kafka.DeliveryTimeout),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		forwarder = events.NewForwarder(eventLog, kafka.NewProducer(kcl, sLogger), store, events.ForwarderConfig{
			BatchSize:      cfg.Kafka.BatchSize,
			AttemptTimeout: cfg.Kafka.DeliveryTimeout,
			MinRetryDelay:  cfg.Kafka.MinRetryDelay,
			MaxRetryDelay:  cfg.Kafka.MaxRetryDelay,
		}, events.NewForwarderMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace), sLogger)
	} else {
		log.Printf("main: Kafka publishing disabled, events are only kept in the local event log.")
	}

	snapshot, err := store.LoadTokens()
	if err != nil {
		return fmt.Errorf("loading token balances: %v", err)
	}
	tokens := token.NewPersistentLedger(store, snapshot)
	minted, err := mintGenesis(tokens, cfg.Accounts.GenesisBalances)
	if err != nil {
		return fmt.Errorf("minting genesis balances: %v", err)
	}
	if !minted {
		log.Printf("main: Restored token balances from store, genesis balances ignored.")
	}
	registry := subscription.NewRegistry(toAddresses(cfg.Accounts.SubscribedSubjects)...)
	gate := access.NewGate(entities.Address(cfg.Accounts.Controller), registry)
	escrowAccount := entities.Address(cfg.Accounts.Escrow)
	deposits := escrow.NewAdapter(escrow.NewTokenTreasury(tokens, escrowAccount, entities.Address(cfg.Accounts.Treasury)))

	courtConfig := court.Config{
		FirstTermStartTime:     cfg.Court.FirstTermStartTime,
		TermDuration:           cfg.Court.TermDuration,
		JurorFee:               cfg.Court.JurorFee,
		DraftFee:               cfg.Court.DraftFee,
		SettleFee:              cfg.Court.SettleFee,
		FirstRoundJurorsNumber: cfg.Court.FirstRoundJurorsNumber,
		EvidenceTerms:          cfg.Court.EvidenceTerms,
		MaxTransitionsPerCall:  cfg.Court.MaxTransitionsPerCall,
		MaxRulingOptions:       cfg.Court.MaxRulingOptions,
	}
	metrics := court.NewMetrics(prometheus.DefaultRegisterer, cfg.MetricsNamespace)
	ledger, err := court.NewCourt(courtConfig, gate, deposits, store, eventLog, metrics, sLogger)
	if err != nil {
		return fmt.Errorf("creating court: %v", err)
	}

	statusCache := api.NewStatusTTLCache(cfg.StatusCacheTtl)
	go statusCache.Start()
	defer statusCache.Stop()

	handler := api.NewHandler(ledger, api.NewStatusCache(ledger, statusCache), tokens, escrowAccount,
		controller.NewVerifier(cfg.Auth.JwtSecret), eventLog,
		api.NewKeyLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTtl),
		time.Now, sLogger)
	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: cfg.ServerListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %v", cfg.GrpcListenAddr, err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	g, ctx := errgroup.WithContext(context.Background())
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if forwarder != nil {
		g.Go(func() error {
			return forwarder.Run(runCtx)
		})
	}
	g.Go(func() error {
		log.Printf("main: Starting http server on [%s].", cfg.ServerListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serving http")
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("main: Starting grpc health server on [%s].", cfg.GrpcListenAddr)
		return errors.Wrap(grpcServer.Serve(lis), "serving grpc")
	})
	g.Go(func() error {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
		case <-ctx.Done():
		}
		stop()
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		grpcServer.GracefulStop()
		return httpServer.Shutdown(shutdownCtx)
	})

	log.Println("main: Service started.")
	return g.Wait()
}
