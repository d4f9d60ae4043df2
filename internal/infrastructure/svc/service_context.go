package svc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"autotrade/internal/application/pipeline"
	"autotrade/internal/application/port"
	"autotrade/internal/domain/service"
	"autotrade/internal/infrastructure/apiclient"
	"autotrade/internal/infrastructure/auth"
	"autotrade/internal/infrastructure/config"
	"autotrade/internal/infrastructure/exchange/kis"
	"autotrade/internal/infrastructure/feed"
	"autotrade/internal/infrastructure/metrics"
	"autotrade/internal/infrastructure/ratelimit"
	"autotrade/internal/infrastructure/storage"
	"autotrade/internal/infrastructure/storage/composite"
	postgresrepo "autotrade/internal/infrastructure/storage/postgres"
	redisrepo "autotrade/internal/infrastructure/storage/redis"
	sqliterepo "autotrade/internal/infrastructure/storage/sqlite"
	"autotrade/internal/interfaces/console"
	"autotrade/internal/strategy"
)

// ServiceContext builds and owns every runtime component. It is the only
// place where infrastructure gets wired to the pipeline.
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	Metrics  *metrics.Recorder
	Client   *apiclient.Client
	Broker   *kis.Adapter
	Tokens   *auth.TokenManager
	Pipeline *pipeline.Pipeline
	Feed     *feed.Manager
	Memory   *storage.Memory

	journals      []port.Journal
	tokenStore    auth.Store
	metricsServer *http.Server

	closerChain []func() error
}

// New wires the system from cfg. Nothing touches the network except the
// storage backends' connectivity checks.
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		Metrics:     metrics.New(),
		closerChain: make([]func() error, 0),
	}
	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents goes bottom-up so that no component sees a nil dependency.
func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}
	if err := sc.initBroker(); err != nil {
		return err
	}
	strategies, err := buildStrategies(sc.Config)
	if err != nil {
		return err
	}
	if len(strategies) == 0 {
		return ErrNoStrategies
	}
	sc.initPipeline(strategies)
	if err := sc.initFeed(); err != nil {
		return err
	}
	if addr := sc.Config.App.MetricsAddr; addr != "" {
		sc.metricsServer = sc.Metrics.Serve(addr)
		sc.closerChain = append(sc.closerChain, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return sc.metricsServer.Shutdown(ctx)
		})
	}

	log.Info().
		Str("mode", sc.Config.App.Mode).
		Int("strategies", len(strategies)).
		Int("journals", len(sc.journals)).
		Int("instruments", len(sc.Config.Feed.Instruments)).
		Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) initBroker() error {
	cfg := sc.Config
	kcfg := kis.Config{
		Mode:        cfg.App.Mode,
		AppKey:      cfg.Broker.AppKey,
		AppSecret:   cfg.Broker.AppSecret,
		Account:     cfg.Broker.Account,
		ProductCode: cfg.Broker.ProductCode,
	}
	baseURL := cfg.Broker.RESTURL
	if baseURL == "" {
		baseURL = kcfg.RESTURL()
	}

	limiter, err := ratelimit.New(cfg.RateLimit.MaxCalls, cfg.RatePeriod(),
		ratelimit.WithOnWait(sc.Metrics.ObserveRateWait))
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	initial, maxDelay := cfg.RetryDelays()
	client := apiclient.New(apiclient.Config{
		BaseURL: baseURL,
		Timeout: time.Duration(cfg.Broker.TimeoutSec) * time.Second,
		Retry: apiclient.RetryConfig{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
		},
		StaticHeaders: kis.Headers(kcfg),
	}, limiter, apiclient.NewHMACSigner(cfg.Broker.AppSecret), apiclient.WithObserver(sc.Metrics))

	adapter := kis.New(kcfg, client)
	if sc.tokenStore == nil {
		sc.tokenStore = auth.NewFileStore(filepath.Join(cfg.Token.CacheDir, "token-"+cfg.App.Mode+".json"))
	}
	tokens := auth.NewTokenManager(adapter, cfg.TokenMargin(),
		auth.WithStore(sc.tokenStore),
		auth.WithOnRefresh(sc.Metrics.ObserveTokenRefresh))
	client.UseTokens(tokens)

	sc.Client = client
	sc.Broker = adapter
	sc.Tokens = tokens

	log.Info().
		Str("base_url", baseURL).
		Bool("live", kcfg.Live()).
		Int("max_calls", cfg.RateLimit.MaxCalls).
		Dur("period", cfg.RatePeriod()).
		Msg("✓ Broker client initialized")
	return nil
}

func (sc *ServiceContext) initPipeline(strategies []port.Strategy) {
	cfg := sc.Config
	sc.Pipeline = pipeline.New(pipeline.Deps{
		Config: pipeline.Config{
			QueueSize:    cfg.App.QueueSize,
			EvalInterval: cfg.EvalInterval(),
			DrainGrace:   cfg.DrainGrace(),
			OrderTTL:     cfg.OrderTTL(),
			HistoryLen:   cfg.Risk.HistoryLen,
		},
		Broker:     sc.Broker,
		Strategies: strategies,
		Aggregator: service.NewSignalAggregator(service.AggregatorConfig{
			Weights:       cfg.Signals.Weights,
			DefaultWeight: cfg.Signals.DefaultWeight,
			ExitThreshold: cfg.Signals.ExitThreshold,
		}),
		Risk: service.NewRiskGate(service.RiskConfig{
			ActivationThreshold:      cfg.Risk.ActivationThreshold,
			VaRConfidence:            cfg.Risk.VaRConfidence,
			VaRCeiling:               cfg.Risk.VaRCeiling,
			MinObservations:          cfg.Risk.MinObservations,
			DefaultVaR:               cfg.Risk.DefaultVaR,
			RiskBudget:               cfg.Risk.RiskBudget,
			MaxExposurePerInstrument: cfg.Risk.MaxExposurePerInstrument,
			MinVolatility:            cfg.Risk.MinVolatility,
			AllowShort:               cfg.Risk.AllowShort,
		}),
		Portfolio: service.NewPortfolio(0),
		Orders:    service.NewOrderBook(),
		Journal:   composite.New(sc.journals...),
		Observer:  sc.Metrics,
		AuthCheck: func(ctx context.Context) error {
			_, err := sc.Tokens.Credential(ctx)
			return err
		},
	})
}

func (sc *ServiceContext) initFeed() error {
	cfg := sc.Config
	if !cfg.Feed.Enabled {
		log.Warn().Msg("market feed disabled by config")
		return nil
	}
	url := cfg.Broker.WsURL
	if url == "" {
		url = kis.Config{Mode: cfg.App.Mode}.WSURL()
	}
	initial, maxDelay := cfg.RetryDelays()
	m := feed.NewManager(feed.Config{
		URL:          url,
		PingInterval: time.Duration(cfg.Feed.PingIntervalSec) * time.Second,
		PongTimeout:  time.Duration(cfg.Feed.PongTimeoutSec) * time.Second,
		Retry: apiclient.RetryConfig{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
		},
		SubscribeRate: cfg.Feed.SubscribeRate,
	}, sc.Pipeline, feed.WithApproval(sc.Broker), feed.WithOnReconnect(sc.Metrics.ObserveReconnect))

	for _, inst := range cfg.Feed.Instruments {
		key := feed.ChannelKey{Channel: cfg.Feed.Channel, Instrument: inst}
		if err := m.Subscribe(key, nil); err != nil && !errors.Is(err, feed.ErrDuplicateChannel) {
			return fmt.Errorf("subscribe %s: %w", key, err)
		}
	}
	sc.Feed = m
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing market feed")
		return m.Close()
	})

	log.Info().
		Str("url", url).
		Str("channel", cfg.Feed.Channel).
		Strs("instruments", cfg.Feed.Instruments).
		Msg("✓ Market feed initialized")
	return nil
}

// initializeStorage opens every enabled journal backend. The in-memory
// journal and the console tape are always present.
func (sc *ServiceContext) initializeStorage() error {
	sc.Memory = storage.NewMemory(storage.DefaultMemoryLimit)
	sc.journals = append(sc.journals, sc.Memory, console.NewTape(nil))

	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	if sc.Config.SQLite.Enabled {
		if err := sc.initSQLite(); err != nil {
			return fmt.Errorf("sqlite initialization failed: %w", err)
		}
	}
	if sc.Config.Postgres.Enabled {
		if err := sc.initPostgres(); err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
	}
	return nil
}

func (sc *ServiceContext) initRedis() error {
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     sc.Config.Redis.Addr,
		Password: sc.Config.Redis.Password,
		DB:       sc.Config.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	repo := redisrepo.New(
		rdb,
		sc.Config.Redis.Prefix,
		time.Duration(sc.Config.Redis.TTLSeconds)*time.Second,
		sc.Config.Redis.FillStream,
		sc.Config.Redis.FillChannel,
	)
	sc.journals = append(sc.journals, repo)
	sc.tokenStore = redisrepo.NewTokenStore(rdb, sc.Config.Redis.Prefix+":token:"+sc.Config.App.Mode)
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing redis connection")
		return repo.Close()
	})

	log.Info().
		Str("addr", sc.Config.Redis.Addr).
		Int("db", sc.Config.Redis.DB).
		Msg("✓ Redis initialized")
	return nil
}

func (sc *ServiceContext) initSQLite() error {
	repo, err := sqliterepo.New(sc.Config.SQLite.Path)
	if err != nil {
		return fmt.Errorf("sqlite repo creation failed: %w", err)
	}
	sc.journals = append(sc.journals, repo)
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing sqlite connection")
		return repo.Close()
	})

	log.Info().
		Str("path", sc.Config.SQLite.Path).
		Msg("✓ SQLite initialized")
	return nil
}

func (sc *ServiceContext) initPostgres() error {
	repo, err := postgresrepo.New(sc.Config.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres repo creation failed: %w", err)
	}
	sc.journals = append(sc.journals, repo)
	sc.closerChain = append(sc.closerChain, func() error {
		log.Info().Msg("closing postgres connection")
		return repo.Close()
	})

	log.Info().Msg("✓ Postgres initialized")
	return nil
}

// Close releases resources in reverse order of acquisition.
func (sc *ServiceContext) Close() error {
	var errs []error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
			errs = append(errs, err)
		}
	}
	sc.closerChain = nil
	return errors.Join(errs...)
}

// buildStrategies turns the [[strategies]] entries into signal producers.
func buildStrategies(cfg *config.Config) ([]port.Strategy, error) {
	out := make([]port.Strategy, 0, len(cfg.Strategies))
	for i, sc := range cfg.Strategies {
		switch sc.Kind {
		case "ma_cross":
			s, err := strategy.NewMACross(sc.Fast, sc.Slow)
			if err != nil {
				return nil, fmt.Errorf("strategies[%d]: %w", i, err)
			}
			out = append(out, s)
		case "momentum":
			s, err := strategy.NewMomentum(sc.Lookback, sc.Threshold, sc.ExitThreshold)
			if err != nil {
				return nil, fmt.Errorf("strategies[%d]: %w", i, err)
			}
			out = append(out, s)
		default:
			return nil, fmt.Errorf("strategies[%d]: unknown kind %q", i, sc.Kind)
		}
	}
	return out, nil
}
