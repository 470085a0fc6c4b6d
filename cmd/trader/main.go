package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	osSignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/assist-by/bulwark/internal/circuit"
	"github.com/assist-by/bulwark/internal/config"
	"github.com/assist-by/bulwark/internal/domain"
	"github.com/assist-by/bulwark/internal/exchange/paper"
	"github.com/assist-by/bulwark/internal/execution"
	"github.com/assist-by/bulwark/internal/logger"
	"github.com/assist-by/bulwark/internal/notification"
	"github.com/assist-by/bulwark/internal/notification/discord"
	"github.com/assist-by/bulwark/internal/position"
	"github.com/assist-by/bulwark/internal/risk"
	"github.com/assist-by/bulwark/internal/scheduler"
	"github.com/assist-by/bulwark/internal/storage/badger"
	"github.com/assist-by/bulwark/internal/storage/sqlite"
	"github.com/assist-by/bulwark/internal/strategy"
	"github.com/assist-by/bulwark/internal/trading"
)

func main() {
	// 설정 로드
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "설정 로드 실패: %v\n", err)
		os.Exit(1)
	}

	// 로그 설정
	if err := logger.Init(cfg.LoggerConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "로거 초기화 실패: %v\n", err)
		os.Exit(1)
	}
	log := logger.Component("main")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("트레이딩 봇 비정상 종료")
		os.Exit(1)
	}
	log.Info("트레이딩 봇 종료")
}

func run(cfg *config.Config, log *logrus.Entry) error {
	// 시그널 처리로 컨텍스트 취소
	ctx, stop := osSignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	//---------------------------------
	// 1. 알림
	//---------------------------------
	discordClient := discord.NewClient(
		cfg.Discord.TradeWebhook,
		cfg.Discord.ErrorWebhook,
		cfg.Discord.InfoWebhook,
		discord.WithTimeout(10*time.Second),
	)
	alerter := notification.NewAsyncAlerter(discordClient, 128)
	alertCtx, stopAlerts := context.WithCancel(context.Background())
	alerter.Start(alertCtx)
	defer func() {
		stopAlerts()
		alerter.Close()
	}()

	//---------------------------------
	// 2. 저장소
	//---------------------------------
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("데이터 디렉터리 생성 실패: %w", err)
	}
	store, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	circuitStore, err := badger.Open(cfg.Storage.BadgerDir)
	if err != nil {
		return err
	}
	defer circuitStore.Close()

	//---------------------------------
	// 3. 거래소와 안전 계층
	//---------------------------------
	ex := newPaperExchange(cfg)

	breaker := circuit.New(cfg.CircuitConfig(), circuit.WithStore(circuitStore), circuit.WithAlerter(alerter))
	if err := breaker.Restore(ctx); err != nil {
		return err
	}
	if open := breaker.OpenMarkets(); len(open) > 0 {
		log.WithField("markets", open).Warn("열린 서킷이 복원되었습니다")
	}

	throttle := risk.NewThrottle(cfg.ThrottleConfig(), store)
	sizer := position.NewSizer(cfg.SizingConfig(), throttle)
	executor := execution.New(ex, breaker, throttle, store, cfg.ExecutionConfig(),
		execution.WithMarketCondition(execution.NewSpreadCondition(ex, cfg.Execution.MaxSpreadPercent, cfg.Execution.MinTopValue)),
		execution.WithMarketOrderStrategies(cfg.App.MarketOrderStrategies...),
	)

	global := position.NewGlobalManager(store, cfg.Collision.CacheTTL)
	global.Register(position.NewBalanceExposure(ex, cfg.Collision.DustValue))
	guard := position.NewHoldingGuard(cfg.GuardConfig(), time.Now)
	entryLocks := execution.NewMarketLocks(0)

	//---------------------------------
	// 4. 전략별 엔진
	//---------------------------------
	sources, err := strategy.CreateSourcesFromConfig(strategy.NewRegistry(), cfg)
	if err != nil {
		return fmt.Errorf("시그널 공급자 생성 실패: %w", err)
	}

	var schedulers []*scheduler.Scheduler
	for _, src := range sources {
		manager := position.NewManager(src.Name(), store)
		n, err := manager.Load(ctx)
		if err != nil {
			return err
		}
		global.Register(manager)

		engine, err := trading.NewEngine(engineConfig(cfg, src.Name()), src, trading.Deps{
			Exchange:   ex,
			Executor:   executor,
			Breaker:    breaker,
			Throttle:   throttle,
			Sizer:      sizer,
			Positions:  manager,
			Global:     global,
			Guard:      guard,
			Alerter:    alerter,
			Notifier:   alerter,
			EntryLocks: entryLocks,
		})
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{"strategy": src.Name(), "restored": n}).Info("엔진 준비 완료")

		schedulers = append(schedulers,
			scheduler.NewScheduler(src.Name()+"/signal", cfg.App.SignalInterval, engine),
			scheduler.NewScheduler(src.Name()+"/monitor", cfg.App.MonitorInterval, engine.MonitorTask()),
			scheduler.NewScheduler(src.Name()+"/reconcile", cfg.App.ReconcileInterval, engine.ReconcileTask()),
		)
	}

	account := trading.NewAccountMonitor(ex, breaker, cfg.Exchange.QuoteCurrency, cfg.Collision.DustValue)
	schedulers = append(schedulers, scheduler.NewScheduler("account", cfg.App.AccountInterval, account))

	//---------------------------------
	// 5. 실행
	//---------------------------------
	alerter.SendInfo(fmt.Sprintf("트레이딩 봇 시작 (페이퍼 모드, 전략 %v, 마켓 %v)", cfg.App.Strategies, cfg.App.Markets))
	log.WithFields(logrus.Fields{
		"strategies": cfg.App.Strategies,
		"markets":    cfg.App.Markets,
	}).Info("트레이딩 봇 시작")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range schedulers {
		g.Go(func() error {
			return s.Start(gctx)
		})
	}
	err = g.Wait()

	alerter.SendInfo("트레이딩 봇이 종료되었습니다")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func engineConfig(cfg *config.Config, strategyID string) trading.Config {
	return trading.Config{
		Strategy:                  strategyID,
		Markets:                   cfg.App.Markets,
		QuoteCurrency:             cfg.Exchange.QuoteCurrency,
		StopLossPercent:           cfg.Sizing.DefaultStopLossPercent,
		TakeProfitPercent:         cfg.Sizing.DefaultTakeProfitPercent,
		TrailingActivationPercent: cfg.Sizing.TrailingActivationPercent,
		TrailingOffsetPercent:     cfg.Sizing.TrailingOffsetPercent,
		MaxHolding:                cfg.Sizing.MaxHolding,
		RetryBudget:               cfg.Collision.RetryBudget,
		StaleEntryAfter:           2 * cfg.App.ReconcileInterval,
	}
}

// newPaperExchange는 설정된 가격과 스프레드로 호가를 채운 모의 거래소를 생성합니다
func newPaperExchange(cfg *config.Config) *paper.Exchange {
	ex := paper.New(
		paper.WithFeeRate(cfg.Exchange.FeeRate),
		paper.WithQuoteCurrency(cfg.Exchange.QuoteCurrency),
	)
	ex.SetBalance(cfg.Exchange.QuoteCurrency, cfg.Paper.InitialBalance)

	half := cfg.Paper.SpreadPercent / 200
	for market, price := range cfg.Paper.Prices {
		ex.SetOrderBook(domain.NormalizeMarket(market), price*(1-half), price*(1+half))
	}
	return ex
}
