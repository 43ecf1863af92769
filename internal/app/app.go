package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arbor/internal/config"
	"arbor/internal/connector"
	binanceconn "arbor/internal/connector/binance"
	"arbor/internal/events"
	"arbor/internal/executor"
	"arbor/internal/executor/position"
	"arbor/internal/executor/triarb"
	"arbor/internal/logger"
	"arbor/internal/notifier"
	"arbor/internal/recorder"
	"arbor/internal/store"
	"arbor/internal/store/model"
	"arbor/internal/store/sqlite"
	transporthttp "arbor/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App wires the runtime: store, control loop, recorder, connectors,
// executors and the status API.
type App struct {
	cfg     *config.Config
	cfgPath string

	loop *events.Loop
	bus  *events.Bus
	st   store.Store
	rec  *recorder.Recorder
	note notifier.TextNotifier

	binance   *binanceconn.Connector
	sctx      *strategyContext
	execReg   *executor.Registry
	executors []executor.Executor
	httpSrv   *transporthttp.Server
}

func NewApp(cfg *config.Config, cfgPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := sqlite.NewSqliteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loop := events.NewLoop()
	bus := events.NewBus(loop)

	var note notifier.TextNotifier = notifier.LogNotifier{}
	if cfg.Notify.Telegram.Enabled {
		note = notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}

	audit := recorder.NewAuditWriter(cfg.App.CSVAuditDir, cfg.App.Strategy)
	rec := recorder.New(st, bus, cfg.App.ConfigID, cfg.App.Strategy, audit)

	a := &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		loop:    loop,
		bus:     bus,
		st:      st,
		rec:     rec,
		note:    note,
	}

	a.sctx = &strategyContext{
		connectors: make(map[string]connector.Connector),
		registries: make(map[string]*connector.OrderRegistry),
		bus:        bus,
		loop:       loop,
		note:       note,
	}
	if cfg.Binance.Enabled {
		registry := connector.NewOrderRegistry("binance")
		conn := binanceconn.NewConnector(binanceconn.Config{
			APIKey:     cfg.Binance.APIKey,
			SecretKey:  cfg.Binance.SecretKey,
			Testnet:    cfg.Binance.Testnet,
			MaxRetries: cfg.Binance.MaxRetries,
			RetryDelay: time.Duration(cfg.Binance.RetryDelayMS) * time.Millisecond,
		}, bus, loop, registry)
		a.binance = conn
		a.sctx.connectors[conn.DisplayName()] = conn
		a.sctx.registries[conn.DisplayName()] = registry
		rec.Attach(conn)
	} else {
		logger.Warnf("binance connector disabled, executors will not be built")
	}

	if err := a.buildExecutors(); err != nil {
		st.Close()
		return nil, err
	}

	httpSrv, err := transporthttp.NewServer(transporthttp.ServerConfig{
		Addr:      cfg.App.HTTPAddr,
		Recorder:  rec,
		Loop:      loop,
		Registry:  a.execReg,
		Executors: a.executors,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	a.httpSrv = httpSrv
	return a, nil
}

func (a *App) buildExecutors() error {
	reg := executor.NewRegistry()
	if err := reg.Register(triarb.Config{}, triarb.New); err != nil {
		return err
	}
	if err := reg.Register(position.Config{}, position.New); err != nil {
		return err
	}
	a.execReg = reg

	if a.binance == nil {
		return nil
	}
	for i, entry := range a.cfg.Executors {
		cfg, err := decodeExecutorConfig(entry)
		if err != nil {
			return fmt.Errorf("executors[%d]: %w", i, err)
		}
		ex, err := reg.Create(a.sctx, cfg, entry.Interval())
		if err != nil {
			return fmt.Errorf("executors[%d]: %w", i, err)
		}
		a.executors = append(a.executors, ex)
	}
	return nil
}

func decodeExecutorConfig(entry config.ExecutorEntry) (executor.Config, error) {
	switch entry.NormalizedType() {
	case "triangular_arbitrage":
		var cfg triarb.Config
		if err := config.DecodeSettings(entry.Settings, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	case "position":
		var cfg position.Config
		if err := config.DecodeSettings(entry.Settings, &cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", entry.Type)
	}
}

// Run starts the control loop, recovers durable state, opens the event
// stream and serves until ctx is cancelled. Shutdown is ordered: stop
// executors, drain the loop, snapshot, close the store.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		a.loop.Run(loopCtx)
		close(loopDone)
	}()

	if err := a.startup(ctx); err != nil {
		stopLoop()
		<-loopDone
		a.st.Close()
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.httpSrv.Start(groupCtx); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		a.snapshotLoop(groupCtx)
		return nil
	})
	err := group.Wait()

	a.shutdown()
	stopLoop()
	<-loopDone
	if closeErr := a.st.Close(); closeErr != nil {
		logger.Warnf("store close: %v", closeErr)
	}
	logger.Infof("shutdown complete")
	return err
}

func (a *App) startup(ctx context.Context) error {
	a.rec.Start()

	if a.binance != nil {
		if err := a.rec.RestoreSnapshot(a.binance); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
		mapping, err := a.rec.ExchangeOrderIDs(a.binance.DisplayName(), 500)
		if err != nil {
			return fmt.Errorf("load exchange order ids: %w", err)
		}
		registry := a.binance.Registry()
		a.loop.Post(func() { registry.ReconcileExchangeIDs(mapping) })
		if err := a.binance.Start(ctx); err != nil {
			return fmt.Errorf("start binance stream: %w", err)
		}
		logger.Infof("recovered %d tracked orders, %d exchange id correlations",
			registry.Len(), len(mapping))
	}

	for _, ex := range a.executors {
		a.recordExecutor(ex)
		ex.Start(ctx)
		logger.Infof("executor %s started", ex.Config().ExecutorID())
	}

	if a.cfgPath != "" {
		err := config.Watch(ctx, a.cfgPath, func(next *config.Config) {
			logger.SetLevel(next.App.LogLevel)
			logger.Infof("config reloaded, log level now %s", next.App.LogLevel)
		})
		if err != nil {
			logger.Warnf("config watch disabled: %v", err)
		}
	}
	return nil
}

func (a *App) recordExecutor(ex executor.Executor) {
	cfgJSON, err := json.Marshal(ex.Config())
	if err != nil {
		logger.Warnf("executor %s config not serializable: %v", ex.Config().ExecutorID(), err)
		return
	}
	rec := &model.ExecutorModel{
		ID:           ex.Config().ExecutorID(),
		ControllerID: ex.Config().ControllerID(),
		Type:         fmt.Sprintf("%T", ex.Config()),
		Timestamp:    time.Now().UnixMilli(),
		Status:       ex.Status().String(),
		Config:       cfgJSON,
	}
	if err := a.rec.RecordExecutor(rec); err != nil {
		logger.Warnf("executor %s not recorded: %v", rec.ID, err)
	}
}

// snapshotLoop persists the in-flight order set periodically so a crash
// between lifecycle events loses at most one interval of tracking
// metadata.
func (a *App) snapshotLoop(ctx context.Context) {
	if a.binance == nil {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(a.cfg.Trading.SnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.rec.SaveSnapshot(a.binance); err != nil {
				logger.Warnf("periodic snapshot failed: %v", err)
			}
		}
	}
}

func (a *App) shutdown() {
	for _, ex := range a.executors {
		ex.Stop()
	}
	// barrier: stop requests run on the loop, wait until they land
	// before reading final statuses
	stopped := make(chan struct{})
	a.loop.Post(func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		logger.Warnf("control loop slow to drain stop requests")
	}
	if a.binance != nil {
		a.binance.Stop()
		if err := a.rec.SaveSnapshot(a.binance); err != nil {
			logger.Warnf("final snapshot failed: %v", err)
		}
	}
	for _, ex := range a.executors {
		a.recordExecutor(ex)
	}
	a.rec.Stop()
}
