package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/expressions"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/monitor"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/internal/streaming"
	"github.com/rendis/credflow/internal/validation"
)

// newLogger builds the root logger. Correlation ids on the context are
// attached to every record.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log_level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("log_format must be json or text, got %q", format)
	}
	return slog.New(logging.NewCorrelationHandler(h)), nil
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, cfg StoreConfig) (*store.SQLStore, error) {
	var (
		s   *store.SQLStore
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = store.NewPostgresStore(ctx, cfg.DSN)
	default:
		s, err = store.NewLibSQLStore(cfg.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Driver, err)
	}
	return s, nil
}

// runtime is the fully wired process: store, engine, queue and monitor.
type runtime struct {
	cfg        Config
	logger     *slog.Logger
	store      *store.SQLStore
	hub        streaming.EventHub
	engine     *engine.Engine
	dispatcher *queue.Dispatcher
	runner     *queue.Runner
	publisher  *validation.Publisher
	monitor    *monitor.Monitor

	closers []func() error
}

// newRuntime wires every component from cfg. The gateway is only required
// by commands that run executions; the others pass needGateway=false.
func newRuntime(ctx context.Context, cfg Config, logger *slog.Logger, needGateway bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	rt.store = s
	rt.closers = append(rt.closers, s.Close)

	if rt.hub, err = rt.newHub(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	events := store.NewEventLog(s, rt.hub, logger)

	guards := expressions.NewGuardEvaluator(cfg.Engine.GuardTimeout)
	cel, err := expressions.NewCELEngine()
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("cel engine: %w", err)
	}
	mapper := expressions.NewGoJQEngine()

	wv, err := validation.NewWorkflowValidator(guards, cel, mapper)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("validator: %w", err)
	}
	rt.publisher = validation.NewPublisher(wv, s)
	rt.dispatcher = queue.NewDispatcher(s, wv, cfg.Queue.Config, logger)

	gateway, err := newGateway(cfg.Gateway, needGateway)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.engine, err = engine.New(engine.Deps{
		Store:     s,
		Events:    events,
		Guards:    guards,
		Mapper:    mapper,
		Gateway:   gateway,
		Continuer: rt.dispatcher,
		Logger:    logger,
	}, cfg.Engine)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.runner = queue.NewRunner(rt.dispatcher, rt.engine, cfg.Queue.RunnerConfig, logger)

	rt.monitor, err = monitor.New(monitor.Deps{
		Store:   s,
		Events:  events,
		Rules:   cel,
		Expirer: rt.engine,
		Logger:  logger,
	}, cfg.Monitor)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

// newHub returns a Redis hub when streaming.redis_addr is set, otherwise an
// in-process hub.
func (rt *runtime) newHub(ctx context.Context) (streaming.EventHub, error) {
	sc := rt.cfg.Streaming
	if sc.RedisAddr == "" {
		return streaming.NewMemoryHub(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: sc.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", sc.RedisAddr, err)
	}
	rt.closers = append(rt.closers, client.Close)

	opts := []streaming.RedisOption{streaming.WithLogger(rt.logger)}
	if sc.RedisChannel != "" {
		opts = append(opts, streaming.WithChannel(sc.RedisChannel))
	}
	return streaming.NewRedisHub(client, opts...), nil
}

// unconfiguredGateway fails every initiation. It lets read-only commands
// build an engine without a gateway URL.
type unconfiguredGateway struct{}

var errNoGateway = errors.New("gateway.base_url is not configured")

func (unconfiguredGateway) InitiateApproval(context.Context, engine.ApprovalRequest) (string, error) {
	return "", errNoGateway
}

func (unconfiguredGateway) InitiateSignature(context.Context, engine.SignatureRequest) (engine.SignatureReceipt, error) {
	return engine.SignatureReceipt{}, errNoGateway
}

func newGateway(cfg GatewayConfig, required bool) (engine.Gateway, error) {
	if cfg.BaseURL != "" {
		return engine.NewHTTPGateway(cfg.BaseURL, cfg.Timeout), nil
	}
	if required {
		return nil, errNoGateway
	}
	return unconfiguredGateway{}, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
