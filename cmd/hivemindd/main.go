package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"HiveMind-Copilot/internal/api"
	"HiveMind-Copilot/internal/auth"
	"HiveMind-Copilot/internal/collab"
	"HiveMind-Copilot/internal/collab/natschannel"
	"HiveMind-Copilot/internal/collab/redischannel"
	"HiveMind-Copilot/internal/config"
	"HiveMind-Copilot/internal/contracts"
	"HiveMind-Copilot/internal/health"
	"HiveMind-Copilot/internal/knowledge"
	"HiveMind-Copilot/internal/llm"
	"HiveMind-Copilot/internal/llm/cache"
	"HiveMind-Copilot/internal/llm/ollama"
	"HiveMind-Copilot/internal/llm/openai"
	"HiveMind-Copilot/internal/llm/pythonbridge"
	"HiveMind-Copilot/internal/observability/alerting"
	"HiveMind-Copilot/internal/observability/tracing"
	"HiveMind-Copilot/internal/orchestrator"
	"HiveMind-Copilot/internal/pipeline"
	"HiveMind-Copilot/internal/task"
	"HiveMind-Copilot/internal/web3"
	"HiveMind-Copilot/internal/web3/provider"
	"HiveMind-Copilot/pkg/logger"
)

// main 是 HiveMind 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("hivemindd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("hivemindd")

	shutdownTracing, err := tracing.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 推理提供方。
	var cacheClient redis.UniversalClient
	if cfg.Cache.Enabled {
		cacheClient = newRedisClient(cfg.Cache.Redis)
		defer cacheClient.Close()
	}
	primary, err := buildAdapter(cfg.Providers.Primary, cacheClient, cfg.Cache)
	if err != nil {
		return fmt.Errorf("初始化主推理提供方失败: %w", err)
	}
	var fallback llm.Adapter
	if cfg.Providers.Fallback.Kind != "" {
		fallback, err = buildAdapter(cfg.Providers.Fallback, cacheClient, cfg.Cache)
		if err != nil {
			return fmt.Errorf("初始化备用推理提供方失败: %w", err)
		}
	}

	// 合约工具链与链上部署。
	analyzer := contracts.NewStaticAnalyzer()
	var compiler contracts.Compiler = contracts.NewBuiltinCompiler()
	if cfg.Contracts.Compiler == "solc" {
		compiler = contracts.NewSolcCompiler(cfg.Contracts.SolcPath, time.Duration(cfg.Contracts.TimeoutSeconds)*time.Second)
	}
	chainClient, deployer, closeChain, err := buildChain(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer closeChain()

	// 协作通道与内置审计代理。
	channel, closeChannel, err := buildChannel(cfg)
	if err != nil {
		return err
	}
	defer closeChannel()
	coordinator := collab.NewCoordinator(channel, cfg.Collaboration.AgentID,
		collab.WithReplyTimeout(time.Duration(cfg.Collaboration.ReplyTimeoutSeconds)*time.Second),
		collab.WithPollBackoff(
			time.Duration(cfg.Collaboration.PollInitialMillis)*time.Millisecond,
			time.Duration(cfg.Collaboration.PollMaxMillis)*time.Millisecond,
		),
		collab.WithArchiveLimit(cfg.Collaboration.ArchiveLimit),
	)
	peerDone := make(chan struct{})
	if cfg.Collaboration.ServeLocalAuditor {
		peer := collab.NewCoordinator(channel, cfg.Collaboration.Counterparty)
		go func() {
			defer close(peerDone)
			if err := peer.Serve(ctx, collab.PeerAuditor(analyzer)); err != nil {
				lg.Error("审计代理退出", "error", err)
			}
		}()
	} else {
		close(peerDone)
	}

	var kb knowledge.Provider
	if cfg.Knowledge.Source != "" {
		kb, err = knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
	} else {
		kb = knowledge.NewStaticProvider(knowledge.DefaultSnippets(), cfg.Knowledge.MaxResults)
	}

	engineOpts := []orchestrator.Option{
		orchestrator.WithCompiler(compiler),
		orchestrator.WithAuditor(analyzer),
		orchestrator.WithCollaborator(coordinator, cfg.Collaboration.Counterparty),
		orchestrator.WithKnowledge(kb),
		orchestrator.WithWorkers(cfg.Orchestrator.Workers),
	}
	if deployer != nil {
		engineOpts = append(engineOpts, orchestrator.WithDeployer(deployer))
	}
	for _, kind := range pipeline.Kinds() {
		if d := cfg.PipelineTimeout(string(kind)); d > 0 {
			engineOpts = append(engineOpts, orchestrator.WithTimeout(kind, d))
		}
	}
	engine, err := orchestrator.New(primary, fallback, engineOpts...)
	if err != nil {
		return err
	}

	// 异步任务。
	taskStore, err := buildTaskStore(cfg)
	if err != nil {
		return err
	}
	taskQueue, err := buildTaskQueue(cfg.TaskQueue)
	if err != nil {
		_ = taskStore.Close()
		return err
	}
	taskService := task.NewService(taskStore, taskQueue, cfg.TaskQueue.MaxRetries)
	defer taskService.Close()

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if webhook := alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL); webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	processor := task.NewProcessor(engine, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)
	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("任务处理器异常退出", "error", err)
		}
	}()

	// HTTP 接口。
	authSvc, err := auth.NewService(auth.Config{
		Mode:      auth.Mode(cfg.Auth.Mode),
		APIKeys:   cfg.Auth.ResolvedAPIKeys(),
		JWTSecret: cfg.Auth.ResolvedJWTSecret(),
		JWTIssuer: cfg.Auth.JWTIssuer,
	})
	if err != nil {
		return err
	}
	healthOpts := []health.Option{}
	if pinger, ok := taskStore.(interface{ Ping(context.Context) error }); ok {
		healthOpts = append(healthOpts, health.WithComponent("task_store", pinger.Ping))
	}
	if chainClient != nil {
		healthOpts = append(healthOpts, health.WithChain(chainClient))
	}
	checker := health.NewChecker(engine.Providers(), healthOpts...)

	server := api.NewServer(cfg.Server.Address, engine,
		api.WithTaskService(taskService),
		api.WithCollaborations(coordinator, cfg.Collaboration.Counterparty),
		api.WithHealthChecker(checker),
		api.WithAuth(authSvc),
		api.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		api.WithMetrics(!cfg.Telemetry.MetricsDisabled),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownSeconds)*time.Second),
	)
	lg.Info("hivemindd 启动",
		"address", cfg.Server.Address,
		"primary", primary.ID(),
		"collaboration", cfg.Collaboration.Driver,
		"task_store", cfg.Storage.TaskStore.Driver,
		"task_queue", cfg.TaskQueue.Driver,
	)

	err = server.Start(ctx)
	processorCancel()
	<-peerDone
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	path := os.Getenv(config.EnvConfigPath)
	if path == "" {
		path = filepath.Join("configs", "hivemind.yaml")
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func newRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func buildAdapter(pc config.ProviderConfig, cacheClient redis.UniversalClient, cc config.CacheConfig) (llm.Adapter, error) {
	var adapter llm.Adapter
	switch pc.Kind {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			ID:        pc.ID,
			APIKey:    pc.ResolvedAPIKey(),
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			CodeModel: pc.CodeModel,
			Timeout:   pc.Timeout(),
			RateLimit: pc.RateLimit,
			Burst:     pc.Burst,
		})
		if err != nil {
			return nil, err
		}
		adapter = client
	case "ollama":
		adapter = ollama.NewClient(ollama.Config{
			ID:        pc.ID,
			BaseURL:   pc.BaseURL,
			Model:     pc.Model,
			CodeModel: pc.CodeModel,
			Timeout:   pc.Timeout(),
		})
	case "python_bridge":
		client, err := pythonbridge.NewClient(pythonbridge.Config{
			ID:         pc.ID,
			PythonExec: pc.PythonExec,
			ScriptPath: pc.ScriptPath,
			WorkingDir: pc.WorkingDir,
			Timeout:    pc.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		adapter = client
	default:
		return nil, fmt.Errorf("未知的推理提供方类型: %s", pc.Kind)
	}
	if cacheClient != nil {
		return cache.Wrap(adapter, cacheClient, cache.WithTTL(time.Duration(cc.TTLSeconds)*time.Second)), nil
	}
	return adapter, nil
}

// buildChain 初始化链客户端与部署器。未配置链时两者都为 nil。
func buildChain(ctx context.Context, cfg config.Web3Config) (web3.Client, *contracts.Deployer, func(), error) {
	noop := func() {}
	if cfg.ChainConfig == "" && strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, nil, noop, nil
	}

	var hexKey string
	if cfg.PrivateKeyEnv != "" {
		hexKey = strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	}
	var opts []provider.Option
	if hexKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, nil, noop, fmt.Errorf("部署私钥格式错误: %w", err)
		}
		opts = append(opts, provider.WithFundedAccounts(crypto.PubkeyToAddress(key.PublicKey)))
	}

	registry, err := provider.NewRegistry(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, noop, err
	}
	client, err := registry.DefaultClient()
	if err != nil {
		registry.Close()
		return nil, nil, noop, err
	}
	if hexKey == "" {
		return client, nil, registry.Close, nil
	}
	deployer, err := contracts.NewDeployer(client, hexKey, cfg.GasLimit)
	if err != nil {
		registry.Close()
		return nil, nil, noop, err
	}
	return client, deployer, registry.Close, nil
}

func buildChannel(cfg *config.Config) (collab.Channel, func(), error) {
	cc := cfg.Collaboration
	switch cc.Driver {
	case "memory":
		return collab.NewMemoryChannel(), func() {}, nil
	case "nats":
		url := cc.NATS.URL
		var embedded *natschannel.Server
		if cc.NATS.Embedded {
			storeDir := cc.NATS.StoreDir
			if storeDir == "" {
				storeDir = filepath.Join(cfg.Runtime.DataDir, "nats")
			}
			port := cc.NATS.Port
			if port == 0 {
				port = -1
			}
			srv, err := natschannel.StartServer(natschannel.ServerConfig{Port: port, StoreDir: storeDir})
			if err != nil {
				return nil, nil, err
			}
			embedded = srv
			url = srv.ClientURL()
		}
		ch, err := natschannel.Connect(url)
		if err != nil {
			if embedded != nil {
				embedded.Close()
			}
			return nil, nil, err
		}
		return ch, func() {
			ch.Close()
			if embedded != nil {
				embedded.Close()
			}
		}, nil
	case "redis":
		client := newRedisClient(cc.Redis)
		return redischannel.New(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的协作通道驱动: %s", cc.Driver)
	}
}

func buildTaskStore(cfg *config.Config) (task.Store, error) {
	ts := cfg.Storage.TaskStore
	switch ts.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ts.DSN)
	case "sqlite":
		dsn := ts.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Runtime.DataDir, "tasks.db")
		}
		return task.NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", ts.Driver)
	}
}

func buildTaskQueue(cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.RedisKey,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
