package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AgentMarketSh/agentmarket-cli/internal/chain"
	"github.com/AgentMarketSh/agentmarket-cli/internal/config"
	"github.com/AgentMarketSh/agentmarket-cli/internal/daemon"
	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
	"github.com/AgentMarketSh/agentmarket-cli/internal/identity"
	"github.com/AgentMarketSh/agentmarket-cli/internal/ipfs"
	"github.com/AgentMarketSh/agentmarket-cli/internal/mailbox"
	"github.com/AgentMarketSh/agentmarket-cli/internal/market"
	"github.com/AgentMarketSh/agentmarket-cli/internal/validator"
	"github.com/AgentMarketSh/agentmarket-cli/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentmarketd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMARKET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmarket.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.AuditEnabled,
			Path:       cfg.Logging.AuditPath,
			MaxSizeMB:  cfg.Logging.AuditMaxSizeMB,
			MaxBackups: cfg.Logging.AuditMaxBackups,
			MaxAgeDays: cfg.Logging.AuditMaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	id, err := unlockIdentity(cfg.Identity)
	if err != nil {
		return err
	}
	logger.L().Info("identity unlocked", "address", id.Address().Hex())

	backend, err := chain.Dial(ctx, cfg.Network.ChainRPC)
	if err != nil {
		return err
	}
	defer backend.Close()

	signer, err := chain.NewSigner(id.Key(), big.NewInt(cfg.Network.ChainID))
	if err != nil {
		return err
	}
	client, err := chain.NewClient(backend, signer, chain.Config{
		Market:        common.HexToAddress(cfg.Contracts.Market),
		AgentRegistry: common.HexToAddress(cfg.Contracts.AgentRegistry),
		Token:         common.HexToAddress(cfg.Contracts.Token),
		BlockInterval: time.Duration(cfg.Network.BlockIntervalSeconds) * time.Second,
		MaxAttempts:   cfg.Network.MaxSubmitAttempts,
	})
	if err != nil {
		return err
	}

	content := ipfs.NewClient(cfg.IPFS.APIURL, cfg.IPFS.GatewayURL)
	if !content.IsConnected(ctx) {
		logger.L().Warn("content network unreachable at startup", "api", cfg.IPFS.APIURL)
	}

	mbox, err := mailbox.New(content, id.Key())
	if err != nil {
		return err
	}

	store, err := openStore(cfg.State)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := market.NewEngine(client, content, mbox, store, market.Config{
		Self:            signer.Address(),
		Market:          common.HexToAddress(cfg.Contracts.Market),
		ValidatorFeeBps: cfg.Contracts.ValidatorFeeBps,
	})
	if err != nil {
		return err
	}

	registrar, err := identity.NewRegistrar(client, content, store)
	if err != nil {
		return err
	}
	registration, err := registrar.EnsureRegistered(ctx, id, identity.Profile{
		Name:      cfg.Identity.Name,
		TaskTypes: cfg.Identity.TaskTypes,
		Mailbox:   mbox.Topic(),
	})
	if err != nil {
		return err
	}
	logger.L().Info("registry entry ready", "agent_id", registration.AgentID)

	orchestrator, cleanup, err := buildOrchestrator(cfg, engine, content, mbox)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	d, err := daemon.New(engine, runnerOrNil(orchestrator), daemon.Config{
		Self:         signer.Address(),
		PollInterval: time.Duration(cfg.Daemon.PollIntervalSeconds) * time.Second,
		AutoClaim:    cfg.Daemon.AutoClaim,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// unlockIdentity opens the keystore, creating a fresh identity the first
// time the daemon runs.
func unlockIdentity(cfg config.IdentityConfig) (*identity.Identity, error) {
	ks, err := identity.NewKeystore(cfg.KeystoreDir)
	if err != nil {
		return nil, err
	}
	password := os.Getenv(cfg.PasswordEnv)
	if password == "" {
		return nil, fmt.Errorf("keystore password missing, set %s", cfg.PasswordEnv)
	}
	id, err := ks.Unlock(cfg.Address, password)
	if err != nil && xerrors.CodeOf(err) == xerrors.CodeNotFound {
		logger.L().Info("keystore is empty, creating a new identity")
		return ks.Create(password)
	}
	return id, err
}

func openStore(cfg config.StateConfig) (market.Store, error) {
	switch cfg.Driver {
	case "", "file":
		return market.NewFileStore(cfg.Dir)
	case "memory":
		return market.NewMemoryStore(), nil
	case "mysql":
		return market.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown state driver: %s", cfg.Driver)
	}
}

// buildOrchestrator assembles the validation side of the daemon. A "manual"
// handler type means this agent does not judge work, so no orchestrator runs.
func buildOrchestrator(cfg *config.Config, engine *market.Engine, content *ipfs.Client, mbox *mailbox.Mailbox) (*validator.Orchestrator, func(), error) {
	if cfg.Validation.HandlerType != "external" {
		return nil, nil, nil
	}
	handler, err := validator.NewExternalHandler(cfg.Validation.HandlerPath,
		time.Duration(cfg.Validation.TimeoutSeconds)*time.Second)
	if err != nil {
		return nil, nil, err
	}

	queue, err := openQueue(cfg.Validation)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("closing validation queue failed", "error", err)
		}
	}

	orchestrator, err := validator.NewOrchestrator(engine, content, mbox, handler, queue, validator.Config{
		TaskTypes:    cfg.Identity.TaskTypes,
		Workers:      cfg.Validation.Workers,
		PollInterval: time.Duration(cfg.Daemon.PollIntervalSeconds) * time.Second,
		PassingScore: cfg.Validation.PassingScore,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orchestrator, cleanup, nil
}

func openQueue(cfg config.ValidationConfig) (validator.Queue, error) {
	switch cfg.QueueDriver {
	case "", "memory":
		return validator.NewMemoryQueue(1024), nil
	case "redis":
		return validator.NewRedisQueue(validator.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return validator.NewRabbitMQQueue(validator.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.QueueDriver)
	}
}

// runnerOrNil keeps the daemon's optional runner a true nil interface when
// no orchestrator was built.
func runnerOrNil(orchestrator *validator.Orchestrator) daemon.Runner {
	if orchestrator == nil {
		return nil
	}
	return orchestrator
}
