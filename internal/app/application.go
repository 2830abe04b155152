package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	ledgersvc "github.com/aria-network/reward-engine/internal/app/services/ledger"
	settlementsvc "github.com/aria-network/reward-engine/internal/app/services/settlement"
	walletsvc "github.com/aria-network/reward-engine/internal/app/services/wallet"
	"github.com/aria-network/reward-engine/internal/app/storage"
	"github.com/aria-network/reward-engine/internal/app/storage/memory"
	"github.com/aria-network/reward-engine/internal/app/system"
	"github.com/aria-network/reward-engine/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Records storage.RecordStore
	Rewards storage.RewardStore
	Batches storage.SettlementStore
	Wallets storage.WalletStore
}

// Options carries the tunables the services expose. The zero value uses
// service defaults throughout.
type Options struct {
	// Chain submits and confirms on-chain transfers. When nil an HTTP
	// client is built from REWARD_CHAIN_ENDPOINT; when that is unset too,
	// the settlement poller is disabled.
	Chain settlementsvc.ChainClient

	SettleSchedule string
	MaxAttempts    int
	ConfirmTimeout time.Duration

	RewardMin   float64
	RewardMax   float64
	RewardRates map[string]float64
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Ledger     *ledgersvc.Service
	Settlement *settlementsvc.Service
	Wallets    *walletsvc.Service
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	mem := memory.New()
	if stores.Records == nil {
		stores.Records = mem
	}
	if stores.Rewards == nil {
		stores.Rewards = mem
	}
	if stores.Batches == nil {
		stores.Batches = mem
	}
	if stores.Wallets == nil {
		stores.Wallets = mem
	}

	manager := system.NewManager()

	ledger := ledgersvc.New(stores.Rewards, stores.Records, log)
	if opts.RewardMin > 0 || opts.RewardMax > 0 {
		ledger.WithBounds(opts.RewardMin, opts.RewardMax)
	}
	if len(opts.RewardRates) > 0 {
		ledger.WithPolicy(ledgersvc.NewBaseRatePolicy(opts.RewardRates))
	}

	chain := opts.Chain
	if chain == nil {
		if endpoint := strings.TrimSpace(os.Getenv("REWARD_CHAIN_ENDPOINT")); endpoint != "" {
			httpClient := &http.Client{Timeout: 10 * time.Second}
			c, err := settlementsvc.NewHTTPChainClient(httpClient, endpoint, os.Getenv("REWARD_CHAIN_API_KEY"), log)
			if err != nil {
				log.WithError(err).Warn("configure chain client")
			} else {
				chain = c
			}
		} else {
			log.Warn("REWARD_CHAIN_ENDPOINT not set; settlement submission disabled")
		}
	}

	settler := settlementsvc.New(stores.Rewards, stores.Batches, stores.Wallets, chain, log)
	if opts.MaxAttempts > 0 {
		settler.WithMaxAttempts(opts.MaxAttempts)
	}
	if opts.ConfirmTimeout > 0 {
		settler.WithConfirmTimeout(opts.ConfirmTimeout)
	}

	var balance walletsvc.BalanceReader
	var confirmer settlementsvc.ChainConfirmer
	if chain != nil {
		confirmer = chain
		if b, ok := chain.(walletsvc.BalanceReader); ok {
			balance = b
		}
	}

	wallets := walletsvc.New(stores.Wallets, balance, confirmer, log)
	wallets.AttachSettler(settler)

	if chain != nil {
		poller, err := settlementsvc.NewPoller(stores.Batches, settler, opts.SettleSchedule, log)
		if err != nil {
			return nil, fmt.Errorf("configure settlement poller: %w", err)
		}
		if err := manager.Register(poller); err != nil {
			return nil, fmt.Errorf("register %s: %w", poller.Name(), err)
		}
	} else {
		// Keep the service roster stable so operators see the poller slot
		// even when settlement is disabled.
		if err := manager.Register(system.NoopService{ServiceName: "settlement-poller"}); err != nil {
			return nil, fmt.Errorf("register settlement-poller placeholder: %w", err)
		}
	}

	return &Application{
		manager:    manager,
		log:        log,
		Ledger:     ledger,
		Settlement: settler,
		Wallets:    wallets,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
