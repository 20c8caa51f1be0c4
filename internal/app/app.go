package app

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/config"
	"InvoiceChainSync/internal/db"
	"InvoiceChainSync/internal/invoices"
	"InvoiceChainSync/internal/logging"
	"InvoiceChainSync/internal/models"
	"InvoiceChainSync/internal/payments"
	"InvoiceChainSync/internal/services"
	"InvoiceChainSync/internal/store"
	"InvoiceChainSync/internal/worker"
)

const ShutdownTimeout = 5 * time.Second

// Runtime is the wired object graph shared by the api and worker binaries.
type Runtime struct {
	Config   *config.Config
	Pool     *db.Pool
	Chain    *chain.MultiClient
	Invoices *invoices.Repository
	Session  *worker.Session
	// Actions is nil when no signing key is configured.
	Actions *services.ActionService

	log *zap.Logger
}

// Build connects to the ledger (and the database when a DSN is set) and wires
// one synchronizer per watched account. Nothing is started yet.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	logger = logging.Or(logger)
	rt := &Runtime{Config: cfg, log: logger}

	var signer chain.Signer
	if cfg.Wallet.PrivateKey != "" {
		ks, err := chain.NewKeySigner(cfg.Wallet.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("wallet key: %w", err)
		}
		signer = ks
	}

	if cfg.DB.DSN != "" {
		pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		rt.Pool = pool
	} else {
		logger.Warn("db.dsn is empty, payment history is kept in memory only")
	}

	client, err := chain.DialMulti(ctx, cfg.Chain.RPCEndpoints, cfg.Chain.RPCFailoverThreshold, chain.ClientConfig{
		Contract:    cfg.Contract(),
		ChainID:     big.NewInt(cfg.Chain.ChainID),
		CallTimeout: cfg.Chain.CallTimeout,
		Signer:      signer,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("rpc dial: %w", err)
	}
	rt.Chain = client

	rt.Invoices = invoices.New(client, invoices.Options{
		Capacity: cfg.Cache.InvoiceCapacity,
		TTL:      cfg.Cache.InvoiceTTL,
		Logger:   logger.Named("invoices"),
	})

	accounts := cfg.Accounts()
	if signer != nil {
		accounts = append(accounts, signer.Address())
	}
	rt.Session = worker.NewSession(accounts, rt.synchronizer, logger.Named("session"))

	if signer != nil {
		rt.Actions = services.NewActionService(services.ActionConfig{
			ReceiptPollInterval: cfg.Actions.ReceiptPollInterval,
			Confirmations:       cfg.Actions.Confirmations,
			IntentTTL:           cfg.Actions.IntentTTL,
		}, services.ActionDeps{
			Transactor: client,
			Ledger:     client,
			Invoices:   rt.Invoices,
			Observer:   services.ObserverFunc(rt.observeReceipt),
			Logger:     logger.Named("actions"),
		})
	}
	return rt, nil
}

func (rt *Runtime) synchronizer(account common.Address) *worker.Synchronizer {
	cfg := rt.Config
	deps := worker.Deps{
		Events:      rt.Chain,
		Invalidator: rt.Invoices,
		Watchlist:   rt.Invoices,
		Logger:      rt.log.Named("sync"),
	}
	// a nil *store.Store must not end up inside the interface
	if rt.Pool != nil {
		deps.Store = store.New(rt.Pool)
	}
	if len(cfg.Chain.WSEndpoints) > 0 {
		deps.Subscriber = chain.NewWSSubscriber(cfg.Chain.WSEndpoints, cfg.Contract(), 0)
	}
	return worker.New(worker.Config{
		Account:          account,
		Contract:         cfg.Contract(),
		Interval:         cfg.Sync.Interval,
		WindowBlocks:     cfg.Sync.WindowBlocks,
		LookbackBlocks:   cfg.Sync.LookbackBlocks,
		MaxBlocksPerTick: cfg.Sync.MaxBlocksPerTick,
		ConfirmDepth:     cfg.Chain.ConfirmDepth,
		StaleAfter:       cfg.Sync.StaleAfter,
		ReconnectDelay:   cfg.Sync.ReconnectDelay,
		History: payments.Options{
			FuzzyWindow:     cfg.Sync.FuzzyWindow,
			AmountTolerance: cfg.AmountTolerance(),
		},
	}, deps)
}

// observeReceipt hands logs from a mined action to the sender's synchronizer.
func (rt *Runtime) observeReceipt(ctx context.Context, logs []types.Log, source models.Source) error {
	sy, ok := rt.Session.Synchronizer(rt.Chain.Sender())
	if !ok {
		return nil
	}
	return sy.ObserveLogs(ctx, logs, source)
}

func (rt *Runtime) Start(ctx context.Context) {
	rt.Session.Start(ctx)
	rt.log.Info("session started",
		zap.Int("accounts", len(rt.Session.Accounts())),
		zap.String("rpc", rt.Chain.Endpoint()),
		zap.Bool("actions", rt.Actions != nil),
	)
}

func (rt *Runtime) Close() {
	if rt.Actions != nil {
		rt.Actions.Close()
	}
	if rt.Session != nil {
		rt.Session.Stop()
	}
	if rt.Chain != nil {
		rt.Chain.Close()
	}
	if rt.Pool != nil {
		rt.Pool.Close()
	}
}
