package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MultiClient spreads reads over several endpoints. A call that fails with a
// transport error falls through to the next endpoint; the preferred endpoint
// rotates after failThreshold consecutive failures. Transaction submission is
// pinned to the preferred endpoint and never falls through.
type MultiClient struct {
	clients       []*Client
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

var (
	_ Reader      = (*MultiClient)(nil)
	_ EventSource = (*MultiClient)(nil)
	_ Transactor  = (*MultiClient)(nil)
)

func DialMulti(ctx context.Context, endpoints []string, failThreshold int, base ClientConfig) (*MultiClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*Client, 0, len(list))
	for _, ep := range list {
		cfg := base
		cfg.Endpoint = ep
		c, err := Dial(ctx, cfg)
		if err != nil {
			for _, opened := range clients {
				opened.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return &MultiClient{clients: clients, failThreshold: failThreshold}, nil
}

func (m *MultiClient) Endpoint() string {
	c, _ := m.currentClient()
	return c.Endpoint()
}

func (m *MultiClient) Close() {
	for _, c := range m.clients {
		c.Close()
	}
}

func (m *MultiClient) InvoiceDetails(ctx context.Context, id *big.Int) (*RawInvoice, error) {
	return failover(m, func(c *Client) (*RawInvoice, error) { return c.InvoiceDetails(ctx, id) })
}

func (m *MultiClient) Invoice(ctx context.Context, id *big.Int) (*RawInvoice, error) {
	return failover(m, func(c *Client) (*RawInvoice, error) { return c.Invoice(ctx, id) })
}

func (m *MultiClient) BuyerInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error) {
	return failover(m, func(c *Client) ([]*big.Int, error) { return c.BuyerInvoiceIDs(ctx, account) })
}

func (m *MultiClient) SupplierInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error) {
	return failover(m, func(c *Client) ([]*big.Int, error) { return c.SupplierInvoiceIDs(ctx, account) })
}

func (m *MultiClient) AllInvoiceIDs(ctx context.Context) ([]*big.Int, error) {
	return failover(m, func(c *Client) ([]*big.Int, error) { return c.AllInvoiceIDs(ctx) })
}

func (m *MultiClient) IDExists(ctx context.Context, id *big.Int) (bool, error) {
	return failover(m, func(c *Client) (bool, error) { return c.IDExists(ctx, id) })
}

func (m *MultiClient) HasChosenRole(ctx context.Context, account common.Address) (bool, error) {
	return failover(m, func(c *Client) (bool, error) { return c.HasChosenRole(ctx, account) })
}

func (m *MultiClient) UserRole(ctx context.Context, account common.Address) (uint8, error) {
	return failover(m, func(c *Client) (uint8, error) { return c.UserRole(ctx, account) })
}

func (m *MultiClient) InvoiceTokenAddress(ctx context.Context, id *big.Int) (common.Address, error) {
	return failover(m, func(c *Client) (common.Address, error) { return c.InvoiceTokenAddress(ctx, id) })
}

func (m *MultiClient) MaxSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	return failover(m, func(c *Client) (*big.Int, error) { return c.MaxSupply(ctx, id) })
}

func (m *MultiClient) TotalSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	return failover(m, func(c *Client) (*big.Int, error) { return c.TotalSupply(ctx, id) })
}

func (m *MultiClient) PriceOfTokenInEth(ctx context.Context, id *big.Int) (*big.Int, error) {
	return failover(m, func(c *Client) (*big.Int, error) { return c.PriceOfTokenInEth(ctx, id) })
}

func (m *MultiClient) TotalDebtAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return failover(m, func(c *Client) (*big.Int, error) { return c.TotalDebtAmount(ctx, id) })
}

func (m *MultiClient) LatestBlock(ctx context.Context) (uint64, error) {
	return failover(m, func(c *Client) (uint64, error) { return c.LatestBlock(ctx) })
}

func (m *MultiClient) FilterEvents(ctx context.Context, from, to uint64) ([]types.Log, error) {
	return failover(m, func(c *Client) ([]types.Log, error) { return c.FilterEvents(ctx, from, to) })
}

func (m *MultiClient) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	return failover(m, func(c *Client) (time.Time, error) { return c.BlockTime(ctx, number) })
}

func (m *MultiClient) Sender() common.Address {
	c, _ := m.currentClient()
	return c.Sender()
}

func (m *MultiClient) Estimate(ctx context.Context, call Call) (uint64, error) {
	return failover(m, func(c *Client) (uint64, error) { return c.Estimate(ctx, call) })
}

func (m *MultiClient) Send(ctx context.Context, call Call, gas uint64) (common.Hash, error) {
	c, _ := m.currentClient()
	return c.Send(ctx, call, gas)
}

func (m *MultiClient) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return failover(m, func(c *Client) (*types.Receipt, error) { return c.Receipt(ctx, hash) })
}

func (m *MultiClient) RevertReason(ctx context.Context, call Call, block *big.Int) string {
	c, _ := m.currentClient()
	return c.RevertReason(ctx, call, block)
}

func failover[T any](m *MultiClient, fn func(*Client) (T, error)) (T, error) {
	_, start := m.currentClient()
	var zero T
	var lastErr error
	for attempt := 0; attempt < len(m.clients); attempt++ {
		idx := (start + attempt) % len(m.clients)
		out, err := fn(m.clients[idx])
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		lastErr = err
		if !isTransportError(err) {
			return zero, err
		}
		m.noteFailure(idx)
	}
	return zero, lastErr
}

func isTransportError(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayTimeout)
}

func (m *MultiClient) currentClient() (*Client, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiClient) noteFailure(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != idx {
		return
	}
	m.failCount++
	if m.failCount >= m.failThreshold {
		m.index = (m.index + 1) % len(m.clients)
		m.failCount = 0
	}
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep == "" {
			continue
		}
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
