package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Reader is the read side of the ledger interface.
type Reader interface {
	InvoiceDetails(ctx context.Context, id *big.Int) (*RawInvoice, error)
	Invoice(ctx context.Context, id *big.Int) (*RawInvoice, error)
	BuyerInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error)
	SupplierInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error)
	AllInvoiceIDs(ctx context.Context) ([]*big.Int, error)
	IDExists(ctx context.Context, id *big.Int) (bool, error)
	HasChosenRole(ctx context.Context, account common.Address) (bool, error)
	UserRole(ctx context.Context, account common.Address) (uint8, error)
	InvoiceTokenAddress(ctx context.Context, id *big.Int) (common.Address, error)
	MaxSupply(ctx context.Context, id *big.Int) (*big.Int, error)
	TotalSupply(ctx context.Context, id *big.Int) (*big.Int, error)
	PriceOfTokenInEth(ctx context.Context, id *big.Int) (*big.Int, error)
	TotalDebtAmount(ctx context.Context, id *big.Int) (*big.Int, error)
}

// EventSource is the historical event query side used by polling.
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, from, to uint64) ([]types.Log, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// Transactor submits state-changing calls and tracks their receipts.
type Transactor interface {
	Sender() common.Address
	Estimate(ctx context.Context, call Call) (uint64, error)
	Send(ctx context.Context, call Call, gas uint64) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	LatestBlock(ctx context.Context) (uint64, error)
	RevertReason(ctx context.Context, call Call, block *big.Int) string
}

// Call is a contract method invocation.
type Call struct {
	Method string
	Args   []any
	Value  *big.Int
}

// RawInvoice is getInvoiceDetails as returned by the contract.
type RawInvoice struct {
	Id              *big.Int
	Supplier        common.Address
	Buyer           common.Address
	Amount          *big.Int
	Investors       []common.Address
	Status          uint8
	DueDate         *big.Int
	TotalInvestment *big.Int
	IsPaid          bool
}

type Client struct {
	endpoint    string
	eth         *ethclient.Client
	contract    common.Address
	chainID     *big.Int
	callTimeout time.Duration
	signer      Signer
	blockTimes  *cache.Cache[uint64, time.Time]
}

type ClientConfig struct {
	Endpoint    string
	Contract    common.Address
	ChainID     *big.Int
	CallTimeout time.Duration
	Signer      Signer
}

func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("rpc endpoint is empty")
	}
	eth, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, Classify(err)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint:    endpoint,
		eth:         eth,
		contract:    cfg.Contract,
		chainID:     cfg.ChainID,
		callTimeout: timeout,
		signer:      cfg.Signer,
		blockTimes:  cache.New(cache.AsLRU[uint64, time.Time](lru.WithCapacity(4096))),
	}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) Close() { c.eth.Close() }

func (c *Client) InvoiceDetails(ctx context.Context, id *big.Int) (*RawInvoice, error) {
	out, err := c.call(ctx, "getInvoiceDetails", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("getInvoiceDetails: unexpected output arity %d", len(out))
	}
	raw := &RawInvoice{
		Id:              out[0].(*big.Int),
		Supplier:        out[1].(common.Address),
		Buyer:           out[2].(common.Address),
		Amount:          out[3].(*big.Int),
		Investors:       out[4].([]common.Address),
		Status:          out[5].(uint8),
		DueDate:         out[6].(*big.Int),
		TotalInvestment: out[7].(*big.Int),
		IsPaid:          out[8].(bool),
	}
	return raw, nil
}

func (c *Client) Invoice(ctx context.Context, id *big.Int) (*RawInvoice, error) {
	out, err := c.call(ctx, "getInvoice", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getInvoice: unexpected output arity %d", len(out))
	}
	raw, ok := abi.ConvertType(out[0], new(RawInvoice)).(*RawInvoice)
	if !ok {
		return nil, errors.New("getInvoice: unexpected tuple layout")
	}
	return raw, nil
}

func (c *Client) BuyerInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error) {
	return callOne[[]*big.Int](ctx, c, "getBuyerInvoiceIds", account)
}

func (c *Client) SupplierInvoiceIDs(ctx context.Context, account common.Address) ([]*big.Int, error) {
	return callOne[[]*big.Int](ctx, c, "getSupplierInvoices", account)
}

func (c *Client) AllInvoiceIDs(ctx context.Context) ([]*big.Int, error) {
	return callOne[[]*big.Int](ctx, c, "getAllInvoiceIds")
}

func (c *Client) IDExists(ctx context.Context, id *big.Int) (bool, error) {
	return callOne[bool](ctx, c, "IdExists", id)
}

func (c *Client) HasChosenRole(ctx context.Context, account common.Address) (bool, error) {
	return callOne[bool](ctx, c, "hasChosenRole", account)
}

func (c *Client) UserRole(ctx context.Context, account common.Address) (uint8, error) {
	return callOne[uint8](ctx, c, "getUserRole", account)
}

func (c *Client) InvoiceTokenAddress(ctx context.Context, id *big.Int) (common.Address, error) {
	return callOne[common.Address](ctx, c, "getInvoiceTokenAddress", id)
}

func (c *Client) MaxSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	return callOne[*big.Int](ctx, c, "getMaxSupply", id)
}

func (c *Client) TotalSupply(ctx context.Context, id *big.Int) (*big.Int, error) {
	return callOne[*big.Int](ctx, c, "getTotalSupply", id)
}

func (c *Client) PriceOfTokenInEth(ctx context.Context, id *big.Int) (*big.Int, error) {
	return callOne[*big.Int](ctx, c, "getPriceOfTokenInEth", id)
}

func (c *Client) TotalDebtAmount(ctx context.Context, id *big.Int) (*big.Int, error) {
	return callOne[*big.Int](ctx, c, "_getTotalDebtAmount", id)
}

func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// FilterEvents returns every watched contract event in [from, to].
func (c *Client) FilterEvents(ctx context.Context, from, to uint64) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{WatchedTopics()},
	}
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, Classify(err)
	}
	return logs, nil
}

func (c *Client) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if ts, ok := c.blockTimes.Get(number); ok {
		return ts, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, Classify(err)
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	c.blockTimes.Set(number, ts)
	return ts, nil
}

func (c *Client) Sender() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.Address()
}

func (c *Client) Estimate(ctx context.Context, call Call) (uint64, error) {
	msg, err := c.callMsg(call)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, Classify(err)
	}
	return gas, nil
}

// Send signs and broadcasts call. It is never retried: a failure is
// returned to the caller as-is.
func (c *Client) Send(ctx context.Context, call Call, gas uint64) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, errors.New("no signer configured")
	}
	msg, err := c.callMsg(call)
	if err != nil {
		return common.Hash{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	nonce, err := c.eth.PendingNonceAt(ctx, msg.From)
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, Classify(err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.contract,
		Value:     msg.Value,
		Data:      msg.Data,
	})
	signed, err := c.signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		return common.Hash{}, ClassifySend(err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, ClassifySend(err)
	}
	return signed.Hash(), nil
}

// Receipt returns ErrNotFound while the transaction is still pending.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, Classify(err)
	}
	return receipt, nil
}

// RevertReason replays call at block to recover the reason of a failed receipt.
func (c *Client) RevertReason(ctx context.Context, call Call, block *big.Int) string {
	msg, err := c.callMsg(call)
	if err != nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	_, err = c.eth.CallContract(ctx, msg, block)
	if rev, ok := RevertFromError(err); ok {
		return rev.Reason
	}
	return ""
}

func (c *Client) callMsg(call Call) (ethereum.CallMsg, error) {
	data, err := ContractABI.Pack(call.Method, call.Args...)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("pack %s: %w", call.Method, err)
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	return ethereum.CallMsg{
		From:  c.Sender(),
		To:    &c.contract,
		Value: value,
		Data:  data,
	}, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := ContractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	res, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, Classify(err)
	}
	out, err := ContractABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func callOne[T any](ctx context.Context, c *Client, method string, args ...any) (T, error) {
	var zero T
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return zero, err
	}
	if len(out) != 1 {
		return zero, fmt.Errorf("%s: unexpected output arity %d", method, len(out))
	}
	v, ok := out[0].(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	return v, nil
}
