package models

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// InvoiceStatus mirrors the ledger's uint8 status enum.
type InvoiceStatus uint8

const (
	InvoicePending                InvoiceStatus = 0
	InvoiceVerificationInProgress InvoiceStatus = 1
	InvoiceApproved               InvoiceStatus = 2
	InvoiceRejected               InvoiceStatus = 3
	InvoicePaid                   InvoiceStatus = 4
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoicePending:
		return "pending"
	case InvoiceVerificationInProgress:
		return "verification_in_progress"
	case InvoiceApproved:
		return "approved"
	case InvoiceRejected:
		return "rejected"
	case InvoicePaid:
		return "paid"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParseInvoiceStatus accepts the names produced by String.
func ParseInvoiceStatus(v string) (InvoiceStatus, bool) {
	for s := InvoicePending; s <= InvoicePaid; s++ {
		if s.String() == v {
			return s, true
		}
	}
	return 0, false
}

// Role is the ledger-registered participant role of an account.
type Role uint8

const (
	RoleSupplier Role = 0
	RoleBuyer    Role = 1
	RoleInvestor Role = 2
	// RoleNone is never stored on the ledger; it marks an account that has
	// not called chooseRole yet.
	RoleNone Role = 255
)

func (r Role) String() string {
	switch r {
	case RoleSupplier:
		return "supplier"
	case RoleBuyer:
		return "buyer"
	case RoleInvestor:
		return "investor"
	case RoleNone:
		return "none"
	default:
		return "unknown(" + strconv.Itoa(int(r)) + ")"
	}
}

func ParseRole(v string) (Role, bool) {
	switch v {
	case "supplier":
		return RoleSupplier, true
	case "buyer":
		return RoleBuyer, true
	case "investor":
		return RoleInvestor, true
	}
	return RoleNone, false
}

// Invoice is the canonical client-side view of a ledger invoice. Amounts
// stay in ledger fixed point (wei scale); decimal views are derived.
type Invoice struct {
	ID              uint64
	Supplier        common.Address
	Buyer           common.Address
	Principal       *big.Int
	Investors       []common.Address
	Status          InvoiceStatus
	DueDate         time.Time
	TotalInvestment *big.Int
	IsPaid          bool
	FetchedAt       time.Time
}

// Clone returns a copy that shares no amounts or slices with i.
func (i *Invoice) Clone() *Invoice {
	c := *i
	c.Principal = cloneInt(i.Principal)
	c.TotalInvestment = cloneInt(i.TotalInvestment)
	c.Investors = append([]common.Address(nil), i.Investors...)
	return &c
}

// Settled reports whether the ledger considers the invoice closed.
func (i *Invoice) Settled() bool {
	return i.IsPaid || i.Status == InvoicePaid
}

// TokenInfo describes the investment token bound to an invoice.
type TokenInfo struct {
	InvoiceID    uint64
	TokenAddress common.Address
	MaxSupply    *big.Int
	TotalSupply  *big.Int
	PriceWei     *big.Int
	FetchedAt    time.Time
}

func (t *TokenInfo) Clone() *TokenInfo {
	c := *t
	c.MaxSupply = cloneInt(t.MaxSupply)
	c.TotalSupply = cloneInt(t.TotalSupply)
	c.PriceWei = cloneInt(t.PriceWei)
	return &c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// Generated reports whether tokenGeneration has run for the invoice.
func (t *TokenInfo) Generated() bool {
	return t.TokenAddress != (common.Address{})
}

// RemainingCapacity is maxSupply - totalSupply, floored at zero.
func (t *TokenInfo) RemainingCapacity() *big.Int {
	if t.MaxSupply == nil {
		return new(big.Int)
	}
	total := t.TotalSupply
	if total == nil {
		total = new(big.Int)
	}
	out := new(big.Int).Sub(t.MaxSupply, total)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// EventKind names the ledger events that become payment records.
type EventKind string

const (
	EventTokenPurchase      EventKind = "SuccessfulTokenPurchase"
	EventPaymentDistributed EventKind = "PaymentDistributed"
	EventPaymentReceived    EventKind = "PaymentReceived"
	EventPaymentToSupplier  EventKind = "PaymentToSupplier"
)

// Source records which channel first delivered a payment record.
type Source string

const (
	SourceSubscription Source = "subscription"
	SourcePolling      Source = "polling"
	SourceRefresh      Source = "refresh"
	SourceReceipt      Source = "receipt"
)

// NoLogIndex marks a record whose position within its transaction is unknown.
const NoLogIndex = -1

// PaymentRecord is an immutable ledger fact: a token purchase or a payment movement.
type PaymentRecord struct {
	TxHash       common.Hash
	LogIndex     int
	Kind         EventKind
	InvoiceID    uint64
	Counterparty common.Address
	Amount       *big.Int
	BlockNumber  uint64
	BlockTime    time.Time
	Source       Source
	ObservedAt   time.Time
}

// HasTxHash reports whether the transaction hash is known.
func (r *PaymentRecord) HasTxHash() bool {
	return r.TxHash != (common.Hash{})
}

// HasPrimaryKey reports whether (txHash, logIndex) is fully known.
func (r *PaymentRecord) HasPrimaryKey() bool {
	return r.HasTxHash() && r.LogIndex >= 0
}

// Key is the composite primary identity "txHash:logIndex".
func (r *PaymentRecord) Key() string {
	return r.TxHash.Hex() + ":" + strconv.Itoa(r.LogIndex)
}

// Timestamp prefers the block time and falls back to the observation time.
func (r *PaymentRecord) Timestamp() time.Time {
	if !r.BlockTime.IsZero() {
		return r.BlockTime
	}
	return r.ObservedAt
}

// ToDecimal converts a ledger fixed-point integer into a decimal with the given precision.
func ToDecimal(v *big.Int, decimals int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, int32(-decimals))
}

// FromDecimal converts a decimal amount into ledger fixed point, truncating extra precision.
func FromDecimal(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}
