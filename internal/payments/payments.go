package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"InvoiceChainSync/internal/chain"
	"InvoiceChainSync/internal/models"
)

var ErrUnknownEvent = errors.New("unknown contract event")

// Touch is an invoice-level event that carries no payment but changes what
// the repository would return for the invoice.
type Touch struct {
	Event     string
	InvoiceID uint64
	Supplier  common.Address
	Buyer     common.Address
	Block     uint64
	TxHash    common.Hash
}

// BlockTimer resolves block timestamps.
type BlockTimer interface {
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

type Extracted struct {
	Records []models.PaymentRecord
	Touches []Touch
	Removed int
}

var paymentKinds = map[string]models.EventKind{
	chain.EventSuccessfulTokenPurchase: models.EventTokenPurchase,
	chain.EventPaymentDistributed:      models.EventPaymentDistributed,
	chain.EventPaymentReceived:         models.EventPaymentReceived,
	chain.EventPaymentToSupplier:       models.EventPaymentToSupplier,
}

// ExtractRecords decodes contract logs into payment records and invoice
// touches. Removed (reorged) logs are counted and skipped. Block times are
// looked up once per block when times is non-nil.
func ExtractRecords(ctx context.Context, logs []types.Log, times BlockTimer, source models.Source, now time.Time) (Extracted, error) {
	var out Extracted
	blockTimes := map[uint64]time.Time{}
	for i := range logs {
		lg := &logs[i]
		if lg.Removed {
			out.Removed++
			continue
		}
		rec, touch, err := Decode(lg, source, now)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				continue
			}
			return out, err
		}
		if touch != nil {
			out.Touches = append(out.Touches, *touch)
			continue
		}
		if times != nil && lg.BlockNumber > 0 {
			ts, ok := blockTimes[lg.BlockNumber]
			if !ok {
				ts, err = times.BlockTime(ctx, lg.BlockNumber)
				if err != nil {
					return out, fmt.Errorf("block %d time: %w", lg.BlockNumber, err)
				}
				blockTimes[lg.BlockNumber] = ts
			}
			rec.BlockTime = ts
		}
		out.Records = append(out.Records, *rec)
	}
	return out, nil
}

// Decode turns one log into either a payment record or a touch.
func Decode(lg *types.Log, source models.Source, now time.Time) (*models.PaymentRecord, *Touch, error) {
	if len(lg.Topics) == 0 {
		return nil, nil, ErrUnknownEvent
	}
	ev, ok := chain.EventByTopic(lg.Topics[0])
	if !ok {
		return nil, nil, ErrUnknownEvent
	}
	if len(lg.Topics) < 2 {
		return nil, nil, fmt.Errorf("%s: missing invoice id topic", ev.Name)
	}
	id, err := invoiceID(lg.Topics[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", ev.Name, err)
	}

	kind, isPayment := paymentKinds[ev.Name]
	if !isPayment {
		switch ev.Name {
		case chain.EventInvoiceCreated, chain.EventInvoiceVerified, chain.EventInvoicePaid, chain.EventInvoiceTokenCreated:
		default:
			return nil, nil, ErrUnknownEvent
		}
		t := &Touch{Event: ev.Name, InvoiceID: id, Block: lg.BlockNumber, TxHash: lg.TxHash}
		if ev.Name == chain.EventInvoiceCreated && len(lg.Topics) >= 4 {
			t.Supplier = common.BytesToAddress(lg.Topics[2].Bytes())
			t.Buyer = common.BytesToAddress(lg.Topics[3].Bytes())
		}
		return nil, t, nil
	}

	if len(lg.Topics) < 3 {
		return nil, nil, fmt.Errorf("%s: missing counterparty topic", ev.Name)
	}
	values, err := ev.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: unpack: %w", ev.Name, err)
	}
	if len(values) != 1 {
		return nil, nil, fmt.Errorf("%s: expected 1 data field, got %d", ev.Name, len(values))
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, nil, fmt.Errorf("%s: amount is %T", ev.Name, values[0])
	}
	return &models.PaymentRecord{
		TxHash:       lg.TxHash,
		LogIndex:     int(lg.Index),
		Kind:         kind,
		InvoiceID:    id,
		Counterparty: common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:       amount,
		BlockNumber:  lg.BlockNumber,
		Source:       source,
		ObservedAt:   now,
	}, nil, nil
}

func invoiceID(topic common.Hash) (uint64, error) {
	v := new(big.Int).SetBytes(topic.Bytes())
	if !v.IsUint64() {
		return 0, fmt.Errorf("invoice id %s overflows uint64", v)
	}
	return v.Uint64(), nil
}
