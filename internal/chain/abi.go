package chain

import (
	"bytes"
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed main.abi.json
var mainABIJSON string

// ContractABI is the parsed interface of the invoice financing contract.
var ContractABI = mustParseABI(mainABIJSON)

// Event names consumed from the ledger.
const (
	EventInvoiceCreated          = "InvoiceCreated"
	EventInvoiceVerified         = "InvoiceVerified"
	EventInvoicePaid             = "InvoicePaid"
	EventInvoiceTokenCreated     = "InvoiceTokenCreated"
	EventSuccessfulTokenPurchase = "SuccessfulTokenPurchase"
	EventPaymentReceived         = "PaymentReceived"
	EventPaymentDistributed      = "PaymentDistributed"
	EventPaymentToSupplier       = "PaymentToSupplier"
)

// WatchedEvents is the set of events the synchronizer subscribes to and polls.
var WatchedEvents = []string{
	EventInvoiceCreated,
	EventInvoiceVerified,
	EventInvoicePaid,
	EventInvoiceTokenCreated,
	EventSuccessfulTokenPurchase,
	EventPaymentReceived,
	EventPaymentDistributed,
	EventPaymentToSupplier,
}

// WatchedTopics returns topic0 values for WatchedEvents, in order.
func WatchedTopics() []common.Hash {
	out := make([]common.Hash, 0, len(WatchedEvents))
	for _, name := range WatchedEvents {
		out = append(out, ContractABI.Events[name].ID)
	}
	return out
}

// EventByTopic resolves topic0 to a contract event.
func EventByTopic(topic common.Hash) (*abi.Event, bool) {
	ev, err := ContractABI.EventByID(topic)
	if err != nil {
		return nil, false
	}
	return ev, true
}

// DecodeRevert turns revert data into a reason: Error(string) payloads yield
// their message, contract custom errors yield their name.
func DecodeRevert(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	for name, e := range ContractABI.Errors {
		if bytes.Equal(e.ID[:4], data[:4]) {
			return name
		}
	}
	return ""
}

// reasonFromMessage extracts a Main__* custom error name or the text after
// "execution reverted:" from a node error message.
func reasonFromMessage(msg string) string {
	if i := strings.Index(msg, "Main__"); i >= 0 {
		end := i
		for end < len(msg) && isIdentByte(msg[end]) {
			end++
		}
		return msg[i:end]
	}
	const marker = "execution reverted:"
	if i := strings.Index(msg, marker); i >= 0 {
		return strings.TrimSpace(msg[i+len(marker):])
	}
	return ""
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid contract abi: " + err.Error())
	}
	return parsed
}
