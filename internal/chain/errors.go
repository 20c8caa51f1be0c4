package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrGatewayTimeout     = errors.New("gateway timeout")
	ErrNotFound           = errors.New("not found on ledger")
	ErrRejectedByUser     = errors.New("action rejected by user")
	ErrSubmissionRejected = errors.New("transaction rejected by node")
	ErrActionReverted     = errors.New("action reverted")
)

// RevertError carries the decoded reason of a ledger-side rejection.
type RevertError struct {
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return "execution reverted: " + e.Reason
}

func (e *RevertError) Is(target error) bool {
	return target == ErrActionReverted
}

// Classify maps transport-level failures onto the gateway error taxonomy.
// Errors the node answered with (reverts, JSON-RPC errors) keep their identity.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrGatewayTimeout),
		errors.Is(err, ErrGatewayUnavailable),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRejectedByUser),
		errors.Is(err, ErrSubmissionRejected),
		errors.Is(err, ErrActionReverted):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrGatewayTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if rev, ok := RevertFromError(err); ok {
		if rev.Reason == "Main__InvoiceNotExist" {
			return fmt.Errorf("%w: %v", ErrNotFound, rev)
		}
		return rev
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

// ClassifySend is Classify for eth_sendRawTransaction, where node-side
// rejections of the signed transaction must not look like transport errors.
func ClassifySend(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"insufficient funds",
		"already known",
		"intrinsic gas too low",
		"max fee per gas less than block base fee",
		"exceeds block gas limit",
	} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %s", ErrSubmissionRejected, marker)
		}
	}
	if strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied") {
		return fmt.Errorf("%w: %v", ErrRejectedByUser, err)
	}
	return Classify(err)
}

// RevertFromError extracts a revert from a JSON-RPC execution error.
func RevertFromError(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev, true
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		data := revertData(dataErr.ErrorData())
		reason := DecodeRevert(data)
		if reason == "" {
			reason = reasonFromMessage(err.Error())
		}
		return &RevertError{Reason: reason, Data: data}, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return &RevertError{Reason: reasonFromMessage(err.Error())}, true
	}
	return nil, false
}

func revertData(v any) []byte {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil
	}
	return b
}
