package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type dataErr struct {
	msg  string
	data string
}

func (e dataErr) Error() string  { return e.msg }
func (e dataErr) ErrorCode() int { return 3 }
func (e dataErr) ErrorData() any { return e.data }

func errorStringPayload(t *testing.T, reason string) []byte {
	t.Helper()
	typ, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: typ}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], packed...)
}

func TestDecodeRevert(t *testing.T) {
	require.Equal(t, "", DecodeRevert(nil))
	require.Equal(t, "too late", DecodeRevert(errorStringPayload(t, "too late")))

	id := ContractABI.Errors["Main__InsufficientPayment"].ID
	require.Equal(t, "Main__InsufficientPayment", DecodeRevert(id[:4]))
	require.Equal(t, "", DecodeRevert([]byte{1, 2, 3, 4}))
}

func TestClassify(t *testing.T) {
	require.NoError(t, Classify(nil))
	require.ErrorIs(t, Classify(context.DeadlineExceeded), ErrGatewayTimeout)
	require.ErrorIs(t, Classify(errors.New("connection refused")), ErrGatewayUnavailable)
	require.ErrorIs(t, Classify(context.Canceled), context.Canceled)

	id := ContractABI.Errors["Main__CallerMustBeBuyer"].ID
	err := Classify(dataErr{msg: "execution reverted", data: hexutil.Encode(id[:4])})
	var rev *RevertError
	require.ErrorAs(t, err, &rev)
	require.Equal(t, "Main__CallerMustBeBuyer", rev.Reason)
	require.ErrorIs(t, err, ErrActionReverted)

	missing := ContractABI.Errors["Main__InvoiceNotExist"].ID
	require.ErrorIs(t, Classify(dataErr{msg: "execution reverted", data: hexutil.Encode(missing[:4])}), ErrNotFound)

	err = Classify(fmt.Errorf("call: %w", errors.New("execution reverted: Main__ExceedsMaxSupply()")))
	require.ErrorAs(t, err, &rev)
	require.Equal(t, "Main__ExceedsMaxSupply", rev.Reason)
}

func TestClassifySend(t *testing.T) {
	require.ErrorIs(t, ClassifySend(errors.New("nonce too low")), ErrSubmissionRejected)
	require.ErrorIs(t, ClassifySend(errors.New("insufficient funds for gas * price + value")), ErrSubmissionRejected)
	require.ErrorIs(t, ClassifySend(errors.New("User denied transaction signature")), ErrRejectedByUser)
	require.ErrorIs(t, ClassifySend(errors.New("dial tcp: i/o timeout")), ErrGatewayUnavailable)
}

func TestParseLogNotification(t *testing.T) {
	frame := `{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xabc","result":{
		"address":"0x5fbdb2315678afecb367f032d93f642f64180aa3",
		"topics":["0x0000000000000000000000000000000000000000000000000000000000000001"],
		"data":"0x",
		"blockNumber":"0x10",
		"transactionHash":"0x0000000000000000000000000000000000000000000000000000000000000042",
		"transactionIndex":"0x0",
		"blockHash":"0x0000000000000000000000000000000000000000000000000000000000000007",
		"logIndex":"0x3",
		"removed":false}}}`

	lg, ok, err := ParseLogNotification([]byte(frame), "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(16), lg.BlockNumber)
	require.Equal(t, uint(3), lg.Index)
	require.Equal(t, common.HexToHash("0x42"), lg.TxHash)

	_, ok, err = ParseLogNotification([]byte(frame), "0xother")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = ParseLogNotification([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`), "")
	require.NoError(t, err)
	require.False(t, ok)

	id, err := parseSubscribeAck([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`))
	require.NoError(t, err)
	require.Equal(t, "0xabc", id)
	_, err = parseSubscribeAck([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`))
	require.Error(t, err)
}

func TestEndpoints(t *testing.T) {
	require.Equal(t, []string{"http://a", "https://b"}, sanitizeEndpoints([]string{" http://a/ ", "", "http://a", "https://b"}))
	require.Equal(t, []string{"ws://a", "wss://b"}, DefaultWSEndpoints([]string{"http://a", "https://b/", "ipc"}))
}

func TestWatchedTopicsResolve(t *testing.T) {
	topics := WatchedTopics()
	require.Len(t, topics, len(WatchedEvents))
	for i, topic := range topics {
		ev, ok := EventByTopic(topic)
		require.True(t, ok)
		require.Equal(t, WatchedEvents[i], ev.Name)
	}
}
