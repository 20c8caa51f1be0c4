package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
)

// ErrSubscriptionClosed is returned by Next once the subscription is torn down.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a live stream of contract logs.
type Subscription interface {
	Next(ctx context.Context) (types.Log, error)
	Close()
}

// Subscriber attaches live log subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context) (Subscription, error)
}

// WSSubscriber opens eth_subscribe("logs") streams over websocket, moving
// to the next endpoint whenever a dial or subscribe fails.
type WSSubscriber struct {
	endpoints []string
	contract  common.Address
	timeout   time.Duration

	mu    sync.Mutex
	index int
}

func NewWSSubscriber(endpoints []string, contract common.Address, handshakeTimeout time.Duration) *WSSubscriber {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WSSubscriber{
		endpoints: sanitizeEndpoints(endpoints),
		contract:  contract,
		timeout:   handshakeTimeout,
	}
}

func (s *WSSubscriber) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) == 0 {
		return ""
	}
	return s.endpoints[s.index]
}

func (s *WSSubscriber) Subscribe(ctx context.Context) (Subscription, error) {
	endpoint := s.Endpoint()
	if endpoint == "" {
		return nil, errors.New("ws endpoints is empty")
	}
	sub, err := s.subscribe(ctx, endpoint)
	if err != nil {
		s.rotate()
		return nil, err
	}
	return sub, nil
}

func (s *WSSubscriber) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) > 0 {
		s.index = (s.index + 1) % len(s.endpoints)
	}
}

func (s *WSSubscriber) subscribe(ctx context.Context, endpoint string) (*WSSubscription, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: s.timeout}
	conn, _, err := dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return nil, Classify(err)
	}

	topics := WatchedTopics()
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params": []any{"logs", map[string]any{
			"address": s.contract,
			"topics":  [][]common.Hash{topics},
		}},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := conn.WriteJSON(payload); err != nil {
		_ = conn.Close()
		return nil, Classify(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, Classify(err)
	}
	id, err := parseSubscribeAck(msg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &WSSubscription{conn: conn, id: id, endpoint: endpoint}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// WSSubscription is one attached eth_subscribe stream.
type WSSubscription struct {
	conn     *websocket.Conn
	id       string
	endpoint string
	stop     func() bool

	once   sync.Once
	closed atomic.Bool
}

func (s *WSSubscription) ID() string { return s.id }

func (s *WSSubscription) Endpoint() string { return s.endpoint }

func (s *WSSubscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.stop != nil {
			s.stop()
		}
		_ = s.conn.Close()
	})
}

// Next blocks until the next log notification for this subscription.
// Removed (reorged) logs are skipped.
func (s *WSSubscription) Next(ctx context.Context) (types.Log, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.Log{}, err
		}
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return types.Log{}, ErrSubscriptionClosed
			}
			return types.Log{}, Classify(err)
		}
		lg, ok, err := ParseLogNotification(msg, s.id)
		if err != nil {
			return types.Log{}, err
		}
		if !ok || lg.Removed {
			continue
		}
		return *lg, nil
	}
}

type rpcEnvelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params *struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseSubscribeAck(msg []byte) (string, error) {
	var env rpcEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return "", err
	}
	if env.Error != nil {
		return "", fmt.Errorf("eth_subscribe: %s (code %d)", env.Error.Message, env.Error.Code)
	}
	var id string
	if err := json.Unmarshal(env.Result, &id); err != nil || id == "" {
		return "", errors.New("eth_subscribe: missing subscription id")
	}
	return id, nil
}

// ParseLogNotification decodes an eth_subscription push. It returns ok=false
// for frames that are not log notifications of subID (empty subID accepts any).
func ParseLogNotification(msg []byte, subID string) (*types.Log, bool, error) {
	var env rpcEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Error != nil {
		return nil, false, errors.New(env.Error.Message)
	}
	if env.Method != "eth_subscription" || env.Params == nil || len(env.Params.Result) == 0 {
		return nil, false, nil
	}
	if subID != "" && env.Params.Subscription != subID {
		return nil, false, nil
	}
	var lg types.Log
	if err := json.Unmarshal(env.Params.Result, &lg); err != nil {
		return nil, false, err
	}
	return &lg, true, nil
}
