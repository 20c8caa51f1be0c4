package chain

import "strings"

// DefaultWSEndpoint maps an http(s) JSON-RPC endpoint to its ws(s) twin.
func DefaultWSEndpoint(rpc string) string {
	rpc = strings.TrimRight(strings.TrimSpace(rpc), "/")
	switch {
	case strings.HasPrefix(rpc, "ws://"), strings.HasPrefix(rpc, "wss://"):
		return rpc
	case strings.HasPrefix(rpc, "https://"):
		return "wss://" + strings.TrimPrefix(rpc, "https://")
	case strings.HasPrefix(rpc, "http://"):
		return "ws://" + strings.TrimPrefix(rpc, "http://")
	}
	return ""
}

// DefaultWSEndpoints derives ws endpoints for every rpc endpoint that has one.
func DefaultWSEndpoints(rpcs []string) []string {
	out := make([]string, 0, len(rpcs))
	for _, rpc := range rpcs {
		if ws := DefaultWSEndpoint(rpc); ws != "" {
			out = append(out, ws)
		}
	}
	return out
}
