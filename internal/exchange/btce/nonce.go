package btce

import (
	"strconv"
	"strings"
	"sync"
)

// nonceCounter hands out strictly increasing nonces for one API key.
type nonceCounter struct {
	mu    sync.Mutex
	value int64
}

func (n *nonceCounter) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.value++
	return n.value
}

// Reset sets the last accepted nonce; the next call returns last+1.
func (n *nonceCounter) Reset(last int64) {
	n.mu.Lock()
	n.value = last
	n.mu.Unlock()
}

func (n *nonceCounter) Current() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.value
}

// parseNonceKey extracts the last accepted nonce from a rejection such as
// "invalid nonce parameter; on key:4, you sent:'0', you should send:5".
func parseNonceKey(msg string) (int64, bool) {
	_, detail, ok := strings.Cut(msg, ";")
	if !ok {
		return 0, false
	}
	for _, part := range strings.Split(detail, ",") {
		k, v, ok := strings.Cut(part, ":")
		if !ok || strings.TrimSpace(k) != "on key" {
			continue
		}
		key, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || key < 0 {
			return 0, false
		}
		return key, true
	}
	return 0, false
}
