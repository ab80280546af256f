package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Poster is the transport the adapters use to reach a provider.
type Poster interface {
	PostJSON(ctx context.Context, path, idempotencyKey string, body, out any) error
}

// NewPoster returns a single Client for one base URL and a Failover when the
// provider publishes several endpoints.
func NewPoster(name string, baseURLs []string, apiKey string, timeout time.Duration) Poster {
	list := sanitizeEndpoints(baseURLs)
	if len(list) <= 1 {
		base := ""
		if len(list) == 1 {
			base = list[0]
		}
		return NewClient(name, base, apiKey, timeout)
	}
	clients := make([]*Client, 0, len(list))
	for _, u := range list {
		clients = append(clients, NewClient(name, u, apiKey, timeout))
	}
	return NewFailover(clients)
}

// Failover spreads calls over several endpoints of one provider. A call that
// fails with ErrGatewayUnavailable is replayed on the next endpoint with the
// same idempotency key; rejections are returned as is.
type Failover struct {
	clients  []*Client
	index    int
	failures map[int]int
	mu       sync.Mutex
}

func NewFailover(clients []*Client) *Failover {
	return &Failover{clients: clients, failures: make(map[int]int)}
}

// BaseURL is the endpoint currently in use.
func (f *Failover) BaseURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[f.index].BaseURL
}

func (f *Failover) PostJSON(ctx context.Context, path, idempotencyKey string, body, out any) error {
	if len(f.clients) == 0 {
		return errors.New("gateway: no endpoints configured")
	}
	var lastErr error
	for attempt := 0; attempt < len(f.clients); attempt++ {
		client, idx := f.current()
		err := client.PostJSON(ctx, path, idempotencyKey, body, out)
		if err == nil {
			f.resetFailures(idx)
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrGatewayUnavailable) || ctx.Err() != nil {
			return err
		}
		f.noteFailure(idx)
		f.rotate(idx)
	}
	return lastErr
}

func (f *Failover) current() (*Client, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[f.index], f.index
}

func (f *Failover) resetFailures(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, idx)
}

func (f *Failover) noteFailure(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[idx]++
}

// rotate moves off idx unless another caller already did.
func (f *Failover) rotate(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != idx {
		return
	}
	f.index = (f.index + 1) % len(f.clients)
}

// Failures is the consecutive failure count of the endpoint at base.
func (f *Failover) Failures(base string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.clients {
		if c.BaseURL == base {
			return f.failures[i]
		}
	}
	return 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := make(map[string]struct{}, len(endpoints))
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
