package cryptopay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"CFABridge/internal/gateway"

	"github.com/gorilla/websocket"
)

// Feed is the provider's websocket stream of payout events. It carries the
// same events as the webhook and is used as a second delivery path.
type Feed struct {
	Endpoint string
	APIKey   string
	Conn     *websocket.Conn
}

func NewFeed(endpoint, apiKey string) *Feed {
	return &Feed{Endpoint: endpoint, APIKey: apiKey}
}

func (f *Feed) Connect(ctx context.Context) error {
	header := http.Header{}
	if f.APIKey != "" {
		header.Set("Authorization", "Bearer "+f.APIKey)
	}
	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, f.Endpoint, header)
	if err != nil {
		return err
	}
	f.Conn = conn
	return nil
}

func (f *Feed) Close() {
	if f.Conn != nil {
		_ = f.Conn.Close()
	}
}

func (f *Feed) Subscribe(ctx context.Context) error {
	return f.Conn.WriteJSON(map[string]any{
		"op":       "subscribe",
		"channels": []string{"payouts"},
	})
}

// Read blocks for the next frame. Cancelling ctx closes the connection.
func (f *Feed) Read(ctx context.Context) ([]byte, error) {
	conn := f.Conn
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	_, msg, err := conn.ReadMessage()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return msg, err
}

// ParseFeedMessage extracts a payout callback from a feed frame. ok is false
// for frames that carry no payout event (acks, heartbeats).
func ParseFeedMessage(msg []byte) (gateway.Callback, bool, error) {
	var env struct {
		Channel string          `json:"channel"`
		Event   json.RawMessage `json:"event"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return gateway.Callback{}, false, err
	}
	if env.Error != nil {
		return gateway.Callback{}, false, errors.New(env.Error.Message)
	}
	if env.Channel != "payouts" || len(env.Event) == 0 {
		return gateway.Callback{}, false, nil
	}
	cb, err := parseEvent(env.Event)
	if err != nil {
		return gateway.Callback{}, false, err
	}
	return cb, true, nil
}

// DefaultFeedEndpoint derives the stream URL from the REST base URL.
func DefaultFeedEndpoint(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"), strings.HasPrefix(base, "ws://"):
		if strings.HasSuffix(base, "/v2/stream") {
			return base
		}
		return base + "/v2/stream"
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/v2/stream"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/v2/stream"
	}
	return ""
}
