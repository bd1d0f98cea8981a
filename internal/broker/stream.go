// stream.go maintains the venue's account-event WebSocket feed.
//
// One feed connection serves all subscribed accounts. The feed
// auto-reconnects with exponential backoff (1s to 30s max) and re-subscribes
// to every tracked account on reconnection. A read deadline detects silent
// server failures within about two missed pings. Per-account ordering holds
// within a connection; reconnects carry no replay guarantee, so consumers
// resync via GetAccount/GetPositions after a gap.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedPingInterval = 50 * time.Second
	feedReadTimeout  = 90 * time.Second
	feedWriteTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	updateBufferSize = 256
)

type updateFeed struct {
	url    string
	token  string
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// Subscribers keyed by account ID; re-subscribed on reconnect.
	subMu sync.RWMutex
	subs  map[string][]chan Update

	runOnce sync.Once
}

type feedSubscribeMsg struct {
	Operation  string   `json:"op"`
	Token      string   `json:"token,omitempty"`
	AccountIDs []string `json:"account_ids"`
}

func newUpdateFeed(baseURL, token string, logger *slog.Logger) *updateFeed {
	return &updateFeed{
		url:    wsURLFor(baseURL),
		token:  token,
		logger: logger.With("component", "update_feed"),
		subs:   make(map[string][]chan Update),
	}
}

// wsURLFor derives the event-stream endpoint from the REST base URL.
func wsURLFor(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/stream"
}

// subscribe registers a consumer for one account's updates. The feed
// goroutine starts on first use and lives for the process.
func (f *updateFeed) subscribe(ctx context.Context, accountID string) (<-chan Update, error) {
	ch := make(chan Update, updateBufferSize)

	f.subMu.Lock()
	fresh := len(f.subs[accountID]) == 0
	f.subs[accountID] = append(f.subs[accountID], ch)
	f.subMu.Unlock()

	f.runOnce.Do(func() {
		go f.run(context.WithoutCancel(ctx))
	})

	if fresh {
		// Best effort; the reconnect path re-sends the full set anyway.
		if err := f.writeJSON(feedSubscribeMsg{Operation: "subscribe", Token: f.token, AccountIDs: []string{accountID}}); err != nil {
			f.logger.Debug("subscribe deferred until connect", "account", accountID)
		}
	}

	go func() {
		<-ctx.Done()
		f.unsubscribe(accountID, ch)
	}()

	return ch, nil
}

func (f *updateFeed) unsubscribe(accountID string, ch chan Update) {
	f.subMu.Lock()
	defer f.subMu.Unlock()
	chans := f.subs[accountID]
	for i, c := range chans {
		if c == ch {
			f.subs[accountID] = append(chans[:i], chans[i+1:]...)
			close(c)
			break
		}
	}
	if len(f.subs[accountID]) == 0 {
		delete(f.subs, accountID)
	}
}

// run maintains the connection with auto-reconnect until ctx is cancelled.
func (f *updateFeed) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		f.logger.Warn("update feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *updateFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("update feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatch(msg)
	}
}

func (f *updateFeed) resubscribe() error {
	f.subMu.RLock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.subMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(feedSubscribeMsg{Operation: "subscribe", Token: f.token, AccountIDs: ids})
}

func (f *updateFeed) dispatch(data []byte) {
	var upd Update
	if err := json.Unmarshal(data, &upd); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}
	switch upd.Kind {
	case UpdateOrder, UpdateFill, UpdateAccount, UpdatePosition, UpdateReset:
	default:
		f.logger.Debug("unknown feed event kind", "kind", upd.Kind)
		return
	}

	f.subMu.RLock()
	chans := f.subs[upd.AccountID]
	f.subMu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- upd:
		default:
			f.logger.Warn("update channel full, dropping event",
				"account", upd.AccountID, "kind", upd.Kind)
		}
	}
}

func (f *updateFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *updateFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("update feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *updateFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("update feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
