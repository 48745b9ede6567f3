package fanout

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

// WatchFunc decides whether userID may follow a battle channel.
type WatchFunc func(ctx context.Context, userID, battleID string) bool

// Gateway bridges Redis channels to a WebSocket client: the caller's private
// channel always, plus every ?battle=<id> the WatchFunc allows.
type Gateway struct {
	rdb          *redis.Client
	userID       func(*http.Request) string
	canWatch     WatchFunc
	origins      []string
	pingInterval time.Duration
	writeTimeout time.Duration
}

type GatewayOption func(*Gateway)

func WithOrigins(patterns []string) GatewayOption {
	return func(g *Gateway) { g.origins = patterns }
}

func WithWatchFunc(fn WatchFunc) GatewayOption {
	return func(g *Gateway) { g.canWatch = fn }
}

func WithPingInterval(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.pingInterval = d
		}
	}
}

func NewGateway(rdb *redis.Client, userID func(*http.Request) string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		rdb:          rdb,
		userID:       userID,
		pingInterval: 30 * time.Second,
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid := strings.TrimSpace(g.userID(r))
	if uid == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	channels := []string{UserChannel(uid)}
	for _, b := range r.URL.Query()["battle"] {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if g.canWatch != nil && !g.canWatch(r.Context(), uid, b) {
			http.Error(w, "battle not visible", http.StatusForbidden)
			return
		}
		channels = append(channels, BattleChannel(b))
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  g.origins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_failed", zap.String("user_id", uid), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	// 클라이언트 메시지는 무시; 연결 종료 시 ctx 취소
	ctx := conn.CloseRead(r.Context())

	sub := g.rdb.Subscribe(ctx, channels...)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		obslog.L().Warn("ws_subscribe_failed", zap.String("user_id", uid), zap.Error(err))
		return
	}
	obslog.L().Info("ws_connected", zap.String("user_id", uid), zap.Strings("channels", channels))

	msgs := sub.Channel()
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			obslog.L().Debug("ws_disconnected", zap.String("user_id", uid))
			return
		case m, ok := <-msgs:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "subscription closed")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, g.writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(m.Payload))
			cancel()
			if err != nil {
				obslog.L().Debug("ws_write_failed", zap.String("user_id", uid), zap.Error(err))
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
