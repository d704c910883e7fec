package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/metaaggregator/escrowgate/internal/escrow"
	"github.com/metaaggregator/escrowgate/internal/pkg/apperrors"
	"github.com/metaaggregator/escrowgate/internal/pkg/logger"
	"github.com/metaaggregator/escrowgate/internal/pkg/metrics"
	"github.com/metaaggregator/escrowgate/internal/service"
)

const (
	PingPeriod   = 15 * time.Second
	writeTimeout = 10 * time.Second
)

type EventsHandler struct {
	// base ends every open stream when the server stops; Shutdown does not
	// track hijacked connections.
	base     context.Context
	stream   *service.EventStream
	upgrader websocket.Upgrader
}

func NewEventsHandler(base context.Context, stream *service.EventStream) *EventsHandler {
	if base == nil {
		base = context.Background()
	}
	return &EventsHandler{
		base:   base,
		stream: stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 网关通过 API key 鉴权, 不依赖 Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type eventMessage struct {
	Type        string `json:"type"`
	Kind        string `json:"kind,omitempty"`
	Contract    string `json:"contract,omitempty"`
	Party       string `json:"party,omitempty"`
	Token       string `json:"token,omitempty"`
	Amount      string `json:"amount,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	TxHash      string `json:"txHash,omitempty"`
	LogIndex    uint   `json:"logIndex"`
	Error       string `json:"error,omitempty"`
}

func toEventMessage(ev escrow.Event) eventMessage {
	msg := eventMessage{
		Type:        "event",
		Kind:        string(ev.Kind),
		Contract:    ev.Contract.Hex(),
		Party:       ev.Party.Hex(),
		Token:       ev.Token.Hex(),
		BlockNumber: ev.BlockNumber,
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
	}
	if ev.Amount != nil {
		msg.Amount = ev.Amount.String()
	}
	return msg
}

// Stream upgrades to a websocket and pushes escrow events until the client
// disconnects. ?from_block=N replays history from block N.
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.stream == nil {
		_ = c.Error(apperrors.New(apperrors.ErrUnavailable, "event stream disabled", nil))
		return
	}

	var fromBlock *uint64
	if raw := c.Query("from_block"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			_ = c.Error(apperrors.NewInvalidRequest("from_block must be a block number"))
			return
		}
		fromBlock = &n
	}

	ctx, cancel := context.WithCancel(h.base)
	defer cancel()

	sub, err := h.stream.Subscribe(ctx, fromBlock)
	if err != nil {
		_ = c.Error(apperrors.New(apperrors.ErrUpstream, "chain unavailable", err))
		return
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Zombie check: no pong within PingPeriod + buffer closes the stream.
	readTimeout := PingPeriod + 10*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Reader: drains client frames and detects disconnects.
	go func() {
		defer sub.Unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Pinger
	go func() {
		ticker := time.NewTicker(PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sub.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					sub.Unsubscribe()
					return
				}
			}
		}
	}()

	logger.Info("Event stream opened", "client_ip", c.ClientIP())
	for ev, err := range sub.Events() {
		var msg eventMessage
		if err != nil {
			logger.Warn("Escrow log poll failed", "error", err)
			msg = eventMessage{Type: "error", Error: "upstream poll failed"}
		} else {
			msg = toEventMessage(ev)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug("Event stream write failed", "error", err)
			break
		}
		if msg.Type == "event" {
			metrics.EventsStreamed.WithLabelValues(msg.Kind).Inc()
		}
	}
	code := websocket.CloseNormalClosure
	if h.base.Err() != nil {
		code = websocket.CloseGoingAway
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(time.Second))
	logger.Info("Event stream closed", "client_ip", c.ClientIP())
}
