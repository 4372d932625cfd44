package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"github.com/MarcoPoloResearchLab/livesession/internal/live"
	"github.com/MarcoPoloResearchLab/livesession/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readDeadline     = 60 * time.Second
	pingInterval     = 30 * time.Second
	writeDeadline    = 10 * time.Second
	maxInboundFrame  = 128 * 1024
	handshakeTimeout = 10 * time.Second
)

type channelEndpoint struct {
	hub            *live.Hub
	identities     IdentityResolver
	idProvider     ids.Provider
	allowedOrigins []string
	outboxSize     int
	logger         *zap.Logger
}

func (e *channelEndpoint) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		HandshakeTimeout: handshakeTimeout,
		CheckOrigin:      e.checkOrigin,
	}
}

func (e *channelEndpoint) checkOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" || allowsAnyOrigin(e.allowedOrigins) {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range e.allowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, parsed.Scheme+"://"+parsed.Host) {
			return true
		}
	}
	return false
}

// handleUpgrade resolves the caller once, upgrades the request and runs the channel until it closes.
func (e *channelEndpoint) handleUpgrade(c *gin.Context) {
	resolution := e.identities.ResolveRequest(c.Request.Context(), c.Request)

	channelID, err := e.idProvider.NewID()
	if err != nil {
		e.logger.Error("channel id generation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "channel_unavailable"})
		return
	}

	upgrader := e.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		e.logger.Warn("channel upgrade failed", zap.Error(err))
		return
	}

	channel := realtime.NewChannel(channelID, resolution, e.outboxSize)
	e.hub.Connect(channel)

	// Commands outlive the request so a command in flight still commits after the peer leaves.
	ctx := context.Background()
	go e.writeLoop(conn, channel)
	e.readLoop(ctx, conn, channel)

	e.hub.Disconnect(ctx, channel)
	_ = conn.Close()
	e.logger.Debug("channel closed", zap.String("channel_id", channelID))
}

func (e *channelEndpoint) readLoop(ctx context.Context, conn *websocket.Conn, channel *realtime.Channel) {
	conn.SetReadLimit(maxInboundFrame)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.logger.Debug("channel read ended", zap.String("channel_id", channel.ID()), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		e.hub.HandleFrame(ctx, channel, frame)
	}
}

// writeLoop is the only writer on conn.
func (e *channelEndpoint) writeLoop(conn *websocket.Conn, channel *realtime.Channel) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-channel.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(event); err != nil {
				e.logger.Debug("channel write failed", zap.String("channel_id", channel.ID()), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				_ = conn.Close()
				return
			}
		case <-channel.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeDeadline))
			return
		}
	}
}
