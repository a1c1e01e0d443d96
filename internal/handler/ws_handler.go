/*
Package handler provides the HTTP handler function for WebSocket connection upgrading and initialization.

This file contains the HandleWebSocket function, which is responsible for rate limiting, validating
the caller identity, upgrading the HTTP connection to WebSocket, and initiating the peer lifecycle.
*/
package handler

import (
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"foodshare/internal/app/chat"
	"foodshare/internal/pkg/errs"
	"foodshare/internal/pkg/limiter"
	"foodshare/internal/pkg/logx"
	"foodshare/internal/pkg/resp"
)

// HandleWebSocket creates an HTTP HandlerFunc to process WebSocket connection requests.
// The handshake identifies the caller through the userId query parameter, issued by the
// identity collaborator at login. The peer is registered for live delivery before the
// read loop starts, so a join_conversation history fetch can never race past a message
// delivered in the meantime.
func HandleWebSocket(upgrader websocket.Upgrader, rateLimiter *limiter.IPRateLimiter, deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		if ip == "" {
			ip = "unknown_ip"
		}

		if !rateLimiter.GetLimiter(ip).Allow() {
			logx.Warn("WebSocket connection rejected: Rate limit exceeded.", "ip", ip)
			resp.RespondError(w, r, errs.NewError(errs.ErrRateLimitExceeded))
			return
		}

		userIDStr := r.URL.Query().Get("userId")
		userID, err := strconv.ParseInt(userIDStr, 10, 64)
		if err != nil || userID <= 0 {
			logx.Warn("WebSocket request rejected: Missing or invalid userId query parameter", "user_id", userIDStr)
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		logx.Info("Attempting to upgrade connection", "user_id", userID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logx.Error(err, "Failed to upgrade connection to WebSocket")
			return
		}

		peer := chat.NewPeer(deps.Hub, conn, userID)

		deps.Hub.Registry().Register(userID, peer)

		go peer.WritePump()

		logx.Info("WebSocket connection established and peer registered", "user_id", userID)

		peer.ReadPump()
	}
}
