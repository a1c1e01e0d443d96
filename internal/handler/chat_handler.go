/*
Package handler provides the HTTP handlers and routing setup for the FoodShare chat server.

This file contains the REST handler for the conversation list view, which groups a user's
message history by counterpart and returns the most recent message of each conversation.
*/
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"foodshare/internal/pkg/auth/jwt"
	"foodshare/internal/pkg/errs"
	"foodshare/internal/pkg/logx"
	"foodshare/internal/pkg/resp"
)

// HandleChatList returns the caller's conversation summaries, ordered by most
// recent message first. When an identity token is present it must match the
// requested user; an anonymous request is allowed through for parity with the
// non-blocking identity extractor.
func HandleChatList(deps *AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userIDStr := chi.URLParam(r, "userId")
		userID, err := strconv.ParseInt(userIDStr, 10, 64)
		if err != nil || userID <= 0 {
			resp.RespondError(w, r, errs.NewError(errs.ErrInvalidParams))
			return
		}

		if payload, ok := jwt.FromContext(r.Context()); ok && payload.UserID != userID {
			logx.Warn("Chat list requested for another user", "user_id", payload.UserID, "requested_id", userID)
			resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
			return
		}

		summaries, err := deps.Store.ConversationsFor(r.Context(), userID)
		if err != nil {
			logx.Error(err, "Failed to load conversation list", "user_id", userID)
			resp.RespondError(w, r, errs.NewError(errs.ErrStorageFailure))
			return
		}

		resp.RespondSuccess(w, r, map[string]any{
			"conversations": summaries,
		})
	}
}
