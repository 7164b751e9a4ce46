// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/middleware"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

const (
	actionList   = "list"
	actionCancel = "cancel"
)

// HandleListSessions handles GET /api/chat/sessions. It lists the caller's
// in-flight sessions, oldest first.
func (h *ChatHandler) HandleListSessions(c *gin.Context) {
	a := middleware.GetAssertion(c)
	if a == nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: msgUnauthenticated})
		return
	}
	if err := h.authorize(c.Request.Context(), a, actionList, ""); err != nil {
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: msgForbidden})
		return
	}

	infos := h.relay.Registry().SnapshotFor(a.Subject)
	resp := datatypes.SessionListResponse{Sessions: make([]datatypes.SessionView, 0, len(infos))}
	for _, info := range infos {
		resp.Sessions = append(resp.Sessions, datatypes.SessionView{
			ID:        info.ID,
			State:     info.State.String(),
			Model:     h.modelName(info.Model),
			CreatedAt: info.CreatedAt,
			Fragments: info.Fragments,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCancelSession handles DELETE /api/chat/sessions/:id.
//
// # Description
//
// Requests cancellation of one of the caller's sessions. The session ends
// asynchronously; its own stream receives the cancelled event.
//
// # Outputs
//
//   - 202: cancellation requested.
//   - 403: the session belongs to someone else.
//   - 404: no such live session.
func (h *ChatHandler) HandleCancelSession(c *gin.Context) {
	a := middleware.GetAssertion(c)
	if a == nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: msgUnauthenticated})
		return
	}

	id := c.Param("id")
	err := h.cancelSession(c.Request.Context(), a, id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"session_id": id, "status": msgCancelling})
	case errors.Is(err, relay.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: msgNoSuchSession})
	case errors.Is(err, relay.ErrSessionNotOwned), errors.Is(err, errForbidden):
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: msgForbidden})
	default:
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: msgGenericError})
	}
}

var errForbidden = errors.New("handlers: forbidden")

// cancelSession authorizes and requests cancellation, and audits the
// attempt whatever its outcome.
func (h *ChatHandler) cancelSession(ctx context.Context, a *token.Assertion, id string) error {
	var err error
	if authErr := h.authorize(ctx, a, actionCancel, id); authErr != nil {
		err = errForbidden
	} else {
		err = h.relay.Registry().CancelOwned(id, a.Subject)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	h.logAudit(ctx, extensions.AuditEvent{
		EventType:    extensions.EventSessionCancel,
		Subject:      a.Subject,
		Action:       actionCancel,
		ResourceType: resourceSession,
		ResourceID:   id,
		Outcome:      outcome,
	})
	return err
}
