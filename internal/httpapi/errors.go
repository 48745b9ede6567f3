package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arena"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/invitation"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/matchmaking"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/profile"
	"github.com/syntaxsurge/escrowzy-okx-sub005/pkg/battledto"
)

type errorMapping struct {
	err       error
	status    int
	code      string
	retryable bool
}

// errorTable is checked in order with errors.Is.
var errorTable = []errorMapping{
	{matchmaking.ErrInvalidArgs, http.StatusBadRequest, "invalid_args", false},
	{invitation.ErrInvalidArgs, http.StatusBadRequest, "invalid_args", false},
	{combat.ErrInvalidArgs, http.StatusBadRequest, "invalid_args", false},
	{combat.ErrInvalidAction, http.StatusBadRequest, "invalid_action", false},
	{invitation.ErrSelfInvite, http.StatusBadRequest, "self_invite", false},
	{invitation.ErrRejectedThisSession, http.StatusForbidden, "rejected_this_session", false},
	{invitation.ErrNotRecipient, http.StatusForbidden, "not_recipient", false},
	{combat.ErrNotParticipant, http.StatusForbidden, "not_participant", false},
	{arena.ErrForbidden, http.StatusForbidden, "forbidden", false},
	{invitation.ErrDailyLimit, http.StatusTooManyRequests, "daily_limit", false},
	{combat.ErrClickTooFast, http.StatusTooManyRequests, "click_too_fast", false},
	{combat.ErrBattleNotFound, http.StatusNotFound, "not_found", false},
	{invitation.ErrInvitationNotFound, http.StatusNotFound, "not_found", false},
	{profile.ErrNotFound, http.StatusNotFound, "not_found", false},
	{combat.ErrAlreadyInBattle, http.StatusConflict, "already_in_battle", false},
	{invitation.ErrInvitationResolved, http.StatusConflict, "invitation_resolved", true},
	{combat.ErrRoundResolved, http.StatusConflict, "round_resolved", true},
	{combat.ErrBattleNotActive, http.StatusConflict, "battle_not_active", true},
	{combat.ErrConflict, http.StatusConflict, "conflict", true},
	{invitation.ErrConflict, http.StatusConflict, "conflict", true},
	{matchmaking.ErrConflict, http.StatusConflict, "conflict", true},
}

func classify(err error) errorMapping {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m
		}
	}
	return errorMapping{err: err, status: http.StatusInternalServerError, code: "internal"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	m := classify(err)
	if m.status >= http.StatusInternalServerError {
		s.cfg.Logger.Error("http_handler_failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", correlationIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
	s.writeDomainError(w, m.status, m.code, s.cfg.Catalog.Text("error."+m.code, nil, err.Error()), m.retryable)
}

func (s *Server) writeDomainError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	s.writeJSON(w, status, battledto.ErrorResponse{Error: battledto.DomainError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}})
}
