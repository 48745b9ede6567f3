package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/domain"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/invitation"
	"github.com/syntaxsurge/escrowzy-okx-sub005/pkg/battledto"
)

// decodeBody accepts an empty body for endpoints whose fields are all optional.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	s.writeDomainError(w, http.StatusBadRequest, "invalid_args", s.cfg.Catalog.Text("error.invalid_args", nil, err.Error()), false)
}

func (s *Server) handleFindMatch(w http.ResponseWriter, r *http.Request) {
	var req battledto.QueueRequest
	if err := decodeBody(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	out, err := s.cfg.Service.FindMatch(r.Context(), currentUser(r), req.Tolerance)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.Waiting {
		resp := battledto.MatchResponse{Waiting: true}
		if out.Entry != nil {
			at := out.Entry.EnqueuedAt
			resp.Strength = out.Entry.Strength
			resp.EnqueuedAt = &at
		}
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}
	sum := s.summary(out.Battle)
	resp := battledto.MatchResponse{Battle: &sum}
	if out.Opponent != nil {
		resp.Opponent = &battledto.Opponent{
			UserID:      out.Opponent.UserID,
			DisplayName: out.Opponent.Name(),
			Strength:    out.Opponent.Strength,
		}
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleLeaveQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Service.LeaveQueue(r.Context(), currentUser(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cfg.Service.QueueStatus(r.Context(), currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := battledto.QueueStatusResponse{}
	if entry != nil {
		resp.Waiting = true
		resp.Strength = entry.Strength
		resp.EnqueuedAt = entry.EnqueuedAt
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSendInvitation(w http.ResponseWriter, r *http.Request) {
	var req battledto.InvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, err)
		return
	}
	inv, err := s.cfg.Service.SendInvitation(r.Context(), currentUser(r), req.ToUserID, sessionFromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, invitationView(inv))
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Service.PendingInvitations(r.Context(), currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := battledto.InvitationsResponse{Invitations: make([]battledto.InvitationView, 0, len(list))}
	for _, inv := range list {
		resp.Invitations = append(resp.Invitations, invitationView(inv))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	b, err := s.cfg.Service.AcceptInvitation(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, battledto.BattleResponse{Battle: s.summary(b)})
}

func (s *Server) handleRejectInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := s.cfg.Service.RejectInvitation(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, invitationView(inv))
}

func (s *Server) handleGetBattle(w http.ResponseWriter, r *http.Request) {
	view, err := s.cfg.Service.Battle(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := battledto.BattleResponse{Battle: s.summary(view.Battle)}
	if view.State != nil {
		resp.State = view.State
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req battledto.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, err)
		return
	}
	res, err := s.cfg.Service.SubmitAction(r.Context(), mux.Vars(r)["id"], currentUser(r), combat.Action(req.Action))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, battledto.ActionResponse{Round: res.Round, Action: string(res.Action), Stored: res.Stored})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	both, err := s.cfg.Service.Ready(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, battledto.ReadyResponse{BothReady: both})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.badRequest(w, errors.New("limit must be a positive number"))
			return
		}
		limit = n
	}
	uid := currentUser(r)
	records, err := s.cfg.Service.History(r.Context(), uid, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := battledto.HistoryResponse{Battles: make([]battledto.HistoryEntry, 0, len(records))}
	for _, rec := range records {
		resp.Battles = append(resp.Battles, s.historyEntry(uid, rec))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := s.cfg.Service.Discount(r.Context(), currentUser(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := battledto.DiscountResponse{}
	if d != nil {
		exp := d.ExpiresAt
		resp.Active = true
		resp.Percent = d.Percent
		resp.ExpiresAt = &exp
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) summary(b *combat.Battle) battledto.BattleSummary {
	if b == nil {
		return battledto.BattleSummary{}
	}
	return battledto.BattleSummary{
		ID:                 b.ID,
		Player1ID:          b.Player1ID,
		Player1Name:        b.Player1Name,
		Player2ID:          b.Player2ID,
		Player2Name:        b.Player2Name,
		Status:             string(b.Status),
		WinnerID:           b.WinnerID,
		Player1CP:          b.Player1CP,
		Player2CP:          b.Player2CP,
		FeeDiscountPercent: b.FeeDiscountPercent,
		Reason:             string(b.Reason),
		ReasonText:         s.reasonText(string(b.Reason), b.WinnerID, b.Player1ID, b.Player1Name, b.Player2Name),
		CreatedAt:          b.CreatedAt,
		StartedAt:          b.StartedAt,
		EndedAt:            b.EndedAt,
	}
}

func (s *Server) reasonText(reason, winnerID, p1ID, p1Name, p2Name string) string {
	if reason == "" {
		return ""
	}
	data := map[string]string{"Winner": p2Name, "Loser": p1Name}
	if winnerID == p1ID {
		data["Winner"], data["Loser"] = p1Name, p2Name
	}
	return s.cfg.Catalog.Text("reason."+reason, data, reason)
}

func (s *Server) historyEntry(userID string, rec *domain.BattleRecord) battledto.HistoryEntry {
	e := battledto.HistoryEntry{
		BattleID:   rec.BattleID,
		Won:        rec.WinnerID != "" && rec.WinnerID == userID,
		Status:     rec.Status,
		Reason:     rec.Reason,
		ReasonText: s.reasonText(rec.Reason, rec.WinnerID, rec.Player1ID, rec.Player1Name, rec.Player2Name),
		Rounds:     rec.Rounds,
		EndedAt:    rec.EndedAt,
		Duration:   rec.Duration,
	}
	if rec.Player1ID == userID {
		e.OpponentID, e.OpponentName = rec.Player2ID, rec.Player2Name
		e.HealthLeft, e.OpponentLeft = rec.Player1Health, rec.Player2Health
	} else {
		e.OpponentID, e.OpponentName = rec.Player1ID, rec.Player1Name
		e.HealthLeft, e.OpponentLeft = rec.Player2Health, rec.Player1Health
	}
	return e
}

func invitationView(inv *invitation.Invitation) battledto.InvitationView {
	return battledto.InvitationView{
		ID:           inv.ID,
		FromUserID:   inv.FromUserID,
		ToUserID:     inv.ToUserID,
		FromStrength: inv.FromStrength,
		ToStrength:   inv.ToStrength,
		Status:       string(inv.Status),
		CreatedAt:    inv.CreatedAt,
		ResolvedAt:   inv.ResolvedAt,
		BattleID:     inv.BattleID,
	}
}
