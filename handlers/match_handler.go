package handlers

import (
	"net/http"

	"github.com/tournabot/engine/middleware"
	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/services"
)

type MatchHandler struct {
	matchService services.MatchService
}

func NewMatchHandler(ms services.MatchService) *MatchHandler {
	return &MatchHandler{matchService: ms}
}

// GetHandler обрабатывает GET /guilds/{guildID}/matches/{matchID}
func (h *MatchHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	matchID, err := getIDFromURL(r, "matchID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	match, err := h.matchService.GetMatch(r.Context(), guildID, matchID)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"match": match}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// ListHandler обрабатывает GET /guilds/{guildID}/tournaments/{tournamentID}/matches
func (h *MatchHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	tournamentID, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	var status *models.MatchStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := models.MatchStatus(raw)
		status = &s
	}

	matches, err := h.matchService.ListMatches(r.Context(), guildID, tournamentID, status)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"matches": matches}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

type reportWinnerRequest struct {
	WinnerParticipantID int `json:"winner_participant_id"`
}

// ReportHandler обрабатывает POST /guilds/{guildID}/matches/{matchID}/report
func (h *MatchHandler) ReportHandler(w http.ResponseWriter, r *http.Request) {
	guildID, matchID, actor, ok := h.resultRequest(w, r)
	if !ok {
		return
	}

	var input reportWinnerRequest
	if err := readJSON(w, r, &input); err != nil {
		badRequestResponse(w, r, err)
		return
	}

	match, err := h.matchService.ReportWinner(r.Context(), guildID, matchID, input.WinnerParticipantID, actor)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"match": match}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// ConfirmHandler обрабатывает POST /guilds/{guildID}/matches/{matchID}/confirm
func (h *MatchHandler) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	guildID, matchID, actor, ok := h.resultRequest(w, r)
	if !ok {
		return
	}

	match, err := h.matchService.ConfirmWinner(r.Context(), guildID, matchID, actor)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"match": match}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// DisputeHandler обрабатывает POST /guilds/{guildID}/matches/{matchID}/dispute
func (h *MatchHandler) DisputeHandler(w http.ResponseWriter, r *http.Request) {
	guildID, matchID, actor, ok := h.resultRequest(w, r)
	if !ok {
		return
	}

	match, err := h.matchService.DisputeWinner(r.Context(), guildID, matchID, actor)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"match": match}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

func (h *MatchHandler) resultRequest(w http.ResponseWriter, r *http.Request) (string, int, models.ActorRef, bool) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return "", 0, models.ActorRef{}, false
	}
	matchID, err := getIDFromURL(r, "matchID")
	if err != nil {
		badRequestResponse(w, r, err)
		return "", 0, models.ActorRef{}, false
	}
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		unauthorizedResponse(w, r, "authentication required")
		return "", 0, models.ActorRef{}, false
	}
	return guildID, matchID, actor, true
}
