package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tournabot/engine/middleware"
	"github.com/tournabot/engine/services"
)

type WizardHandler struct {
	wizardService services.WizardService
}

func NewWizardHandler(ws services.WizardService) *WizardHandler {
	return &WizardHandler{wizardService: ws}
}

// BeginHandler обрабатывает POST /guilds/{guildID}/wizard
func (h *WizardHandler) BeginHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		unauthorizedResponse(w, r, "authentication required")
		return
	}

	session, err := h.wizardService.Begin(r.Context(), guildID, actor)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusCreated, jsonResponse{"session": session}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// AnswerHandler обрабатывает POST /guilds/{guildID}/wizard/{sessionID}/answer
func (h *WizardHandler) AnswerHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var input services.WizardAnswer
	if err := readJSON(w, r, &input); err != nil {
		badRequestResponse(w, r, err)
		return
	}

	session, err := h.wizardService.Answer(r.Context(), sessionID, input)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"session": session}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// CommitHandler обрабатывает POST /guilds/{guildID}/wizard/{sessionID}/commit
func (h *WizardHandler) CommitHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	tournament, err := h.wizardService.Commit(r.Context(), sessionID)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusCreated, jsonResponse{"tournament": tournament}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// AbortHandler обрабатывает DELETE /guilds/{guildID}/wizard/{sessionID}
func (h *WizardHandler) AbortHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.wizardService.Abort(r.Context(), sessionID); err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"status": "aborted"}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}
