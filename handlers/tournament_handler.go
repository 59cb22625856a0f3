package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tournabot/engine/middleware"
	"github.com/tournabot/engine/models"
	"github.com/tournabot/engine/services"
)

type TournamentHandler struct {
	tournamentService services.TournamentService
}

func NewTournamentHandler(ts services.TournamentService) *TournamentHandler {
	return &TournamentHandler{tournamentService: ts}
}

type createTournamentRequest struct {
	Name                string                  `json:"name"`
	Format              models.TournamentFormat `json:"format"`
	TeamSize            int                     `json:"team_size"`
	RegistrationCloseAt time.Time               `json:"registration_close_at"`
	StartAt             time.Time               `json:"start_at"`
	GrandFinalsReset    *bool                   `json:"grand_finals_reset,omitempty"`
}

// CreateHandler обрабатывает POST /guilds/{guildID}/tournaments
func (h *TournamentHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		unauthorizedResponse(w, r, "authentication required to create tournament")
		return
	}

	var input createTournamentRequest
	if err := readJSON(w, r, &input); err != nil {
		badRequestResponse(w, r, err)
		return
	}

	tournament, err := h.tournamentService.Create(r.Context(), services.CreateTournamentParams{
		GuildID:             guildID,
		Name:                input.Name,
		Format:              input.Format,
		TeamSize:            input.TeamSize,
		RegistrationCloseAt: input.RegistrationCloseAt,
		StartAt:             input.StartAt,
		GrandFinalsReset:    input.GrandFinalsReset,
		CreatedBy:           actor,
	})
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusCreated, jsonResponse{"tournament": tournament}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// ListHandler обрабатывает GET /guilds/{guildID}/tournaments
func (h *TournamentHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	includeFinished := r.URL.Query().Get("include_finished") == "true"

	tournaments, err := h.tournamentService.List(r.Context(), guildID, includeFinished)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"tournaments": tournaments}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// GetHandler обрабатывает GET /guilds/{guildID}/tournaments/{tournamentID}
func (h *TournamentHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	detail, err := h.tournamentService.GetDetail(r.Context(), guildID, id)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, detail, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

type joinRequest struct {
	Ref         models.ParticipantRef `json:"ref"`
	DisplayName string                `json:"display_name"`
}

// JoinHandler обрабатывает POST /guilds/{guildID}/tournaments/{tournamentID}/join
func (h *TournamentHandler) JoinHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	var input joinRequest
	if err := readJSON(w, r, &input); err != nil {
		badRequestResponse(w, r, err)
		return
	}
	if err := h.authorizeRefAction(r, input.Ref); err != nil {
		forbiddenResponse(w, r, err.Error())
		return
	}

	participant, err := h.tournamentService.Join(r.Context(), guildID, id, input.Ref, input.DisplayName)
	if err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusCreated, jsonResponse{"participant": participant}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

type leaveRequest struct {
	Ref models.ParticipantRef `json:"ref"`
}

// LeaveHandler обрабатывает POST /guilds/{guildID}/tournaments/{tournamentID}/leave
func (h *TournamentHandler) LeaveHandler(w http.ResponseWriter, r *http.Request) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}

	var input leaveRequest
	if err := readJSON(w, r, &input); err != nil {
		badRequestResponse(w, r, err)
		return
	}
	if err := h.authorizeRefAction(r, input.Ref); err != nil {
		forbiddenResponse(w, r, err.Error())
		return
	}

	if err := h.tournamentService.Leave(r.Context(), guildID, id, input.Ref); err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"status": "left"}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// ForceStartHandler обрабатывает POST /guilds/{guildID}/tournaments/{tournamentID}/force-start
func (h *TournamentHandler) ForceStartHandler(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.tournamentService.ForceStart, "started")
}

// CancelHandler обрабатывает POST /guilds/{guildID}/tournaments/{tournamentID}/cancel
func (h *TournamentHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, h.tournamentService.Cancel, "cancelled")
}

func (h *TournamentHandler) adminAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, guildID string, tournamentID int, actor models.ActorRef) error,
	status string,
) {
	guildID, err := guildFromURL(r)
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	id, err := getIDFromURL(r, "tournamentID")
	if err != nil {
		badRequestResponse(w, r, err)
		return
	}
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		unauthorizedResponse(w, r, "authentication required")
		return
	}

	if err := action(r.Context(), guildID, id, actor); err != nil {
		mapServiceErrorToHTTP(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, jsonResponse{"status": status}, nil); err != nil {
		serverErrorResponse(w, r, err)
	}
}

// authorizeRefAction проверяет, что актор действует от имени указанного
// участника. Администратор может действовать от имени кого угодно.
func (h *TournamentHandler) authorizeRefAction(r *http.Request, ref models.ParticipantRef) error {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		return errors.New("authentication required")
	}
	if actor.Kind == models.ActorAdmin || actor.Kind == models.ActorSystem {
		return nil
	}
	switch ref.Kind {
	case models.RefUser:
		if actor.Kind == models.ActorUser && actor.ID == ref.ID {
			return nil
		}
	case models.RefTeam:
		if actor.Kind == models.ActorTeam && actor.ID == ref.ID {
			return nil
		}
	}
	return errors.New("cannot act on behalf of another participant")
}
