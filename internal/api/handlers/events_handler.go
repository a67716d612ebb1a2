package handlers

import (
	"net/http"
	"strconv"

	"github.com/buildhive/engine/internal/api/types"
	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	"github.com/buildhive/engine/internal/services"
)

type EventsHandler struct {
	timeline services.TimelineService
	projects repository.ProjectRepository
}

func NewEventsHandler(timeline services.TimelineService, projects repository.ProjectRepository) *EventsHandler {
	return &EventsHandler{timeline: timeline, projects: projects}
}

// Append adds an event to the project timeline. Resubmissions carrying a
// client message id already seen return the original row with 200; a new
// row returns 201.
func (h *EventsHandler) Append(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	var req types.EventAppendRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	event, wasNew, err := h.timeline.InsertEventIfNew(r.Context(), project.ID, &services.AppendEventInput{
		Actor:           models.ActorType(req.Actor),
		ClientMessageID: req.ClientMessageID,
		Payload:         req.Payload,
		Hidden:          req.Hidden,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if !wasNew {
		status = http.StatusOK
	}
	writeJSON(w, status, types.APIResponse{Success: true, Data: map[string]any{
		"event":  event,
		"is_new": wasNew,
	}})
}

func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.timeline.ListEvents(r.Context(), project.ID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: events})
}
