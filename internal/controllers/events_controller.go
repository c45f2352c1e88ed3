package controllers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/formaplus/automatisations/internal/events"
	"github.com/formaplus/automatisations/internal/util"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

type EventPublisher interface {
	Publish(ctx context.Context, in events.Inbound) (string, error)
}

type EventsController struct {
	AuthController
	Publisher EventPublisher
}

func NewEventsController(publisher EventPublisher, base *AuthController) *EventsController {
	return &EventsController{Publisher: publisher, AuthController: *base}
}

// handlePublishEvent accepts an entity event for the caller's tenant. The
// response only confirms the event was queued.
func (c *EventsController) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	req, err := util.DecodeJSONBody[models.PublishEventRequest](r)
	if err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	in, err := events.FromRequest(tenantOf(r), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := c.Publisher.Publish(r.Context(), in)
	if errors.Is(err, events.ErrBackpressure) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.DebugContext(r.Context(), "Event published", "tenant_id", in.TenantID, "event_id", id, "event_type", in.EventType)
	util.WriteJSONResponse(w, http.StatusAccepted, models.PublishEventResponse{EventID: id})
}
