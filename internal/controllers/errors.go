package controllers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/formaplus/automatisations/internal/definition"
	"github.com/formaplus/automatisations/internal/engine"
	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/internal/util"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
	"github.com/formaplus/automatisations/pkg/automatisations/models"
)

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *definition.ValidationError
	switch {
	case repository.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.As(err, &validation):
		util.WriteJSONResponse(w, http.StatusBadRequest, models.ValidateDefinitionResponse{Valid: false, Problems: validation.Problems})
	case domain.IsConfigurationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, definition.ErrStepInUse),
		errors.Is(err, repository.ErrStaleDefinition),
		errors.Is(err, repository.ErrStaleExecution),
		errors.Is(err, engine.ErrExecutionFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), "Request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		http.Error(w, "id is an integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
