package controllers

import (
	"context"
	"log/slog"
	"net/http"

	internaldomain "github.com/formaplus/automatisations/internal/domain"
	"github.com/formaplus/automatisations/internal/util"
)

type ExecutorLister interface {
	ListExecutors(ctx context.Context, limit int) ([]*internaldomain.Executor, error)
}

type ExecutorsController struct {
	AuthController
	Executors ExecutorLister
}

func NewExecutorsController(executors ExecutorLister, base *AuthController) *ExecutorsController {
	return &ExecutorsController{Executors: executors, AuthController: *base}
}

func (c *ExecutorsController) handleGetExecutors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	slog.DebugContext(r.Context(), "GetExecutors called")

	results, err := c.Executors.ListExecutors(r.Context(), 20)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []*internaldomain.Executor{}
	}
	util.WriteJSONResponse(w, http.StatusOK, results)
}
