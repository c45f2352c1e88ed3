package controllers

import "net/http"

// RegisterRoutes wires the HTTP routes for this controller.
func (c *DefinitionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/definitions", c.RequireAuth(c.handleDefinitions))
	mux.HandleFunc("/api/definitions/validate", c.RequireAuth(c.handleValidate))
	mux.HandleFunc("/api/definitions/{id}", c.RequireAuth(c.handleDefinitionByID))
	mux.HandleFunc("POST /api/definitions/{id}/activate", c.RequireAuth(c.handleActivate))
	mux.HandleFunc("POST /api/definitions/{id}/deactivate", c.RequireAuth(c.handleDeactivate))
	mux.HandleFunc("POST /api/definitions/{id}/trigger", c.RequireAuth(c.handleTrigger))
}
func (c *ExecutionsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/executions/search", c.RequireAuth(c.handleSearchExecutions))
	mux.HandleFunc("/api/executions/overview", c.RequireAuth(c.handleOverview))
	mux.HandleFunc("GET /api/executions/{id}", c.RequireAuth(c.handleGetExecution))
	mux.HandleFunc("GET /api/executions/{id}/logs", c.RequireAuth(c.handleGetStepLogs))
	mux.HandleFunc("POST /api/executions/{id}/cancel", c.RequireAuth(c.handleCancelExecution))
}
func (c *EventsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/events", c.RequireAuth(c.handlePublishEvent))
}
func (c *ExecutorsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/executors", c.RequireAuth(c.handleGetExecutors))
}
