package definition

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/formaplus/automatisations/internal/repository"
	"github.com/formaplus/automatisations/pkg/automatisations/core"
	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// ErrStepInUse is returned when an edit removes a step that a running or
// waiting execution is still positioned on.
var ErrStepInUse = repository.ErrStepInUse

// Store persists definitions. Update must fail with ErrStepInUse, checked in
// the same transaction as the write, when the new graph drops a step an
// execution in progress sits on.
type Store interface {
	Save(ctx context.Context, def *domain.WorkflowDefinition) (int64, error)
	Update(ctx context.Context, def *domain.WorkflowDefinition) error
	FindByID(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error)
	FindAll(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error)
	SetActive(ctx context.Context, tenantID string, id int64, active bool) error
}

// Invalidator drops cached trigger lookups for a tenant.
type Invalidator interface {
	Invalidate(tenantID string)
}

type Service struct {
	store       Store
	invalidator Invalidator
	clock       core.Clock
}

func NewService(store Store, invalidator Invalidator, clock core.Clock) *Service {
	return &Service{store: store, invalidator: invalidator, clock: clock}
}

func (s *Service) Get(ctx context.Context, tenantID string, id int64) (*domain.WorkflowDefinition, error) {
	return s.store.FindByID(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID string) ([]domain.WorkflowDefinition, error) {
	return s.store.FindAll(ctx, tenantID)
}

// Create validates and stores a new definition for the tenant.
func (s *Service) Create(ctx context.Context, tenantID string, def *domain.WorkflowDefinition) error {
	if err := Validate(def); err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	def.TenantID = tenantID
	def.Version = 1
	def.Created = now
	def.Updated = now
	if _, err := s.store.Save(ctx, def); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	slog.InfoContext(ctx, "Workflow definition created", "tenant_id", tenantID, "workflow_id", def.ID, "name", def.Name)
	s.invalidator.Invalidate(tenantID)
	return nil
}

// Update replaces the definition's graph and trigger. Steps that an
// execution in progress currently sits on must survive the edit.
func (s *Service) Update(ctx context.Context, tenantID string, id int64, def *domain.WorkflowDefinition) error {
	existing, err := s.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := Validate(def); err != nil {
		return err
	}
	def.ID = existing.ID
	def.TenantID = tenantID
	def.Created = existing.Created
	def.Version = existing.Version
	def.Updated = s.clock.Now().UTC()
	if err := s.store.Update(ctx, def); err != nil {
		return fmt.Errorf("update definition: %w", err)
	}
	slog.InfoContext(ctx, "Workflow definition updated", "tenant_id", tenantID, "workflow_id", id, "version", def.Version)
	s.invalidator.Invalidate(tenantID)
	return nil
}

// SetActive soft-enables or disables a definition. Disabled definitions no
// longer match events; executions already created keep running.
func (s *Service) SetActive(ctx context.Context, tenantID string, id int64, active bool) error {
	if active {
		def, err := s.store.FindByID(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if err := Validate(def); err != nil {
			return err
		}
	}
	if err := s.store.SetActive(ctx, tenantID, id, active); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Workflow definition activation changed", "tenant_id", tenantID, "workflow_id", id, "active", active)
	s.invalidator.Invalidate(tenantID)
	return nil
}
