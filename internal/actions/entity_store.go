package actions

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
)

// HTTPEntityStore calls the data layer service.
type HTTPEntityStore struct {
	svc *serviceClient
}

func NewHTTPEntityStore(baseURL, token string, client *http.Client) *HTTPEntityStore {
	return &HTTPEntityStore{svc: newServiceClient(baseURL, token, client)}
}

func (s *HTTPEntityStore) Mutate(ctx context.Context, ref EntityRef, patch map[string]any) (MutationResult, error) {
	var res MutationResult
	path := fmt.Sprintf("/tenants/%s/entities/%s/%s", url.PathEscape(ref.TenantID), url.PathEscape(ref.EntityType), url.PathEscape(ref.EntityID))
	if _, err := s.svc.do(ctx, http.MethodPatch, path, patch, &res, nil); err != nil {
		return MutationResult{}, err
	}
	return res, nil
}

func (s *HTTPEntityStore) FindTask(ctx context.Context, tenantID string, key string) (*Task, error) {
	var tasks []Task
	path := fmt.Sprintf("/tenants/%s/tasks?key=%s", url.PathEscape(tenantID), url.QueryEscape(key))
	if _, err := s.svc.do(ctx, http.MethodGet, path, nil, &tasks, nil); err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	return &tasks[0], nil
}

func (s *HTTPEntityStore) CreateTask(ctx context.Context, task Task) (*Task, error) {
	var created Task
	path := fmt.Sprintf("/tenants/%s/tasks", url.PathEscape(task.TenantID))
	if _, err := s.svc.do(ctx, http.MethodPost, path, task, &created, map[string]string{"Idempotency-Key": task.Key}); err != nil {
		return nil, err
	}
	return &created, nil
}

// MemoryEntityStore keeps entities and tasks in process. It backs local
// runs without a data service.
type MemoryEntityStore struct {
	mu       sync.Mutex
	entities map[EntityRef]map[string]any
	versions map[EntityRef]int64
	tasks    map[string]Task
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		entities: map[EntityRef]map[string]any{},
		versions: map[EntityRef]int64{},
		tasks:    map[string]Task{},
	}
}

func (s *MemoryEntityStore) Mutate(ctx context.Context, ref EntityRef, patch map[string]any) (MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entity, ok := s.entities[ref]
	if !ok {
		entity = map[string]any{}
		s.entities[ref] = entity
	}
	for k, v := range patch {
		entity[k] = v
	}
	s.versions[ref]++
	return MutationResult{Applied: true, Version: s.versions[ref]}, nil
}

func (s *MemoryEntityStore) FindTask(ctx context.Context, tenantID string, key string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[tenantID+"/"+key]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *MemoryEntityStore) CreateTask(ctx context.Context, task Task) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[task.TenantID+"/"+task.Key]; ok {
		return &existing, nil
	}
	task.ID = uuid.NewString()
	s.tasks[task.TenantID+"/"+task.Key] = task
	return &task, nil
}

// Entity returns a copy of the stored fields.
func (s *MemoryEntityStore) Entity(ref EntityRef) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]any{}
	for k, v := range s.entities[ref] {
		out[k] = v
	}
	return out
}

func (s *MemoryEntityStore) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
