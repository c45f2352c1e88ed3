package condition

import (
	"strconv"
	"strings"
	"time"

	"github.com/formaplus/automatisations/pkg/automatisations/domain"
)

// Root keys of the evaluation context that payload fields cannot use.
const (
	EventKey = "event"
	StepsKey = "steps"
)

// ReservedKeys lists the payload keys NewContext would overwrite.
var ReservedKeys = []string{EventKey, StepsKey}

// NewContext builds the evaluation context of an execution. Payload fields
// sit at the root ("entreprise"), event metadata under "event" and the
// outputs of completed steps under "steps.<stepId>".
func NewContext(event domain.TriggerEvent, outputs map[string]any) map[string]any {
	ctx := make(map[string]any, len(event.Payload)+2)
	for k, v := range event.Payload {
		ctx[k] = v
	}
	ctx[EventKey] = map[string]any{
		"id":         event.ID,
		"tenantId":   event.TenantID,
		"type":       event.EventType,
		"entityType": event.EntityType,
		"entityId":   event.EntityID,
		"occurredAt": event.OccurredAt.UTC().Format(time.RFC3339),
	}
	steps := make(map[string]any, len(outputs))
	for k, v := range outputs {
		steps[k] = v
	}
	ctx[StepsKey] = steps
	return ctx
}

// Resolve walks a dotted path ("apprenant.entreprise.nom", "items.0") through
// nested objects and arrays. found is false when any segment is missing.
func Resolve(ctx map[string]any, path string) (any, bool) {
	var current any = ctx
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(segment)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}
