package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"esmap/internal/config"
	"esmap/internal/engine"
)

// Entu pushes a webhook whenever an entity changes. The interesting cases
// are task and group edits: both can change who must be able to attach
// responses under a task, so the handler re-grants expander rights for the
// affected tasks. Deletes carry nothing to grant and are acknowledged as-is.
func registerWebhooks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "webhook-entity",
		Method:      http.MethodPost,
		Path:        "/webhooks/entity",
		Summary:     "Entity change notification from Entu",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body WebhookEntityRequest `json:"body"`
	}) (*struct {
		Body WebhookGrantResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.EntityID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_id is required", nil)
		}
		if input.Body.Action == "delete" {
			return &struct {
				Body WebhookGrantResponse `json:"body"`
			}{Body: WebhookGrantResponse{}}, nil
		}

		var (
			taskIDs []string
			err     error
		)
		switch input.Body.Type {
		case e.Config.EntityType(config.TypeGroup):
			taskIDs, err = e.TasksOfGroup(ctx, input.Body.EntityID)
			if err != nil {
				return nil, handleError(err)
			}
		default:
			// Unknown or absent type: treat the entity as a task. Grants are
			// idempotent in Entu, so a spurious notification is harmless.
			taskIDs = []string{input.Body.EntityID}
		}

		granted := 0
		for _, taskID := range taskIDs {
			n, err := e.GrantTaskAccess(ctx, taskID)
			if err != nil {
				return nil, handleError(err)
			}
			granted += n
		}
		return &struct {
			Body WebhookGrantResponse `json:"body"`
		}{Body: WebhookGrantResponse{Tasks: len(taskIDs), Granted: granted}}, nil
	})
}
