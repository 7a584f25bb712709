package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"skylane/internal/domain"
	"skylane/internal/engine"
	"skylane/internal/peer"
)

// Provider-to-provider endpoints. Peers authenticate with bearer tokens; the
// wire shapes mirror what the peer client expects on the other side.

type intentEnvelope struct {
	OperationalIntent domain.OperationalIntent `json:"operational_intent"`
}

type constraintEnvelope struct {
	Constraint struct {
		Reference struct {
			ID   string `json:"id"`
			OVN  string `json:"ovn,omitempty"`
			Name string `json:"name,omitempty"`
		} `json:"reference"`
		Details struct {
			Volumes []domain.Volume4D `json:"volumes"`
			Type    string            `json:"type,omitempty"`
		} `json:"details"`
	} `json:"constraint"`
}

func registerPeerIntents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-operational-intent",
		Method:      http.MethodGet,
		Path:        "/operational_intents/{id}",
		Summary:     "Serve intent details to a peer",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body intentEnvelope `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		ref, err := e.Repo.GetIntentRef(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		details, err := e.Repo.GetIntentDetails(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body intentEnvelope `json:"body"`
		}{Body: intentEnvelope{OperationalIntent: domain.OperationalIntent{
			Reference: ref,
			Details:   details,
		}}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "notify-operational-intent",
		Method:        http.MethodPost,
		Path:          "/operational_intents",
		Summary:       "Receive a peer change notification",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body peer.Notification `json:"body"`
	}) (*struct{}, error) {
		if input.Body.OperationalIntentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "operational_intent_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.OperationalIntent == nil {
			// deletion: forget the snapshot
			if err := e.Repo.DeleteRemoteIntent(ctx, input.Body.OperationalIntentID); err != nil {
				return nil, handleError(err)
			}
			return &struct{}{}, nil
		}
		payload, err := json.Marshal(input.Body.OperationalIntent)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid operational_intent", nil)
		}
		ref := input.Body.OperationalIntent.Reference
		ri := domain.RemoteIntent{
			ID:         input.Body.OperationalIntentID,
			Manager:    ref.Manager,
			State:      ref.State,
			OVN:        ref.OVN,
			USSBaseURL: ref.USSBaseURL,
			Payload:    string(payload),
			ReceivedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertRemoteIntent(ctx, ri); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPeerConstraints(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-constraint",
		Method:      http.MethodGet,
		Path:        "/constraints/{id}",
		Summary:     "Serve constraint details to a peer",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body constraintEnvelope `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGeofence(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var env constraintEnvelope
		env.Constraint.Reference.ID = g.ID
		env.Constraint.Reference.OVN = g.OVN
		env.Constraint.Reference.Name = g.Name
		env.Constraint.Details.Volumes = []domain.Volume4D{g.Geometry}
		env.Constraint.Details.Type = g.Source
		return &struct {
			Body constraintEnvelope `json:"body"`
		}{Body: env}, nil
	})
}
