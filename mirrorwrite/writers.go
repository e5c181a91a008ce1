package mirrorwrite

import (
	"context"
	"errors"

	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/providers/google"
	"github.com/facetcal/facet/providers/microsoft"
)

type (
	// GoogleWriter adapts the Google client to the Writer interface.
	GoogleWriter struct {
		Client *google.Client
	}

	// MicrosoftWriter adapts the Graph client to the Writer interface.
	MicrosoftWriter struct {
		Client *microsoft.Client
	}
)

// Upsert patches the existing event or inserts a new one. Inserts use the
// idempotency key as the event id, so a redelivered insert collides with a 409
// that is safely treated as the event already existing.
func (w GoogleWriter) Upsert(ctx context.Context, accessToken, calendarID, providerEventID, idempotencyKey string, p providers.EventPayload) (string, error) {
	if providerEventID != "" {
		return w.Client.PatchEvent(ctx, accessToken, calendarID, providerEventID, p)
	}
	id, err := w.Client.InsertEvent(ctx, accessToken, calendarID, idempotencyKey, p)
	var pe *fault.ProviderError
	if errors.As(err, &pe) && pe.Status == 409 {
		return idempotencyKey, nil
	}
	return id, err
}

// Delete removes the mirror event.
func (w GoogleWriter) Delete(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	return w.Client.DeleteEvent(ctx, accessToken, calendarID, providerEventID)
}

// Upsert patches the existing event or creates a new one. Graph assigns event
// ids, so first-write retries rely on the mirror row's recorded provider id
// rather than an id collision.
func (w MicrosoftWriter) Upsert(ctx context.Context, accessToken, calendarID, providerEventID, _ string, p providers.EventPayload) (string, error) {
	if providerEventID != "" {
		return w.Client.UpdateEvent(ctx, accessToken, providerEventID, p)
	}
	return w.Client.CreateEvent(ctx, accessToken, calendarID, p)
}

// Delete removes the mirror event. Graph event ids are globally scoped, so the
// calendar id is not needed.
func (w MicrosoftWriter) Delete(ctx context.Context, accessToken, _, providerEventID string) error {
	return w.Client.DeleteEvent(ctx, accessToken, providerEventID)
}
