package api

import (
	"encoding/json"
	"net/http"

	"goa.design/clue/log"

	"github.com/facetcal/facet/queue"
)

// googleWebhook receives Google push channel pings. Responses are always 2xx:
// the provider retries on anything else and retries cannot fix an unknown
// channel.
func (h *Handler) googleWebhook(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	channelID := req.Header.Get("X-Goog-Channel-ID")
	resourceID := req.Header.Get("X-Goog-Resource-ID")
	state := req.Header.Get("X-Goog-Resource-State")
	if state == "sync" {
		// Channel registration handshake, nothing changed.
		w.WriteHeader(http.StatusOK)
		return
	}
	ch, err := h.accounts.ResolveChannel(ctx, channelID)
	if err != nil {
		log.Printf(ctx, "webhook for unknown channel %s: %v", channelID, err)
		w.WriteHeader(http.StatusOK)
		return
	}
	msg := queue.SyncIncremental{
		AccountID:  ch.AccountID,
		ChannelID:  channelID,
		ResourceID: resourceID,
		PingTS:     h.now().UTC().UnixMilli(),
		CalendarID: ch.CalendarID,
	}
	if err := h.syncQueue.Publish(ctx, msg); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// microsoftWebhook receives Graph change notifications. A validationToken
// query is the subscription handshake and is echoed back as plain text;
// otherwise each notification's clientState is checked against the stored
// value before a sync is enqueued.
func (h *Handler) microsoftWebhook(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if token := req.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(token))
		return
	}
	var body struct {
		Value []struct {
			SubscriptionID string `json:"subscriptionId"`
			ClientState    string `json:"clientState"`
			Resource       string `json:"resource"`
			ChangeType     string `json:"changeType"`
		} `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		log.Printf(ctx, "undecodable graph notification: %v", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	for _, n := range body.Value {
		sub, err := h.accounts.ResolveSubscription(ctx, n.SubscriptionID)
		if err != nil {
			log.Printf(ctx, "notification for unknown subscription %s: %v", n.SubscriptionID, err)
			continue
		}
		valid, err := h.accounts.ValidateMsClientState(ctx, sub.AccountID, n.SubscriptionID, n.ClientState)
		if err != nil {
			log.Errorf(ctx, err, "validate client state for %s", n.SubscriptionID)
			continue
		}
		if !valid {
			log.Printf(ctx, "client state mismatch on subscription %s, dropping notification", n.SubscriptionID)
			continue
		}
		msg := queue.SyncIncremental{
			AccountID:  sub.AccountID,
			ChannelID:  n.SubscriptionID,
			ResourceID: n.Resource,
			PingTS:     h.now().UTC().UnixMilli(),
			CalendarID: sub.CalendarID,
		}
		if err := h.syncQueue.Publish(ctx, msg); err != nil {
			log.Errorf(ctx, err, "enqueue sync for %s", sub.AccountID)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}
