package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/facetcal/facet/crypto/envelope"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
)

// accountRoutes mounts the account actor RPC surface under
// /accounts/{accountID}. Every operation is a POST with a JSON body and a
// JSON response.
func (h *Handler) accountRoutes(r chi.Router) {
	r.Post("/initialize", h.acctInitialize)
	r.Post("/getAccessToken", h.acctGetAccessToken)
	r.Post("/revokeTokens", h.acctRevokeTokens)
	r.Post("/getSyncToken", h.acctGetSyncToken)
	r.Post("/setSyncToken", h.acctSetSyncToken)
	r.Post("/markSyncSuccess", h.acctMarkSyncSuccess)
	r.Post("/markSyncFailure", h.acctMarkSyncFailure)
	r.Post("/registerChannel", h.acctRegisterChannel)
	r.Post("/renewChannel", h.acctRenewChannel)
	r.Post("/getChannelStatus", h.acctGetChannelStatus)
	r.Post("/stopWatchChannels", h.acctStopWatchChannels)
	r.Post("/createMsSubscription", h.acctCreateMsSubscription)
	r.Post("/renewMsSubscription", h.acctRenewMsSubscription)
	r.Post("/deleteMsSubscription", h.acctDeleteMsSubscription)
	r.Post("/getMsSubscriptions", h.acctGetMsSubscriptions)
	r.Post("/validateMsClientState", h.acctValidateMsClientState)
	r.Post("/getHealth", h.acctGetHealth)
	r.Post("/rotateKey", h.acctRotateKey)
	r.Post("/getEncryptedDekForBackup", h.acctDekBackup)
	r.Post("/restoreDekFromBackup", h.acctRestoreDek)
	r.Post("/getEncryptionHealth", h.acctGetEncryptionHealth)
	r.Post("/getProvider", h.acctGetProvider)
}

func accountID(req *http.Request) (ident.AccountID, error) {
	id, err := ident.ParseAccountID(chi.URLParam(req, "accountID"))
	if err != nil {
		return "", fault.Validationf("account id: %v", err)
	}
	return id, nil
}

func (h *Handler) acctInitialize(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Tokens envelope.TokenSet `json:"tokens"`
		Scopes []string          `json:"scopes"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.accounts.Initialize(req.Context(), id, in.Tokens, in.Scopes); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctGetAccessToken(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	token, err := h.accounts.AccessToken(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"access_token": token})
}

func (h *Handler) acctRevokeTokens(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	revoked, err := h.accounts.RevokeTokens(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"revoked": revoked})
}

func (h *Handler) acctGetSyncToken(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	token, err := h.accounts.SyncToken(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"sync_token": token})
}

func (h *Handler) acctSetSyncToken(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SyncToken string `json:"sync_token"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.accounts.SetSyncToken(req.Context(), id, in.SyncToken); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctMarkSyncSuccess(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		TS int64 `json:"ts"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if in.TS == 0 {
		in.TS = h.now().UTC().UnixMilli()
	}
	if err := h.accounts.MarkSyncSuccess(req.Context(), id, in.TS); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctMarkSyncFailure(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.accounts.MarkSyncFailure(req.Context(), id, in.Reason); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctRegisterChannel(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		CalendarID string `json:"calendar_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	info, err := h.accounts.RegisterChannel(req.Context(), id, in.CalendarID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

func (h *Handler) acctRenewChannel(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	info, err := h.accounts.RenewChannel(req.Context(), id, in.ChannelID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

func (h *Handler) acctGetChannelStatus(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	status, err := h.accounts.ChannelStatus(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, status)
}

func (h *Handler) acctStopWatchChannels(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	stopped, err := h.accounts.StopWatchChannels(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (h *Handler) acctCreateMsSubscription(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		NotificationURL string `json:"notification_url"`
		CalendarID      string `json:"calendar_id"`
		ClientState     string `json:"client_state"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	info, err := h.accounts.CreateMsSubscription(req.Context(), id, in.NotificationURL, in.CalendarID, in.ClientState)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

func (h *Handler) acctRenewMsSubscription(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	info, err := h.accounts.RenewMsSubscription(req.Context(), id, in.SubscriptionID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, info)
}

func (h *Handler) acctDeleteMsSubscription(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SubscriptionID string `json:"subscription_id"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.accounts.DeleteMsSubscription(req.Context(), id, in.SubscriptionID); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctGetMsSubscriptions(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	subs, err := h.accounts.MsSubscriptions(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (h *Handler) acctValidateMsClientState(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		SubscriptionID string `json:"subscription_id"`
		ClientState    string `json:"client_state"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	valid, err := h.accounts.ValidateMsClientState(req.Context(), id, in.SubscriptionID, in.ClientState)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (h *Handler) acctGetHealth(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	health, err := h.accounts.Health(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, health)
}

func (h *Handler) acctRotateKey(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		OldMasterSecret string `json:"old_master_secret"`
		NewMasterSecret string `json:"new_master_secret"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	oldMaster := envelope.MasterKeyFromSecret(in.OldMasterSecret)
	newMaster := envelope.MasterKeyFromSecret(in.NewMasterSecret)
	if err := h.accounts.RotateKey(req.Context(), id, oldMaster, newMaster); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctDekBackup(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	backup, err := h.accounts.DekBackup(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, backup)
}

func (h *Handler) acctRestoreDek(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	var in struct {
		Backup envelope.DekBackup `json:"backup"`
	}
	if err := decode(req, &in); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.accounts.RestoreDek(req.Context(), id, in.Backup); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (h *Handler) acctGetEncryptionHealth(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	health, err := h.accounts.EncryptionHealth(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, health)
}

func (h *Handler) acctGetProvider(w http.ResponseWriter, req *http.Request) {
	id, err := accountID(req)
	if err != nil {
		respondErr(w, err)
		return
	}
	provider, err := h.accounts.Provider(req.Context(), id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"provider": string(provider)})
}
