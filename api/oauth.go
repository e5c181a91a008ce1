package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/log"
	"golang.org/x/oauth2"

	"github.com/facetcal/facet/account"
	"github.com/facetcal/facet/crypto/envelope"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/registry"
)

// stateTTL bounds how long an OAuth round trip may take.
const stateTTL = 15 * 60 // seconds

// oauthStart redirects the browser to the provider's consent screen. The
// state parameter is an HMAC-signed nonce binding the user id, verified on
// the way back.
func (h *Handler) oauthStart(w http.ResponseWriter, req *http.Request) {
	cfg, _, err := h.oauthConfig(chi.URLParam(req, "provider"))
	if err != nil {
		respondErr(w, err)
		return
	}
	uid, err := ident.ParseUserID(req.URL.Query().Get("user_id"))
	if err != nil {
		respondErr(w, fault.Validationf("user_id: %v", err))
		return
	}
	state := h.signState(uid, h.now().Unix()+stateTTL)
	url := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
	http.Redirect(w, req, url, http.StatusFound)
}

// oauthCallback finishes onboarding: exchange the code, mint the account,
// seal the tokens, mesh the default policy, and kick off the first full sync.
func (h *Handler) oauthCallback(w http.ResponseWriter, req *http.Request) {
	providerName := chi.URLParam(req, "provider")
	cfg, provider, err := h.oauthConfig(providerName)
	if err != nil {
		respondErr(w, err)
		return
	}
	q := req.URL.Query()
	uid, err := h.verifyState(q.Get("state"))
	if err != nil {
		respondErr(w, fault.Validationf("state: %v", err))
		return
	}
	code := q.Get("code")
	if code == "" {
		respondErr(w, fault.Validationf("code is required"))
		return
	}
	ctx := req.Context()
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		respondErr(w, fmt.Errorf("exchange authorization code: %w", err))
		return
	}

	id := ident.NewAccountID()
	if err := h.registry.Register(ctx, registry.Account{
		ID:       id,
		UserID:   uid,
		Provider: provider,
		Status:   registry.StatusActive,
	}); err != nil {
		respondErr(w, err)
		return
	}
	tokens := envelope.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UnixMilli(),
	}
	if err := h.accounts.Initialize(ctx, id, tokens, cfg.Scopes); err != nil {
		respondErr(w, err)
		return
	}

	linked, err := h.registry.UserAccounts(ctx, uid)
	if err != nil {
		respondErr(w, err)
		return
	}
	ids := make([]ident.AccountID, len(linked))
	for i, acct := range linked {
		ids[i] = acct.ID
	}
	if _, _, err := h.graph.EnsureDefaultPolicy(ctx, uid, ids); err != nil {
		respondErr(w, err)
		return
	}
	if err := h.syncQueue.Publish(ctx, queue.SyncFull{AccountID: id, Reason: queue.ReasonOnboarding}); err != nil {
		respondErr(w, err)
		return
	}

	// Watch registration failures are recoverable: the reconcile worker
	// covers accounts without live push channels.
	switch provider {
	case registry.ProviderGoogle:
		if _, err := h.accounts.RegisterChannel(ctx, id, account.PrimaryCalendarID); err != nil {
			log.Errorf(ctx, err, "register watch channel for %s", id)
		}
	case registry.ProviderMicrosoft:
		notificationURL := h.baseURL + "/webhooks/microsoft"
		if _, err := h.accounts.CreateMsSubscription(ctx, id, notificationURL, account.PrimaryCalendarID, ""); err != nil {
			log.Errorf(ctx, err, "create graph subscription for %s", id)
		}
	}

	respond(w, http.StatusOK, map[string]string{"account_id": id.String()})
}

func (h *Handler) oauthConfig(provider string) (*oauth2.Config, registry.Provider, error) {
	switch provider {
	case string(registry.ProviderGoogle):
		return h.google, registry.ProviderGoogle, nil
	case string(registry.ProviderMicrosoft):
		return h.microsoft, registry.ProviderMicrosoft, nil
	}
	return nil, "", fault.Validationf("unknown provider %q", provider)
}

// signState binds a user id and expiry under the state secret.
func (h *Handler) signState(uid ident.UserID, expires int64) string {
	payload := fmt.Sprintf("%s.%d", uid, expires)
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "." + h.stateSig(payload)))
}

// verifyState checks the signature and expiry and returns the bound user id.
func (h *Handler) verifyState(state string) (ident.UserID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", fmt.Errorf("decode state: %w", err)
	}
	parts := strings.Split(string(raw), ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed state")
	}
	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(h.stateSig(payload)), []byte(parts[2])) {
		return "", fmt.Errorf("state signature mismatch")
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || expires < h.now().Unix() {
		return "", fmt.Errorf("state expired")
	}
	return ident.ParseUserID(parts[0])
}

func (h *Handler) stateSig(payload string) string {
	mac := hmac.New(sha256.New, []byte(h.stateSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
