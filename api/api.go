// Package api is the HTTP surface: the pathname-dispatched JSON RPC for the
// account and user graph actors, the OAuth onboarding flow, the provider
// webhook receivers, and the admin endpoints. Unknown paths return plain-text
// 404s; handler errors map onto status codes by error kind with a JSON
// {"error": message} body.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"goa.design/clue/debug"
	"goa.design/clue/log"
	"golang.org/x/oauth2"

	"github.com/facetcal/facet/account"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/reconcile"
	"github.com/facetcal/facet/registry"
	"github.com/facetcal/facet/telemetry"
	"github.com/facetcal/facet/usergraph"
)

type (
	// Publisher enqueues queue messages from HTTP handlers.
	Publisher interface {
		Publish(ctx context.Context, msg queue.Message) error
	}

	// Handler serves the full HTTP surface.
	Handler struct {
		registry    *registry.Registry
		accounts    *account.Service
		graph       *usergraph.Service
		reconciler  *reconcile.Worker
		syncQueue   Publisher
		google      *oauth2.Config
		microsoft   *oauth2.Config
		stateSecret string
		baseURL     string
		metrics     *telemetry.Metrics
		now         func() time.Time
	}

	// Options configures a Handler.
	Options struct {
		Registry   *registry.Registry
		Accounts   *account.Service
		Graph      *usergraph.Service
		Reconciler *reconcile.Worker
		// SyncQueue receives SYNC_INCREMENTAL from webhooks and SYNC_FULL
		// from onboarding and the admin surface.
		SyncQueue Publisher
		// Google and Microsoft are the OAuth app configs used by onboarding.
		Google    *oauth2.Config
		Microsoft *oauth2.Config
		// StateSecret signs the OAuth state nonce.
		StateSecret string
		// PublicBaseURL is where providers deliver webhooks, no trailing
		// slash.
		PublicBaseURL string
		// Metrics may be nil.
		Metrics *telemetry.Metrics
		Now     func() time.Time
	}
)

// New builds a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("account service is required")
	}
	if opts.Graph == nil {
		return nil, errors.New("user graph service is required")
	}
	if opts.SyncQueue == nil {
		return nil, errors.New("sync queue is required")
	}
	if opts.Google == nil || opts.Microsoft == nil {
		return nil, errors.New("oauth configs are required")
	}
	if opts.StateSecret == "" {
		return nil, errors.New("state secret is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		registry:    opts.Registry,
		accounts:    opts.Accounts,
		graph:       opts.Graph,
		reconciler:  opts.Reconciler,
		syncQueue:   opts.SyncQueue,
		google:      opts.Google,
		microsoft:   opts.Microsoft,
		stateSecret: opts.StateSecret,
		baseURL:     opts.PublicBaseURL,
		metrics:     opts.Metrics,
		now:         now,
	}, nil
}

// Router builds the chi router with logging and debug middleware.
func (h *Handler) Router(logCtx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return log.HTTP(logCtx)(next) })
	r.Use(debug.HTTP())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/accounts/{accountID}", h.accountRoutes)
	r.Route("/users/{userID}", h.userRoutes)

	r.Get("/oauth/{provider}/start", h.oauthStart)
	r.Get("/oauth/{provider}/callback", h.oauthCallback)

	r.Post("/webhooks/google", h.googleWebhook)
	r.Post("/webhooks/microsoft", h.microsoftWebhook)

	r.Post("/admin/accounts/{accountID}/reconcile", h.adminReconcile)
	r.Post("/admin/accounts/{accountID}/sync", h.adminSync)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintf(w, "no handler for %s\n", req.URL.Path)
	})
	return r
}

// decode reads the JSON request body into v. An empty body decodes into the
// zero value so parameterless RPCs accept bare POSTs.
func decode(req *http.Request, v any) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fault.Validationf("decode request body: %v", err)
	}
	return nil
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		v = map[string]bool{"ok": true}
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf(context.Background(), err, "encode response")
	}
}

// respondErr maps an error onto a status code by kind.
func respondErr(w http.ResponseWriter, err error) {
	var (
		ve *fault.ValidationError
		te *fault.TransitionError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
	case errors.As(err, &te):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrNotFound),
		errors.Is(err, fault.ErrChannelNotFound),
		errors.Is(err, fault.ErrSubscriptionNotFound):
		status = http.StatusNotFound
	}
	respond(w, status, map[string]string{"error": err.Error()})
}
