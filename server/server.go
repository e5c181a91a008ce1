// Package server assembles a facetd node: stores, provider clients, the
// account and user graph actor services, queue consumers, distributed sweeps,
// the reconcile schedule, and the HTTP surfaces. New wires everything from a
// Config, Run serves until the context is cancelled, Close releases resources
// in reverse order of acquisition.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"
	"golang.org/x/oauth2"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	oauthgoogle "golang.org/x/oauth2/google"
	oauthmicrosoft "golang.org/x/oauth2/microsoft"

	"github.com/facetcal/facet/account"
	"github.com/facetcal/facet/account/store/sqlite"
	"github.com/facetcal/facet/api"
	"github.com/facetcal/facet/config"
	"github.com/facetcal/facet/crypto/envelope"
	"github.com/facetcal/facet/mirrorwrite"
	googlecal "github.com/facetcal/facet/providers/google"
	microsoftcal "github.com/facetcal/facet/providers/microsoft"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/reconcile"
	"github.com/facetcal/facet/registry"
	"github.com/facetcal/facet/registry/store/replicated"
	"github.com/facetcal/facet/scheduling"
	"github.com/facetcal/facet/syncer"
	"github.com/facetcal/facet/telemetry"
	"github.com/facetcal/facet/usergraph"
	ugstore "github.com/facetcal/facet/usergraph/store"
	ugmemory "github.com/facetcal/facet/usergraph/store/memory"
	ugmongo "github.com/facetcal/facet/usergraph/store/mongo"
)

// Pulse resource names shared by every node of a deployment.
const (
	accountsMapName = "facet:accounts"
	sweepPoolName   = "facet-sweeps"

	syncConsumerGroup  = "facet-syncer"
	writeConsumerGroup = "facet-writer"
)

const shutdownTimeout = 10 * time.Second

// Server is one fully wired facetd node.
type Server struct {
	cfg config.Config

	redis       *redis.Client
	accountsMap *rmap.Map
	poolNode    *pool.Node
	mongo       *mongodriver.Client

	accountStore *sqlite.Store
	registry     *registry.Registry
	accounts     *account.Service
	graph        *usergraph.Service

	syncQueue  *queue.Queue
	writeQueue *queue.Queue

	syncConsumer  *queue.Consumer
	writeConsumer *queue.Consumer

	renewalSweep *account.RenewalSweep
	holdSweep    *usergraph.HoldSweep
	reconciler   *reconcile.Worker

	api *api.Handler

	closeOnce sync.Once
}

// New wires a node from cfg. Everything acquired before a failure is released
// before the error is returned, so a failed New leaks nothing.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	var cleanups []func()
	fail := func(err error) (*Server, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Redis.Addr, err)
	}
	cleanups = append(cleanups, func() { rdb.Close() })

	// The account registry lives in a replicated map so every node sees
	// registrations without a read per lookup.
	accountsMap, err := rmap.Join(ctx, accountsMapName, rdb)
	if err != nil {
		return fail(fmt.Errorf("join accounts map: %w", err))
	}
	cleanups = append(cleanups, func() { accountsMap.Close() })

	reg, err := registry.New(registry.Options{Store: replicated.New(accountsMap)})
	if err != nil {
		return fail(fmt.Errorf("create registry: %w", err))
	}

	var (
		graphStore  ugstore.Store
		mongoClient *mongodriver.Client
	)
	if cfg.Mongo.URI != "" {
		mongoClient, err = mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fail(fmt.Errorf("connect mongo: %w", err))
		}
		cleanups = append(cleanups, func() {
			if derr := mongoClient.Disconnect(context.Background()); derr != nil {
				log.Errorf(context.Background(), derr, "disconnect mongo")
			}
		})
		graphStore, err = ugmongo.New(ctx, ugmongo.Options{
			Client:   mongoClient,
			Database: cfg.Mongo.Database,
		})
		if err != nil {
			return fail(fmt.Errorf("create graph store: %w", err))
		}
	} else {
		log.Printf(ctx, "no mongo URI configured, user graph state is in-memory")
		graphStore = ugmemory.New()
	}

	accountStore, err := sqlite.New(cfg.SQLite.Path)
	if err != nil {
		return fail(fmt.Errorf("open account store: %w", err))
	}
	cleanups = append(cleanups, func() { accountStore.Close() })

	googleClient, err := googlecal.New(googlecal.Options{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
	})
	if err != nil {
		return fail(fmt.Errorf("create google client: %w", err))
	}
	microsoftClient, err := microsoftcal.New(microsoftcal.Options{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
	})
	if err != nil {
		return fail(fmt.Errorf("create microsoft client: %w", err))
	}

	accounts, err := account.New(account.Options{
		Registry:       reg,
		Store:          accountStore,
		Master:         envelope.MasterKeyFromSecret(cfg.MasterKeySecret),
		Google:         googleClient,
		Microsoft:      microsoftClient,
		WebhookBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		return fail(fmt.Errorf("create account service: %w", err))
	}
	cleanups = append(cleanups, accounts.Close)

	syncQueue, err := queue.New(cfg.Queues.Sync, queue.Options{Redis: rdb})
	if err != nil {
		return fail(fmt.Errorf("open sync queue: %w", err))
	}
	writeQueue, err := queue.New(cfg.Queues.Write, queue.Options{Redis: rdb})
	if err != nil {
		return fail(fmt.Errorf("open write queue: %w", err))
	}

	var external *scheduling.External
	if cfg.SolverEndpoint != "" {
		external, err = scheduling.NewExternal(scheduling.ExternalOptions{
			Endpoint: cfg.SolverEndpoint,
			Fallback: scheduling.NewGreedy(),
		})
		if err != nil {
			return fail(fmt.Errorf("create external solver: %w", err))
		}
	}

	graph, err := usergraph.New(usergraph.Options{
		Store:      graphStore,
		Registry:   reg,
		WriteQueue: writeQueue,
		External:   external,
	})
	if err != nil {
		return fail(fmt.Errorf("create user graph service: %w", err))
	}
	cleanups = append(cleanups, graph.Close)

	// One pool node per process hosts both distributed tickers.
	poolNode, err := pool.AddNode(ctx, sweepPoolName, rdb)
	if err != nil {
		return fail(fmt.Errorf("add sweep pool node: %w", err))
	}
	cleanups = append(cleanups, func() {
		if cerr := poolNode.Close(context.Background()); cerr != nil {
			log.Errorf(context.Background(), cerr, "close sweep pool node")
		}
	})

	renewalSweep, err := account.NewRenewalSweep(accounts, poolNode, cfg.Sweeps.ChannelRenewal)
	if err != nil {
		return fail(fmt.Errorf("create renewal sweep: %w", err))
	}
	holdSweep, err := usergraph.NewHoldSweep(graph, poolNode, cfg.Sweeps.HoldExpiry)
	if err != nil {
		return fail(fmt.Errorf("create hold sweep: %w", err))
	}

	sync, err := syncer.New(syncer.Options{
		Registry:  reg,
		Accounts:  accounts,
		Graph:     graph,
		Google:    googleClient,
		Microsoft: microsoftClient,
		SyncQueue: syncQueue,
	})
	if err != nil {
		return fail(fmt.Errorf("create syncer: %w", err))
	}
	syncConsumer, err := queue.NewConsumer(queue.ConsumerOptions{
		Queue:   syncQueue,
		Name:    syncConsumerGroup,
		Handler: sync,
	})
	if err != nil {
		return fail(fmt.Errorf("create sync consumer: %w", err))
	}

	writer, err := mirrorwrite.New(mirrorwrite.Options{
		Registry:  reg,
		Accounts:  accounts,
		Graph:     graph,
		Google:    &mirrorwrite.GoogleWriter{Client: googleClient},
		Microsoft: &mirrorwrite.MicrosoftWriter{Client: microsoftClient},
	})
	if err != nil {
		return fail(fmt.Errorf("create mirror writer: %w", err))
	}
	writeConsumer, err := queue.NewConsumer(queue.ConsumerOptions{
		Queue:   writeQueue,
		Name:    writeConsumerGroup,
		Handler: writer,
	})
	if err != nil {
		return fail(fmt.Errorf("create write consumer: %w", err))
	}

	reconciler, err := reconcile.New(reconcile.Options{
		Registry:   reg,
		Accounts:   accounts,
		Graph:      graph,
		Google:     googleClient,
		Microsoft:  microsoftClient,
		WriteQueue: writeQueue,
		Schedule:   cfg.ReconcileCron,
	})
	if err != nil {
		return fail(fmt.Errorf("create reconcile worker: %w", err))
	}

	metrics, err := telemetry.New(otel.Meter("facet"))
	if err != nil {
		return fail(fmt.Errorf("create metrics: %w", err))
	}

	googleOAuth, microsoftOAuth := oauthConfigs(cfg)
	handler, err := api.New(api.Options{
		Registry:      reg,
		Accounts:      accounts,
		Graph:         graph,
		Reconciler:    reconciler,
		SyncQueue:     syncQueue,
		Google:        googleOAuth,
		Microsoft:     microsoftOAuth,
		StateSecret:   cfg.OAuthStateSecret,
		PublicBaseURL: cfg.PublicBaseURL,
		Metrics:       metrics,
	})
	if err != nil {
		return fail(fmt.Errorf("create api handler: %w", err))
	}

	return &Server{
		cfg:           cfg,
		redis:         rdb,
		accountsMap:   accountsMap,
		poolNode:      poolNode,
		mongo:         mongoClient,
		accountStore:  accountStore,
		registry:      reg,
		accounts:      accounts,
		graph:         graph,
		syncQueue:     syncQueue,
		writeQueue:    writeQueue,
		syncConsumer:  syncConsumer,
		writeConsumer: writeConsumer,
		renewalSweep:  renewalSweep,
		holdSweep:     holdSweep,
		reconciler:    reconciler,
		api:           handler,
	}, nil
}

// oauthConfigs builds the onboarding OAuth configs for both providers.
func oauthConfigs(cfg config.Config) (*oauth2.Config, *oauth2.Config) {
	google := &oauth2.Config{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		Endpoint:     oauthgoogle.Endpoint,
		RedirectURL:  cfg.PublicBaseURL + "/oauth/google/callback",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
	}
	microsoft := &oauth2.Config{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		Endpoint:     oauthmicrosoft.AzureADEndpoint("common"),
		RedirectURL:  cfg.PublicBaseURL + "/oauth/microsoft/callback",
		Scopes:       []string{"https://graph.microsoft.com/Calendars.ReadWrite", "offline_access"},
	}
	return google, microsoft
}

// Run starts the consumers, sweeps and reconcile schedule, then serves HTTP
// until ctx is cancelled or a listener fails. Background components started
// here are stopped before Run returns; Close still owns resource release.
func (s *Server) Run(ctx context.Context) error {
	if err := s.syncConsumer.Start(ctx); err != nil {
		return fmt.Errorf("start sync consumer: %w", err)
	}
	defer s.syncConsumer.Stop()
	if err := s.writeConsumer.Start(ctx); err != nil {
		return fmt.Errorf("start write consumer: %w", err)
	}
	defer s.writeConsumer.Stop()
	if err := s.renewalSweep.Start(ctx); err != nil {
		return fmt.Errorf("start renewal sweep: %w", err)
	}
	defer s.renewalSweep.Stop()
	if err := s.holdSweep.Start(ctx); err != nil {
		return fmt.Errorf("start hold sweep: %w", err)
	}
	defer s.holdSweep.Stop()
	if err := s.reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconcile worker: %w", err)
	}
	defer s.reconciler.Stop()

	httpSrv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.api.Router(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}
	debugSrv := &http.Server{
		Addr:              s.cfg.DebugAddr,
		Handler:           s.debugMux(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}

	errc := make(chan error, 2)
	go func() {
		log.Printf(ctx, "HTTP server listening on %s", s.cfg.HTTPAddr)
		errc <- ignoreClosed(httpSrv.ListenAndServe())
	}()
	go func() {
		log.Printf(ctx, "debug server listening on %s", s.cfg.DebugAddr)
		errc <- ignoreClosed(debugSrv.ListenAndServe())
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutCtx); serr != nil {
		log.Errorf(ctx, serr, "shutdown HTTP server")
	}
	if serr := debugSrv.Shutdown(shutCtx); serr != nil {
		log.Errorf(ctx, serr, "shutdown debug server")
	}
	return err
}

// debugMux serves health checks, the runtime debug-log toggle, and pprof.
func (s *Server) debugMux(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	debug.MountDebugLogEnabler(mux)
	debug.MountPprofHandlers(mux)
	checker := health.NewChecker(s.pingers()...)
	mux.Handle("/healthz", health.Handler(checker))
	mux.Handle("/livez", health.Handler(checker))
	return log.HTTP(ctx)(mux)
}

func (s *Server) pingers() []health.Pinger {
	pingers := []health.Pinger{redisPinger{client: s.redis}}
	if s.mongo != nil {
		pingers = append(pingers, mongoPinger{client: s.mongo})
	}
	return pingers
}

// Close releases resources in reverse order of acquisition. Safe to call more
// than once and after a Run that already stopped the background components.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		ctx := context.Background()
		s.graph.Close()
		s.accounts.Close()
		if err := s.poolNode.Close(ctx); err != nil {
			log.Errorf(ctx, err, "close sweep pool node")
		}
		if err := s.accountStore.Close(); err != nil {
			log.Errorf(ctx, err, "close account store")
		}
		if s.mongo != nil {
			if err := s.mongo.Disconnect(ctx); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}
		s.accountsMap.Close()
		if err := s.redis.Close(); err != nil {
			log.Errorf(ctx, err, "close redis client")
		}
	})
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Name() string                   { return "redis" }
func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

type mongoPinger struct{ client *mongodriver.Client }

func (p mongoPinger) Name() string { return "mongo" }
func (p mongoPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}
