package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"github.com/facetcal/facet/config"
	"github.com/facetcal/facet/server"
)

func main() {
	var (
		configF    = flag.String("config", "", "Path to the YAML configuration file")
		httpAddrF  = flag.String("http-addr", "", "Override the public HTTP listen address")
		debugAddrF = flag.String("debug-addr", "", "Override the debug HTTP listen address")
		dbgF       = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *httpAddrF != "" {
		cfg.HTTPAddr = *httpAddrF
	}
	if *debugAddrF != "" {
		cfg.DebugAddr = *debugAddrF
	}

	// SIGINT and SIGTERM cancel the context, which drains Run.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr}, log.KV{K: "debug-addr", V: cfg.DebugAddr})
	err = srv.Run(ctx)
	srv.Close()
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Printf(ctx, "exited")
}
