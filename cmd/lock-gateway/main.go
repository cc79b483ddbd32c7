// lock-gateway serves live edit-lock state to browser sessions over SSE
// and WebSocket, backed by either an in-memory store (single process) or
// Redis (shared between gateways).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/editlock"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockbus"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockstore"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/metrics"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/session"
)

var (
	addr      = flag.String("addr", ":8080", "Address to listen on")
	redisAddr = flag.String("redis", "", "Redis address; empty uses an in-memory store")
	budgetID  = flag.String("budget", "", "Budget (tenant) id")
	userID    = flag.String("user-id", "", "User id for lock identity")
	userName  = flag.String("user-name", "", "Display name for lock documents")
	trace     = flag.Bool("trace", false, "Emit spans to stdout")
)

func main() {
	flag.Parse()
	if *budgetID == "" {
		log.Fatal("missing -budget")
	}

	ctx := context.Background()
	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	var store lockstore.Store
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		bus := lockbus.NewRedisBus(client)
		store = lockstore.NewCached(lockstore.NewRedisStore(client, bus))
	} else {
		store = lockstore.NewInMemoryStore()
	}

	user := editlock.User{ID: *userID, BudgetID: *budgetID, UserName: *userName}
	coord := editlock.New(store, *budgetID, user)
	defer coord.Cleanup()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/locks/sse", session.SSEHandler(coord))
	mux.Handle("/locks/ws", session.WebSocketHandler(coord))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		coord.Cleanup()
		_ = srv.Shutdown(ctx)
	}()

	fmt.Printf("lock-gateway listening on %s (identity %s)\n", *addr, coord.Identity())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
