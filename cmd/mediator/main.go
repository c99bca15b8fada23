// Command mediator runs the DIDComm v2 cloud mediator HTTP daemon: it
// loads Config, wires the resolver/secrets/store/live/envelope/mediator/
// dispatch stack, and serves it over internal/transport.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/layr8/didcomm-mediator/internal/config"
	"github.com/layr8/didcomm-mediator/internal/cryptoutil"
	"github.com/layr8/didcomm-mediator/internal/didweb"
	"github.com/layr8/didcomm-mediator/internal/dispatch"
	"github.com/layr8/didcomm-mediator/internal/envelope"
	"github.com/layr8/didcomm-mediator/internal/live"
	"github.com/layr8/didcomm-mediator/internal/mediator"
	"github.com/layr8/didcomm-mediator/internal/mediatorlog"
	"github.com/layr8/didcomm-mediator/internal/resolver"
	"github.com/layr8/didcomm-mediator/internal/secrets"
	"github.com/layr8/didcomm-mediator/internal/store"
	"github.com/layr8/didcomm-mediator/internal/transport"
	"github.com/layr8/didcomm-mediator/internal/wire"
)

var supportedTypes = []string{
	wire.TypeMediateRequest, wire.TypeKeylistUpdate, wire.TypeKeylistQuery,
	wire.TypeMediateTerminate, wire.TypeForward, wire.TypeStatusRequest,
	wire.TypeDeliveryRequest, wire.TypeMessagesReceived, wire.TypeLiveDeliveryChange,
	wire.TypePing, wire.TypeDiscoverFeaturesQueries,
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("mediator: %v", err)
	}

	logger := log.New(os.Stdout, "", 0)

	sp, st, closeDB, err := openBackends(cfg)
	if err != nil {
		log.Fatalf("mediator: %v", err)
	}
	defer closeDB()

	mediatorKeyID := cfg.MediatorDID + "#key-1"
	if provisioned, err := ensureMediatorKey(sp, mediatorKeyID); err != nil {
		log.Fatalf("mediator: %v", err)
	} else if provisioned {
		logger.Printf(`{"level":"warn","msg":"generated a mediator key, set up persistent provisioning before production use","key_id":%q}`, mediatorKeyID)
	}

	allowedMethods := cfg.AllowedDIDMethods
	webFetcher := didweb.Resolver{Fetcher: didweb.NewHTTPFetcher(&http.Client{Timeout: 10 * time.Second})}
	res := resolver.New(webFetcher, resolver.Config{
		CacheTTL:       time.Duration(cfg.ResolverCacheTTLSeconds) * time.Second,
		CacheSize:      cfg.ResolverCacheSize,
		AllowedMethods: allowedMethods,
	})

	env := envelope.New(res, sp)
	reg := live.New(cfg.LiveDeliveryBackpressureBound)
	med := mediator.New(cfg.MediatorDID, cfg.ServiceEndpoint, supportedTypes, st, reg, env)

	errorSink := mediatorlog.DispatchErrorSink(mediatorlog.JSONLines(logger))
	disp := dispatch.New(cfg.MediatorDID, mediatorKeyID, env, med, errorSink)

	srv := transport.NewServer(disp, logger, cfg.InboundPath)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf(`{"level":"info","msg":"mediator listening","addr":%q,"mediator_did":%q}`, cfg.ListenAddr, cfg.MediatorDID)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("mediator: serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Printf(`{"level":"error","msg":"shutdown error","error":%q}`, err.Error())
	}
}

// openBackends builds the secrets provider and store, Postgres-backed when
// Config.DatabaseURL is set, in-memory otherwise.
func openBackends(cfg config.Config) (secrets.Provider, store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		sp := secrets.NewMemoryProvider()
		st := store.NewMemoryStore(store.MemoryConfig{
			MailboxSoftCap:     cfg.MailboxSoftCap,
			MailboxHardByteCap: cfg.MailboxHardByteCap,
		})
		return sp, st, func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, func() {}, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, func() {}, err
	}

	sp := secrets.NewPostgresProvider(db)
	st := store.NewPostgresStore(db, store.MemoryConfig{
		MailboxSoftCap:     cfg.MailboxSoftCap,
		MailboxHardByteCap: cfg.MailboxHardByteCap,
	})
	return sp, st, func() { db.Close() }, nil
}

// ensureMediatorKey makes sure keyID has a secret in sp, generating and
// storing a fresh X25519 key pair if it doesn't. Reports whether it
// provisioned a new key, for the caller to log. Providers this module
// doesn't know how to write to (a custom secrets.Provider) must be
// pre-provisioned out of band.
func ensureMediatorKey(sp secrets.Provider, keyID string) (bool, error) {
	if _, err := sp.FindSecret(keyID); err == nil {
		return false, nil
	}

	pub, priv, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return false, fmt.Errorf("generate mediator key: %w", err)
	}
	secret := secrets.NewX25519Secret(keyID, priv, pub)

	switch p := sp.(type) {
	case *secrets.MemoryProvider:
		p.Put(secret)
		return true, nil
	case *secrets.PostgresProvider:
		if err := p.Put(secret); err != nil {
			return false, fmt.Errorf("provision mediator key: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("secrets provider %T has no key for %s and cannot be auto-provisioned", sp, keyID)
	}
}
