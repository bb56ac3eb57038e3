// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcnotary/blockstream"
	"github.com/btcsuite/btcnotary/chain"
	"github.com/btcsuite/btcnotary/ledger"
	"github.com/btcsuite/btcnotary/notary"
	"github.com/btcsuite/btcnotary/signing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful stop of the metrics server.
const shutdownTimeout = 5 * time.Second

func main() {
	// Work around defer not working after os.Exit.
	if err := notaryMain(); err != nil {
		os.Exit(1)
	}
}

// notaryMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func notaryMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	ctx, stop := listenShutdown(context.Background())
	defer stop.run()

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			log.Infof("Profile server listening on %s", listenAddr)
			profileRedirect := http.RedirectHandler("/debug/pprof",
				http.StatusSeeOther)
			http.Handle("/", profileRedirect)
			log.Errorf("%v", http.ListenAndServe(listenAddr, nil))
		}()
	}

	keys := signing.NewKeyRing()
	n, err := keys.LoadWIFFile(cfg.KeyFile)
	if err != nil {
		log.Errorf("Unable to load notary keys: %v", err)
		return err
	}
	log.Infof("Loaded %d notary keys from %s", n, cfg.KeyFile)

	store, closeLedger, err := openLedger(ctx, cfg)
	if err != nil {
		log.Errorf("Unable to open ledger: %v", err)
		return err
	}
	defer closeLedger()

	rpcc, err := connectChain(cfg)
	if err != nil {
		log.Errorf("Cannot create node RPC client: %v", err)
		return err
	}
	defer rpcc.Stop()

	// Blocks come from the broker when one is configured.  Otherwise the
	// ledger is local to this process and its own commits are the
	// blocks.
	var (
		serviceStore ledger.Store
		stream       blockstream.Stream
	)
	if cfg.AMQPURL != "" {
		amqpStream, err := blockstream.DialAMQP(blockstream.AMQPConfig{
			URL:         cfg.AMQPURL,
			Queue:       cfg.AMQPQueue,
			ConsumerTag: cfg.NodeID,
		})
		if err != nil {
			log.Errorf("Unable to consume ledger blocks: %v", err)
			return err
		}
		defer amqpStream.Close()

		serviceStore, stream = store, amqpStream
	} else {
		journal := blockstream.NewJournal(store)
		serviceStore, stream = journal.As(cfg.NodeID), journal.Subscribe(0)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := notary.New(&notary.Config{
		Store:            serviceStore,
		Chain:            rpcc,
		Keys:             keys,
		NodeID:           cfg.NodeID,
		ChainParams:      cfg.activeNet.Params,
		Accounts:         cfg.accounts(),
		Fees:             cfg.fees(),
		MinConfirmations: cfg.MinConfirmations,
		MaxInputs:        cfg.MaxInputs,
		Peers:            cfg.Peers,
		Workers:          cfg.Workers,
		Registerer:       registry,
	})

	if cfg.CreateAccounts {
		if err := svc.CreateAccounts(ctx, serviceStore); err != nil {
			log.Errorf("Unable to create ledger accounts: %v", err)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := svc.Run(gctx, stream)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		// The daemon is useless without blocks.
		stop.request()
		return err
	})

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(registry),
			ReadHeaderTimeout: shutdownTimeout,
		}
		stop.addHandler(func() {
			sctx, cancel := context.WithTimeout(
				context.Background(), shutdownTimeout,
			)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				log.Warnf("Metrics server shutdown: %v", err)
			}
		})

		g.Go(func() error {
			log.Infof("Metrics server listening on %s",
				cfg.MetricsAddr)
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	log.Infof("Notary %s started on %s", cfg.NodeID, cfg.activeNet.Name)

	err = g.Wait()
	stop.run()
	stop.wait()
	if err != nil {
		log.Errorf("Notary stopped: %v", err)
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

// connectChain creates the RPC client of the Bitcoin node.
func connectChain(cfg *config) (*chain.RPCClient, error) {
	var certs []byte
	if !cfg.DisableClientTLS {
		var err error
		certs, err = os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info("Client TLS is disabled")
	}

	return chain.NewRPCClient(&chain.RPCClientConfig{
		Conn: &rpcclient.ConnConfig{
			Host:         cfg.RPCConnect,
			User:         cfg.RPCUser,
			Pass:         cfg.RPCPass,
			Certificates: certs,
			DisableTLS:   cfg.DisableClientTLS,
		},
		Chain: cfg.activeNet.Params,
	})
}

// metricsHandler serves the registry on /metrics.
func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry,
		promhttp.HandlerOpts{Registry: registry}))
	return mux
}
