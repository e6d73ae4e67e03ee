package server

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/quorumlabs/raftkv/internal/distributedkv"
	"github.com/quorumlabs/raftkv/internal/httpapi"
	"github.com/quorumlabs/raftkv/internal/kvsm"
	"github.com/quorumlabs/raftkv/internal/raft"
	"github.com/quorumlabs/raftkv/internal/raft/storage"
	"github.com/quorumlabs/raftkv/internal/raft/transporthttp"
)

// Run wires together the server components and starts listening.
func Run() error {
	configPath := flag.String("config", "raftkv.yaml", "Path to YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}

	log.Printf("starting node %s on %s", cfg.Node.ID, cfg.Node.Listen)

	var (
		stable   storage.StableStore
		logStore storage.LogStore
		snaps    storage.SnapshotStore
	)
	if cfg.Node.DataDir != "" {
		if stable, err = storage.NewFileStableStore(cfg.Node.DataDir); err != nil {
			return err
		}
		if logStore, err = storage.NewFileLogStore(cfg.Node.DataDir); err != nil {
			return err
		}
		if snaps, err = storage.NewFileSnapshotStore(cfg.Node.DataDir); err != nil {
			return err
		}
	} else {
		log.Printf("node %s: no data_dir configured, state will not survive restarts", cfg.Node.ID)
		stable = storage.NewMemStableStore()
		logStore = storage.NewMemLogStore()
		snaps = storage.NewMemSnapshotStore()
	}

	sm := kvsm.New()
	resolver := transporthttp.NewPeerResolver(cfg.PeerAddresses())
	tp := transporthttp.NewHTTPTransport(resolver)

	node, err := raft.NewNode(cfg.RaftConfig(), stable, logStore, snaps, tp, sm)
	if err != nil {
		return err
	}

	dkv := distributedkv.New(node, sm)
	apiServer := httpapi.New(dkv)

	// Combine API + Raft HTTP handlers.
	mux := http.NewServeMux()
	mux.Handle("/raft/", node.RaftHTTPHandler().Handler())
	mux.Handle("/", apiServer.Handler())

	srv := &http.Server{
		Addr:    cfg.Node.Listen,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Println("shutting down...")
		node.Stop(context.Background())
		return srv.Shutdown(context.Background())
	}
}
