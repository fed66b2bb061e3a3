package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ferrobft/bftcore/config"
	"github.com/ferrobft/bftcore/crypto"
	"github.com/ferrobft/bftcore/executor"
	"github.com/ferrobft/bftcore/logging"
	"github.com/ferrobft/bftcore/replica"
	"github.com/ferrobft/bftcore/transport"
	"github.com/ferrobft/bftcore/wire"
)

// lazyBroadcast adapts a *transport.Link that does not exist yet at
// replica.New time (the link itself wraps the Gate the replica
// builds) into a replica.Broadcaster.
type lazyBroadcast struct{ link **transport.Link }

func (b lazyBroadcast) Broadcast(req *wire.Request) error { return (*b.link).Broadcast(req) }

var (
	configPath string
	walDir     string
	listenAddr string
	peerAddrs  []string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "bftreplicad",
		Short: "Run one replica of the consensus core",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a replica config file")
	root.Flags().StringVar(&walDir, "wal-dir", "./wal", "directory for the write-ahead log")
	root.Flags().StringVar(&listenAddr, "listen", ":6116", "address this replica's peer endpoint listens on")
	root.Flags().StringArrayVar(&peerAddrs, "peer", nil, "peer in id=ws://host:port/ws form, repeatable")
	root.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if _, err := logging.Init(logging.Config{Console: true, Level: logLevel}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()
	log := logging.Named("main")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	signer, err := crypto.NewEd25519Signer(cfg.Replica.ID)
	if err != nil {
		return fmt.Errorf("new signer: %w", err)
	}
	keys := crypto.NewKeyTable()
	keys.Learn(crypto.KeyEntry{NodeID: signer.NodeID(), HashType: signer.HashType(), PubKey: signer.PublicKey()})

	exec := executor.New()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// replica.New wants a Broadcaster up front, but the transport link
	// wants the Gate the replica builds; wire the link in after.
	var link *transport.Link
	broadcast := lazyBroadcast{link: &link}

	r, err := replica.New(cfg, signer, keys, broadcast, exec, walDir)
	if err != nil {
		return fmt.Errorf("new replica: %w", err)
	}
	link = transport.New(r.Gate)
	for _, spec := range parsePeers(peerAddrs) {
		link.AddPeer(spec.id, spec.url)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", link)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/query", queryHandler(exec))
	srv := &http.Server{Addr: listenAddr, Handler: mux}

	go func() {
		log.Infow("peer endpoint listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("peer endpoint failed", "err", err)
		}
	}()

	r.Start()
	log.Infow("replica started", "id", cfg.Replica.ID)

	<-ctx.Done()
	log.Infow("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("peer endpoint shutdown timed out", "err", err)
	}
	r.Stop()
	log.Infow("replica stopped cleanly")
	return nil
}

// queryRecord mirrors executor.Memory's wire record shape for the
// key/value lookups this endpoint serves.
type queryRecord struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// queryable is the read-only half of replica.Executor, local to avoid
// an import just for one method signature.
type queryable interface {
	Query(req *wire.Request) ([]byte, error)
}

// queryHandler answers a GET /query?key=... directly against the
// application state, bypassing consensus the same way a QUERY-kind
// Request does (§4.A): this HTTP path and the QUERY wire path both end
// up calling exec.Query, just from different entry points.
func queryHandler(exec queryable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		data, err := json.Marshal(queryRecord{Key: key})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		val, err := exec.Query(&wire.Request{Kind: wire.Query, Data: data})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if val == nil {
			http.NotFound(w, r)
			return
		}
		w.Write(val)
	}
}

type peerSpec struct {
	id  uint32
	url string
}

func parsePeers(specs []string) []peerSpec {
	var out []peerSpec
	for _, s := range specs {
		var id uint32
		var url string
		if n, _ := fmt.Sscanf(s, "%d=%s", &id, &url); n == 2 {
			out = append(out, peerSpec{id: id, url: url})
		}
	}
	return out
}
