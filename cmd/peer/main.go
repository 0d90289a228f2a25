package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/internal/apierr"
	"github.com/ruvnet/swarmlink/internal/config"
	"github.com/ruvnet/swarmlink/internal/coordinator"
	"github.com/ruvnet/swarmlink/internal/crdt"
	"github.com/ruvnet/swarmlink/internal/pattern"
	"github.com/ruvnet/swarmlink/internal/perf"
	"github.com/ruvnet/swarmlink/internal/signaling"
	"github.com/ruvnet/swarmlink/internal/transport"
	"github.com/ruvnet/swarmlink/pkg/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "swarmlink",
	Short: "Peer-to-peer coordination core for swarm replicas",
	Long:  "A command-line interface for a replica's coordination core: NAT-traversed peer connections, CRDT replication, and privacy-aware pattern sharing.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a replica: join the signaling room, connect to NATS, and serve pattern sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		if cfg.Replica.ID == "" {
			return fmt.Errorf("REPLICA_ID must be set")
		}

		identity, err := coordinator.NewIdentity(cfg.Replica.ID)
		if err != nil {
			return fmt.Errorf("generate identity: %w", err)
		}
		logger.Info("replica identity ready",
			zap.String("replica_id", identity.ReplicaID),
			zap.String("public_key", hex.EncodeToString(identity.Public)))

		index := pattern.NewIndex(pattern.IndexConfig{
			MaxPatterns:       cfg.Pattern.MaxPatterns,
			EvictionThreshold: cfg.Pattern.EvictionThreshold,
			DedupEnabled:      true,
			SweepInterval:     time.Minute,
		})
		store := crdt.NewStore(identity.ReplicaID, logger)
		store.StartGCLoop(time.Minute)
		defer store.StopGCLoop()

		natsConn, err := nats.Connect(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsConn.Close()

		natsTransport := transport.NewNATSTransport(natsConn, transport.DefaultNATSConfig(), logger)

		// Summarizes each advertised pattern once rather than re-deriving its
		// privacy-filtered Summary on every incoming sync request.
		summaryCache, err := perf.NewSummaryCache(cfg.Pattern.MaxPatterns)
		if err != nil {
			return fmt.Errorf("build summary cache: %w", err)
		}
		resolver := newSyncResolver(index, summaryCache, logger)
		responder := transport.NewResponder(natsConn, identity.ReplicaID, transport.DefaultNATSConfig(),
			resolver.Resolve, logger)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := responder.Start(ctx); err != nil {
			return fmt.Errorf("start responder: %w", err)
		}
		defer responder.Stop()

		sigClient := signaling.NewClient(cfg.Signaling.URL, signaling.WebSocketDialer{}, identity.ReplicaID, signaling.DefaultClientConfig(), logger)
		if err := sigClient.Connect(ctx); err != nil {
			logger.Warn("signaling connect failed, continuing without discovery", zap.Error(err))
		} else {
			defer sigClient.Close()
		}

		mgr := coordinator.NewManager(identity, index, store, natsTransport, nil, sigClient, coordinator.DefaultConfig(), logger)
		mgr.SetMetrics(metrics.NewMetrics())
		defer mgr.Close()

		mgr.On(coordinator.EventPeerAuthenticated, func(ctx context.Context, ev coordinator.Event) error {
			logger.Info("peer authenticated", zap.String("peer", ev.PeerID))
			return nil
		})
		mgr.On(coordinator.EventHealthChanged, func(ctx context.Context, ev coordinator.Event) error {
			logger.Info("peer health changed", zap.String("peer", ev.PeerID))
			return nil
		})
		mgr.On(coordinator.EventSyncFailed, func(ctx context.Context, ev coordinator.Event) error {
			logger.Warn("peer sync failed", zap.String("peer", ev.PeerID))
			return nil
		})

		logger.Info("replica running", zap.String("signaling_url", cfg.Signaling.URL), zap.String("nats_url", cfg.NATS.URL))

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		return nil
	},
}

var identityCmd = &cobra.Command{
	Use:   "identity [replica-id]",
	Short: "Generate a fresh Ed25519 identity and print its public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := coordinator.NewIdentity(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("replica_id: %s\n", id.ReplicaID)
		fmt.Printf("public_key: %s\n", hex.EncodeToString(id.Public))
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect [peer-id] [peer-public-key-hex]",
	Short: "Begin the authentication handshake with a declared peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		pubHex := args[1]
		pub, err := hex.DecodeString(pubHex)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid public key: %w", err)
		}

		cfg := config.Load()
		logger, _ := zap.NewDevelopment()
		defer logger.Sync()

		identity, err := coordinator.NewIdentity(cfg.Replica.ID)
		if err != nil {
			return err
		}
		index := pattern.NewIndex(pattern.DefaultIndexConfig())
		mgr := coordinator.NewManager(identity, index, nil, nil, nil, nil, coordinator.DefaultConfig(), logger)
		defer mgr.Close()

		if err := mgr.Connect(context.Background(), peerID, ed25519.PublicKey(pub)); err != nil {
			if apiErr, ok := apierr.As(err); ok {
				return fmt.Errorf("[%s] %s", apiErr.Code, apiErr.Message)
			}
			return err
		}
		fmt.Printf("authenticating with peer '%s'\n", peerID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the resolved configuration for this replica",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		fmt.Printf("replica id:     %s\n", cfg.Replica.ID)
		fmt.Printf("signaling url:  %s\n", cfg.Signaling.URL)
		fmt.Printf("nats url:       %s\n", cfg.NATS.URL)
		fmt.Printf("redis:          %s:%d\n", cfg.Redis.Host, cfg.Redis.Port)
		fmt.Printf("stun servers:   %v\n", cfg.STUN.Servers)
		fmt.Printf("max patterns:   %d\n", cfg.Pattern.MaxPatterns)
		fmt.Printf("sync interval:  %ds\n", cfg.Sync.IntervalSeconds)
		fmt.Printf("log level:      %s\n", cfg.Logging.Level)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
