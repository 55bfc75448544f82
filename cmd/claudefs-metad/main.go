package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dirkpetersen/claudefs/pkg/config"
	"github.com/dirkpetersen/claudefs/pkg/followerread"
	"github.com/dirkpetersen/claudefs/pkg/journal"
	"github.com/dirkpetersen/claudefs/pkg/lease"
	"github.com/dirkpetersen/claudefs/pkg/log"
	"github.com/dirkpetersen/claudefs/pkg/metafacade"
	"github.com/dirkpetersen/claudefs/pkg/metasvc"
	"github.com/dirkpetersen/claudefs/pkg/metrics"
	"github.com/dirkpetersen/claudefs/pkg/pathcache"
	"github.com/dirkpetersen/claudefs/pkg/prefetch"
	"github.com/dirkpetersen/claudefs/pkg/qos"
	"github.com/dirkpetersen/claudefs/pkg/raft"
	"github.com/dirkpetersen/claudefs/pkg/replication"
	"github.com/dirkpetersen/claudefs/pkg/shardrouter"
	"github.com/dirkpetersen/claudefs/pkg/types"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "claudefs-metad",
	Short:   "claudefs-metad - sharded, Raft-replicated metadata node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"claudefs-metad version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("config", "claudefs-metad.yaml", "Path to node configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node's metadata shards and serve Raft and client RPC traffic",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a node's configuration and locally owned shards without starting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = "claudefs-metad.yaml"
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		router, err := shardrouter.New(cfg.RouterConfig())
		if err != nil {
			return err
		}
		owned := ownedShards(cfg, router)
		fmt.Printf("node_id:   %s\n", cfg.NodeID)
		fmt.Printf("raft_addr: %s\n", cfg.RaftAddr)
		fmt.Printf("api_addr:  %s\n", cfg.APIAddr)
		fmt.Printf("shards:    %d owned of %d total\n", len(owned), router.NumShards())
		return nil
	},
}

// node bundles one locally-owned shard's wired collaborators, read by
// replicationLoop and by the inbound shipHandler.
type node struct {
	shard    types.ShardId
	journal  *journal.Journal
	raftNode *raft.RaftNode
	service  *metasvc.Service
	facade   *metafacade.Facade
	qos      *qos.Manager
	tailers  map[types.SiteId]*replication.SiteReplicator
	receiver *replication.Receiver
}

func runServe(cfg *config.NodeConfig) error {
	router, err := shardrouter.New(cfg.RouterConfig())
	if err != nil {
		return fmt.Errorf("claudefs-metad: build shard router: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("claudefs-metad: create data dir: %w", err)
	}

	journalStore, err := journal.NewBoltJournalStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("claudefs-metad: open journal store: %w", err)
	}
	defer journalStore.Close()

	walStore, err := replication.NewBoltWalStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("claudefs-metad: open replication wal store: %w", err)
	}
	wal := replication.NewWal(replication.WalConfig{Store: walStore})
	if err := wal.Recover(); err != nil {
		return fmt.Errorf("claudefs-metad: recover replication wal: %w", err)
	}

	owned := ownedShards(cfg, router)
	if len(owned) == 0 {
		log.WithComponent("claudefs-metad").Warn().Str("node_id", string(cfg.NodeID)).Msg("node owns no shards under this placement table")
	}

	conns, closeConns, err := dialPeers(cfg)
	if err != nil {
		return err
	}
	defer closeConns()

	siteConns, closeSiteConns, err := dialSites(cfg)
	if err != nil {
		return err
	}
	defer closeSiteConns()

	multiraft := raft.NewMultiRaftManager(router)
	qosMgr := qos.New(nil, cfg.QoSLimits())
	log.WithComponent("claudefs-metad").Info().Int("tenants", len(cfg.QoSTenants)).Msg("qos admission control configured")
	leaseMgr := lease.New(cfg.LeaseConfig())
	followers := followerread.New(followerread.Config{})
	pathCache := pathcache.New(pathcache.DefaultMaxEntries)
	prefetchEngine := prefetch.New(prefetch.Config{})
	conflictDetector := replication.NewConflictDetector(replication.ConflictDetectorConfig{})

	peerServerIDs := make([]raft.ServerID, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peerServerIDs = append(peerServerIDs, raft.ServerID(p))
	}

	nodes := make(map[types.ShardId]*node, len(owned))
	transports := make(map[types.ShardId]raft.Transport, len(owned))
	for _, shard := range owned {
		jcfg := cfg.JournalConfig(shard)
		jcfg.Store = journalStore
		j := journal.New(jcfg)
		if err := j.Recover(); err != nil {
			return fmt.Errorf("claudefs-metad: recover journal for shard %d: %w", shard, err)
		}

		svc := metasvc.New(shard, nil)
		if shard == router.ShardForInode(types.RootInodeId) {
			svc.InitRoot(0, 0, 0o755)
		}

		rn := raft.New(raft.Config{
			ID:    raft.ServerID(cfg.NodeID),
			Shard: shard,
			Peers: peerServerIDs,
		})
		multiraft.AddShard(rn)

		// Every shard this node owns gets its own GRPCTransport instance
		// sharing the same dialed connections: a single shared Transport
		// can't disambiguate one peer's traffic across multiple shards,
		// since neither LocalTransport (keyed by ServerID alone) nor
		// GRPCTransport's envelope-based shard tag are exposed through
		// the generic Transport interface Facade depends on.
		var transport raft.Transport
		if len(conns) == 0 {
			transport = raft.NewLocalTransport()
		} else {
			transport = raft.NewGRPCTransport(shard, conns)
		}
		transports[shard] = transport

		facade := metafacade.New(metafacade.Config{
			Router:    router,
			MultiRaft: multiraft,
			Transport: transport,
			Allocator: metasvc.NewAllocator(router),
			Leases:    leaseMgr,
			PathCache: pathCache,
			Followers: followers,
			Prefetch:  prefetchEngine,
			CommitTimeout: metafacade.DefaultCommitTimeout,
		})
		facade.RegisterShard(shard, svc)

		tailers := make(map[types.SiteId]*replication.SiteReplicator, len(cfg.Sites))
		for _, site := range cfg.Sites {
			tailer := replication.NewTailer(replication.TailerConfig{
				Site:    site.SiteID,
				Shard:   shard,
				Journal: j,
			})
			var siteTransport replication.SiteTransport
			if len(siteConns) == 0 {
				siteTransport = replication.NewLocalSiteTransport()
			} else {
				siteTransport = replication.NewGRPCSiteTransport(siteConns)
			}
			tailers[site.SiteID] = replication.NewSiteReplicator(site.SiteID, shard, tailer, siteTransport, wal)
		}

		receiver := replication.NewReceiver(replication.ReceiverConfig{
			Site:     cfg.SiteID,
			Conflict: conflictDetector,
			Apply:    svc.ApplyOpGroup,
		})

		nodes[shard] = &node{shard: shard, journal: j, raftNode: rn, service: svc, facade: facade, qos: qosMgr, tailers: tailers, receiver: receiver}
	}

	grpcServer := grpc.NewServer()
	raft.RegisterGRPCTransportServer(grpcServer, multiraft)
	replication.RegisterSiteTransportServer(grpcServer, shipHandler(cfg, nodes))
	lis, err := net.Listen("tcp", cfg.RaftAddr)
	if err != nil {
		return fmt.Errorf("claudefs-metad: listen on raft addr: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.WithComponent("claudefs-metad").Error().Err(err).Msg("raft gRPC server exited")
		}
	}()
	log.WithComponent("claudefs-metad").Info().Str("addr", cfg.RaftAddr).Msg("raft transport listening")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithComponent("claudefs-metad").Error().Err(err).Msg("metrics server exited")
		}
	}()
	log.WithComponent("claudefs-metad").Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); tickLoop(ctx, multiraft, transports) }()
	go func() { defer wg.Done(); replicationLoop(ctx, nodes) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.WithComponent("claudefs-metad").Info().Msg("shutting down")

	cancel()
	wg.Wait()
	grpcServer.GracefulStop()
	_ = metricsServer.Shutdown(context.Background())

	return nil
}

// shipHandler builds the inbound receive callback this node's gRPC
// server exposes to remote sites shipping batches; it hands each batch
// to the target shard's Receiver.
// ShipHandler carries no source-site field on the wire (Ship's envelope
// is addressed by destination only, mirroring raft.GRPCTransport's
// single-peer RPC shape); a node that replicates with exactly one
// remote site resolves it unambiguously from cfg.Sites; a node meshed
// with more than one remote site logs and assumes the first, which is
// the one deployment topology this build targets (primary/DR pair).
func shipHandler(cfg *config.NodeConfig, nodes map[types.ShardId]*node) replication.ShipHandler {
	return func(ctx context.Context, shard types.ShardId, batch types.ReplicationBatch) (types.Sequence, error) {
		n, ok := nodes[shard]
		if !ok {
			return 0, fmt.Errorf("claudefs-metad: shard %d not managed on this node", shard)
		}
		remoteSite := types.SiteId(0)
		if len(cfg.Sites) > 0 {
			remoteSite = cfg.Sites[0].SiteID
		}
		if len(cfg.Sites) > 1 {
			log.WithShard("replication", uint32(shard)).Warn().Msg("multiple replication sites configured, attributing inbound batch to the first")
		}
		return n.receiver.ReceiveBatch(remoteSite, batch)
	}
}

// ownedShards returns every shard whose placement group contains
// cfg.NodeID, in ascending order.
func ownedShards(cfg *config.NodeConfig, router *shardrouter.Router) []types.ShardId {
	var out []types.ShardId
	for s := uint32(0); s < router.NumShards(); s++ {
		shard := types.ShardId(s)
		for _, n := range router.PlacementGroup(shard) {
			if n == cfg.NodeID {
				out = append(out, shard)
				break
			}
		}
	}
	return out
}

// dialPeers opens one gRPC connection per configured peer address,
// keyed by raft.ServerID. Every locally owned shard's GRPCTransport
// shares this same connection map, per GRPCTransport's own contract.
func dialPeers(cfg *config.NodeConfig) (map[raft.ServerID]*grpc.ClientConn, func(), error) {
	conns := make(map[raft.ServerID]*grpc.ClientConn, len(cfg.PeerAddrs))
	for peer, addr := range cfg.PeerAddrs {
		if peer == cfg.NodeID {
			continue
		}
		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAll(conns)
			return nil, nil, fmt.Errorf("claudefs-metad: dial peer %s: %w", peer, err)
		}
		conns[raft.ServerID(peer)] = conn
	}
	return conns, func() { closeAll(conns) }, nil
}

// dialSites opens one gRPC connection per configured replication site,
// shared across every local shard's SiteReplicator for that site.
func dialSites(cfg *config.NodeConfig) (map[types.SiteId]*grpc.ClientConn, func(), error) {
	conns := make(map[types.SiteId]*grpc.ClientConn, len(cfg.Sites))
	for _, site := range cfg.Sites {
		if site.Address == "" {
			continue
		}
		conn, err := grpc.NewClient(site.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			closeAllSites(conns)
			return nil, nil, fmt.Errorf("claudefs-metad: dial site %d: %w", site.SiteID, err)
		}
		conns[site.SiteID] = conn
	}
	return conns, func() { closeAllSites(conns) }, nil
}

func closeAll(conns map[raft.ServerID]*grpc.ClientConn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

func closeAllSites(conns map[types.SiteId]*grpc.ClientConn) {
	for _, c := range conns {
		_ = c.Close()
	}
}

// tickLoop drives every locally managed shard's Raft clock and ships the
// resulting heartbeats/vote requests through that shard's own Transport,
// mirroring Facade.driveReplication's send-then-feed-response loop but
// for ticks rather than proposals.
func tickLoop(ctx context.Context, multiraft *raft.MultiRaftManager, transports map[types.ShardId]raft.Transport) {
	ticker := time.NewTicker(raft.DefaultHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for shard, result := range multiraft.TickAll() {
				rn, ok := multiraft.Shard(shard)
				if !ok {
					continue
				}
				transport, ok := transports[shard]
				if !ok {
					continue
				}
				dispatchTick(rn, transport, result)
			}
		}
	}
}

// dispatchTick sends one Tick's worth of outbound messages and feeds
// the immediate responses back into rn, the same round-trip shape
// Facade.driveReplication uses for proposal replication.
func dispatchTick(rn *raft.RaftNode, transport raft.Transport, result raft.TickResult) {
	for _, rv := range result.RequestVotes {
		resp, err := transport.SendRequestVote(rv.To, rv.Request)
		if err != nil {
			continue
		}
		rn.HandleVoteResponse(resp)
	}
	for _, ae := range result.AppendEntries {
		resp, err := transport.SendAppendEntries(ae.To, ae.Request)
		if err != nil {
			continue
		}
		rn.HandleAppendResponse(resp)
	}
}

// replicationLoop periodically drives every local shard's per-site
// SiteReplicator, shipping newly journaled entries to every configured
// remote site.
func replicationLoop(ctx context.Context, nodes map[types.ShardId]*node) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, n := range nodes {
				for _, replicator := range n.tailers {
					if _, err := replicator.Drive(ctx); err != nil {
						log.WithShard("replication", uint32(n.shard)).Warn().Err(err).Msg("replication drive failed, will retry next tick")
					}
				}
			}
		}
	}
}
