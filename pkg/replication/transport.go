package replication

import (
	"context"
	"fmt"

	"github.com/dirkpetersen/claudefs/pkg/types"
	"google.golang.org/grpc"
)

// SiteTransport ships a replication batch to a remote site and reports
// whether it was durably received there. Implementations do not retry,
// and neither JournalTailer nor SiteReplicator re-sends a batch whose
// Ship failed: the next Drive polls the range after it.
type SiteTransport interface {
	Ship(ctx context.Context, site types.SiteId, shard types.ShardId, batch types.ReplicationBatch) error
}

// shipRequest/shipResponse are the RPC envelope gobCodec marshals
// directly, with no protoc-generated message type standing between
// them and the wire (see codec.go).
type shipRequest struct {
	Shard types.ShardId
	Batch batchWire
}

type shipResponse struct {
	AckedThrough uint64
}

// siteTransportServiceName and siteTransportShipMethod name the RPC
// the same way a .proto file's service/rpc declaration would, so a
// future generated-stub client stays wire-compatible with this
// hand-registered one.
const (
	siteTransportServiceName = "claudefs.replication.SiteTransport"
	siteTransportShipMethod  = "Ship"
)

func shipFullMethod() string {
	return fmt.Sprintf("/%s/%s", siteTransportServiceName, siteTransportShipMethod)
}

// LocalSiteTransport dispatches Ship calls to in-process handlers,
// mirroring pkg/raft's LocalTransport: useful for tests and for a
// single-process multi-site simulation, never for a real deployment
// spanning hosts.
type LocalSiteTransport struct {
	handlers map[types.SiteId]func(ctx context.Context, shard types.ShardId, batch types.ReplicationBatch) error
}

// NewLocalSiteTransport constructs an empty LocalSiteTransport.
func NewLocalSiteTransport() *LocalSiteTransport {
	return &LocalSiteTransport{handlers: make(map[types.SiteId]func(context.Context, types.ShardId, types.ReplicationBatch) error)}
}

// Register attaches site's receive handler.
func (t *LocalSiteTransport) Register(site types.SiteId, handler func(ctx context.Context, shard types.ShardId, batch types.ReplicationBatch) error) {
	t.handlers[site] = handler
}

// Ship implements SiteTransport.
func (t *LocalSiteTransport) Ship(ctx context.Context, site types.SiteId, shard types.ShardId, batch types.ReplicationBatch) error {
	h, ok := t.handlers[site]
	if !ok {
		return fmt.Errorf("replication: no local handler registered for site %d", site)
	}
	return h(ctx, shard, batch)
}

// GRPCSiteTransport ships batches to remote sites over real gRPC
// connections, one *grpc.ClientConn per site, addressed by the site's
// dial target rather than a generated client stub: Ship is the only
// call this service exposes, so it is invoked directly through
// ClientConn.Invoke against a hand-named full method path, carried by
// the gob codec registered in codec.go instead of a protoc-generated
// proto.Message.
type GRPCSiteTransport struct {
	conns map[types.SiteId]*grpc.ClientConn
}

// NewGRPCSiteTransport constructs a GRPCSiteTransport from a
// site-to-connection map; callers own dialing (TLS, keepalive, etc.)
// and close every conn on shutdown.
func NewGRPCSiteTransport(conns map[types.SiteId]*grpc.ClientConn) *GRPCSiteTransport {
	return &GRPCSiteTransport{conns: conns}
}

// Ship implements SiteTransport.
func (t *GRPCSiteTransport) Ship(ctx context.Context, site types.SiteId, shard types.ShardId, batch types.ReplicationBatch) error {
	conn, ok := t.conns[site]
	if !ok {
		return fmt.Errorf("replication: no connection for site %d", site)
	}
	wire, err := toWire(shard, batch)
	if err != nil {
		return err
	}
	req := &shipRequest{Shard: shard, Batch: wire}
	resp := &shipResponse{}
	opts := []grpc.CallOption{grpc.CallContentSubtype(gobCodecName)}
	return conn.Invoke(ctx, shipFullMethod(), req, resp, opts...)
}

// ShipHandler is the server-side receive callback a node registers to
// accept incoming batches from remote sites.
type ShipHandler func(ctx context.Context, shard types.ShardId, batch types.ReplicationBatch) (ackedThrough types.Sequence, err error)

// RegisterSiteTransportServer wires handler into s under the Ship RPC,
// using a hand-built grpc.ServiceDesc in place of protoc-gen-go-grpc
// output: the registration shape (ServiceName, Methods, Handler
// closures unmarshaling the request then invoking the real handler)
// is exactly what generated code produces, just written directly
// since no .proto file backs this single-method internal service.
func RegisterSiteTransportServer(s *grpc.Server, handler ShipHandler) {
	desc := &grpc.ServiceDesc{
		ServiceName: siteTransportServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: siteTransportShipMethod,
				Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
					req := &shipRequest{}
					if err := dec(req); err != nil {
						return nil, err
					}
					run := func(ctx context.Context, req any) (any, error) {
						in := req.(*shipRequest)
						batch, err := fromWire(in.Batch)
						if err != nil {
							return nil, err
						}
						acked, err := handler(ctx, in.Shard, batch)
						if err != nil {
							return nil, err
						}
						return &shipResponse{AckedThrough: uint64(acked)}, nil
					}
					if interceptor == nil {
						return run(ctx, req)
					}
					info := &grpc.UnaryServerInfo{Server: srv, FullMethod: shipFullMethod()}
					return interceptor(ctx, req, info, run)
				},
			},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "claudefs/replication/site_transport.proto",
	}
	s.RegisterService(desc, nil)
}
