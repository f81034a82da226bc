// Package app assembles the parkline roles from configuration: the front
// dispatcher (parking operations plus the consensus coordinator), a
// recommender replica, and a bare caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"parkline/internal/broker"
	"parkline/internal/broker/kafka"
	"parkline/internal/dispatch"
	"parkline/internal/parking"
	parkinghandler "parkline/internal/parking/handler"
	"parkline/internal/parking/store/memory"
	"parkline/internal/parking/store/postgres"
	redisstore "parkline/internal/parking/store/redis"
	"parkline/internal/platform/config"
	"parkline/internal/platform/httpserver"
	platformredis "parkline/internal/platform/redis"
	"parkline/internal/recommend"
	"parkline/internal/rpc"
	"parkline/pkg/platform/circuit"
)

// Deps are the process-level collaborators every role is built from.
type Deps struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry prometheus.Registerer
	// Network is the in-process broker used when Config.Broker.Kind is
	// "memory". Roles sharing one Network can talk to each other.
	Network *broker.MemoryNetwork
	// Store overrides the configured store when set.
	Store parking.Store
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

func (d Deps) registry() prometheus.Registerer {
	if d.Registry == nil {
		return prometheus.NewRegistry()
	}
	return d.Registry
}

// ConnectCluster opens the broker cluster handle for d.Config.
func ConnectCluster(ctx context.Context, d Deps) (*broker.Cluster, error) {
	cfg := d.Config.Broker
	log := d.logger()

	var dialer broker.Dialer
	switch cfg.Kind {
	case "memory":
		if d.Network == nil {
			d.Network = broker.NewMemoryNetwork(cfg.Nodes...)
		}
		dialer = d.Network
	case "kafka":
		dialer = &kafka.Dialer{ClientID: cfg.ClientID, Logger: log}
	default:
		return nil, fmt.Errorf("broker kind %q is not supported", cfg.Kind)
	}

	return broker.Connect(ctx, dialer, broker.Config{
		Nodes:        cfg.Nodes,
		MaxCycles:    cfg.MaxCycles,
		CycleBackoff: cfg.CycleBackoff,
		DialTimeout:  cfg.DialTimeout,
	}, broker.WithLogger(log), broker.WithMetrics(broker.NewMetrics(d.registry())))
}

// OpenStore opens the configured records store behind a circuit breaker and
// seeds it when configured to. The returned func releases the backend; it is
// nil when err is not.
func OpenStore(ctx context.Context, d Deps) (*parking.GuardedStore, func(), error) {
	cfg := d.Config
	log := d.logger()

	inner := d.Store
	closer := func() {}
	if inner == nil {
		switch cfg.Store.Driver {
		case "memory":
			inner = memory.New()
		case "redis":
			client, err := platformredis.New(ctx, cfg.Redis)
			if err != nil {
				return nil, nil, fmt.Errorf("open redis store: %w", err)
			}
			if client == nil {
				return nil, nil, fmt.Errorf("store driver redis needs a redis url")
			}
			inner = redisstore.New(client.Client, redisstore.WithPrefix(cfg.Redis.Prefix))
			closer = func() { _ = client.Close() }
		case "postgres":
			poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
			if err != nil {
				return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
			}
			if cfg.Postgres.MaxConns > 0 {
				poolCfg.MaxConns = cfg.Postgres.MaxConns
			}
			pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
			if err != nil {
				return nil, nil, fmt.Errorf("open postgres pool: %w", err)
			}
			pg := postgres.New(pool)
			if err := pg.Migrate(ctx); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate postgres store: %w", err)
			}
			inner = pg
			closer = pool.Close
		default:
			return nil, nil, fmt.Errorf("store driver %q is not supported", cfg.Store.Driver)
		}
	}

	// A store shared with another role in the same process keeps the one
	// breaker it already has.
	store, guarded := inner.(*parking.GuardedStore)
	if !guarded {
		breaker := circuit.New("parking-store",
			circuit.WithFailureThreshold(cfg.Store.BreakerFailures),
			circuit.WithCooldown(cfg.Store.BreakerCooldown),
		)
		store = parking.Guard(inner, breaker, parking.WithGuardLogger(log))
	}

	if cfg.Store.Seed {
		if err := parking.Seed(ctx, store, time.Now()); err != nil {
			closer()
			return nil, nil, err
		}
		log.Info("demo data seeded", "driver", cfg.Store.Driver, "plate", parking.DemoPlate)
	}
	return store, closer, nil
}

// OpenChannel opens a correlated RPC channel on cluster.
func OpenChannel(ctx context.Context, d Deps, cluster *broker.Cluster) (*rpc.Channel, error) {
	return rpc.NewChannel(ctx, cluster, rpc.Config{
		RequestDestination: d.Config.RPC.RequestDestination,
		ReplyPrefix:        d.Config.RPC.ReplyPrefix,
		DefaultTimeout:     d.Config.RPC.CallTimeout,
	}, rpc.WithLogger(d.logger()), rpc.WithMetrics(rpc.NewMetrics(d.registry())))
}

// Replicas lists the configured recommender replicas.
func Replicas(cfg config.Config) []recommend.Replica {
	out := make([]recommend.Replica, 0, len(cfg.Recommend.Replicas))
	for _, id := range cfg.Recommend.Replicas {
		out = append(out, recommend.Replica{ID: id, Destination: cfg.ReplicaDestination(id)})
	}
	return out
}

// clusterCheck reports the cluster as unhealthy while it has no live
// connection.
func clusterCheck(cluster *broker.Cluster) httpserver.Check {
	return func(context.Context) error {
		if err := cluster.Err(); err != nil {
			return err
		}
		if !cluster.Connected() {
			return errors.New("reconnecting")
		}
		return nil
	}
}

// Front is the front dispatcher role.
type Front struct {
	Cluster     *broker.Cluster
	Channel     *rpc.Channel
	Store       *parking.GuardedStore
	Coordinator *recommend.Coordinator
	Dispatcher  *dispatch.Dispatcher

	closeStore func()
}

// StartFront connects and wires the front role. Run serves requests.
func StartFront(ctx context.Context, d Deps) (_ *Front, err error) {
	log := d.logger().With("role", "dispatcher")
	d.Logger = log
	reg := d.registry()
	d.Registry = reg
	f := &Front{closeStore: func() {}}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	if f.Cluster, err = ConnectCluster(ctx, d); err != nil {
		return nil, err
	}
	store, closeStore, err := OpenStore(ctx, d)
	if err != nil {
		return nil, err
	}
	f.Store, f.closeStore = store, closeStore
	if f.Channel, err = OpenChannel(ctx, d, f.Cluster); err != nil {
		return nil, err
	}

	quorum, err := recommend.ParseQuorumRule(d.Config.Recommend.Quorum)
	if err != nil {
		return nil, err
	}
	f.Coordinator, err = recommend.NewCoordinator(f.Channel, recommend.Config{
		Replicas:          Replicas(d.Config),
		PerReplicaTimeout: d.Config.Recommend.PerReplicaTimeout,
		Deadline:          d.Config.Recommend.Deadline,
		Quorum:            quorum,
		MinVotes:          d.Config.Recommend.MinVotes,
	}, recommend.WithLogger(log), recommend.WithMetrics(recommend.NewMetrics(reg)))
	if err != nil {
		return nil, err
	}

	f.Dispatcher, err = dispatch.New(f.Cluster, dispatch.Config{
		Destination:    d.Config.RPC.RequestDestination,
		Group:          d.Config.Dispatcher.Group,
		IdempotencyTTL: d.Config.Dispatcher.IdempotencyTTL,
		HandlerTimeout: d.Config.Dispatcher.HandlerTimeout,
	}, dispatch.WithLogger(log), dispatch.WithMetrics(dispatch.NewMetrics(reg)))
	if err != nil {
		return nil, err
	}
	parkinghandler.New(f.Store, parkinghandler.WithLogger(log)).Register(f.Dispatcher)
	recommend.NewHandler(f.Coordinator).Register(f.Dispatcher)
	return f, nil
}

// Run serves requests until ctx is cancelled or the cluster is lost.
func (f *Front) Run(ctx context.Context) error {
	return f.Dispatcher.Run(ctx)
}

// Checks are the /healthz checks for the front role.
func (f *Front) Checks() map[string]httpserver.Check {
	return map[string]httpserver.Check{
		"broker": clusterCheck(f.Cluster),
		"store":  f.Store.Ping,
	}
}

// Close releases everything StartFront opened.
func (f *Front) Close() {
	if f.Channel != nil {
		_ = f.Channel.Close()
	}
	if f.Cluster != nil {
		_ = f.Cluster.Close()
	}
	if f.closeStore != nil {
		f.closeStore()
	}
}

// Replica is the recommender replica role.
type Replica struct {
	ID         string
	Cluster    *broker.Cluster
	Store      *parking.GuardedStore
	Dispatcher *dispatch.Dispatcher

	closeStore func()
}

// StartReplica connects and wires replica id. Run serves its destination.
func StartReplica(ctx context.Context, d Deps, id string) (_ *Replica, err error) {
	if id == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	log := d.logger().With("role", "replica", "replica", id)
	d.Logger = log
	reg := d.registry()
	d.Registry = reg
	r := &Replica{ID: id, closeStore: func() {}}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if r.Cluster, err = ConnectCluster(ctx, d); err != nil {
		return nil, err
	}
	store, closeStore, err := OpenStore(ctx, d)
	if err != nil {
		return nil, err
	}
	r.Store, r.closeStore = store, closeStore
	svc, err := recommend.NewReplica(id, r.Store, recommend.WithReplicaLogger(log))
	if err != nil {
		return nil, err
	}
	r.Dispatcher, err = dispatch.New(r.Cluster, dispatch.Config{
		Destination:    d.Config.ReplicaDestination(id),
		Group:          "parkline-replica-" + id,
		HandlerTimeout: d.Config.Recommend.PerReplicaTimeout,
	}, dispatch.WithLogger(log), dispatch.WithMetrics(dispatch.NewMetrics(reg)))
	if err != nil {
		return nil, err
	}
	svc.Register(r.Dispatcher)
	return r, nil
}

// Run serves the replica destination until ctx is cancelled.
func (r *Replica) Run(ctx context.Context) error {
	return r.Dispatcher.Run(ctx)
}

// Checks are the /healthz checks for the replica role.
func (r *Replica) Checks() map[string]httpserver.Check {
	return map[string]httpserver.Check{
		"broker": clusterCheck(r.Cluster),
		"store":  r.Store.Ping,
	}
}

// Close releases everything StartReplica opened.
func (r *Replica) Close() {
	if r.Cluster != nil {
		_ = r.Cluster.Close()
	}
	if r.closeStore != nil {
		r.closeStore()
	}
}
