package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"parkline/internal/app"
	"parkline/internal/broker"
	"parkline/internal/platform/httpserver"
	"parkline/internal/platform/metrics"
)

func newDispatcherCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatcher",
		Short: "Serve parking operations and coordinate recommendation rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := metrics.New("dispatcher")
			front, err := app.StartFront(ctx, app.Deps{Config: g.cfg, Logger: g.log, Registry: m.Registry})
			if err != nil {
				return err
			}
			defer front.Close()
			return serve(ctx, g, m, front.Checks(), front.Run)
		},
	}
}

func newReplicaCmd(g *globals) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "replica",
		Short: "Serve RecommendSpace votes as one recommender replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := metrics.New("replica")
			r, err := app.StartReplica(ctx, app.Deps{Config: g.cfg, Logger: g.log, Registry: m.Registry}, id)
			if err != nil {
				return err
			}
			defer r.Close()
			return serve(ctx, g, m, r.Checks(), r.Run)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "replica id; it is served on the replica prefix plus this id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// newAllCmd runs the front dispatcher and every configured replica in one
// process. On the memory broker this is the only way the roles can meet.
func newAllCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run the dispatcher and all configured replicas in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := metrics.New("all")
			d, err := startDeployment(ctx, g, m)
			if err != nil {
				return err
			}
			defer d.close()
			return serve(ctx, g, m, d.front.Checks(), d.run)
		},
	}
}

type deployment struct {
	deps     app.Deps
	front    *app.Front
	replicas []*app.Replica
}

// startDeployment starts the front and every configured replica on one
// shared network and store.
func startDeployment(ctx context.Context, g *globals, m *metrics.Metrics) (_ *deployment, err error) {
	deps := app.Deps{Config: g.cfg, Logger: g.log, Registry: m.Registry}
	if g.cfg.Broker.Kind == "memory" {
		deps.Network = broker.NewMemoryNetwork(g.cfg.Broker.Nodes...)
	}
	d := &deployment{deps: deps}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.front, err = app.StartFront(ctx, deps); err != nil {
		return nil, err
	}
	// Replica collectors would collide with the front's on the process
	// registry.
	shared := deps
	shared.Store = d.front.Store
	shared.Config.Store.Seed = false
	for _, id := range g.cfg.Recommend.Replicas {
		shared.Registry = nil
		r, err := app.StartReplica(ctx, shared, id)
		if err != nil {
			return nil, err
		}
		d.replicas = append(d.replicas, r)
	}
	return d, nil
}

func (d *deployment) run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.front.Run(ctx) })
	for _, r := range d.replicas {
		eg.Go(func() error { return r.Run(ctx) })
	}
	return eg.Wait()
}

func (d *deployment) close() {
	for _, r := range d.replicas {
		r.Close()
	}
	if d.front != nil {
		d.front.Close()
	}
}

// serve runs role alongside the ops server until ctx is cancelled.
func serve(ctx context.Context, g *globals, m *metrics.Metrics, checks map[string]httpserver.Check, role func(context.Context) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := role(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if g.cfg.Ops.Addr != "" {
		srv := httpserver.New(g.cfg.Ops.Addr, httpserver.NewOpsRouter(m.Registry, checks))
		eg.Go(func() error { return httpserver.Run(ctx, srv, g.log) })
	}
	g.log.Info("parkline started", "broker", g.cfg.Broker.Kind, "store", g.cfg.Store.Driver, "ops_addr", g.cfg.Ops.Addr)
	return eg.Wait()
}
