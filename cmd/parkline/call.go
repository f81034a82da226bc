package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"parkline/internal/app"
	"parkline/internal/platform/metrics"
	"parkline/internal/rpc"
)

func newCallCmd(g *globals) *cobra.Command {
	var (
		data    string
		key     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call OPERATION",
		Short: "Send one request and print the reply as JSON",
		Long: `Send one request to the front dispatcher and print the reply.

The payload is JSON using the wire field names, for example:

  parkline call GetCitations --data '{"plate":"12-345-67"}'
  parkline call RecommendSpace --data '{"zone":"A","entrance":{"x":0,"y":0}}'

On the memory broker the dispatcher and replicas are started in-process for
the duration of the call.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}
			var opts []rpc.CallOption
			if key != "" {
				opts = append(opts, rpc.WithIdempotencyKey(key))
			}
			reply, err := call(cmd.Context(), g, rpc.Operation(args[0]), payload, timeout, opts...)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}
	cmd.Flags().StringVar(&data, "data", "{}", "JSON payload")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "idempotency key for safe retries")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "reply timeout (defaults to the configured call timeout)")
	return cmd
}

func call(ctx context.Context, g *globals, op rpc.Operation, payload any, timeout time.Duration, opts ...rpc.CallOption) (*rpc.Reply, error) {
	deps := app.Deps{Config: g.cfg, Logger: g.log}
	if g.cfg.Broker.Kind == "memory" {
		d, err := startDeployment(ctx, g, metrics.New("call"))
		if err != nil {
			return nil, err
		}
		defer d.close()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() { _ = d.run(runCtx) }()
		deps.Network = d.deps.Network
	}

	cluster, err := app.ConnectCluster(ctx, deps)
	if err != nil {
		return nil, err
	}
	defer cluster.Close()
	ch, err := app.OpenChannel(ctx, deps, cluster)
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	return ch.Call(ctx, op, payload, timeout, opts...)
}

// parsePayload decodes JSON with integral numbers kept as integers, so they
// encode as CBOR integers and decode into integer fields.
func parsePayload(data string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse --data: %w", err)
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

type printedError struct {
	Code    rpc.Code `json:"code"`
	Message string   `json:"message"`
}

type printedReply struct {
	CorrelationID string        `json:"correlation_id"`
	Status        rpc.Status    `json:"status"`
	Error         *printedError `json:"error,omitempty"`
	Body          any           `json:"body,omitempty"`
}

// printReply writes reply as JSON. An error reply is printed and then
// returned as an error so the exit status reflects it.
func printReply(w io.Writer, reply *rpc.Reply) error {
	out := printedReply{CorrelationID: reply.CorrelationID, Status: reply.Status}
	if reply.Error != nil {
		out.Error = &printedError{Code: reply.Error.Code, Message: reply.Error.Message}
	}
	if reply.OK() {
		if err := reply.Decode(&out.Body); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return err
	}
	return reply.Err()
}
