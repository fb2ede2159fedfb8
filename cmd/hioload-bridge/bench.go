// File: cmd/hioload-bridge/bench.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-bridge/client"
	"github.com/momentics/hioload-bridge/control"
	"github.com/momentics/hioload-bridge/pool"
	"github.com/momentics/hioload-bridge/protocol"
	"github.com/momentics/hioload-bridge/server"
)

type benchOptions struct {
	requests    int
	concurrency int
	payload     int
	shmDir      string
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure request round trips",
		Long: `bench sends echo tool requests and reports latency percentiles and
throughput. Without --shm-dir the engine runs in this process on heap rings;
with it, requests go to a running serve instance.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runBench(ctx, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.requests, "requests", "n", 10000, "total requests")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 4, "parallel exchanges, one connection each")
	f.IntVar(&opts.payload, "payload", 64, "request payload bytes")
	f.StringVar(&opts.shmDir, "shm-dir", "", "benchmark a serve instance in this directory")
	return cmd
}

func runBench(ctx context.Context, opts benchOptions, out io.Writer) error {
	if opts.requests <= 0 || opts.concurrency <= 0 {
		return fmt.Errorf("requests and concurrency must be positive")
	}
	cfg := control.DefaultConfig()
	cfg.Pool.MaxConnections = opts.concurrency
	cfg.Pool.CreateRate = 0
	cfg.Dispatch.RequestRate = 0
	cfg.Dispatch.QueueDepth = max(cfg.Dispatch.QueueDepth, 4*opts.concurrency)

	var dialer pool.Dialer
	if opts.shmDir != "" {
		dialer = client.NewShmDialer(opts.shmDir, cfg, zap.NewNop(), nil)
	} else {
		reg, err := builtinRegistry(zap.NewNop(), false)
		if err != nil {
			return err
		}
		engine := server.NewEngine(control.NewConfigStore(cfg), reg)
		defer engine.Shutdown()
		dialer = engine
	}
	c := client.New(pool.New(dialer, cfg.Pool), cfg.Client)
	defer c.Close()

	req := protocol.ToolExecRequest{Tool: "echo", Params: map[string]any{"data": make([]byte, opts.payload)}}
	latencies := make([]time.Duration, opts.requests)
	var next atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.concurrency; w++ {
		g.Go(func() error {
			for {
				i := int(next.Add(1)) - 1
				if i >= opts.requests {
					return nil
				}
				t0 := time.Now()
				term, err := c.Call(gctx, protocol.TypeToolExec, req, nil)
				if err != nil {
					return err
				}
				if term.Type != protocol.TypeCompleted {
					return fmt.Errorf("request %d ended with %s", i, term.Type)
				}
				latencies[i] = time.Since(t0)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	slices.Sort(latencies)
	pct := func(p float64) time.Duration {
		return latencies[int(p*float64(len(latencies)-1))]
	}
	fmt.Fprintf(out, "requests     %d\n", opts.requests)
	fmt.Fprintf(out, "concurrency  %d\n", opts.concurrency)
	fmt.Fprintf(out, "elapsed      %s\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "throughput   %.0f req/s\n", float64(opts.requests)/elapsed.Seconds())
	fmt.Fprintf(out, "p50          %s\n", pct(0.50))
	fmt.Fprintf(out, "p99          %s\n", pct(0.99))
	fmt.Fprintf(out, "max          %s\n", latencies[len(latencies)-1])
	return nil
}
