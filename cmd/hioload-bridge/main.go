// File: cmd/hioload-bridge/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Operator binary: serve runs the backend engine on a shared memory
// directory, bench measures in-process round trips.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hioload-bridge",
		Short: "Shared memory request bridge between an editor front-end and its backend",
		Long: `hioload-bridge moves structured requests and their streamed results
between two local processes over lock-free shared memory rings.

  serve   accept connections announced in a shared memory directory
  bench   measure round trip latency and throughput in-process`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newBenchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
