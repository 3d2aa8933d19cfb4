// Command cortex-node runs one grid node: it loads configuration, builds a
// core.Core, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/cortex-grid/internal/config"
	"github.com/nmxmxh/cortex-grid/internal/core"
	"github.com/nmxmxh/cortex-grid/internal/queue"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "cortex-node: config:", err)
		os.Exit(1)
	}

	node, err := core.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cortex-node: init:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SubmitPayloadPath != "" {
		go submitStartupTask(ctx, node, cfg.SubmitSkillID, cfg.SubmitPayloadPath)
	}

	err = node.Start(ctx)
	node.Shutdown()
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "cortex-node: exited:", err)
		os.Exit(1)
	}
}

// submitStartupTask gives the node's listeners a moment to come up, then
// originates one task from payloadPath's contents via Core.SubmitTask — the
// entrypoint by which this node can drive work itself instead of only
// reacting to TaskRequests routed to it by other peers.
func submitStartupTask(ctx context.Context, node *core.Core, skillID, payloadPath string) {
	select {
	case <-time.After(250 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	payload, err := os.ReadFile(payloadPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cortex-node: submit-payload:", err)
		return
	}

	taskID, err := node.SubmitTask(ctx, skillID, payload, queue.Normal)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cortex-node: submit task:", err)
		return
	}
	fmt.Fprintf(os.Stderr, "cortex-node: submitted task %x\n", taskID)
}
