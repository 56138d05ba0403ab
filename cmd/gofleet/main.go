package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/RezaEskandarii/gofleet/internal/cli"
	"github.com/RezaEskandarii/gofleet/internal/registry"
)

func main() {
	reg, err := demoRegistry()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cli.NewRootCommand(reg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// demoRegistry registers a few tasks so the binary is usable on its own.
// Applications embedding gofleet build their own registry instead.
func demoRegistry() (*registry.Registry, error) {
	b := registry.NewBuilder()
	tasks := []registry.Task{
		{
			Type: "echo",
			Handler: func(ctx context.Context, run registry.Run) error {
				fmt.Printf("instance %d of %s on %s\n", run.InstanceID, run.Task, run.Queue)
				return nil
			},
		},
		{
			Type:    "sleep",
			Timeout: time.Minute,
			Handler: func(ctx context.Context, run registry.Run) error {
				select {
				case <-time.After(time.Duration(run.Task.ID) * time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{
			Type: "fail",
			Handler: func(ctx context.Context, run registry.Run) error {
				return registry.Fail("always fails")
			},
		},
	}
	for _, task := range tasks {
		if err := b.RegisterTask(task); err != nil {
			return nil, err
		}
	}
	if err := b.RegisterQueue("default"); err != nil {
		return nil, err
	}
	return b.Build(), nil
}
