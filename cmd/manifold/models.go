package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/kadirpekel/manifold/pkg/client"
)

// ModelsCmd lists the models a provider serves, via the manifest's
// list_models service.
type ModelsCmd struct {
	Provider string `arg:"" help:"Provider id, e.g. openrouter."`
	BaseDir  string `name:"base-dir" help:"Protocol tree root." type:"path"`
}

func (c *ModelsCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := []client.Option{}
	if c.BaseDir != "" {
		opts = append(opts, client.WithBaseDir(c.BaseDir))
	}
	cl, err := client.New(c.Provider, opts...)
	if err != nil {
		return err
	}
	defer cl.Close()

	models, err := cl.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, id := range models {
		fmt.Println(id)
	}
	return nil
}
