package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/liveq-dev/liveq/internal/devserver"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			registry := devserver.NewRegistry()
			registerDemoFunctions(registry)

			srv := devserver.New(registry, logger)
			logger.Info("liveqd listening", "addr", addr)
			return http.ListenAndServe(addr, srv.Router())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	return cmd
}

// registerDemoFunctions installs a small key/value store so a fresh client
// has something to query and subscribe to out of the box:
//
//	query    kv:get {"key": k}
//	mutation kv:set {"key": k, "value": v}
func registerDemoFunctions(registry *devserver.Registry) {
	var (
		mu     sync.RWMutex
		values = make(map[string]any)
	)

	type getArgs struct {
		Key string `json:"key"`
	}
	type setArgs struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}

	registry.Query("kv:get", func(_ context.Context, raw json.RawMessage) (any, error) {
		var args getArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("kv:get: %w", err)
		}
		mu.RLock()
		defer mu.RUnlock()
		return values[args.Key], nil
	})

	registry.Mutation("kv:set", func(_ context.Context, raw json.RawMessage) (any, error) {
		var args setArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("kv:set: %w", err)
		}
		mu.Lock()
		values[args.Key] = args.Value
		mu.Unlock()

		registry.Publish("kv:get", getArgs{Key: args.Key}, args.Value)
		return args.Value, nil
	})
}
