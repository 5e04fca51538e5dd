package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric"
	"github.com/BaSui01/agentfabric/agent/protocol/mcp"
	"github.com/BaSui01/agentfabric/internal/tlsutil"
	"github.com/BaSui01/agentfabric/types"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the fabric and its HTTP carrier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, files, err := initLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer files.Close()
			defer logger.Sync()

			logger.Info("starting AgentFabric",
				zap.String("version", Version),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := NewServer(cfg, path, logger).Run(ctx); err != nil {
				logger.Error("server stopped with error", zap.Error(err))
				return err
			}
			logger.Info("AgentFabric stopped")
			return nil
		},
	}
}

// =============================================================================
// 🔌 mcp 命令
// =============================================================================

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve bridged tools to an MCP client over stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			cfg.Log.OutputPaths = stdoutToStderr(cfg.Log.OutputPaths)
			logger, files, err := initLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer files.Close()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			f, err := agentfabric.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := f.Start(ctx); err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := f.Shutdown(shutdownCtx); err != nil {
					logger.Warn("fabric shutdown failed", zap.Error(err))
				}
			}()

			transport := mcp.NewStdioTransport(cmd.InOrStdin(), cmd.OutOrStdout())
			err = f.MCPServer().Serve(ctx, transport)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

func stdoutToStderr(paths []string) []string {
	out := make([]string, 0, len(paths)+1)
	for _, p := range paths {
		if p != "stdout" && p != "stderr" {
			out = append(out, p)
		}
	}
	return append(out, "stderr")
}

// =============================================================================
// 🧭 route 命令
// =============================================================================

func newRouteCmd() *cobra.Command {
	var (
		from, to, strategy string
		addr, apiKey       string
	)
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Resolve a route without sending a message",
		Long: "Resolve a route against the agents in the config file, or against a\n" +
			"running fabric when --addr is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := types.RoutingStrategy(strategy)
			if s != "" && !s.Valid() {
				return fmt.Errorf("unknown strategy %q", strategy)
			}

			var (
				route *types.Route
				err   error
			)
			if addr != "" {
				route, err = remoteRoute(cmd.Context(), addr, apiKey, from, to, s)
			} else {
				route, err = localRoute(cmd, from, to, s)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(route)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "origin agent")
	cmd.Flags().StringVar(&to, "to", "", "target agent; empty for capability routing")
	cmd.Flags().StringVar(&strategy, "strategy", "", "direct, load_balanced, capability_aware, cost_optimized or shortest_path")
	cmd.Flags().StringVar(&addr, "addr", "", "query a running fabric, e.g. http://localhost:8080")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "X-API-Key for --addr")
	return cmd
}

func localRoute(cmd *cobra.Command, from, to string, strategy types.RoutingStrategy) (*types.Route, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	f, err := agentfabric.New(cfg, zap.NewNop())
	if err != nil {
		return nil, err
	}
	return f.FindRoute(cmd.Context(), from, to, strategy)
}

func remoteRoute(ctx context.Context, addr, apiKey, from, to string, strategy types.RoutingStrategy) (*types.Route, error) {
	q := url.Values{}
	for k, v := range map[string]string{"from": from, "to": to, "strategy": string(strategy)} {
		if v != "" {
			q.Set(k, v)
		}
	}
	u := strings.TrimRight(addr, "/") + "/v1/routes"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := tlsutil.SecureHTTPClient(10 * time.Second).Do(req)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}
	defer resp.Body.Close()

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Route *types.Route `json:"route"`
		} `json:"data"`
		Error *types.Error `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !body.Success {
		if body.Error != nil {
			return nil, body.Error
		}
		return nil, fmt.Errorf("route query failed: status %d", resp.StatusCode)
	}
	return body.Data.Route, nil
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func newHealthCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running fabric's readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, strings.TrimRight(addr, "/")+"/ready", nil)
			if err != nil {
				return err
			}
			resp, err := tlsutil.SecureHTTPClient(5 * time.Second).Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health check failed: status %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server address")
	return cmd
}
