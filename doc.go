// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package agentfabric wires the agent-to-agent fabric into one explicitly
constructed system object.

A Fabric owns an event bus, a message router, a protocol manager and a
protocol bridge built from a config.Config:

	cfg, err := config.NewLoader().WithConfigPath("agentfabric.yaml").Load()
	if err != nil {
		return err
	}
	f, err := agentfabric.New(cfg, logger)
	if err != nil {
		return err
	}
	if err := f.Start(ctx); err != nil {
		return err
	}
	defer f.Shutdown(context.Background())

	resp, err := f.Manager().SendMessage(ctx, env)

MCP clients reach the same manager through HandleMCP, which translates a
tools/call into an envelope, sends it, and translates the response back.
*/
package agentfabric
