// Package agentssdk feeds ai-agents-sdk run failures into an advisor
// pipeline.
//
// The wrapped runner is the capture point: every error or panic that
// leaves Run, RunOnce or RunStream becomes one advisor.ErrorEvent. Run hooks
// only enrich that event with what was happening at the time (agent, model,
// tool, recent operations); they never submit on their own.
//
//	pipeline, _ := advisor.New(cfg)
//	pipeline.Start()
//	runner := agentssdk.Instrument(agents.NewRunner(client), pipeline)
//	result, err := runner.Run(ctx, agent, input, session, nil)
package agentssdk
