// Package webbench is a benchmarking harness for autonomous web-browsing
// agents. Given a set of target web applications and a set of candidate
// agents, it obtains each agent's proposed action sequence per task, replays
// those actions in a real browser, scores the outcome against
// machine-checkable predicates, and aggregates metrics across agents, tasks
// and repeated runs.
//
// The packages compose bottom-up:
//
//   - action: the browser operations agents propose, as tagged JSON variants
//   - predicate: the algebra of success tests evaluated per browser snapshot
//   - browser: the chromedp-backed executor producing per-step snapshots
//   - backend: the event bookkeeping API of the instrumented demo webs
//   - webagent: agent contracts plus the remote HTTP agent client
//   - task, solution: the benchmark case and an agent's answer to it
//   - cache: content-addressed solution persistence (file or redis)
//   - eval: the evaluation engine (test runner, aggregator, evaluator)
//   - benchmark: the orchestrator fanning projects × runs × tasks × agents
//   - metrics: timing rollups and distribution statistics
//
// A minimal benchmark wires a configuration and a task source:
//
//	cfg := benchmark.DefaultConfig()
//	cfg.Projects = projects
//	cfg.Agents = agents
//
//	b, err := benchmark.New(cfg, benchmark.Options{TaskSource: source})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := b.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package webbench
