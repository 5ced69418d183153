// Package orchestrator supervises groups of agent sessions.
//
// An orchestrator owns a set of managed sessions and a goal. Whenever one
// of its sessions goes from busy to idle, the Supervisor runs a decision
// cycle on that orchestrator's actor:
//   - the Engine builds a brief from the goal, the rules, the managed
//     sessions and the idle session's recent history, and asks the
//     orchestrator's own provider for exactly one JSON decision
//   - the ActionExecutor applies it: inject a prompt into a managed
//     session, wait, or park a question for a human
//
// Cycles for one orchestrator never overlap. Injected prompts run on the
// session runner, so the session going idle again drives the next cycle.
//
// Example wiring:
//
//	engine := orchestrator.NewProviderEngine(registry, db, defaults, 5*time.Minute, logger)
//	actions := orchestrator.NewActionExecutor(db, sessions, bus, 300*time.Second, logger)
//	sup := orchestrator.NewSupervisor(bus, db, engine, actions, logger)
//	go sup.Run(ctx)
package orchestrator
