// Package tandem is the replicated, offline-first data core of a mobile
// line-of-business application.
//
// The document — organizations, accounts, contacts, audits, codes, calendar
// events, interactions, relations and settings — is mutated only through
// validated event application and replicated between a user's devices over an
// ad-hoc local network, or through out-of-band bundle exchange, without any
// server.
//
// Two subsystems make up the core:
//
//   - The event-sourced document engine: per-family reducers validate and
//     apply typed business events onto a CRDT-backed document, enforcing
//     referential integrity and domain invariants.
//   - The peer synchronization layer: multicast discovery, an authenticated
//     framed-socket transport with per-connection rate limiting, per-peer
//     checkpointing with minimal delta computation, a portable bundle codec,
//     and a session orchestrator with capped exponential backoff.
//
// The usual entry point is Open, which loads the durable state and wires the
// subsystems together:
//
//	cfg := tandem.DefaultConfig()
//	cfg.Path = "tandem.db"
//	core, err := tandem.Open(cfg, nil)
//	if err != nil { ... }
//	defer core.Close()
//
//	snap, err := core.Dispatch(ctx, tandem.EventAccountCreated, payload)
package tandem
