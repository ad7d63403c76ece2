// Package domain contains the core entities of the tracker synchronization
// pipeline: saved tracker queries, render templates, projects, and the
// append-only sync run ledger.
//
// The package is persistence-free. Entities enforce their own invariants
// (status transition rules, counter monotonicity, detail sequencing) so that
// stores and the orchestrator cannot corrupt them.
package domain
