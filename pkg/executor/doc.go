// Package executor coordinates one run's worker pool: acquiring
// tasks, merging runtime deny rules into the frontier, detecting
// drain, and finalizing the Run record. See spec.md §4.5.
package executor
