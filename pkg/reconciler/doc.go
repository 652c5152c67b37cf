// Package reconciler runs the one-shot missing-asset pass described in
// spec.md §4.6: at a run's finalize, it compares the asset set the
// previous completed run observed against the set the current run
// touched, and records a Missing Exception for every asset that
// disappeared from the site without a corresponding fetch this run.
package reconciler
