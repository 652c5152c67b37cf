// Package worker implements the per-task crawl lifecycle (spec.md
// §4.4): lease renewal, fetch under a hard timeout, auth-redirect
// detection, plugin normalization, asset versioning, and
// frontier-filtered link discovery. A Worker handles one Task at a
// time; pkg/executor owns the pool of Workers and the task supply.
package worker
