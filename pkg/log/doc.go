/*
Package log provides structured logging for sitesync using zerolog.

A single package-level Logger is configured once via Init, then
narrowed per component with WithComponent/WithRunID/WithTaskID/
WithWorkerID child loggers. All core packages log through one of these
child loggers (scoped to a component, run, or task) rather than the
bare Logger, so every line can be filtered by that field in production.
*/
package log
