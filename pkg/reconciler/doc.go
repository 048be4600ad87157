// Package reconciler runs the background jobs that keep control-plane
// state aligned with the substrate and reclaim idle resources.
//
// Three jobs share one cron scheduler: a substrate sweep that marks
// crashed containers and stops orphans, a reaper that stops idle
// containers and hibernates idle projects, and housekeeping that
// flushes activity rows and drops finished event streams. Jobs skip a
// tick when the previous run is still going.
package reconciler
