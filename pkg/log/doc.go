/*
Package log provides structured logging for Studio using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity for production debugging.

# Usage

Initializing the logger:

	import "github.com/tesslate/studio/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("Server started")
	log.Warn("No master key configured; project env vars disabled")
	log.Error("Failed to connect to containerd")
	log.Fatal("Cannot start without database") // exits the process

Structured logging:

	log.Logger.Info().
		Str("project", "my-app").
		Int("containers", 3).
		Msg("Environment started")

	log.Logger.Error().
		Err(err).
		Str("task_id", taskID).
		Msg("Task failed")

Component loggers:

	reconLog := log.WithComponent("reconciler")
	reconLog.Debug().Str("project", slug).Msg("Sweeping environment")

Context helpers attach the identifiers that recur across Studio's logs:

	log.WithProject("my-app").Info().Msg("Hibernating")
	log.WithChatID(chatID).Debug().Msg("Turn started")
	log.WithTaskID(taskID).Info().Msg("Task settled")

# Conventions

Components initialize child loggers once and reuse them. Errors are attached
with .Err(err) rather than formatted into the message. Secrets, tokens, and
file contents are never logged; identifiers (project slug, task id, chat id)
are always logged as typed fields so streams can be filtered per project.

Log rotation is left to the process supervisor. JSON output goes to stdout
and is collected by journald or the container runtime.
*/
package log
