/*
Package log provides structured logging for membersync using zerolog.

A single global zerolog.Logger is configured once by Init from the log section
of the configuration file. Packages derive child loggers that carry the
identifiers operators search by:

	WithComponent("queue")      component=queue
	WithWorkItemID("9f1c...")   work_item_id=9f1c...
	WithTaskID("5d2e...")       task_id=5d2e...
	WithMemberID("1042")        member_id=1042

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithComponent("batch")
	logger.Warn().
		Str("task_id", parent.ID).
		Int("step", 2).
		Err(err).
		Msg("Subtask failed")

JSON output is meant for production log shipping. Console output (JSONOutput
false) is easier to read while running the worker by hand.

Work item payloads are never logged; they may carry member email addresses.
*/
package log
