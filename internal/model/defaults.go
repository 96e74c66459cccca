package model

import "time"

// Shared defaults used by the reducer, the profiler and the CLI.
const (
	DefaultTopN         = 200
	DefaultGranularity  = "day"
	DefaultQueryTimeout = 30 * time.Second

	// ValueSeparator joins extracted literals into ReducedLogRecord.Values.
	ValueSeparator = " ~ "
)
