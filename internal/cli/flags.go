package cli

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	DBPath  string `long:"db-path" description:"Override the SQLite database path"`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// StatusCommand shows raw log and session statistics plus the engine settings.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// AddCommand ingests a single snapshot given on the command line.
type AddCommand struct {
	Users []string `long:"user" description:"User observed in the snapshot (repeatable; none means nobody was visible)"`
	At    string   `long:"at" description:"Snapshot timestamp (RFC 3339); defaults to now"`

	globals *GlobalFlags
	version string
}

// IngestCommand ingests JSON-lines snapshots from a file or stdin.
type IngestCommand struct {
	File        string `long:"file" description:"JSON-lines file to read ('-' for stdin)" default:"-"`
	StopOnError bool   `long:"stop-on-error" description:"Stop at the first rejected snapshot"`

	globals *GlobalFlags
	version string
}

// ConsumeCommand ingests snapshots from a Kafka topic until interrupted.
type ConsumeCommand struct {
	Brokers []string `long:"broker" description:"Kafka broker address (repeatable; overrides config)"`
	Topic   string   `long:"topic" description:"Kafka topic (overrides config)"`
	GroupID string   `long:"group" description:"Consumer group (overrides config)"`

	globals *GlobalFlags
	version string
}

// ServeCommand runs the HTTP API until interrupted.
type ServeCommand struct {
	Host    string `long:"host" description:"Override listen host"`
	Port    int    `long:"port" description:"Override listen port"`
	Consume bool   `long:"consume" description:"Also consume snapshots from Kafka"`

	globals *GlobalFlags
	version string
}

// SessionsCommand lists reconstructed sessions.
type SessionsCommand struct {
	User  string `long:"user" description:"Only this user's sessions"`
	Since string `long:"since" description:"Start of range: RFC 3339 time or age (e.g., 24h, 7d)" default:"7d"`
	Until string `long:"until" description:"End of range: RFC 3339 time or age"`
	Limit int    `long:"limit" description:"Maximum sessions (0 for all)" default:"100"`

	globals *GlobalFlags
	version string
}

// OutagesCommand lists collection outages.
type OutagesCommand struct {
	Since string `long:"since" description:"Start of range: RFC 3339 time or age" default:"7d"`
	Until string `long:"until" description:"End of range: RFC 3339 time or age"`

	globals *GlobalFlags
	version string
}

// SummaryCommand prints per-user metrics. Sessions are clipped to the range.
type SummaryCommand struct {
	User  string `long:"user" description:"Only this user"`
	Since string `long:"since" description:"Start of range: RFC 3339 time or age; sessions are clipped to it"`
	Until string `long:"until" description:"End of range: RFC 3339 time or age; sessions are clipped to it"`

	globals *GlobalFlags
	version string
}

// DailyCommand prints online minutes per user and day.
type DailyCommand struct {
	User  string `long:"user" description:"Only this user"`
	Since string `long:"since" description:"Start of range: RFC 3339 time or age" default:"7d"`
	Until string `long:"until" description:"End of range: RFC 3339 time or age"`

	globals *GlobalFlags
	version string
}

// OnlineCommand lists users online at a point in time.
type OnlineCommand struct {
	At string `long:"at" description:"Point in time (RFC 3339 or age); defaults to now"`

	globals *GlobalFlags
	version string
}

// SnapshotCommand prints a raw snapshot row.
type SnapshotCommand struct {
	ID   string `long:"id" description:"Snapshot ID"`
	Last bool   `long:"last" description:"Show the most recent snapshot"`

	globals *GlobalFlags
	version string
}

// RebuildCommand regenerates derived sessions from the raw log.
type RebuildCommand struct {
	User  string `long:"user" description:"Only rebuild this user (default: everyone, outages included)"`
	Since string `long:"since" description:"Start of range: RFC 3339 time or age"`
	Until string `long:"until" description:"End of range: RFC 3339 time or age"`

	globals *GlobalFlags
	version string
}

// PurgeCommand deletes all derived sessions and outages. The raw log is kept.
type PurgeCommand struct {
	Force bool `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	version string
}
