package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Status   *StatusCommand
	Add      *AddCommand
	Ingest   *IngestCommand
	Consume  *ConsumeCommand
	Serve    *ServeCommand
	Sessions *SessionsCommand
	Outages  *OutagesCommand
	Summary  *SummaryCommand
	Daily    *DailyCommand
	Online   *OnlineCommand
	Snapshot *SnapshotCommand
	Rebuild  *RebuildCommand
	Purge    *PurgeCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "presence"
	parser.LongDescription = "Reconstruct online sessions from periodic presence snapshots."

	cmds := &commands{
		Status:   &StatusCommand{globals: &globals, version: version},
		Add:      &AddCommand{globals: &globals, version: version},
		Ingest:   &IngestCommand{globals: &globals, version: version},
		Consume:  &ConsumeCommand{globals: &globals, version: version},
		Serve:    &ServeCommand{globals: &globals, version: version},
		Sessions: &SessionsCommand{globals: &globals, version: version},
		Outages:  &OutagesCommand{globals: &globals, version: version},
		Summary:  &SummaryCommand{globals: &globals, version: version},
		Daily:    &DailyCommand{globals: &globals, version: version},
		Online:   &OnlineCommand{globals: &globals, version: version},
		Snapshot: &SnapshotCommand{globals: &globals, version: version},
		Rebuild:  &RebuildCommand{globals: &globals, version: version},
		Purge:    &PurgeCommand{globals: &globals, version: version},
	}

	parser.AddCommand("status", "Show ingestion health and statistics", "Show raw log and session statistics and the engine settings.", cmds.Status)
	parser.AddCommand("add", "Ingest one snapshot", "Ingest a single snapshot given on the command line.", cmds.Add)
	parser.AddCommand("ingest", "Ingest JSON-lines snapshots", "Ingest snapshots from a JSON-lines file or stdin, one snapshot per line.", cmds.Ingest)
	parser.AddCommand("consume", "Ingest snapshots from Kafka", "Consume snapshots from a Kafka topic until interrupted.", cmds.Consume)
	parser.AddCommand("serve", "Run the HTTP API", "Run the HTTP ingestion and reporting API until interrupted.", cmds.Serve)
	parser.AddCommand("sessions", "List sessions", "List reconstructed sessions with outage annotations.", cmds.Sessions)
	parser.AddCommand("outages", "List collection outages", "List periods where the snapshot feed was silent.", cmds.Outages)
	parser.AddCommand("summary", "Show per-user metrics", "Show per-user session metrics, ranked by total online time.", cmds.Summary)
	parser.AddCommand("daily", "Show daily activity", "Show online minutes per user and calendar day.", cmds.Daily)
	parser.AddCommand("online", "List users online now", "List users online at a point in time.", cmds.Online)
	parser.AddCommand("snapshot", "Print a raw snapshot", "Print a raw snapshot row by ID, or the most recent one.", cmds.Snapshot)
	parser.AddCommand("rebuild", "Regenerate sessions", "Regenerate derived sessions and outages from the raw log.", cmds.Rebuild)
	parser.AddCommand("purge", "Delete derived data", "Delete all sessions and outages. The raw snapshot log is kept.", cmds.Purge)

	return parser, &globals, cmds
}

// Run is the main entry point for the presence CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("presence %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
