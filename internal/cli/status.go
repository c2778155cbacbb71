package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/runnerr0/presence/internal/storage"
)

// statusJSON is the JSON output structure for the status command.
type statusJSON struct {
	Version            string          `json:"version"`
	DatabasePath       string          `json:"database_path"`
	DatabaseSizeBytes  int64           `json:"database_size_bytes"`
	RawSnapshots       int64           `json:"raw_snapshots"`
	DuplicateSnapshots int64           `json:"duplicate_snapshots"`
	KnownUsers         int64           `json:"known_users"`
	Sessions           int64           `json:"sessions"`
	OpenSessions       int64           `json:"open_sessions"`
	Outages            int64           `json:"outages"`
	OldestSnapshot     string          `json:"oldest_snapshot,omitempty"`
	NewestSnapshot     string          `json:"newest_snapshot,omitempty"`
	TopUsers           []userCountJSON `json:"top_users"`
	Engine             engineJSON      `json:"engine"`
	ServerRunning      bool            `json:"server_running"`
}

type userCountJSON struct {
	UserID   string `json:"user_id"`
	Sessions int64  `json:"sessions"`
}

type engineJSON struct {
	SampleCadenceSeconds  float64 `json:"sample_cadence_seconds"`
	MissedSampleGrace     int     `json:"missed_sample_grace"`
	OutageToleranceFactor float64 `json:"outage_tolerance_factor"`
	OutageThresholdSecs   float64 `json:"outage_threshold_seconds"`
}

// Execute implements the go-flags Commander interface for StatusCommand.
func (c *StatusCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, checkServer(e.cfg.ServerAddr()))
}

// executeWithEnv runs status against a provided env (for testing).
func (c *StatusCommand) executeWithEnv(ctx context.Context, e *env, serverRunning bool) error {
	stats, err := e.store.GetStats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	eng := e.cfg.Engine
	engine := engineJSON{
		SampleCadenceSeconds:  eng.SampleCadenceSeconds,
		MissedSampleGrace:     eng.MissedSampleGrace,
		OutageToleranceFactor: eng.OutageToleranceFactor,
		OutageThresholdSecs:   e.cfg.Sessions().Detector().Threshold().Seconds(),
	}

	if c.globals != nil && c.globals.JSON {
		return c.printStatusJSON(stats, e.dbPath, engine, serverRunning)
	}
	return c.printStatusHuman(stats, e.dbPath, engine, serverRunning)
}

func (c *StatusCommand) printStatusHuman(stats *storage.Stats, dbPath string, engine engineJSON, serverRunning bool) error {
	fmt.Println("Presence Status")
	fmt.Println("===============")
	fmt.Printf("Version:       %s\n", c.version)
	fmt.Printf("Database:      %s (%s)\n", dbPath, formatBytes(stats.DatabaseSizeBytes))
	fmt.Printf("Snapshots:     %s (%s duplicate)\n", formatNumber(stats.RawSnapshots), formatNumber(stats.DuplicateSnapshots))
	fmt.Printf("Users:         %s\n", formatNumber(stats.KnownUsers))
	fmt.Printf("Sessions:      %s (%s open)\n", formatNumber(stats.Sessions), formatNumber(stats.OpenSessions))
	fmt.Printf("Outages:       %s\n", formatNumber(stats.Outages))

	if stats.RawSnapshots > 0 {
		fmt.Printf("Oldest:        %s\n", formatTime(stats.OldestSnapshot))
		fmt.Printf("Newest:        %s\n", formatTime(stats.NewestSnapshot))
	}

	fmt.Println()
	fmt.Printf("Cadence:       %gs (grace %d, outage after %gs)\n",
		engine.SampleCadenceSeconds, engine.MissedSampleGrace, engine.OutageThresholdSecs)

	if len(stats.TopUsers) > 0 {
		fmt.Println()
		fmt.Println("Top Users:")
		for _, u := range stats.TopUsers {
			fmt.Printf("  %-20s %s\n", u.UserID, formatNumber(u.Sessions))
		}
	}

	fmt.Println()
	if serverRunning {
		fmt.Println("Server:        running")
	} else {
		fmt.Println("Server:        not running")
	}

	return nil
}

func (c *StatusCommand) printStatusJSON(stats *storage.Stats, dbPath string, engine engineJSON, serverRunning bool) error {
	out := statusJSON{
		Version:            c.version,
		DatabasePath:       dbPath,
		DatabaseSizeBytes:  stats.DatabaseSizeBytes,
		RawSnapshots:       stats.RawSnapshots,
		DuplicateSnapshots: stats.DuplicateSnapshots,
		KnownUsers:         stats.KnownUsers,
		Sessions:           stats.Sessions,
		OpenSessions:       stats.OpenSessions,
		Outages:            stats.Outages,
		TopUsers:           make([]userCountJSON, len(stats.TopUsers)),
		Engine:             engine,
		ServerRunning:      serverRunning,
	}

	if stats.RawSnapshots > 0 {
		out.OldestSnapshot = stats.OldestSnapshot.UTC().Format(time.RFC3339)
		out.NewestSnapshot = stats.NewestSnapshot.UTC().Format(time.RFC3339)
	}

	for i, u := range stats.TopUsers {
		out.TopUsers[i] = userCountJSON{UserID: u.UserID, Sessions: u.Sessions}
	}

	return printJSON(out)
}

// checkServer attempts an HTTP GET to the configured health endpoint.
// Returns true if the server responds within 1 second.
func checkServer(addr string) bool {
	client := &http.Client{Timeout: 1 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
