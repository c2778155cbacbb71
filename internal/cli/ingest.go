package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/runnerr0/presence/internal/presence"
)

// maxLineSize bounds a single JSON-lines record.
const maxLineSize = 1 << 20

// ingestSummaryJSON is the JSON output structure for the ingest command.
type ingestSummaryJSON struct {
	Lines         int      `json:"lines"`
	Accepted      int      `json:"accepted"`
	Duplicates    int      `json:"duplicates"`
	Rejected      int      `json:"rejected"`
	Outages       int      `json:"outages"`
	ClosedSessions  int      `json:"closed_sessions"`
	DerivedErrors int      `json:"derived_errors"`
	Problems      []string `json:"problems,omitempty"`
}

// Execute implements the go-flags Commander interface for IngestCommand.
func (c *IngestCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	in := io.Reader(os.Stdin)
	if c.File != "" && c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return fmt.Errorf("open %s: %w", c.File, err)
		}
		defer f.Close()
		in = f
	}

	return c.executeWithEnv(ctx, e, in)
}

// executeWithEnv ingests every line of in against a provided env (for testing).
// Undecodable and malformed snapshots are reported and skipped unless
// --stop-on-error is set; a storage failure always stops the run.
func (c *IngestCommand) executeWithEnv(ctx context.Context, e *env, in io.Reader) error {
	ingestor := e.ingestor()
	var sum ingestSummaryJSON

	reject := func(line int, err error) error {
		sum.Rejected++
		msg := fmt.Sprintf("line %d: %v", line, err)
		sum.Problems = append(sum.Problems, msg)
		if c.StopOnError {
			return errors.New(msg)
		}
		return nil
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var runErr error
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		sum.Lines++

		var snap presence.Snapshot
		if err := json.Unmarshal([]byte(text), &snap); err != nil {
			if runErr = reject(line, fmt.Errorf("invalid JSON: %w", err)); runErr != nil {
				break
			}
			continue
		}

		res, err := ingestor.Ingest(ctx, snap)
		if err != nil {
			if errors.Is(err, presence.ErrMalformedSnapshot) {
				if runErr = reject(line, err); runErr != nil {
					break
				}
				continue
			}
			runErr = fmt.Errorf("line %d: %w", line, err)
			break
		}

		sum.Accepted++
		if res.Duplicate {
			sum.Duplicates++
		}
		if res.Outage != nil {
			sum.Outages++
		}
		sum.ClosedSessions += len(res.Closed)
		if res.DerivedErr != nil {
			sum.DerivedErrors++
		}
	}
	if runErr == nil {
		if err := scanner.Err(); err != nil {
			runErr = fmt.Errorf("read input after line %d: %w", line, err)
		}
	}

	if c.globals != nil && c.globals.JSON {
		if err := printJSON(sum); err != nil {
			return err
		}
	} else {
		c.printSummaryHuman(sum)
	}
	return runErr
}

func (c *IngestCommand) printSummaryHuman(sum ingestSummaryJSON) {
	fmt.Printf("Ingested %d of %d snapshots (%d duplicate, %d rejected)\n",
		sum.Accepted, sum.Lines, sum.Duplicates, sum.Rejected)
	if sum.Outages > 0 {
		fmt.Printf("Outages detected: %d\n", sum.Outages)
	}
	fmt.Printf("Sessions closed:  %d\n", sum.ClosedSessions)
	if sum.DerivedErrors > 0 {
		fmt.Printf("Warning: %d session updates failed, run 'presence rebuild'\n", sum.DerivedErrors)
	}
	for _, p := range sum.Problems {
		fmt.Fprintf(os.Stderr, "  %s\n", p)
	}
}
