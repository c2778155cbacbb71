package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Execute implements the go-flags Commander interface for PurgeCommand.
func (c *PurgeCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := c.executeWithEnv(ctx, e, os.Stdin); err != nil {
		return err
	}
	invalidateSummaryCache(ctx, e)
	return nil
}

// executeWithEnv purges against a provided env, reading the confirmation
// from in (for testing).
func (c *PurgeCommand) executeWithEnv(ctx context.Context, e *env, in io.Reader) error {
	// Confirmation prompt unless --force
	if !c.Force {
		fmt.Println("⚠ WARNING: This will permanently delete all derived data.")
		fmt.Println("  - All reconstructed sessions")
		fmt.Println("  - All recorded outages")
		fmt.Println()
		fmt.Println("The raw snapshot log is kept; run 'presence rebuild' to regenerate.")
		fmt.Println()
		fmt.Print(`Type "PURGE" to confirm: `)

		scanner := bufio.NewScanner(in)
		if !scanner.Scan() {
			return fmt.Errorf("aborted: no input received")
		}
		input := strings.TrimSpace(scanner.Text())
		if input != "PURGE" {
			return fmt.Errorf("aborted: confirmation text did not match")
		}
	}

	if err := e.store.PurgeDerived(ctx); err != nil {
		return fmt.Errorf("purge failed: %w", err)
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(map[string]interface{}{
			"purged":  true,
			"message": "sessions and outages deleted",
		})
	}

	fmt.Println("Purged sessions and outages. The raw snapshot log is intact.")
	return nil
}
