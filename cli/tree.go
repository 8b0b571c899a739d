// Journal inspection commands.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/richinex/deepdive/config"
	"github.com/richinex/deepdive/durable"
	"github.com/richinex/deepdive/storage"
)

const maxPreviewLen = 80

// Show prints the invocation tree rooted at id.
func Show(ctx context.Context, id string, opts Options) error {
	journal, err := openJournal(opts)
	if err != nil {
		return err
	}
	defer journal.Close()

	root, err := journal.GetInvocation(ctx, id)
	if err != nil {
		return err
	}
	if err := printTree(ctx, os.Stdout, journal, root, "", true, true); err != nil {
		return err
	}

	// Read-only engine: Result never runs a task.
	return printOutcome(ctx, os.Stdout, durable.New(journal, nil), id)
}

// printOutcome writes the recorded result of id, its failure, or how to
// continue it when it has not finished.
func printOutcome(ctx context.Context, w io.Writer, engine *durable.Engine, id string) error {
	result, err := engine.Result(ctx, id)
	var remote *durable.RemoteError
	switch {
	case err == nil:
		fmt.Fprintf(w, "\n%s\n", result)
	case errors.Is(err, durable.ErrPending):
		fmt.Fprintf(w, "\n%s Not finished. Continue with: %s\n",
			color.YellowString("!"), color.CyanString("deepdive resume %s", id))
	case errors.As(err, &remote):
		fmt.Fprintf(w, "\n%s %s\n", color.RedString("Error:"), remote.Message)
	default:
		return err
	}
	return nil
}

// List prints root invocations, most recent first.
func List(ctx context.Context, opts Options) error {
	journal, err := openJournal(opts)
	if err != nil {
		return err
	}
	defer journal.Close()

	roots, err := journal.ListInvocations(ctx)
	if err != nil {
		return err
	}
	if len(roots) == 0 {
		fmt.Println("No invocations recorded.")
		return nil
	}
	for _, rec := range roots {
		fmt.Printf("%s  %s  %s  depth %d  %s\n",
			rec.ID,
			rec.CreatedAt.Format("2006-01-02 15:04"),
			statusLabel(rec.Status),
			rec.Depth,
			truncateString(rec.Topic, maxPreviewLen))
	}
	return nil
}

func openJournal(opts Options) (*storage.SqliteJournal, error) {
	path := opts.DBPath
	if path == "" {
		var err error
		if path, err = config.DatabasePath(opts.ConfigPath); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no journal at %s: %w", path, err)
	}
	return storage.OpenSqlite(path)
}

// printTree writes rec and its descendants in spawn order.
func printTree(ctx context.Context, w io.Writer, journal storage.Journal, rec storage.InvocationRecord, prefix string, last, root bool) error {
	branch, childPrefix := "", ""
	if !root {
		branch, childPrefix = "├── ", prefix+"│   "
		if last {
			branch, childPrefix = "└── ", prefix+"    "
		}
	}

	fmt.Fprintf(w, "%s%s%s %s %s\n", prefix, branch, statusLabel(rec.Status),
		truncateString(rec.Topic, maxPreviewLen), color.HiBlackString("(depth %d)", rec.Depth))

	children, err := journal.Children(ctx, rec.ID)
	if err != nil {
		return err
	}
	for i, child := range children {
		if err := printTree(ctx, w, journal, child, childPrefix, i == len(children)-1, false); err != nil {
			return err
		}
	}
	return nil
}

func statusLabel(status storage.Status) string {
	switch status {
	case storage.StatusDone:
		return color.GreenString("✓")
	case storage.StatusFailed:
		return color.RedString("✗")
	default:
		return color.YellowString("…")
	}
}

func truncateString(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}
