package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints a wallet's recent action records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show actions")
	}
	defer closeStore()

	records, err := store.ListRecentActions(ctx, opts.Wallet, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no actions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAction\tDrift%\tUrgency\tExecution\tReason")

	for _, record := range records {
		execution := ""
		if record.ExecutionID != nil {
			execution = *record.ExecutionID
		}
		reason := record.Reason
		if record.Error != nil {
			reason = sanitizeInline(*record.Error)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			record.CreatedAt.UTC().Format(time.RFC3339),
			record.ActionType,
			record.TotalDriftPct.StringFixed(2),
			record.Urgency,
			execution,
			sanitizeInline(reason),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
