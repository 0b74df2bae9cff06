package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
)

// Purge removes a single reading or the entire history. Deleting everything
// also clears the alert log, matching the bulk wipe the dashboard offers.
func (a *App) Purge(ctx context.Context, opts PurgeOptions) error {
	if !opts.All && opts.ID <= 0 {
		return errors.New("either --all or --id must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot purge")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.All {
		if err := store.DeleteAllReadings(ctx); err != nil {
			return err
		}
		a.Logger.Info().Msg("用户清空了所有记录")
		fmt.Fprintln(os.Stdout, "记录已清空")
		return nil
	}

	if err := store.DeleteReading(ctx, opts.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("记录不存在: %d", opts.ID)
		}
		return err
	}
	a.Logger.Info().Int64("reading_id", opts.ID).Msg("用户删除了记录")
	fmt.Fprintln(os.Stdout, "记录已删除")
	return nil
}
