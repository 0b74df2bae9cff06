package app

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Check runs the full pipeline once, immediately. The failure reason is
// surfaced as a short message; the scheduled loop is unaffected.
func (a *App) Check(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法执行检查")
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc, err := a.newService(store, nil)
	if err != nil {
		return err
	}

	if err := svc.RunCycle(ctx); err != nil {
		return fmt.Errorf("检查失败: %w", err)
	}

	fmt.Fprintln(os.Stdout, "检查完成")
	return nil
}
