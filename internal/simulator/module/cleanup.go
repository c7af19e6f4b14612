package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// cleanupFolders are emptied by the cleanup module, in order.
var cleanupFolders = []string{backend.FolderInbox, backend.FolderOutbox, backend.FolderSent}

// Cleanup empties the mailbox folders the other modules fill. It runs
// every folder even when one fails.
func Cleanup(ctx context.Context, env *Env, _ []config.CaseConfig) error {
	var errs []error
	for _, folder := range cleanupFolders {
		start := time.Now()
		n, err := env.Session.EmptyFolder(ctx, folder)
		if err != nil {
			errs = append(errs, fmt.Errorf("empty %s: %w", folder, err))
			continue
		}
		env.logger().Debug("folder emptied", zap.String("folder", folder), zap.Int("messages", n))
		env.Timing(config.ModuleCleanup, folder, start)
	}
	return errors.Join(errs...)
}

// NewCleanup returns the cleanup module. Its counter is unused; the
// registry runs it once after the passes.
func NewCleanup() *Module {
	return New(config.ModuleCleanup, "cleanup scenario", 1, Cleanup)
}
