package module

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wesleyorama2/mailsim/internal/simulator/backend"
	"github.com/wesleyorama2/mailsim/internal/simulator/config"
)

// Fetchmail lists a folder and downloads every message and attachment in
// it. Each case names a folder (inbox by default). Content is not
// inspected.
func Fetchmail(ctx context.Context, env *Env, cases []config.CaseConfig) error {
	if len(cases) == 0 {
		cases = []config.CaseConfig{{Name: "default"}}
	}

	var errs []error
	for i := range cases {
		c := &cases[i]
		folder := c.Folder
		if folder == "" {
			folder = backend.FolderInbox
		}

		start := time.Now()
		if err := fetchFolder(ctx, env.Session, folder); err != nil {
			errs = append(errs, fmt.Errorf("case %s: %w", c.Name, err))
			continue
		}
		env.Timing(config.ModuleFetchmail, c.Name, start)
	}
	return errors.Join(errs...)
}

func fetchFolder(ctx context.Context, s backend.Session, folder string) error {
	list, err := s.ListMessages(ctx, folder)
	if err != nil {
		return fmt.Errorf("list %s: %w", folder, err)
	}

	for _, sum := range list {
		msg, err := s.FetchMessage(ctx, folder, sum.ID)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", sum.ID, err)
		}
		for n := range msg.Attachments {
			if _, err := s.FetchAttachment(ctx, folder, sum.ID, n); err != nil {
				return fmt.Errorf("fetch %s attachment %d: %w", sum.ID, n, err)
			}
		}
	}
	return nil
}
