// Package app holds shared wiring used by both the CLI and the server.
package app

import (
	"context"
	"errors"
	"fmt"

	"grovekeeper/internal/config"
	"grovekeeper/internal/repo"
)

// ResolveConfig returns the stored bot config, seeding the default for the
// given moderator handle when the database has none yet. A corrupt stored
// config is a startup error, never silently replaced.
func ResolveConfig(ctx context.Context, r repo.Repo, moderator string) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if moderator == "" {
		moderator = "moderator"
	}
	seed := config.Default(moderator)
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}
