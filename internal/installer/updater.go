package installer

import (
	"context"
	"log/slog"

	"borg/bootstrap/internal/client"
	"borg/bootstrap/internal/telemetry"
)

// Resolver returns the version reference the server wants installed.
type Resolver interface {
	ResolveVersion(ctx context.Context, creds client.Credentials) (*client.VersionRef, error)
}

// Updater resolves the current worker version and installs it. A fresh
// reference is requested on every call.
type Updater struct {
	resolver  Resolver
	installer *Installer
	creds     client.Credentials
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// NewUpdater creates an updater.
func NewUpdater(resolver Resolver, inst *Installer, creds client.Credentials, logger *slog.Logger, metrics *telemetry.Metrics) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{
		resolver:  resolver,
		installer: inst,
		creds:     creds,
		logger:    logger,
		metrics:   metrics,
	}
}

// Update performs one resolve-and-install attempt.
func (u *Updater) Update(ctx context.Context) error {
	ref, err := u.resolver.ResolveVersion(ctx, u.creds)
	if err != nil {
		u.metrics.Install("resolve_failed")
		return err
	}

	u.logger.Info("downloading worker", "repo", ref.RepoURL, "ref", ref.RepoRef)
	if err := u.installer.Install(ctx, *ref); err != nil {
		u.metrics.Install("failed")
		return err
	}

	u.metrics.Install("success")
	return nil
}
