package bootstrap

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ingestd/internal/config"
	"ingestd/internal/ingesterr"
	"ingestd/internal/importer"
	"ingestd/internal/poll"
	"ingestd/internal/pool"
	"ingestd/internal/preprocess"
	"ingestd/internal/store"
	"ingestd/internal/validate"
)

// Lifecycle owns the daemon's startup sequence and cooperative shutdown: recover
// dangling orders, build and run the pool and poller, then drain on shutdown.
type Lifecycle struct {
	Cfg  *config.Config
	Deps *Deps
	Log  *zap.SugaredLogger

	pool   *pool.Pool
	poller *poll.Poller
}

// Run performs startup recovery (any order left at IMPORT_STARTED when the process last
// exited is stale and must be failed, never silently resumed) and launches the worker
// pool and poller. It blocks until ctx is cancelled, then drains.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.checkRepositoryConnectivity(ctx); err != nil {
		return err
	}

	if err := l.recoverDangling(ctx); err != nil {
		return err
	}

	pipeline := pool.Pipeline{
		Tracker:   l.Deps.Tracker,
		Resolver:  l.Deps.Repo,
		Repo:      l.Deps.Repo,
		Runner:    importer.ExecRunner{},
		PreRunner: preprocess.ExecRunner{},
		ValidateOptions: validate.Options{
			PathPrefixRewrites: l.Cfg.PathPrefixRewrites,
		},
		PreprocessOptions: preprocess.Options{
			ContainerRuntime: "podman",
			UsernsMode:       l.Cfg.PodmanUsernsMode,
		},
		ImportOptions: importer.CLIOptions{
			LogDir:                    filepath.Dir(l.Cfg.LogFilePath),
			ParallelUploadPerWorker:   l.Cfg.ParallelUploadPerWorker,
			ParallelFilesetsPerWorker: l.Cfg.ParallelFilesetsPerWorker,
			SkipChecksum:              l.Cfg.SkipChecksum,
			SkipMinMax:                l.Cfg.SkipMinMax,
			SkipThumbnails:            l.Cfg.SkipThumbnails,
			SkipUpgrade:               l.Cfg.SkipUpgrade,
			SkipAll:                   l.Cfg.SkipAll,
			UseRegisterZarr:           l.Cfg.UseRegisterZarr,
		},
		SessionTTL: sessionTTL(l.Cfg),
	}

	l.pool = pool.New(l.Cfg.MaxWorkers, pipeline, l.Log)
	l.poller = &poll.Poller{
		Tracker:  l.Deps.Tracker,
		Pool:     l.pool,
		Interval: l.Cfg.PollIntervalDuration(),
		Log:      l.Log,
	}

	l.Log.Info("ready to import data")
	l.poller.Run(ctx)

	l.Log.Info("stopping automatic import service")
	return l.drain()
}

// checkRepositoryConnectivity opens a throwaway session against the repository as the
// configured root user, sudo'd to itself, scoped to the "system" group, and closes it
// immediately. Run once at boot, after migrations and before dangling-order recovery, so
// an unreachable repository fails the daemon fast instead of surfacing only once the
// first order is claimed.
func (l *Lifecycle) checkRepositoryConnectivity(ctx context.Context) error {
	sess, err := l.Deps.Repo.OpenSession(ctx, "system", l.Cfg.OmeroUser, 10*time.Second)
	if err != nil {
		return ingesterr.Wrap(ingesterr.FatalBoot, "repository connectivity check failed", err)
	}
	if closeErr := sess.Close(ctx); closeErr != nil {
		l.Log.Warnw("repository connectivity check session did not close cleanly", "error", closeErr)
	}
	l.Log.Info("repository connectivity check passed")
	return nil
}

// recoverDangling fails every order stuck at IMPORT_STARTED at boot time, since a crash
// mid-import leaves no way to know whether the external CLI's side effects completed;
// the order is simply re-tried as failed-and-resubmittable.
func (l *Lifecycle) recoverDangling(ctx context.Context) error {
	uuids, err := l.Deps.Tracker.ListDangling(ctx)
	if err != nil {
		return ingesterr.Wrap(ingesterr.FatalBoot, "failed to list dangling orders at startup", err)
	}
	for _, uuid := range uuids {
		l.Log.Warnw("failing dangling order from prior run", "uuid", uuid)
		if err := l.Deps.Tracker.Record(ctx, uuid, store.StageFailed, "stale at startup"); err != nil {
			l.Log.Errorw("failed to record stale-at-startup event", "uuid", uuid, "error", err)
		}
	}
	return nil
}

// drain waits up to the configured shutdown grace period for in-flight workers to
// finish.
func (l *Lifecycle) drain() error {
	done := make(chan struct{})
	go func() {
		l.pool.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(l.Cfg.ShutdownGraceDuration()):
		l.Log.Warn("shutdown grace period elapsed with workers still running")
		return nil
	}
}
