package update

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/opsgate/opsgate/internal/operr"
)

// DefaultChannel is the release channel used when none is configured.
const DefaultChannel = "stable"

// Progress percentages reported per phase.
const (
	progressChecking  = 10
	progressPreparing = 40
	progressSwitching = 70
	progressVerifying = 85
	progressDone      = 100
)

// RestartHook is invoked after the current link pivots to a new release,
// typically to restart the managed service onto the new binaries.
type RestartHook func(ctx context.Context, v Version) error

// UpdaterOptions configures an Updater.
type UpdaterOptions struct {
	// BaseDir holds releases/, staging/, the current link and state files.
	BaseDir string
	// Channel is the release channel to follow. Defaults to DefaultChannel.
	Channel string
	// Backend resolves and fetches releases.
	Backend Backend
	// Health checks run during the verifying phase.
	Health []HealthCheck
	// HealthRetries and HealthDelay bound verification. Zero values take
	// DefaultHealthRetries and DefaultHealthDelay.
	HealthRetries int
	HealthDelay   time.Duration
	// Restart, when set, runs after each pivot.
	Restart RestartHook
	Logger  *zap.Logger
}

// Updater drives the whole update lifecycle: check, prepare, switch, verify,
// and roll back. One update runs at a time.
type Updater struct {
	paths         layout
	channel       string
	backend       Backend
	states        *stateStore
	health        []HealthCheck
	healthRetries int
	healthDelay   time.Duration
	restart       RestartHook
	log           *zap.Logger

	mu    sync.Mutex
	sched gocron.Scheduler
}

// NewUpdater prepares the on-disk layout and loads persisted state. A record
// left in a mid-run state by a crash is moved to failed so the next run can
// proceed.
func NewUpdater(opts UpdaterOptions) (*Updater, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("update: base directory is required")
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("update: backend is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("update")

	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	retries := opts.HealthRetries
	if retries <= 0 {
		retries = DefaultHealthRetries
	}
	delay := opts.HealthDelay
	if delay <= 0 {
		delay = DefaultHealthDelay
	}

	paths := layout{base: opts.BaseDir}
	if err := paths.ensure(); err != nil {
		return nil, err
	}

	u := &Updater{
		paths:         paths,
		channel:       channel,
		backend:       opts.Backend,
		states:        &stateStore{path: paths.statePath(), log: log},
		health:        opts.Health,
		healthRetries: retries,
		healthDelay:   delay,
		restart:       opts.Restart,
		log:           log,
	}
	u.recoverInterrupted()
	return u, nil
}

// recoverInterrupted marks a run that died mid-flight as failed. success is
// already terminal and collapses to idle.
func (u *Updater) recoverInterrupted() {
	rec := u.states.Load()
	switch rec.State {
	case StateIdle, StateFailed:
		return
	case StateSuccess:
		rec.State = StateIdle
		rec.ProgressPercent = progressDone
	default:
		u.log.Warn("update interrupted, marking failed",
			zap.String("state", string(rec.State)),
			zap.String("target_version", rec.TargetVersion))
		rec.ErrorMessage = fmt.Sprintf("interrupted during %s", rec.State)
		rec.State = StateFailed
		rec.FailureCount++
	}
	rec.LastTransitionAt = time.Now().UTC()
	if err := u.states.Save(rec); err != nil {
		u.log.Error("saving recovered update state", zap.Error(err))
	}
}

// CheckResult is the outcome of a pure availability check.
type CheckResult struct {
	CurrentVersion  string `json:"current_version,omitempty"`
	LatestVersion   string `json:"latest_version"`
	UpdateAvailable bool   `json:"update_available"`
	Channel         string `json:"channel"`
}

// Check asks the backend for the latest version on the configured channel.
// It never touches the state machine or the filesystem.
func (u *Updater) Check(ctx context.Context) (*CheckResult, error) {
	latest, err := u.backend.CheckLatest(ctx, u.channel)
	if err != nil {
		return nil, err
	}

	res := &CheckResult{
		LatestVersion: latest.String(),
		Channel:       u.channel,
	}
	current, ok, err := u.paths.currentVersion()
	if err != nil {
		return nil, err
	}
	if ok {
		res.CurrentVersion = current.String()
		res.UpdateAvailable = latest.Newer(current)
	} else {
		res.UpdateAvailable = true
	}
	return res, nil
}

// Run statuses.
const (
	RunSuccess    = "success"
	RunNoUpdate   = "no_update"
	RunRolledBack = "rolled_back"
)

// RunResult reports what a Run did.
type RunResult struct {
	Status     string         `json:"status"`
	OldVersion string         `json:"old_version,omitempty"`
	NewVersion string         `json:"new_version,omitempty"`
	Checks     []HealthResult `json:"checks,omitempty"`
}

// Run executes one full update cycle. Only preconditions and unrecoverable
// failures surface as errors; a verification failure that rolled back cleanly
// is a RunRolledBack result.
func (u *Updater) Run(ctx context.Context) (*RunResult, error) {
	if !u.mu.TryLock() {
		return nil, operr.FailedPreconditionf("an update is already in progress")
	}
	defer u.mu.Unlock()

	prior := u.states.Load()
	switch prior.State {
	case StateIdle, StateFailed, StateSuccess:
	default:
		return nil, operr.FailedPreconditionf("an update is already in progress").
			WithDetails(map[string]any{"state": string(prior.State)})
	}

	current, haveCurrent, err := u.paths.currentVersion()
	if err != nil {
		return nil, err
	}

	rec := Record{
		State:        StateIdle,
		Channel:      u.channel,
		StartedAt:    time.Now().UTC(),
		FailureCount: prior.FailureCount,
	}
	if haveCurrent {
		rec.OldVersion = current.String()
	}

	if err := u.advance(&rec, StateChecking, progressChecking); err != nil {
		return nil, err
	}
	latest, err := u.backend.CheckLatest(ctx, u.channel)
	if err != nil {
		return nil, u.fail(&rec, fmt.Errorf("update: checking %s channel: %w", u.channel, err))
	}
	if haveCurrent && !latest.Newer(current) {
		u.log.Info("no update available",
			zap.String("current_version", current.String()),
			zap.String("latest_version", latest.String()),
			zap.String("channel", u.channel))
		if err := u.finishIdle(&rec); err != nil {
			return nil, err
		}
		return &RunResult{Status: RunNoUpdate, OldVersion: current.String()}, nil
	}
	rec.TargetVersion = latest.String()
	u.log.Info("update available",
		zap.String("target_version", latest.String()),
		zap.String("channel", u.channel))

	if err := u.advance(&rec, StatePreparing, progressPreparing); err != nil {
		return nil, err
	}
	if err := u.installRelease(ctx, latest); err != nil {
		return nil, u.fail(&rec, err)
	}

	if err := u.advance(&rec, StateSwitching, progressSwitching); err != nil {
		return nil, err
	}
	if err := u.paths.switchCurrent(latest); err != nil {
		return nil, u.fail(&rec, err)
	}
	u.log.Info("switched current release", zap.String("version", latest.String()))
	if u.restart != nil {
		if err := u.restart(ctx, latest); err != nil {
			return u.failAndRollback(ctx, &rec, current, haveCurrent,
				fmt.Errorf("update: restarting onto %s: %w", latest, err), nil)
		}
	}

	if err := u.advance(&rec, StateVerifying, progressVerifying); err != nil {
		return nil, err
	}
	healthy, checks := runHealthChecks(ctx, u.health, u.healthRetries, u.healthDelay, u.log)
	if !healthy {
		return u.failAndRollback(ctx, &rec, current, haveCurrent,
			fmt.Errorf("update: %s failed verification after %d attempts", latest, u.healthRetries), checks)
	}

	if err := u.advance(&rec, StateSuccess, progressDone); err != nil {
		return nil, err
	}
	if err := u.paths.appendHistory(VersionRecord{
		Version:     latest.String(),
		InstalledAt: time.Now().UTC(),
		Source:      u.channel,
	}); err != nil {
		u.log.Warn("recording version history", zap.Error(err))
	}
	rec.FailureCount = 0
	if err := u.finishIdle(&rec); err != nil {
		return nil, err
	}

	u.log.Info("update complete",
		zap.String("old_version", rec.OldVersion),
		zap.String("new_version", latest.String()))
	res := &RunResult{Status: RunSuccess, NewVersion: latest.String(), Checks: checks}
	if haveCurrent {
		res.OldVersion = current.String()
	}
	return res, nil
}

// installRelease moves the prepared staging directory into releases/. A
// release directory that already exists is reused as is.
func (u *Updater) installRelease(ctx context.Context, v Version) error {
	if u.paths.installed(v) {
		u.log.Info("release already installed", zap.String("version", v.String()))
		return nil
	}
	prep, err := u.backend.Prepare(ctx, v)
	if err != nil {
		return err
	}
	if err := os.Rename(prep.StagingDir, u.paths.releaseDir(v)); err != nil {
		_ = os.RemoveAll(prep.StagingDir)
		return fmt.Errorf("update: installing %s: %w", v, err)
	}
	u.log.Info("release installed",
		zap.String("version", v.String()),
		zap.String("checksum", prep.Checksum))
	return nil
}

// advance applies one transition and persists the record.
func (u *Updater) advance(rec *Record, to State, progress int) error {
	if err := transition(rec, to); err != nil {
		return err
	}
	rec.ProgressPercent = progress
	if err := u.states.Save(*rec); err != nil {
		return err
	}
	return nil
}

// fail moves rec to failed with err recorded and returns err.
func (u *Updater) fail(rec *Record, err error) error {
	u.log.Error("update failed",
		zap.String("state", string(rec.State)),
		zap.String("target_version", rec.TargetVersion),
		zap.Error(err))
	if terr := transition(rec, StateFailed); terr != nil {
		return err
	}
	rec.FailureCount++
	rec.ErrorMessage = err.Error()
	if serr := u.states.Save(*rec); serr != nil {
		u.log.Error("saving failed update state", zap.Error(serr))
	}
	return err
}

// failAndRollback records the failure, then pivots back to prev when one
// exists. A clean rollback is a RunRolledBack result, not an error.
func (u *Updater) failAndRollback(ctx context.Context, rec *Record, prev Version, havePrev bool, cause error, checks []HealthResult) (*RunResult, error) {
	err := u.fail(rec, cause)
	if !havePrev {
		u.log.Error("no previous version to roll back to")
		return nil, err
	}

	if terr := transition(rec, StateRollingBack); terr != nil {
		return nil, err
	}
	if serr := u.states.Save(*rec); serr != nil {
		u.log.Error("saving rollback state", zap.Error(serr))
	}
	if perr := u.paths.switchCurrent(prev); perr != nil {
		u.log.Error("rollback pivot failed", zap.Error(perr))
		rec.ErrorMessage = fmt.Sprintf("%s; rollback failed: %v", rec.ErrorMessage, perr)
		u.finishAfterRollback(rec)
		return nil, fmt.Errorf("update: rolling back to %s: %w", prev, perr)
	}
	if u.restart != nil {
		if rerr := u.restart(ctx, prev); rerr != nil {
			u.log.Error("restart after rollback failed", zap.Error(rerr))
		}
	}

	u.log.Warn("rolled back",
		zap.String("target_version", rec.TargetVersion),
		zap.String("restored_version", prev.String()))
	rec.ErrorMessage = fmt.Sprintf("%s; rolled back to %s", rec.ErrorMessage, prev)
	u.finishAfterRollback(rec)
	return &RunResult{
		Status:     RunRolledBack,
		OldVersion: prev.String(),
		NewVersion: rec.TargetVersion,
		Checks:     checks,
	}, nil
}

// finishAfterRollback returns rec to idle, keeping the error message so
// status reports what happened.
func (u *Updater) finishAfterRollback(rec *Record) {
	if err := transition(rec, StateIdle); err != nil {
		return
	}
	rec.ProgressPercent = progressDone
	if err := u.states.Save(*rec); err != nil {
		u.log.Error("saving post-rollback state", zap.Error(err))
	}
}

// finishIdle ends a clean run. The state file is removed; absence is the
// canonical form of idle.
func (u *Updater) finishIdle(rec *Record) error {
	if err := transition(rec, StateIdle); err != nil {
		return err
	}
	return u.states.Clear()
}

// Rollback pivots to version, or to the previous installed version when
// version is nil. A failed record is walked through rolling_back to idle;
// an idle machine pivots without state churn.
func (u *Updater) Rollback(ctx context.Context, version *Version) (*RunResult, error) {
	if !u.mu.TryLock() {
		return nil, operr.FailedPreconditionf("an update is already in progress")
	}
	defer u.mu.Unlock()

	current, haveCurrent, err := u.paths.currentVersion()
	if err != nil {
		return nil, err
	}

	var target Version
	if version != nil {
		target = *version
	} else {
		if !haveCurrent {
			return nil, operr.FailedPreconditionf("no release is active, nothing to roll back from")
		}
		prev, ok := u.paths.previousVersion(current)
		if !ok {
			return nil, operr.FailedPreconditionf("no previous version recorded")
		}
		target = prev
	}
	if !u.paths.installed(target) {
		return nil, operr.FailedPreconditionf("version %s is not installed", target).
			WithDetails(map[string]any{"version": target.String()})
	}

	rec := u.states.Load()
	switch rec.State {
	case StateIdle:
	case StateFailed:
		if err := transition(&rec, StateRollingBack); err != nil {
			return nil, err
		}
		if err := u.states.Save(rec); err != nil {
			return nil, err
		}
	default:
		return nil, operr.FailedPreconditionf("an update is already in progress").
			WithDetails(map[string]any{"state": string(rec.State)})
	}

	if err := u.paths.switchCurrent(target); err != nil {
		if rec.State == StateRollingBack {
			rec.ErrorMessage = fmt.Sprintf("%s; rollback failed: %v", rec.ErrorMessage, err)
			u.finishAfterRollback(&rec)
		}
		return nil, err
	}
	if u.restart != nil {
		if rerr := u.restart(ctx, target); rerr != nil {
			u.log.Error("restart after rollback failed", zap.Error(rerr))
		}
	}
	if rec.State == StateRollingBack {
		rec.ErrorMessage = fmt.Sprintf("%s; rolled back to %s", rec.ErrorMessage, target)
		u.finishAfterRollback(&rec)
	}
	if err := u.paths.appendHistory(VersionRecord{
		Version:     target.String(),
		InstalledAt: time.Now().UTC(),
		Source:      "rollback",
	}); err != nil {
		u.log.Warn("recording rollback history", zap.Error(err))
	}

	u.log.Warn("manual rollback complete",
		zap.String("restored_version", target.String()))
	res := &RunResult{Status: RunRolledBack, NewVersion: target.String()}
	if haveCurrent {
		res.OldVersion = current.String()
	}
	return res, nil
}

// StatusResult is the persisted state plus the active version.
type StatusResult struct {
	Record
	CurrentVersion string `json:"current_version,omitempty"`
}

// Status reports the state machine and current version without side effects.
func (u *Updater) Status() (*StatusResult, error) {
	res := &StatusResult{Record: u.states.Load()}
	current, ok, err := u.paths.currentVersion()
	if err != nil {
		return nil, err
	}
	if ok {
		res.CurrentVersion = current.String()
	}
	return res, nil
}

// History returns installed versions, newest first.
func (u *Updater) History() []VersionRecord {
	return u.paths.loadHistory()
}

// StartAutoCheck polls the channel every interval. With apply set, an
// available update is applied immediately; otherwise its presence is logged
// for operators to act on.
func (u *Updater) StartAutoCheck(interval time.Duration, apply bool) error {
	if interval <= 0 {
		return operr.InvalidArgumentf("auto-check interval must be positive, got %s", interval)
	}
	if u.sched != nil {
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("update: creating scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { u.autoCheck(apply) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("update: scheduling auto-check: %w", err)
	}
	sched.Start()
	u.sched = sched
	u.log.Info("auto-check started",
		zap.Duration("interval", interval),
		zap.Bool("auto_apply", apply))
	return nil
}

// StopAutoCheck stops the polling scheduler, waiting for a running job.
func (u *Updater) StopAutoCheck(ctx context.Context) error {
	if u.sched == nil {
		return nil
	}
	sched := u.sched
	u.sched = nil

	done := make(chan error, 1)
	go func() { done <- sched.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) autoCheck(apply bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := u.Check(ctx)
	if err != nil {
		u.log.Warn("auto-check failed", zap.Error(err))
		return
	}
	if !res.UpdateAvailable {
		return
	}
	u.log.Info("auto-check found an update",
		zap.String("current_version", res.CurrentVersion),
		zap.String("latest_version", res.LatestVersion))
	if !apply {
		return
	}
	run, err := u.Run(ctx)
	if err != nil {
		u.log.Error("auto-apply failed", zap.Error(err))
		return
	}
	u.log.Info("auto-apply finished", zap.String("status", run.Status))
}
