// Package keeper runs the polling loop that drives submission and deposit
// scanning.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"allocation-keeper/internal/domain"
	"allocation-keeper/internal/observability"
	"allocation-keeper/internal/stats"
	"allocation-keeper/internal/submission"
)

// Default intervals.
const (
	DefaultPollInterval  = 60 * time.Second
	DefaultStatsInterval = 10 * time.Minute
)

// ErrInvalidState is returned when a lifecycle method is called out of order.
var ErrInvalidState = errors.New("invalid keeper state")

// Submitter processes the recommendation queue.
type Submitter interface {
	ProcessNextPending(ctx context.Context) (submission.Result, error)
}

// DepositScanner scans the ledger for new deposits.
type DepositScanner interface {
	EnsureCursor(ctx context.Context) (uint64, error)
	ScanNewDeposits(ctx context.Context) ([]*domain.DepositRecord, error)
}

// ChainReader checks ledger connectivity and the vault contract.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TotalAssets(ctx context.Context) (*big.Int, error)
}

// StaleExpirer expires pending recommendations past their deadline.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// Options for creating Keeper.
type Options struct {
	// Required collaborators
	Submitter Submitter
	Scanner   DepositScanner
	Ledger    ChainReader
	Stats     *stats.Stats

	// Store lifecycle. PingStore is checked during Init; CloseStore runs once
	// on shutdown or failed initialization.
	PingStore  func(ctx context.Context) error
	CloseStore func()

	// Optional stale-expiry sweep, run at the start of every tick
	Expirer StaleExpirer

	PollInterval      time.Duration
	StatsInterval     time.Duration // 0 disables the periodic report
	DepositMonitoring bool

	// Settings is logged once during Init.
	Settings map[string]any

	Logger zerolog.Logger
	Now    func() time.Time
}

// Keeper is the crash-recoverable polling loop.
// Lifecycle: Created → Initializing → Running → Stopping → Stopped.
type Keeper struct {
	opts  Options
	log   zerolog.Logger
	now   func() time.Time
	state atomic.Int32

	stopOnce  sync.Once
	stopCh    chan struct{}
	closeOnce sync.Once
}

// New creates a keeper in the Created state.
func New(opts Options) *Keeper {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Stats == nil {
		opts.Stats = stats.New(opts.Now())
	}

	return &Keeper{
		opts:   opts,
		log:    opts.Logger.With().Str("component", "keeper").Logger(),
		now:    opts.Now,
		stopCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (k *Keeper) State() State {
	return State(k.state.Load())
}

// Stats returns the runtime statistics.
func (k *Keeper) Stats() *stats.Stats {
	return k.opts.Stats
}

// Init validates store and ledger connectivity and loads or seeds the
// deposit cursor. On failure the store is closed and the keeper ends in Stopped.
func (k *Keeper) Init(ctx context.Context) error {
	if !k.transition(StateCreated, StateInitializing) {
		return fmt.Errorf("%w: init from %s", ErrInvalidState, k.State())
	}

	if err := k.initialize(ctx); err != nil {
		k.log.Error().Err(err).Msg("initialization failed")
		k.closeStore()
		k.state.Store(int32(StateStopped))
		return err
	}

	k.state.Store(int32(StateRunning))
	observability.SetRunning(true)
	return nil
}

func (k *Keeper) initialize(ctx context.Context) error {
	if k.opts.PingStore != nil {
		if err := k.opts.PingStore(ctx); err != nil {
			return fmt.Errorf("connect to store: %w", err)
		}
	}

	chainID, err := k.opts.Ledger.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("connect to ledger: %w", err)
	}
	head, err := k.opts.Ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	assets, err := k.opts.Ledger.TotalAssets(ctx)
	if err != nil {
		return fmt.Errorf("read vault total assets: %w", err)
	}

	cursor, err := k.opts.Scanner.EnsureCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	k.log.Info().
		Str("chain_id", chainID.String()).
		Uint64("head", head).
		Str("vault_total_assets", assets.String()).
		Uint64("cursor", cursor).
		Dur("poll_interval", k.opts.PollInterval).
		Bool("deposit_monitoring", k.opts.DepositMonitoring).
		Bool("expire_stale", k.opts.Expirer != nil).
		Fields(k.opts.Settings).
		Msg("keeper initialized")
	return nil
}

// Run ticks immediately and then every PollInterval until Stop is called or
// ctx is done. Ticks never overlap and an in-flight tick is always completed
// before shutdown: ctx cancellation does not propagate into a running tick.
func (k *Keeper) Run(ctx context.Context) error {
	if state := k.State(); state != StateRunning && state != StateStopping {
		return fmt.Errorf("%w: run from %s", ErrInvalidState, state)
	}

	scheduler := k.startStatsReport()

	ticker := time.NewTicker(k.opts.PollInterval)
	defer ticker.Stop()

	tickCtx := context.WithoutCancel(ctx)
	for !k.stopRequested() && ctx.Err() == nil {
		k.tick(tickCtx)

		select {
		case <-ticker.C:
		case <-k.stopCh:
		case <-ctx.Done():
		}
	}

	k.shutdown(scheduler)
	return nil
}

// Stop requests shutdown. The loop exits after the current tick.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() {
		k.transition(StateRunning, StateStopping)
		close(k.stopCh)
	})
}

func (k *Keeper) stopRequested() bool {
	select {
	case <-k.stopCh:
		return true
	default:
		return false
	}
}

func (k *Keeper) shutdown(scheduler *cron.Cron) {
	k.state.Store(int32(StateStopping))
	k.log.Info().Msg("keeper stopping")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	k.reportStats("final statistics")
	k.closeStore()

	k.state.Store(int32(StateStopped))
	observability.SetRunning(false)
	k.log.Info().Msg("keeper stopped")
}

// tick runs one expire → submit → scan pass. Step failures are counted and
// logged; none of them aborts the tick or the loop.
func (k *Keeper) tick(ctx context.Context) {
	start := k.now()

	defer func() {
		if r := recover(); r != nil {
			k.stepFailed("panic", fmt.Errorf("tick panic: %v", r))
		}
		finished := k.now()
		k.opts.Stats.RecordCheck(finished)
		observability.RecordTick(finished.Sub(start).Seconds(), finished.Unix())
	}()

	if k.opts.Expirer != nil {
		n, err := k.opts.Expirer.ExpireStale(ctx, start)
		if err != nil {
			k.stepFailed("expire", err)
		} else if n > 0 {
			observability.RecordStaleExpired(n)
			k.log.Info().Int("count", n).Msg("expired stale recommendations")
		}
	}

	result, err := k.opts.Submitter.ProcessNextPending(ctx)
	if err != nil {
		k.stepFailed("submission", err)
	} else if result.Outcome != submission.OutcomeIdle {
		k.log.Info().
			Str("outcome", string(result.Outcome)).
			Str("recommendation_id", result.RecommendationID).
			Str("reason", result.Reason).
			Msg("submission step finished")
	}

	if k.opts.DepositMonitoring {
		if _, err := k.opts.Scanner.ScanNewDeposits(ctx); err != nil {
			k.stepFailed("scanner", err)
		}
	}
}

func (k *Keeper) stepFailed(step string, err error) {
	k.opts.Stats.RecordError()
	observability.RecordTickError(step)
	k.log.Error().Err(err).Str("step", step).Msg("tick step failed")
}

func (k *Keeper) startStatsReport() *cron.Cron {
	if k.opts.StatsInterval <= 0 {
		return nil
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := "@every " + k.opts.StatsInterval.String()
	if _, err := c.AddFunc(schedule, func() { k.reportStats("runtime statistics") }); err != nil {
		k.log.Warn().Err(err).Str("schedule", schedule).Msg("failed to schedule statistics report")
		return nil
	}

	c.Start()
	return c
}

func (k *Keeper) reportStats(msg string) {
	snap := k.opts.Stats.Snapshot()
	k.log.Info().
		Uint64("checks_performed", snap.ChecksPerformed).
		Uint64("recommendations_submitted", snap.RecommendationsSubmitted).
		Uint64("deposits_detected", snap.DepositsDetected).
		Uint64("rebalances_triggered", snap.RebalancesTriggered).
		Uint64("errors", snap.Errors).
		Dur("uptime", snap.Uptime(k.now())).
		Time("last_check_at", snap.LastCheckAt).
		Msg(msg)
}

func (k *Keeper) closeStore() {
	k.closeOnce.Do(func() {
		if k.opts.CloseStore != nil {
			k.opts.CloseStore()
		}
	})
}

func (k *Keeper) transition(from, to State) bool {
	return k.state.CompareAndSwap(int32(from), int32(to))
}
