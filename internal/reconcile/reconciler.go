// Package reconcile runs the periodic drift repair pass. Bus delivery is
// lossy for slow subscribers, so a scheduled sweep prunes groups left empty
// by crashed writers and re-announces live group summaries for readers that
// missed frames.
package reconcile

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tretyn/commhist/internal/bus"
	"github.com/tretyn/commhist/internal/store"
	"go.uber.org/zap"
)

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "@every 10m"

// Reconciler owns the scheduled repair job.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cron   *cron.Cron
}

// New creates a reconciler on the given schedule (cron spec or @every
// duration).
func New(db *store.DB, b *bus.Bus, logger *zap.Logger, schedule string) (*Reconciler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	r := &Reconciler{db: db, bus: b, logger: logger, cron: cron.New()}
	if _, err := r.cron.AddFunc(schedule, func() {
		if err := r.Run(); err != nil {
			r.logger.Error("reconcile pass failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("bad reconcile schedule %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins the schedule.
func (r *Reconciler) Start() { r.cron.Start() }

// Stop halts the schedule and waits for a running pass.
func (r *Reconciler) Stop() { <-r.cron.Stop().Done() }

// Run executes one repair pass: empty groups are pruned, then every live
// group id is re-announced so subscribers refetch and converge.
func (r *Reconciler) Run() error {
	start := time.Now()
	pruned, err := r.pruneEmptyGroups()
	if err != nil {
		return err
	}
	live, err := r.liveGroupIDs()
	if err != nil {
		return err
	}
	if len(pruned) > 0 {
		r.bus.Publish(bus.Event{Kind: bus.GroupsDeleted, Timestamp: time.Now(), Payload: pruned})
	}
	if len(live) > 0 {
		r.bus.Publish(bus.Event{Kind: bus.GroupsUpdated, Timestamp: time.Now(), Payload: live})
	}
	r.logger.Info("reconcile pass complete",
		zap.Int("pruned", len(pruned)),
		zap.Int("live", len(live)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (r *Reconciler) pruneEmptyGroups() ([]int64, error) {
	ids, err := r.collectIDs(`SELECT id FROM groups WHERE NOT EXISTS (SELECT 1 FROM events WHERE group_id = groups.id)`)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := r.db.Transaction()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := r.db.DeleteGroups(tx, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Reconciler) liveGroupIDs() ([]int64, error) {
	return r.collectIDs(`SELECT id FROM groups ORDER BY id`)
}

func (r *Reconciler) collectIDs(query string) ([]int64, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
