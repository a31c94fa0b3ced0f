package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/quartz"
)

// FastCheck сравнивает текущие накопительные счетчики с прошлым снимком.
type FastCheck struct {
	source      UsageSource
	snapshots   *SnapshotStore
	notifier    *Notifier
	filter      FilterConfig
	threshold   uint64
	thresholdGB float64
	batchSize   int
	nodes       *nodeCache
	clock       quartz.Clock
	log         *slog.Logger
	metrics     *Metrics
}

// Bootstrap снимает начальный снимок, если его еще нет. Существующий
// снимок переиспользуется, чтобы перезапуск не сбивал базу сравнения.
func (f *FastCheck) Bootstrap(ctx context.Context) error {
	if f.snapshots.Has(ctx) {
		f.log.Info("reusing existing snapshot",
			"count", len(f.snapshots.Load(ctx)), "age", f.snapshots.Age(ctx).Round(time.Second))
		return nil
	}
	accounts, _, err := fetchAll(ctx, f.source, f.batchSize, f.log)
	if err != nil {
		return err
	}
	snap, _ := buildSnapshot(accounts)
	f.snapshots.Save(ctx, snap)
	f.log.Info("initial snapshot taken", "count", len(snap))
	return nil
}

// Run выполняет один проход. Первый проход без снимка только сохраняет
// базу и не возвращает нарушений. Ошибка выгрузки возвращается как есть,
// снимок при этом не перезаписывается.
func (f *FastCheck) Run(ctx context.Context) ([]Violation, error) {
	start := f.clock.Now()
	violations, err := f.run(ctx)
	f.metrics.observeCheck(CheckFast, err, f.clock.Since(start), len(violations))
	return violations, err
}

func (f *FastCheck) run(ctx context.Context) ([]Violation, error) {
	previous := f.snapshots.Load(ctx)

	accounts, complete, err := fetchAll(ctx, f.source, f.batchSize, f.log)
	if err != nil {
		f.log.Error("fast check aborted, snapshot kept", "err", err)
		return nil, err
	}
	current, order := buildSnapshot(accounts)
	if !complete {
		carried := carryForward(current, previous)
		f.log.Warn("partial account listing, previous counters carried forward",
			"count", len(current), "carried", carried)
	}

	if previous == nil {
		f.snapshots.Save(ctx, current)
		f.log.Info("first fast check run, baseline saved", "count", len(current))
		return nil, nil
	}

	violations := f.diff(previous, current, order)
	f.snapshots.Save(ctx, current)
	f.log.Info("fast check finished", "count", len(current), "violations", len(violations))

	if len(violations) > 0 {
		f.notifier.Notify(ctx, violations)
	}
	return violations, nil
}

func (f *FastCheck) diff(previous, current Snapshot, order []AccountUsage) []Violation {
	var violations []Violation
	for _, acc := range order {
		before, seen := previous[acc.AccountID]
		if !seen {
			continue
		}
		now := current[acc.AccountID]
		if now <= before {
			continue
		}
		delta := now - before
		if delta < f.threshold {
			continue
		}
		if !f.filter.InScope(acc.LastNodeID, acc.AccountID) {
			f.log.Debug("violation out of node scope", "account", acc.AccountID, "node", acc.LastNodeID)
			continue
		}
		violations = append(violations, Violation{
			AccountID:   acc.AccountID,
			ExternalRef: acc.ExternalID,
			DisplayName: acc.Username,
			AmountGB:    bytesToGB(delta),
			ThresholdGB: f.thresholdGB,
			NodeID:      acc.LastNodeID,
			NodeName:    f.nodes.name(acc.LastNodeID),
			CheckType:   CheckFast,
		})
	}
	return violations
}

// carryForward дописывает в current прошлые значения аккаунтов, которых
// нет в неполной выгрузке: их прирост посчитается в следующем проходе.
func carryForward(current, previous Snapshot) int {
	carried := 0
	for id, used := range previous {
		if _, ok := current[id]; !ok {
			current[id] = used
			carried++
		}
	}
	return carried
}

// buildSnapshot строит снимок и порядок аккаунтов без повторов.
// При повторе id побеждает последняя строка выгрузки.
func buildSnapshot(accounts []AccountUsage) (Snapshot, []AccountUsage) {
	snap := make(Snapshot, len(accounts))
	index := make(map[string]int, len(accounts))
	order := make([]AccountUsage, 0, len(accounts))
	for _, acc := range accounts {
		if i, dup := index[acc.AccountID]; dup {
			order[i] = acc
		} else {
			index[acc.AccountID] = len(order)
			order = append(order, acc)
		}
		snap[acc.AccountID] = acc.UsedBytes
	}
	return snap, order
}
