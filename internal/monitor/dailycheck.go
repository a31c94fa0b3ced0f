package monitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency - число одновременных запросов суточной статистики.
const DefaultConcurrency = 10

const dailyWindow = 24 * time.Hour

// DailyCheck ищет аккаунты с большим объемом за скользящие 24 часа.
type DailyCheck struct {
	source      UsageSource
	notifier    *Notifier
	filter      FilterConfig
	threshold   uint64
	thresholdGB float64
	batchSize   int
	concurrency int
	nodes       *nodeCache
	clock       quartz.Clock
	log         *slog.Logger
	metrics     *Metrics
}

// Run выполняет один проход. Ошибка по отдельному аккаунту только
// логируется; ошибкой прохода считается лишь полный отказ выгрузки.
func (d *DailyCheck) Run(ctx context.Context) ([]Violation, error) {
	start := d.clock.Now()
	violations, err := d.run(ctx)
	d.metrics.observeCheck(CheckDaily, err, d.clock.Since(start), len(violations))
	return violations, err
}

func (d *DailyCheck) run(ctx context.Context) ([]Violation, error) {
	accounts, complete, err := fetchAll(ctx, d.source, d.batchSize, d.log)
	if err != nil {
		d.log.Error("daily check aborted", "err", err)
		return nil, err
	}
	if !complete {
		d.log.Warn("daily check runs on a partial account listing", "count", len(accounts))
	}
	_, accounts = buildSnapshot(accounts)

	scoped := make([]AccountUsage, 0, len(accounts))
	for _, acc := range accounts {
		if d.filter.InScope(acc.LastNodeID, acc.AccountID) {
			scoped = append(scoped, acc)
		}
	}

	to := d.clock.Now()
	from := to.Add(-dailyWindow)

	// слот на аккаунт сохраняет порядок выгрузки без сортировки
	results := make([]*Violation, len(scoped))
	var failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, acc := range scoped {
		g.Go(func() error {
			used, err := d.source.AggregateUsage(gctx, acc.AccountID, from, to)
			if err != nil {
				failed.Add(1)
				d.log.Error("daily usage query failed", "account", acc.AccountID,
					"err", fetchError("aggregate usage", err))
				return nil
			}
			if used < d.threshold {
				return nil
			}
			results[i] = &Violation{
				AccountID:   acc.AccountID,
				ExternalRef: acc.ExternalID,
				DisplayName: acc.Username,
				AmountGB:    bytesToGB(used),
				ThresholdGB: d.thresholdGB,
				NodeID:      acc.LastNodeID,
				NodeName:    d.nodes.name(acc.LastNodeID),
				CheckType:   CheckDaily,
			}
			return nil
		})
	}
	_ = g.Wait()

	var violations []Violation
	for _, v := range results {
		if v != nil {
			violations = append(violations, *v)
		}
	}
	d.log.Info("daily check finished", "count", len(scoped), "failed", failed.Load(), "violations", len(violations))

	if len(violations) > 0 {
		d.notifier.Notify(ctx, violations)
	}
	return violations, nil
}
