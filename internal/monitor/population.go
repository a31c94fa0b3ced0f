package monitor

import (
	"context"
	"errors"
	"log/slog"
)

const (
	// DefaultBatchSize - размер страницы выгрузки аккаунтов.
	DefaultBatchSize = 500

	maxConsecutivePageFailures = 3
)

var errNoAccountsListed = errors.New("account listing failed before any account was returned")

// fetchAll выгружает аккаунты последовательно, страница за страницей.
// Неудачная страница пропускается; после maxConsecutivePageFailures
// подряд выгрузка останавливается. complete == false, если хотя бы одна
// страница потеряна. Неполная выгрузка без единой строки возвращается
// как ошибка KindFetch, а не как пустая популяция.
func fetchAll(ctx context.Context, src UsageSource, batchSize int, log *slog.Logger) (accounts []AccountUsage, complete bool, err error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var (
		out      []AccountUsage
		failed   int
		failures int
		lastErr  error
	)
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, false, fetchError("list accounts", err)
		}
		page, err := src.ListAccounts(ctx, offset, batchSize)
		if err != nil {
			lastErr = err
			failed++
			failures++
			log.Error("account page fetch failed, skipping", "offset", offset, "size", batchSize,
				"err", fetchError("list accounts", err))
			if failures >= maxConsecutivePageFailures {
				log.Warn("account listing stopped after consecutive failures", "failures", failures, "offset", offset)
				break
			}
			continue
		}
		failures = 0
		for _, acc := range page {
			if acc.AccountID == "" {
				continue
			}
			out = append(out, acc)
		}
		if len(page) < batchSize {
			break
		}
	}

	if failed > 0 && len(out) == 0 {
		return nil, false, fetchError("list accounts", errors.Join(errNoAccountsListed, lastErr))
	}
	return out, failed == 0, nil
}
