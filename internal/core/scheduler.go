package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Job описывает задачу планировщика.
type Job func(ctx context.Context) error

// Schedule вычисляет момент следующего запуска.
type Schedule interface {
	Next(now time.Time) time.Time
}

type every time.Duration

func (e every) Next(now time.Time) time.Time { return now.Add(time.Duration(e)) }

// Every запускает задачу через фиксированный интервал после окончания
// предыдущего запуска.
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Minute
	}
	return every(d)
}

type dailyAt struct {
	hour, minute int
	loc          *time.Location
}

// DailyAt запускает задачу раз в сутки в заданное локальное время.
func DailyAt(hour, minute int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.Local
	}
	return dailyAt{hour: hour, minute: minute, loc: loc}
}

func (d dailyAt) Next(now time.Time) time.Time {
	local := now.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, d.minute, 0, 0, d.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, d.minute, 0, 0, d.loc)
	}
	return next
}

type loop struct {
	name     string
	schedule Schedule
	job      Job
}

// Scheduler крутит независимые циклы, по одному на задачу.
type Scheduler struct {
	clock quartz.Clock
	log   *slog.Logger
	loops []loop
	wg    sync.WaitGroup
}

// NewScheduler создает scheduler; nil-аргументы заменяются реальными часами
// и slog.Default.
func NewScheduler(clock quartz.Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{clock: clock, log: log}
}

// Add регистрирует цикл; вызывать до Start.
func (s *Scheduler) Add(name string, schedule Schedule, job Job) {
	s.loops = append(s.loops, loop{name: name, schedule: schedule, job: job})
}

// Start блокируется до отмены контекста. Отмена прерывает ожидание,
// но уже начатая задача доводится до конца.
func (s *Scheduler) Start(ctx context.Context) {
	for _, l := range s.loops {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, l)
		}()
	}
	<-ctx.Done()
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, l loop) {
	for {
		now := s.clock.Now()
		next := l.schedule.Next(now)
		s.log.Debug("next run scheduled", "loop", l.name, "at", next, "in", next.Sub(now).Round(time.Second))

		timer := s.clock.NewTimer(next.Sub(now), "scheduler", l.name)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := s.clock.Now()
		if err := l.job(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("scheduled job failed", "loop", l.name, "err", err)
		} else {
			s.log.Debug("scheduled job finished", "loop", l.name, "elapsed", s.clock.Since(start))
		}
		if ctx.Err() != nil {
			return
		}
	}
}
