// Package jobs — фоновые задания api по расписанию.
package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/voisinage/internal/logger"
)

const reconcileTimeout = 2 * time.Minute

// Reconciler пересчитывает денормализованные счётчики и lastMessage (chat.Service).
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Scheduler запускает сверку счётчиков непрочитанного по cron-расписанию.
// Следующий запуск пропускается, если предыдущий ещё идёт.
type Scheduler struct {
	cron    *cron.Cron
	target  Reconciler
	running atomic.Bool
}

// NewScheduler разбирает расписание (стандартный cron или @every 15m).
func NewScheduler(schedule string, target Reconciler) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), target: target}
	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("jobs: reconcile schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("jobs: reconcile scheduler started")
}

// Stop останавливает расписание и ждёт завершения текущего запуска.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce выполняет одну сверку. Возвращает false, если предыдущая ещё не закончилась.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		logger.Warnf("jobs: reconcile still running, skipping")
		return false
	}
	defer s.running.Store(false)
	defer logger.DeferLogDuration("jobs.Reconcile", time.Now())()

	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	n, err := s.target.Reconcile(ctx)
	if err != nil {
		logger.Errorf("jobs: reconcile: %v", err)
		return true
	}
	if n > 0 {
		logger.Infof("jobs: reconcile repaired %d record(s)", n)
	}
	return true
}
