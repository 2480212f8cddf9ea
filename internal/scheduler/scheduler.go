// Package scheduler drives the daily processing cycle: it selects clients
// whose send-day matches today (with month-end catch-up), submits their
// jobs, drains the retry queue, and warns tomorrow's clients by email.
package scheduler

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trackimmo/backend/internal/domain"
)

// Submitter is the orchestrator surface the scheduler drives.
type Submitter interface {
	Submit(ctx context.Context, clientID string) (string, error)
	DrainRetryQueue(ctx context.Context) (processed, failed int, err error)
}

// ClientLister selects active clients by send-day.
type ClientLister interface {
	ListBySendDays(ctx context.Context, days []int) ([]domain.Client, error)
}

// EveNotifier sends the eve-of-send email.
type EveNotifier interface {
	SendNotificationEve(client *domain.Client) error
}

// SendDaysFor returns the send-day values served on the given date. On the
// last day of a month, days that the month does not have are caught up: Feb
// 28 serves {28, 29, 30, 31}.
func SendDaysFor(date time.Time) []int {
	day := date.Day()
	days := []int{day}
	if isLastDayOfMonth(date) {
		for d := day + 1; d <= 31; d++ {
			days = append(days, d)
		}
	}
	return days
}

func isLastDayOfMonth(date time.Time) bool {
	return date.AddDate(0, 0, 1).Month() != date.Month()
}

// Scheduler owns the daily cycle.
type Scheduler struct {
	submitter Submitter
	clients   ClientLister
	notifier  EveNotifier

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	cyclesRun    int64
	jobsCreated  int64
	jobsFailed   int64
	evesNotified int64

	now func() time.Time
}

// New creates a scheduler.
func New(submitter Submitter, clients ClientLister, notifier EveNotifier) *Scheduler {
	return &Scheduler{submitter: submitter, clients: clients, notifier: notifier, now: time.Now}
}

// RunDailyUpdates executes one full daily cycle for today's date. It is the
// body behind both the resident worker tick and the one-shot command.
func (s *Scheduler) RunDailyUpdates(ctx context.Context) error {
	today := s.now()

	clients, err := s.clients.ListBySendDays(ctx, SendDaysFor(today))
	if err != nil {
		return err
	}
	log.Printf("[Scheduler] %s: %d client(s) due", today.Format("2006-01-02"), len(clients))

	submitted := 0
	for _, client := range clients {
		jobID, err := s.submitter.Submit(ctx, client.ID)
		if err != nil {
			atomic.AddInt64(&s.jobsFailed, 1)
			log.Printf("[Scheduler] Submit failed for client %s: %v", client.ID, err)
			continue
		}
		submitted++
		atomic.AddInt64(&s.jobsCreated, 1)
		log.Printf("[Scheduler] Client %s -> job %s", client.ID, jobID)
	}

	if _, _, err := s.submitter.DrainRetryQueue(ctx); err != nil {
		log.Printf("[Scheduler] Retry queue drain failed: %v", err)
	}

	s.notifyEve(ctx, today.AddDate(0, 0, 1))

	atomic.AddInt64(&s.cyclesRun, 1)
	log.Printf("[Scheduler] Daily cycle done: %d of %d submitted", submitted, len(clients))
	return nil
}

// Stats returns the counters accumulated since startup.
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"cycles_run":    atomic.LoadInt64(&s.cyclesRun),
		"jobs_created":  atomic.LoadInt64(&s.jobsCreated),
		"jobs_failed":   atomic.LoadInt64(&s.jobsFailed),
		"eves_notified": atomic.LoadInt64(&s.evesNotified),
	}
}

// notifyEve emails every client whose send-day falls on the given date.
func (s *Scheduler) notifyEve(ctx context.Context, sendDate time.Time) {
	clients, err := s.clients.ListBySendDays(ctx, SendDaysFor(sendDate))
	if err != nil {
		log.Printf("[Scheduler] Eve-notification listing failed: %v", err)
		return
	}
	for _, client := range clients {
		if err := s.notifier.SendNotificationEve(&client); err != nil {
			log.Printf("[Scheduler] Eve notification failed for client %s: %v", client.ID, err)
			continue
		}
		atomic.AddInt64(&s.evesNotified, 1)
	}
}

// Start runs the scheduler as a resident worker: an hourly tick that fires
// the daily cycle once per calendar day.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)
	log.Printf("[Scheduler] Started")
}

// Stop halts the worker and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Scheduler] Stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	lastRun := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			today := s.now().Format("2006-01-02")
			if today == lastRun {
				continue
			}
			if err := s.RunDailyUpdates(ctx); err != nil {
				log.Printf("[Scheduler] Daily cycle failed: %v", err)
				continue
			}
			lastRun = today
		}
	}
}
