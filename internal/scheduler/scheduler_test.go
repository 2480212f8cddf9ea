package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/trackimmo/backend/internal/domain"
)

type fakeSubmitter struct {
	submitted []string
	failFor   map[string]bool
	drained   int
}

func (f *fakeSubmitter) Submit(_ context.Context, clientID string) (string, error) {
	if f.failFor[clientID] {
		return "", errors.New("submit failed")
	}
	f.submitted = append(f.submitted, clientID)
	return "job-" + clientID, nil
}

func (f *fakeSubmitter) DrainRetryQueue(_ context.Context) (int, int, error) {
	f.drained++
	return 0, 0, nil
}

type fakeClientLister struct {
	byDay    map[int][]domain.Client
	listings [][]int
}

func (f *fakeClientLister) ListBySendDays(_ context.Context, days []int) ([]domain.Client, error) {
	f.listings = append(f.listings, days)
	var out []domain.Client
	for _, d := range days {
		out = append(out, f.byDay[d]...)
	}
	return out, nil
}

type fakeEveNotifier struct{ notified []string }

func (f *fakeEveNotifier) SendNotificationEve(c *domain.Client) error {
	f.notified = append(f.notified, c.ID)
	return nil
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 0, 0, 0, time.UTC)
}

func TestSendDaysFor(t *testing.T) {
	tests := []struct {
		date time.Time
		want []int
	}{
		{date(2023, time.February, 27), []int{27}},
		{date(2023, time.February, 28), []int{28, 29, 30, 31}},
		{date(2024, time.February, 28), []int{28}}, // leap year, not the last day
		{date(2024, time.February, 29), []int{29, 30, 31}},
		{date(2024, time.April, 30), []int{30, 31}},
		{date(2024, time.July, 31), []int{31}},
		{date(2024, time.July, 15), []int{15}},
	}
	for _, tt := range tests {
		if got := SendDaysFor(tt.date); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("SendDaysFor(%s) = %v, want %v", tt.date.Format("2006-01-02"), got, tt.want)
		}
	}
}

func TestRunDailyUpdates(t *testing.T) {
	submitter := &fakeSubmitter{failFor: map[string]bool{"c2": true}}
	lister := &fakeClientLister{byDay: map[int][]domain.Client{
		15: {{ID: "c1"}, {ID: "c2"}},
		16: {{ID: "c3"}},
	}}
	notifier := &fakeEveNotifier{}

	s := New(submitter, lister, notifier)
	s.now = func() time.Time { return date(2024, time.July, 15) }

	if err := s.RunDailyUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}

	// c1 submitted, c2's failure logged but not fatal.
	if !reflect.DeepEqual(submitter.submitted, []string{"c1"}) {
		t.Errorf("submitted = %v, want [c1]", submitter.submitted)
	}
	if submitter.drained != 1 {
		t.Errorf("retry queue drained %d times, want 1", submitter.drained)
	}
	// c3 sends on the 16th and is warned today.
	if !reflect.DeepEqual(notifier.notified, []string{"c3"}) {
		t.Errorf("eve notifications = %v, want [c3]", notifier.notified)
	}

	stats := s.Stats()
	if stats["cycles_run"] != 1 || stats["jobs_created"] != 1 || stats["jobs_failed"] != 1 || stats["eves_notified"] != 1 {
		t.Errorf("stats = %v", stats)
	}
}

func TestRunDailyUpdatesMonthEndCatchUp(t *testing.T) {
	submitter := &fakeSubmitter{}
	lister := &fakeClientLister{byDay: map[int][]domain.Client{
		28: {{ID: "c28"}},
		30: {{ID: "c30"}},
		31: {{ID: "c31"}},
	}}
	s := New(submitter, lister, &fakeEveNotifier{})
	s.now = func() time.Time { return date(2023, time.February, 28) }

	if err := s.RunDailyUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(submitter.submitted, []string{"c28", "c30", "c31"}) {
		t.Errorf("submitted = %v, want the 28th plus the missing days", submitter.submitted)
	}

	// The submit listing used the catch-up day set.
	if len(lister.listings) == 0 || !reflect.DeepEqual(lister.listings[0], []int{28, 29, 30, 31}) {
		t.Errorf("listed days = %v", lister.listings)
	}
}

func TestEveNotificationUsesTomorrowsDays(t *testing.T) {
	lister := &fakeClientLister{byDay: map[int][]domain.Client{
		31: {{ID: "c31"}},
	}}
	notifier := &fakeEveNotifier{}
	s := New(&fakeSubmitter{}, lister, notifier)

	// July 30: tomorrow is the 31st, a plain day.
	s.now = func() time.Time { return date(2024, time.July, 30) }
	if err := s.RunDailyUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(notifier.notified, []string{"c31"}) {
		t.Errorf("eve notifications = %v, want [c31]", notifier.notified)
	}

	// August 30: tomorrow is the month's last day, so the catch-up rule
	// applies to the eve listing too.
	notifier.notified = nil
	s.now = func() time.Time { return date(2024, time.August, 30) }
	if err := s.RunDailyUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(notifier.notified, []string{"c31"}) {
		t.Errorf("eve notifications = %v, want [c31]", notifier.notified)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(&fakeSubmitter{}, &fakeClientLister{}, &fakeEveNotifier{})
	s.Start()
	s.Start() // second start is a no-op
	s.Stop()
	s.Stop() // second stop is a no-op
}
