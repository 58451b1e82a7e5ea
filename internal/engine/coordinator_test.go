package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ccom-scheduler/internal/ccom"
	"github.com/example/ccom-scheduler/internal/store"
)

// fakeStore is an in-memory Store; all methods are safe for concurrent use.
type fakeStore struct {
	mu        sync.Mutex
	users     map[int64]store.User
	rooms     map[int64]store.Room
	recurring []store.RecurringIntent
	oneTime   []store.OneTimeIntent
	history   []store.HistoryRecord
	tokens    map[int64]string
	statuses  map[int64]string

	successfulCount map[int64]int
	historyFailures int // fail this many InsertHistory calls before succeeding
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:           map[int64]store.User{},
		rooms:           map[int64]store.Room{},
		tokens:          map[int64]string{},
		statuses:        map[int64]string{},
		successfulCount: map[int64]int{},
	}
}

func (f *fakeStore) UserByID(ctx context.Context, id int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, errors.New("not found")
	}
	return u, nil
}

func (f *fakeStore) RoomByID(ctx context.Context, id int64) (store.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[id]
	if !ok {
		return store.Room{}, errors.New("not found")
	}
	return r, nil
}

func (f *fakeStore) UpdateUserToken(ctx context.Context, userID int64, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[userID] = token
	return nil
}

func (f *fakeStore) RecurringForWeekday(ctx context.Context, dayOfWeek int) ([]store.RecurringIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RecurringIntent
	for _, r := range f.recurring {
		if r.DayOfWeek == dayOfWeek && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) OneTimePendingFor(ctx context.Context, date time.Time) ([]store.OneTimeIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OneTimeIntent
	for _, o := range f.oneTime {
		if o.Status == store.StatusPending && o.Date.Equal(date) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) SetOneTimeStatus(ctx context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStore) UsersWithIntentsFor(ctx context.Context, date time.Time) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int64]bool{}
	var out []store.User
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			out = append(out, f.users[id])
		}
	}
	for _, r := range f.recurring {
		if r.IsActive && r.DayOfWeek == store.DayOfWeek(date) {
			add(r.UserID)
		}
	}
	for _, o := range f.oneTime {
		if o.Status == store.StatusPending && o.Date.Equal(date) {
			add(o.UserID)
		}
	}
	return out, nil
}

func (f *fakeStore) CountSuccessful(ctx context.Context, userID int64, date time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.successfulCount[userID], nil
}

func (f *fakeStore) InsertHistory(ctx context.Context, rec store.HistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyFailures > 0 {
		f.historyFailures--
		return errors.New("write failed")
	}
	f.history = append(f.history, rec)
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []store.HistoryRecord
	err  error
}

func (n *recordingNotifier) Notify(ctx context.Context, user store.User, room store.Room, rec store.HistoryRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, rec)
	return nil
}

// tuesday 2025-05-13 (DayOfWeek 1)
var targetDate = time.Date(2025, 5, 13, 0, 0, 0, 0, time.UTC)

func seedUserRoom(f *fakeStore, userID, roomID int64) {
	f.users[userID] = store.User{ID: userID, Username: fmt.Sprintf("u%d", userID), CCOMToken: "tok", IsActive: true}
	f.rooms[roomID] = store.Room{ID: roomID, CCOMID: fmt.Sprintf("14%02d", roomID), Name: fmt.Sprintf("room-%d", roomID)}
}

func newCoordinator(f *fakeStore, n Notifier, gw func(ccom.Credentials) Gateway) *Coordinator {
	return &Coordinator{
		Store:       f,
		Notifier:    n,
		NewGateway:  gw,
		Unseal:      func(s string) (string, error) { return s, nil },
		Workers:     4,
		MaxDaily:    2,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	}
}

func TestExecuteIndependentIntents(t *testing.T) {
	f := newFakeStore()
	const n = 8
	for i := int64(1); i <= n; i++ {
		seedUserRoom(f, i, i)
		f.recurring = append(f.recurring, store.RecurringIntent{
			ID: i, UserID: i, RoomID: i, DayOfWeek: 1,
			StartTime: "1400", EndTime: "1600", IsActive: true,
		})
	}
	notifier := &recordingNotifier{}
	c := newCoordinator(f, notifier, func(ccom.Credentials) Gateway { return &scriptedGateway{token: "tok"} })

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Processed != n || sum.Counters.Successful != n {
		t.Fatalf("counters = %+v", sum.Counters)
	}
	if got := sum.Counters.Successful + sum.Counters.Failed; got != sum.Counters.Processed {
		t.Errorf("successful+failed = %d, want processed = %d", got, sum.Counters.Processed)
	}
	if len(f.history) != n {
		t.Errorf("history rows = %d, want exactly one per intent", len(f.history))
	}
	if len(notifier.sent) != n || sum.Notified != n {
		t.Errorf("notifications = %d (summary %d), want %d", len(notifier.sent), sum.Notified, n)
	}
}

func TestExecuteIsolatesFailures(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	seedUserRoom(f, 2, 2)
	// Intent 3 references a missing user.
	f.rooms[3] = store.Room{ID: 3, CCOMID: "1403"}
	for i := int64(1); i <= 3; i++ {
		f.recurring = append(f.recurring, store.RecurringIntent{
			ID: i, UserID: i, RoomID: i, DayOfWeek: 1,
			StartTime: "1400", EndTime: "1600", IsActive: true,
		})
	}
	c := newCoordinator(f, &recordingNotifier{}, func(creds ccom.Credentials) Gateway {
		if creds.Account == "u2" {
			// user 2's window is terminally rejected
			return &scriptedGateway{script: []ccom.PlaceOrderResult{{Status: 4001, Message: "该琴房未开放"}}, token: "tok"}
		}
		return &scriptedGateway{token: "tok"}
	})

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Successful != 1 || sum.Counters.Failed != 2 {
		t.Fatalf("counters = %+v", sum.Counters)
	}
	if len(sum.Errors) == 0 {
		t.Error("missing-user failure should leave an error note")
	}
	if len(f.history) != 3 {
		t.Errorf("history rows = %d, want 3 (failures are recorded too)", len(f.history))
	}
}

func TestExecuteSkipsAtDailyCap(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	f.successfulCount[1] = 2
	f.recurring = append(f.recurring, store.RecurringIntent{
		ID: 1, UserID: 1, RoomID: 1, DayOfWeek: 1,
		StartTime: "1400", EndTime: "1600", IsActive: true,
	})
	gatewayBuilt := false
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway {
		gatewayBuilt = true
		return &scriptedGateway{}
	})

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Skipped != 1 || sum.Counters.Processed != 0 {
		t.Fatalf("counters = %+v", sum.Counters)
	}
	if gatewayBuilt {
		t.Error("skip rule must not touch the gateway")
	}
	if len(f.history) != 0 {
		t.Error("skipped intents must not produce history rows")
	}
}

func TestExecuteOneTimeUpdatesStatus(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	seedUserRoom(f, 2, 2)
	f.oneTime = []store.OneTimeIntent{
		{ID: 10, UserID: 1, RoomID: 1, Date: targetDate, StartTime: "0900", EndTime: "1000", Status: store.StatusPending},
		{ID: 11, UserID: 2, RoomID: 2, Date: targetDate, StartTime: "0900", EndTime: "1000", Status: store.StatusPending},
	}
	c := newCoordinator(f, &recordingNotifier{}, func(creds ccom.Credentials) Gateway {
		if creds.Account == "u2" {
			return &scriptedGateway{script: []ccom.PlaceOrderResult{{Status: 4001, Message: "超出预约次数限制"}}, token: "tok"}
		}
		return &scriptedGateway{token: "tok"}
	})

	c.Execute(context.Background(), targetDate)

	if f.statuses[10] != store.StatusSuccessful {
		t.Errorf("intent 10 status = %q, want successful", f.statuses[10])
	}
	if f.statuses[11] != store.StatusFailed {
		t.Errorf("intent 11 status = %q, want failed", f.statuses[11])
	}
}

func TestExecuteCancellationIntent(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	start := time.Date(2025, 5, 13, 9, 0, 0, 0, time.UTC).UnixMilli()
	f.oneTime = []store.OneTimeIntent{{
		ID: 10, UserID: 1, RoomID: 1, Date: targetDate,
		StartTime: "0900", EndTime: "1000",
		IsCancellation: true, Status: store.StatusPending,
	}}
	gw := &scriptedGateway{
		orders:   []ccom.Order{{ID: 77, Device: "1401", StartTime: start, EndTime: start + 3600_000}},
		cancelOK: true,
		token:    "tok",
	}
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway { return gw })

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Successful != 1 {
		t.Fatalf("counters = %+v, errors = %v", sum.Counters, sum.Errors)
	}
	if f.statuses[10] != store.StatusSuccessful {
		t.Errorf("status = %q", f.statuses[10])
	}
	if len(f.history) != 1 || f.history[0].Message != "Reservation cancelled" {
		t.Errorf("history = %+v", f.history)
	}
}

func TestExecuteCancellationNoMatchingOrder(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	f.oneTime = []store.OneTimeIntent{{
		ID: 10, UserID: 1, RoomID: 1, Date: targetDate,
		StartTime: "0900", EndTime: "1000",
		IsCancellation: true, Status: store.StatusPending,
	}}
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway {
		return &scriptedGateway{token: "tok"} // no orders listed
	})

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Failed != 1 {
		t.Fatalf("counters = %+v", sum.Counters)
	}
	if len(f.history) != 1 || f.history[0].Message != "no matching reservation found to cancel" {
		t.Errorf("history = %+v", f.history)
	}
}

func TestExecuteHistoryWriteRetriesOnce(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	f.historyFailures = 1
	f.recurring = append(f.recurring, store.RecurringIntent{
		ID: 1, UserID: 1, RoomID: 1, DayOfWeek: 1,
		StartTime: "1400", EndTime: "1600", IsActive: true,
	})
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway { return &scriptedGateway{token: "tok"} })

	sum := c.Execute(context.Background(), targetDate)

	if len(f.history) != 1 {
		t.Fatalf("history rows = %d, want 1 after retry", len(f.history))
	}
	if len(sum.Errors) != 0 {
		t.Errorf("a recovered write should not surface errors: %v", sum.Errors)
	}
}

func TestExecuteHistoryWriteFailureSurfaces(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	f.historyFailures = 2 // both the write and its retry fail
	f.recurring = append(f.recurring, store.RecurringIntent{
		ID: 1, UserID: 1, RoomID: 1, DayOfWeek: 1,
		StartTime: "1400", EndTime: "1600", IsActive: true,
	})
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway { return &scriptedGateway{token: "tok"} })

	sum := c.Execute(context.Background(), targetDate)

	if len(sum.Errors) != 1 {
		t.Fatalf("errors = %v, want the surfaced write error", sum.Errors)
	}
	if sum.Counters.Processed != 1 {
		t.Errorf("counters = %+v, run must survive the write failure", sum.Counters)
	}
}

func TestExecuteTokenPersistedWhenRefreshed(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	f.recurring = append(f.recurring, store.RecurringIntent{
		ID: 1, UserID: 1, RoomID: 1, DayOfWeek: 1,
		StartTime: "1400", EndTime: "1600", IsActive: true,
	})
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway {
		return &scriptedGateway{token: "fresh-tok"}
	})

	c.Execute(context.Background(), targetDate)

	if f.tokens[1] != "fresh-tok" {
		t.Errorf("persisted token = %q, want fresh-tok", f.tokens[1])
	}
}

func TestExecuteSuppressesDuplicateRaceNotification(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	f.recurring = append(f.recurring, store.RecurringIntent{
		ID: 1, UserID: 1, RoomID: 1, DayOfWeek: 1,
		StartTime: "1400", EndTime: "1600", IsActive: true,
	})
	dup := ccom.PlaceOrderResult{Status: 4001, Message: "请勿重复提交"}
	notifier := &recordingNotifier{}
	c := newCoordinator(f, notifier, func(ccom.Credentials) Gateway {
		return &scriptedGateway{script: []ccom.PlaceOrderResult{dup, dup, dup}, token: "tok"}
	})

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Failed != 1 {
		t.Fatalf("counters = %+v", sum.Counters)
	}
	if len(notifier.sent) != 0 {
		t.Errorf("duplicate-race failure must not notify by default, sent %d", len(notifier.sent))
	}
	if len(f.history) != 1 {
		t.Errorf("history must still be written, rows = %d", len(f.history))
	}
}

func TestExecutePanicInWorkerIsContained(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	seedUserRoom(f, 2, 2)
	for i := int64(1); i <= 2; i++ {
		f.recurring = append(f.recurring, store.RecurringIntent{
			ID: i, UserID: i, RoomID: i, DayOfWeek: 1,
			StartTime: "1400", EndTime: "1600", IsActive: true,
		})
	}
	c := newCoordinator(f, &recordingNotifier{}, func(creds ccom.Credentials) Gateway {
		if creds.Account == "u1" {
			panic("gateway construction blew up")
		}
		return &scriptedGateway{token: "tok"}
	})

	sum := c.Execute(context.Background(), targetDate)

	if sum.Counters.Successful != 1 {
		t.Fatalf("sibling worker should complete: %+v", sum.Counters)
	}
	if len(sum.Errors) == 0 {
		t.Error("panic should leave an error note")
	}
}

func TestPreLoginRefreshesDistinctUsers(t *testing.T) {
	f := newFakeStore()
	seedUserRoom(f, 1, 1)
	seedUserRoom(f, 2, 2)
	// user 1 appears in both intent tables; must be refreshed once.
	f.recurring = append(f.recurring, store.RecurringIntent{
		ID: 1, UserID: 1, RoomID: 1, DayOfWeek: 1,
		StartTime: "1400", EndTime: "1600", IsActive: true,
	})
	f.oneTime = []store.OneTimeIntent{
		{ID: 10, UserID: 1, RoomID: 1, Date: targetDate, StartTime: "0900", EndTime: "1000", Status: store.StatusPending},
		{ID: 11, UserID: 2, RoomID: 2, Date: targetDate, StartTime: "0900", EndTime: "1000", Status: store.StatusPending},
	}
	var mu sync.Mutex
	built := 0
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway {
		mu.Lock()
		built++
		mu.Unlock()
		return &scriptedGateway{token: "fresh"}
	})

	sum := c.PreLogin(context.Background(), targetDate)

	if sum.TotalUsers != 2 || sum.Successful != 2 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if built != 2 {
		t.Errorf("built %d gateways, want one per distinct user", built)
	}
	if f.tokens[1] != "fresh" || f.tokens[2] != "fresh" {
		t.Errorf("tokens = %v", f.tokens)
	}
}

func TestLastRun(t *testing.T) {
	f := newFakeStore()
	c := newCoordinator(f, &recordingNotifier{}, func(ccom.Credentials) Gateway { return &scriptedGateway{} })
	if _, ok := c.LastRun(); ok {
		t.Fatal("no run recorded yet")
	}
	sum := c.Execute(context.Background(), targetDate)
	got, ok := c.LastRun()
	if !ok || got.RunID != sum.RunID {
		t.Errorf("LastRun = %+v, %v", got, ok)
	}
}
