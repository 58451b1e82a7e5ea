package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ccom-scheduler/internal/ccom"
	"github.com/example/ccom-scheduler/internal/store"
	"github.com/example/ccom-scheduler/internal/timeslot"
)

// Store is the durable state the coordinator reads and writes. *store.Store
// satisfies it; tests use fakes. Implementations must be safe for concurrent
// use: each call runs on whichever worker goroutine needs it and acquires its
// own connection.
type Store interface {
	UserByID(ctx context.Context, id int64) (store.User, error)
	RoomByID(ctx context.Context, id int64) (store.Room, error)
	UpdateUserToken(ctx context.Context, userID int64, token string) error

	RecurringForWeekday(ctx context.Context, dayOfWeek int) ([]store.RecurringIntent, error)
	OneTimePendingFor(ctx context.Context, date time.Time) ([]store.OneTimeIntent, error)
	SetOneTimeStatus(ctx context.Context, id int64, status string) error
	UsersWithIntentsFor(ctx context.Context, date time.Time) ([]store.User, error)

	CountSuccessful(ctx context.Context, userID int64, date time.Time) (int, error)
	InsertHistory(ctx context.Context, rec store.HistoryRecord) error
}

// Notifier delivers the outcome of one history record to its user. Failures
// are logged and never affect the reservation outcome.
type Notifier interface {
	Notify(ctx context.Context, user store.User, room store.Room, rec store.HistoryRecord) error
}

// Counters aggregate one run. Skipped intents are counted here and nowhere
// else: they produce no history record.
type Counters struct {
	Processed  int
	Successful int
	Failed     int
	Skipped    int
}

// RunSummary is what operators see for one execute run.
type RunSummary struct {
	RunID      string
	TargetDate time.Time
	Counters   Counters
	Errors     []string
	StartedAt  time.Time
	FinishedAt time.Time
	Notified   int
}

// PreLoginSummary reports the token-refresh phase.
type PreLoginSummary struct {
	RunID      string
	TotalUsers int
	Successful int
	Failed     int
	Errors     []string
}

// Coordinator fans independent reservation intents out across a bounded
// worker pool. Workers are isolated: any per-intent failure, panics included,
// becomes a failed history record and an error note, never a crashed run.
type Coordinator struct {
	Store      Store
	Notifier   Notifier
	Logger     *slog.Logger
	NewGateway func(creds ccom.Credentials) Gateway
	// Unseal opens the at-rest encrypted upstream password.
	Unseal func(sealed string) (string, error)

	Location     *time.Location
	Workers      int
	MaxDaily     int
	SegmentHours int
	MaxAttempts  int
	RetryDelay   time.Duration
	// NotifyDuplicateRace forwards pushes for intents that failed purely via
	// duplicate-request exhaustion. Off by default: that pattern commonly
	// means the user's own racing request already booked the slot.
	NotifyDuplicateRace bool

	mu      sync.Mutex
	lastRun *RunSummary
}

// DefaultWorkers sizes the pool for an I/O-bound workload.
func DefaultWorkers() int {
	n := runtime.NumCPU() + 1
	if n > 16 {
		n = 16
	}
	return n
}

// LastRun returns the most recent execute summary, for the ops surface.
func (c *Coordinator) LastRun() (RunSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastRun == nil {
		return RunSummary{}, false
	}
	return *c.lastRun, true
}

// intentTask is the unit of work a pool worker picks up.
type intentTask struct {
	sourceType     string
	sourceID       int64
	userID         int64
	roomID         int64
	startTime      string
	endTime        string
	isCancellation bool
}

// notification is queued by workers and delivered sequentially after the run.
type notification struct {
	user     store.User
	room     store.Room
	rec      store.HistoryRecord
	suppress bool
}

// PreLogin refreshes tokens for every user holding an intent that targets
// date, ahead of the race window.
func (c *Coordinator) PreLogin(ctx context.Context, date time.Time) PreLoginSummary {
	sum := PreLoginSummary{RunID: uuid.NewString()}
	log := c.logger().With("run_id", sum.RunID, "phase", "prelogin")

	users, err := c.Store.UsersWithIntentsFor(ctx, date)
	if err != nil {
		sum.Errors = append(sum.Errors, fmt.Sprintf("load users: %v", err))
		log.Error("loading users failed", "error", err)
		return sum
	}
	sum.TotalUsers = len(users)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.workers())
	for _, u := range users {
		u := u
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			err := c.refreshToken(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("pre-login %s: %v", u.Username, err))
				log.Warn("pre-login failed", "user", u.Username, "error", err)
				return
			}
			sum.Successful++
		}()
	}
	wg.Wait()

	log.Info("pre-login completed", "users", sum.TotalUsers, "successful", sum.Successful, "failed", sum.Failed)
	return sum
}

func (c *Coordinator) refreshToken(ctx context.Context, u store.User) error {
	gw, err := c.gatewayFor(u)
	if err != nil {
		return err
	}
	if _, err := gw.SoftLogin(ctx); err != nil {
		return err
	}
	if gw.Token() != u.CCOMToken {
		return c.Store.UpdateUserToken(ctx, u.ID, gw.Token())
	}
	return nil
}

// Execute processes every intent targeting date: recurring intents matching
// its day of week plus pending one-time intents. It writes exactly one
// history record per processed intent, then notifies per record.
func (c *Coordinator) Execute(ctx context.Context, date time.Time) RunSummary {
	sum := RunSummary{
		RunID:      uuid.NewString(),
		TargetDate: date,
		StartedAt:  time.Now(),
	}
	log := c.logger().With("run_id", sum.RunID, "phase", "execute", "date", date.Format("2006-01-02"))

	tasks, loadErrs := c.loadTasks(ctx, date)
	sum.Errors = append(sum.Errors, loadErrs...)

	var mu sync.Mutex
	var wg sync.WaitGroup
	var queued []notification
	sem := make(chan struct{}, c.workers())
	for _, task := range tasks {
		task := task
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out := c.runIntent(ctx, log, date, task)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.skipped:
				sum.Counters.Skipped++
			case out.succeeded:
				sum.Counters.Processed++
				sum.Counters.Successful++
			default:
				sum.Counters.Processed++
				sum.Counters.Failed++
			}
			sum.Errors = append(sum.Errors, out.errs...)
			if out.notify != nil {
				queued = append(queued, *out.notify)
			}
		}()
	}
	wg.Wait()
	sum.FinishedAt = time.Now()

	// Notifications run synchronously per record so one user's push failure
	// cannot affect another's, and never the bookings themselves.
	for _, n := range queued {
		if n.suppress && !c.NotifyDuplicateRace {
			log.Debug("suppressing duplicate-race notification", "user", n.user.Username)
			continue
		}
		if c.Notifier == nil {
			continue
		}
		if err := c.Notifier.Notify(ctx, n.user, n.room, n.rec); err != nil {
			log.Warn("notification failed", "user", n.user.Username, "error", err)
			continue
		}
		sum.Notified++
	}

	log.Info("execute completed",
		"processed", sum.Counters.Processed,
		"successful", sum.Counters.Successful,
		"failed", sum.Counters.Failed,
		"skipped", sum.Counters.Skipped,
		"notified", sum.Notified,
	)

	c.mu.Lock()
	c.lastRun = &sum
	c.mu.Unlock()
	return sum
}

func (c *Coordinator) loadTasks(ctx context.Context, date time.Time) ([]intentTask, []string) {
	var tasks []intentTask
	var errs []string

	recurring, err := c.Store.RecurringForWeekday(ctx, store.DayOfWeek(date))
	if err != nil {
		errs = append(errs, fmt.Sprintf("load recurring intents: %v", err))
	}
	for _, r := range recurring {
		tasks = append(tasks, intentTask{
			sourceType: store.SourceRecurring,
			sourceID:   r.ID,
			userID:     r.UserID,
			roomID:     r.RoomID,
			startTime:  r.StartTime,
			endTime:    r.EndTime,
		})
	}

	oneTime, err := c.Store.OneTimePendingFor(ctx, date)
	if err != nil {
		errs = append(errs, fmt.Sprintf("load one-time intents: %v", err))
	}
	for _, o := range oneTime {
		tasks = append(tasks, intentTask{
			sourceType:     store.SourceOneTime,
			sourceID:       o.ID,
			userID:         o.UserID,
			roomID:         o.RoomID,
			startTime:      o.StartTime,
			endTime:        o.EndTime,
			isCancellation: o.IsCancellation,
		})
	}
	return tasks, errs
}

type intentOutcome struct {
	skipped   bool
	succeeded bool
	errs      []string
	notify    *notification
}

// runIntent is the worker body. Every failure path, panics included, is
// converted into an outcome here; nothing propagates to the pool.
func (c *Coordinator) runIntent(ctx context.Context, log *slog.Logger, date time.Time, task intentTask) (out intentOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = intentOutcome{errs: []string{fmt.Sprintf("%s intent %d: panic: %v", task.sourceType, task.sourceID, r)}}
			log.Error("worker panic", "source", task.sourceType, "intent", task.sourceID, "panic", r)
		}
	}()

	fail := func(format string, args ...any) intentOutcome {
		return c.failIntent(ctx, log, date, task, fmt.Sprintf(format, args...))
	}

	count, err := c.Store.CountSuccessful(ctx, task.userID, date)
	if err != nil {
		return fail("count reservations: %v", err)
	}
	if !task.isCancellation && count >= c.maxDaily() {
		log.Info("skipping intent at daily cap", "source", task.sourceType, "intent", task.sourceID, "user_id", task.userID)
		return intentOutcome{skipped: true}
	}

	user, err := c.Store.UserByID(ctx, task.userID)
	if err != nil {
		return fail("user %d: %v", task.userID, err)
	}
	room, err := c.Store.RoomByID(ctx, task.roomID)
	if err != nil {
		return fail("room %d: %v", task.roomID, err)
	}

	gw, err := c.gatewayFor(user)
	if err != nil {
		return fail("credentials for %s: %v", user.Username, err)
	}
	if _, err := gw.SoftLogin(ctx); err != nil {
		return fail("login for %s: %v", user.Username, err)
	}
	if gw.Token() != user.CCOMToken {
		// Benign last-write-wins race if the same user ever runs concurrently.
		if err := c.Store.UpdateUserToken(ctx, user.ID, gw.Token()); err != nil {
			out.errs = append(out.errs, fmt.Sprintf("persist token for %s: %v", user.Username, err))
		}
	}

	var result IntentResult
	if task.isCancellation {
		result = c.cancelIntent(ctx, gw, room, date)
	} else {
		segments, err := timeslot.Split(date, task.startTime, task.endTime, c.segmentHours(), c.location())
		if err != nil {
			return fail("split window %s-%s: %v", task.startTime, task.endTime, err)
		}
		att := &Attempter{Gateway: gw, MaxAttempts: c.MaxAttempts, RetryDelay: c.RetryDelay, Logger: c.Logger}
		result = att.Attempt(ctx, room.CCOMID, segments)
	}

	status := store.StatusFailed
	if result.Succeeded {
		status = store.StatusSuccessful
	}
	rec := store.HistoryRecord{
		UserID:     task.userID,
		RoomID:     task.roomID,
		Date:       date,
		StartTime:  task.startTime,
		EndTime:    task.endTime,
		Status:     status,
		Message:    result.Message,
		SourceType: task.sourceType,
		SourceID:   task.sourceID,
	}
	if err := c.writeHistory(ctx, rec); err != nil {
		out.errs = append(out.errs, fmt.Sprintf("%s intent %d: write history: %v", task.sourceType, task.sourceID, err))
	}
	if task.sourceType == store.SourceOneTime {
		if err := c.Store.SetOneTimeStatus(ctx, task.sourceID, status); err != nil {
			out.errs = append(out.errs, fmt.Sprintf("one_time intent %d: update status: %v", task.sourceID, err))
		}
	}

	out.succeeded = result.Succeeded
	out.notify = &notification{user: user, room: room, rec: rec, suppress: result.DuplicateRaceOnly}
	return out
}

// failIntent records a per-intent error (missing user, login failure, ...)
// as a failed history record plus an aggregated error note.
func (c *Coordinator) failIntent(ctx context.Context, log *slog.Logger, date time.Time, task intentTask, msg string) intentOutcome {
	log.Warn("intent failed", "source", task.sourceType, "intent", task.sourceID, "reason", msg)

	out := intentOutcome{errs: []string{fmt.Sprintf("%s intent %d: %s", task.sourceType, task.sourceID, msg)}}
	rec := store.HistoryRecord{
		UserID:     task.userID,
		RoomID:     task.roomID,
		Date:       date,
		StartTime:  task.startTime,
		EndTime:    task.endTime,
		Status:     store.StatusFailed,
		Message:    msg,
		SourceType: task.sourceType,
		SourceID:   task.sourceID,
	}
	if err := c.writeHistory(ctx, rec); err != nil {
		out.errs = append(out.errs, fmt.Sprintf("%s intent %d: write history: %v", task.sourceType, task.sourceID, err))
	}
	if task.sourceType == store.SourceOneTime {
		if err := c.Store.SetOneTimeStatus(ctx, task.sourceID, store.StatusFailed); err != nil {
			out.errs = append(out.errs, fmt.Sprintf("one_time intent %d: update status: %v", task.sourceID, err))
		}
	}

	user, uerr := c.Store.UserByID(ctx, task.userID)
	room, rerr := c.Store.RoomByID(ctx, task.roomID)
	if uerr == nil && rerr == nil {
		out.notify = &notification{user: user, room: room, rec: rec}
	}
	return out
}

// cancelIntent resolves the matching upstream order for the room and date,
// then cancels it.
func (c *Coordinator) cancelIntent(ctx context.Context, gw Gateway, room store.Room, date time.Time) IntentResult {
	orders, err := gw.ListOrders(ctx)
	if err != nil {
		return IntentResult{Message: fmt.Sprintf("list orders: %v", err)}
	}

	var orderID int64
	for _, o := range orders {
		day := time.UnixMilli(o.StartTime).In(c.location())
		if o.DeviceID() == room.CCOMID &&
			day.Year() == date.Year() && day.YearDay() == date.YearDay() {
			orderID = o.ID
			break
		}
	}
	if orderID == 0 {
		return IntentResult{Message: "no matching reservation found to cancel"}
	}

	res, err := gw.CancelOrder(ctx, orderID)
	if err != nil {
		return IntentResult{Message: fmt.Sprintf("cancel order %d: %v", orderID, err)}
	}
	if !res.OK() {
		return IntentResult{Message: res.Message}
	}
	return IntentResult{Succeeded: true, Message: "Reservation cancelled"}
}

// writeHistory inserts the record, retrying once; pool-backed stores hand the
// retry a fresh connection.
func (c *Coordinator) writeHistory(ctx context.Context, rec store.HistoryRecord) error {
	if err := c.Store.InsertHistory(ctx, rec); err == nil {
		return nil
	}
	return c.Store.InsertHistory(ctx, rec)
}

func (c *Coordinator) gatewayFor(u store.User) (Gateway, error) {
	password := ""
	if u.CCOMPasswordSealed != "" {
		var err error
		password, err = c.Unseal(u.CCOMPasswordSealed)
		if err != nil {
			return nil, fmt.Errorf("unseal password: %w", err)
		}
	}
	return c.NewGateway(ccom.Credentials{
		Account:  u.Username,
		Password: password,
		Token:    u.CCOMToken,
	}), nil
}

func (c *Coordinator) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return DefaultWorkers()
}

func (c *Coordinator) maxDaily() int {
	if c.MaxDaily > 0 {
		return c.MaxDaily
	}
	return 2
}

func (c *Coordinator) segmentHours() int {
	if c.SegmentHours > 0 {
		return c.SegmentHours
	}
	return 3
}

func (c *Coordinator) location() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.UTC
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
