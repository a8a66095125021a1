// Package tasks owns the FIFO pending queue and the bounded task history
// state machine. Work submitted from a page survives page reloads and
// server restarts: records are written through to the store and reloaded
// on startup, keyed by the submitting client's (possibly historical) id.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devpilot/devpilot/internal/bus"
)

// DefaultHistoryCap bounds the history; oldest records are silently
// evicted past it, regardless of status.
const DefaultHistoryCap = 1000

// Intent classifies what the page wants done with the target element.
type Intent string

const (
	IntentAnalyze Intent = "analyze"
	IntentModify  Intent = "modify"
	IntentTest    Intent = "test"
	IntentStyle   Intent = "style"
	IntentAsk     Intent = "ask"
)

// ParseIntent validates an intent string from the wire.
func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentAnalyze, IntentModify, IntentTest, IntentStyle, IntentAsk:
		return Intent(s), nil
	default:
		return "", fmt.Errorf("invalid intent %q (want analyze, modify, test, style or ask)", s)
	}
}

// Status is the history state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ParseStatus validates a status string from a query filter.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("invalid status %q (want pending, in_progress, completed or failed)", s)
	}
}

// Transitions are monotonic; nothing leaves a terminal state.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusInProgress: {},
		StatusCompleted:  {},
		StatusFailed:     {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
	},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Task is one unit of work submitted from a page.
type Task struct {
	ID             string    `json:"id"`
	SourceClientID string    `json:"sourceClientId"`
	Intent         Intent    `json:"intent"`
	TargetElement  string    `json:"targetElement"`
	Note           string    `json:"note,omitempty"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// HistoryRecord is a task plus its lifecycle outcome.
type HistoryRecord struct {
	Task
	Status      Status     `json:"status"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CompletedBy string     `json:"completedByClientId,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Submission carries the page-supplied fields of a new task.
type Submission struct {
	Intent        string `json:"intent"`
	TargetElement string `json:"targetElement"`
	Note          string `json:"note,omitempty"`
}

// StoredTask is one persisted row: the record plus whether it still sits
// in the live queue.
type StoredTask struct {
	Record HistoryRecord
	Queued bool
}

// Store is the durability collaborator. All writes are best-effort from
// the queue's perspective: failures are logged, never surfaced to the
// submitter.
type Store interface {
	UpsertTask(ctx context.Context, rec HistoryRecord, queued bool) error
	DeleteTask(ctx context.Context, id string) error
	LoadTasks(ctx context.Context) ([]StoredTask, error)
}

// MethodQueueDepth is the page-side RPC notified on every depth change.
const MethodQueueDepth = "devpilot:queue.depth"

// Broadcaster fans a notification out to every connected page.
// Implemented by the transport server.
type Broadcaster interface {
	Broadcast(method string, args ...any)
}

// AnnounceDepth relays queue-depth bus events to connected pages until the
// subscription closes. Run it in its own goroutine.
func AnnounceDepth(sub *bus.Subscription, b Broadcaster) {
	for ev := range sub.Ch() {
		if depth, ok := ev.Payload.(bus.QueueDepthEvent); ok {
			b.Broadcast(MethodQueueDepth, depth.Depth)
		}
	}
}

// QueryFilter narrows history queries.
type QueryFilter struct {
	ClientID string
	Status   Status
	Limit    int
}

// Config collects the queue's dependencies. Store and Bus may each be nil.
type Config struct {
	HistoryCap int
	Store      Store
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// Queue holds the live FIFO queue and the bounded history behind one
// mutex; they are independent collections sharing record identity.
type Queue struct {
	mu      sync.Mutex
	pending []Task
	history []*HistoryRecord
	byID    map[string]*HistoryRecord

	cap    int
	store  Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Queue {
	capacity := cfg.HistoryCap
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		byID:   make(map[string]*HistoryRecord),
		cap:    capacity,
		store:  cfg.Store,
		bus:    cfg.Bus,
		logger: logger,
		now:    time.Now,
	}
}

// Load rebuilds queue and history from the store. Call once at startup
// before serving traffic.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	rows, err := q.store.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, row := range rows {
		rec := row.Record
		q.history = append(q.history, &rec)
		q.byID[rec.ID] = &rec
		if row.Queued {
			q.pending = append(q.pending, rec.Task)
		}
	}
	return nil
}

// Enqueue appends a new task to the live queue and history, persists it,
// and broadcasts the new depth to every connected page.
func (q *Queue) Enqueue(ctx context.Context, sourceClientID string, sub Submission) (Task, error) {
	intent, err := ParseIntent(sub.Intent)
	if err != nil {
		return Task{}, err
	}
	if sub.TargetElement == "" {
		return Task{}, fmt.Errorf("targetElement must not be empty")
	}

	task := Task{
		ID:             uuid.NewString(),
		SourceClientID: sourceClientID,
		Intent:         intent,
		TargetElement:  sub.TargetElement,
		Note:           sub.Note,
		SubmittedAt:    q.now(),
	}
	rec := &HistoryRecord{Task: task, Status: StatusPending}

	q.mu.Lock()
	q.pending = append(q.pending, task)
	q.history = append(q.history, rec)
	q.byID[task.ID] = rec
	q.evictLocked(ctx)
	depth := len(q.pending)
	q.mu.Unlock()

	q.persist(ctx, *rec, true)
	q.announceDepth(depth)
	return task, nil
}

// DequeueAll returns a snapshot of the live queue in submission order.
// With clear set it empties the queue and re-broadcasts the zero depth;
// history records are untouched and stay pending until marked.
func (q *Queue) DequeueAll(ctx context.Context, clear bool) []Task {
	q.mu.Lock()
	snapshot := make([]Task, len(q.pending))
	copy(snapshot, q.pending)
	if clear {
		q.pending = q.pending[:0]
	}
	q.mu.Unlock()

	if clear {
		for _, t := range snapshot {
			if rec, ok := q.get(t.ID); ok {
				q.persist(ctx, rec, false)
				continue
			}
			// Record already evicted from history: with the queue cleared
			// too, nothing references the task anymore, so the store row
			// goes away instead of resurrecting on restart.
			if q.store != nil {
				if err := q.store.DeleteTask(ctx, t.ID); err != nil {
					q.logger.Warn("tasks: dequeue persist failed", "task_id", t.ID, "error", err)
				}
			}
		}
		q.announceDepth(0)
	}
	return snapshot
}

// MarkInProgress transitions a pending task. Any other state is a no-op.
func (q *Queue) MarkInProgress(ctx context.Context, taskID string) bool {
	return q.transition(ctx, taskID, StatusInProgress, "", "", "")
}

// MarkCompleted finishes a task from any non-terminal state.
func (q *Queue) MarkCompleted(ctx context.Context, taskID, byClientID, result string) bool {
	return q.transition(ctx, taskID, StatusCompleted, byClientID, result, "")
}

// MarkFailed fails a task from any non-terminal state.
func (q *Queue) MarkFailed(ctx context.Context, taskID, byClientID, errMsg string) bool {
	return q.transition(ctx, taskID, StatusFailed, byClientID, "", errMsg)
}

func (q *Queue) transition(ctx context.Context, taskID string, to Status, byClientID, result, errMsg string) bool {
	q.mu.Lock()
	rec, ok := q.byID[taskID]
	if !ok || !canTransition(rec.Status, to) {
		q.mu.Unlock()
		return false
	}
	from := rec.Status
	rec.Status = to
	if to.Terminal() {
		now := q.now()
		rec.CompletedAt = &now
		rec.CompletedBy = byClientID
		rec.Result = result
		rec.Error = errMsg
	}
	snapshot := *rec
	stillQueued := q.queuedLocked(taskID)
	q.mu.Unlock()

	q.persist(ctx, snapshot, stillQueued)
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
			TaskID:    taskID,
			OldStatus: string(from),
			NewStatus: string(to),
		})
	}
	return true
}

// Query filters history and returns at most the most recent limit
// matching records, newest first.
func (q *Queue) Query(filter QueryFilter) []HistoryRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]HistoryRecord, 0)
	for i := len(q.history) - 1; i >= 0; i-- {
		rec := q.history[i]
		if filter.ClientID != "" && rec.SourceClientID != filter.ClientID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, *rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// CountByStatus groups the history by status for quick triage.
func (q *Queue) CountByStatus() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Status]int)
	for _, rec := range q.history {
		counts[rec.Status]++
	}
	return counts
}

// Depth returns the current live queue length.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// HistoryLen returns the number of retained history records.
func (q *Queue) HistoryLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.history)
}

func (q *Queue) get(id string) (HistoryRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.byID[id]
	if !ok {
		return HistoryRecord{}, false
	}
	return *rec, true
}

func (q *Queue) queuedLocked(id string) bool {
	for _, t := range q.pending {
		if t.ID == id {
			return true
		}
	}
	return false
}

// evictLocked drops oldest history records past the cap, independent of
// status. The live queue is never touched; store rows for still-queued
// tasks are kept so restarts reconstruct the queue intact.
func (q *Queue) evictLocked(ctx context.Context) {
	for len(q.history) > q.cap {
		oldest := q.history[0]
		q.history = q.history[1:]
		delete(q.byID, oldest.ID)
		if q.store != nil && !q.queuedLocked(oldest.ID) {
			if err := q.store.DeleteTask(ctx, oldest.ID); err != nil {
				q.logger.Warn("tasks: evict persist failed", "task_id", oldest.ID, "error", err)
			}
		}
	}
}

func (q *Queue) persist(ctx context.Context, rec HistoryRecord, queued bool) {
	if q.store == nil {
		return
	}
	if err := q.store.UpsertTask(ctx, rec, queued); err != nil {
		q.logger.Warn("tasks: persist failed", "task_id", rec.ID, "error", err)
	}
}

func (q *Queue) announceDepth(depth int) {
	if q.bus != nil {
		q.bus.Publish(bus.TopicQueueDepthChanged, bus.QueueDepthEvent{Depth: depth})
	}
}
