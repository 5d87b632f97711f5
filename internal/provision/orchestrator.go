// Package provision runs the provisioning flow: it arms a reader session on
// request, records the outcome, and owns the has-written-tag flag.
//
// Run is the controlling goroutine. Begin, Cancel and radio callbacks all
// reach the session controller and the flag through Run's task queue, so
// neither is ever touched from two goroutines.
package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reindeer/friedn-agent/internal/core"
	"github.com/reindeer/friedn-agent/internal/failure"
	"github.com/reindeer/friedn-agent/internal/journal"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/payload"
	"github.com/reindeer/friedn-agent/internal/session"
	"go.uber.org/atomic"
)

// ErrNotRunning is returned when the orchestrator loop has stopped.
var ErrNotRunning = errors.New("provisioning loop is not running")

// FlagStore persists the has-written-tag flag.
type FlagStore interface {
	HasWrittenTag() bool
	SetHasWrittenTag(bool) error
}

// Journal records attempts.
type Journal interface {
	Append(journal.Entry) error
}

// Options configures an Orchestrator.
type Options struct {
	Radio   core.Radio
	Writer  session.TagWriter
	Flags   FlagStore
	Version payload.VersionFunc
	// Encoder defaults to a zero payload.Encoder.
	Encoder *payload.Encoder
	// Journal is optional.
	Journal Journal
	// QueueSize bounds pending tasks for the loop. Default 16.
	QueueSize int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator is the provisioning flow.
type Orchestrator struct {
	opts    Options
	ctrl    *session.Controller
	tasks   chan func()
	done    chan struct{}
	started atomic.Bool

	// Loop-owned.
	hasWritten bool

	mu     sync.RWMutex
	status Status
	subs   map[int]chan Status
	nextID int
}

// New creates an orchestrator. The flag is read here, once.
func New(opts Options) *Orchestrator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{
		opts:       opts,
		tasks:      make(chan func(), opts.QueueSize),
		done:       make(chan struct{}),
		hasWritten: opts.Flags.HasWrittenTag(),
		subs:       make(map[int]chan Status),
	}
	o.ctrl = session.New(session.Options{
		Radio:      opts.Radio,
		Writer:     opts.Writer,
		Encoder:    opts.Encoder,
		Version:    opts.Version,
		Dispatcher: o,
		OnState:    o.onState,
		OnResult:   o.onResult,
	})
	st := idleStatus(o.hasWritten)
	st.Session = session.Idle.String()
	st.UpdatedAt = opts.Now()
	o.status = st
	return o
}

// Post queues fn for the loop. It reports false once Run has returned.
func (o *Orchestrator) Post(fn func()) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.tasks <- fn:
		return true
	case <-o.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (o *Orchestrator) call(fn func()) error {
	finished := make(chan struct{})
	if !o.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-o.done:
		return ErrNotRunning
	}
}

// Run is the controlling loop. It returns when ctx is done, releasing the
// reader session on every exit path.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if !o.started.CompareAndSwap(false, true) {
		return errors.New("provisioning loop already running")
	}
	defer close(o.done)
	defer logging.RecoverAndLogFunc("provisioning loop", false, func(r interface{}, _ string) {
		err = fmt.Errorf("provisioning loop panicked: %v", r)
	})
	defer o.ctrl.Disarm()

	logging.Info(logging.CatProvision, "Provisioning loop started", map[string]any{
		"hasWrittenTag": o.hasWritten,
	})
	for {
		select {
		case <-ctx.Done():
			logging.Info(logging.CatProvision, "Provisioning loop stopping", nil)
			return nil
		case fn := <-o.tasks:
			fn()
		}
	}
}

// Done is closed when Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Begin arms a reader session unless a tag has already been written, and
// returns the resulting status.
func (o *Orchestrator) Begin() (Status, error) {
	if err := o.call(o.begin); err != nil {
		return o.Status(), err
	}
	return o.Status(), nil
}

// Cancel disarms the reader session. It is safe in any state.
func (o *Orchestrator) Cancel() (Status, error) {
	if err := o.call(o.cancel); err != nil {
		return o.Status(), err
	}
	return o.Status(), nil
}

// Status returns the latest status. Safe from any goroutine.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// HasWrittenTag reports the provisioning flag.
func (o *Orchestrator) HasWrittenTag() bool {
	return o.Status().HasWrittenTag
}

// Subscribe returns a channel receiving every status change, and a function
// that unsubscribes and closes it. Slow subscribers miss updates rather than
// block the loop.
func (o *Orchestrator) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) begin() {
	if o.hasWritten {
		logging.Info(logging.CatProvision, "Tag already written, not arming", nil)
		return
	}

	if err := o.ctrl.Arm(); err != nil {
		kind := failure.KindOf(err)
		logging.Warn(logging.CatProvision, "Cannot start provisioning", map[string]any{
			"kind":  kind.String(),
			"error": err.Error(),
		})
		o.record(journal.Entry{Outcome: kind.String(), Message: err.Error()})
		o.setStatus(failureStatus(kind))
		return
	}

	st := o.Status()
	st.Phase = PhaseWaiting
	st.Message = MessageWaiting
	st.Reason = ""
	st.TagUID = ""
	o.setStatus(st)
}

func (o *Orchestrator) cancel() {
	o.ctrl.Disarm()
	if st := o.Status(); st.Phase == PhaseWaiting {
		o.setStatus(idleStatus(o.hasWritten))
	}
}

func (o *Orchestrator) onState(s session.State) {
	st := o.Status()
	st.Session = s.String()
	o.setStatus(st)
}

func (o *Orchestrator) onResult(res session.Result) {
	entry := journal.Entry{
		Session:  res.Session,
		TagUID:   res.TagUID,
		RecordID: res.RecordID,
	}

	if res.Err != nil {
		kind := failure.KindOf(res.Err)
		entry.Outcome = kind.String()
		entry.Message = res.Err.Error()
		o.record(entry)
		if kind == failure.TransportError {
			// Other kinds are the tag or the user's setup, not the agent.
			logging.CaptureAttemptError(res.Err, "provision.write",
				logging.Attempt{Session: res.Session, TagUID: res.TagUID},
				map[string]interface{}{"kind": kind.String()})
		}

		st := failureStatus(kind)
		st.TagUID = res.TagUID
		o.setStatus(st)
		return
	}

	o.hasWritten = true
	if err := o.opts.Flags.SetHasWrittenTag(true); err != nil {
		// The tag holds the record; only the local flag is lost.
		logging.Error(logging.CatProvision, "Failed to persist provisioning flag", map[string]any{
			"error": err.Error(),
		})
		logging.CaptureAttemptError(err, "provision.persist_flag",
			logging.Attempt{Session: res.Session, TagUID: res.TagUID}, nil)
	}
	entry.Outcome = journal.OutcomeWritten
	o.record(entry)

	logging.Info(logging.CatProvision, "Tag provisioned", map[string]any{
		"uid":      res.TagUID,
		"recordId": res.RecordID,
		"session":  res.Session,
	})
	o.setStatus(Status{Phase: PhaseSuccess, Message: MessageSuccess, TagUID: res.TagUID})
}

func (o *Orchestrator) record(e journal.Entry) {
	if o.opts.Journal == nil {
		return
	}
	e.Time = o.opts.Now()
	if err := o.opts.Journal.Append(e); err != nil {
		logging.Warn(logging.CatProvision, "Failed to append to journal", map[string]any{
			"error": err.Error(),
		})
	}
}

// setStatus stamps st with loop-owned fields, stores it and notifies
// subscribers.
func (o *Orchestrator) setStatus(st Status) {
	st.HasWrittenTag = o.hasWritten
	st.Session = o.ctrl.State().String()
	st.UpdatedAt = o.opts.Now()

	o.mu.Lock()
	o.status = st
	for id, ch := range o.subs {
		select {
		case ch <- st:
		default:
			logging.Debug(logging.CatProvision, "Subscriber lagging, dropping status", map[string]any{
				"subscriber": id,
			})
		}
	}
	o.mu.Unlock()
}
