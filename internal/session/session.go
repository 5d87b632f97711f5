// Package session drives one reader polling session from arm to release.
//
// A Controller is confined to a single controlling goroutine. The radio calls
// back on its own goroutine; the callback encodes and writes there and hands
// every state change back through a Dispatcher, so the controller's fields are
// only ever touched by the controlling goroutine.
package session

import (
	"errors"
	"fmt"

	"github.com/reindeer/friedn-agent/internal/core"
	"github.com/reindeer/friedn-agent/internal/failure"
	"github.com/reindeer/friedn-agent/internal/logging"
	"github.com/reindeer/friedn-agent/internal/payload"
	"go.uber.org/atomic"
)

// State of the reader session.
type State int

const (
	Idle State = iota
	Armed
	Writing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Writing:
		return "writing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dispatcher runs fn on the controlling goroutine. Post reports false when
// the goroutine has stopped and fn will never run.
type Dispatcher interface {
	Post(fn func()) bool
}

// TagWriter writes one record to a tag.
type TagWriter interface {
	Write(tag core.Tag, mimeType string, body []byte) error
}

// Result is the outcome of the write attempt of one session.
type Result struct {
	Session  uint64
	TagUID   string
	RecordID string
	// Err is nil when the record was written, otherwise a *failure.Error.
	Err error
}

// Options configures a Controller.
type Options struct {
	Radio      core.Radio
	Writer     TagWriter
	Encoder    *payload.Encoder
	Version    payload.VersionFunc
	Dispatcher Dispatcher

	// OnState is called on the controlling goroutine after every transition.
	OnState func(State)
	// OnResult is called on the controlling goroutine once per session that
	// produced a result, after the registration has been released.
	OnResult func(Result)
}

// session is one arm-to-release cycle.
type session struct {
	id  uint64
	reg core.Registration

	// taken latches the first tag; later deliveries are ignored.
	taken atomic.Bool
	// closed is set by Disarm so a late delivery does not write.
	closed atomic.Bool
}

// Controller is the reader session state machine. Its methods must be called
// from the controlling goroutine.
type Controller struct {
	opts    Options
	state   State
	current *session
	seq     uint64
}

// New returns an idle controller.
func New(opts Options) *Controller {
	if opts.Encoder == nil {
		opts.Encoder = &payload.Encoder{}
	}
	return &Controller{opts: opts}
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Session returns the number of the current session, or 0 when idle.
func (c *Controller) Session() uint64 {
	if c.current == nil {
		return 0
	}
	return c.current.id
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	logging.Debug(logging.CatSession, "Session state changed", map[string]any{
		"from":    c.state.String(),
		"to":      s.String(),
		"session": c.Session(),
	})
	c.state = s
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

// Arm starts polling for a tag on every technology family. Arming an armed
// or writing session does nothing, unless its polling has already ended, in
// which case the dead session is released and a new one armed. Without
// usable hardware Arm returns a HardwareUnavailable or HardwareDisabled
// *failure.Error and stays Idle.
func (c *Controller) Arm() error {
	if sess := c.current; sess != nil {
		if !sess.pollingLost() {
			logging.Debug(logging.CatSession, "Already armed", map[string]any{
				"session": sess.id,
				"state":   c.state.String(),
			})
			return nil
		}
		logging.Info(logging.CatSession, "Replacing session whose polling ended", map[string]any{
			"session": sess.id,
		})
		c.Disarm()
	}

	if !c.opts.Radio.Present() {
		return failure.Newf(failure.HardwareUnavailable, "no proximity hardware present")
	}
	if !c.opts.Radio.Enabled() {
		return failure.Newf(failure.HardwareDisabled, "proximity hardware is disabled")
	}

	c.seq++
	sess := &session{id: c.seq}
	reg, err := c.opts.Radio.EnableReaderMode(core.AllFamilies, c.onTag(sess))
	if err != nil {
		if errors.Is(err, core.ErrNoReaders) {
			return failure.New(failure.HardwareDisabled, err)
		}
		return failure.New(failure.HardwareUnavailable, err)
	}
	sess.reg = reg
	c.current = sess
	go c.watch(sess)

	logging.Info(logging.CatSession, "Session armed", map[string]any{
		"session": sess.id,
	})
	logging.SetAttempt(logging.Attempt{Session: sess.id})
	c.setState(Armed)
	return nil
}

// pollingLost reports whether the registration ended without a tag being
// taken. A taken tag always produces its own result.
func (s *session) pollingLost() bool {
	if s.taken.Load() {
		return false
	}
	select {
	case <-s.reg.Done():
		return true
	default:
		return false
	}
}

// watch waits for the registration of sess to end and reports a polling
// failure to the controlling goroutine. It runs on its own goroutine.
func (c *Controller) watch(sess *session) {
	<-sess.reg.Done()
	if sess.closed.Load() || sess.taken.Load() {
		return
	}
	err := sess.reg.Err()
	if err == nil {
		err = core.ErrPollingStopped
	}
	c.opts.Dispatcher.Post(func() { c.lost(sess, err) })
}

// lost ends sess after its polling stopped underneath it.
func (c *Controller) lost(sess *session, cause error) {
	if c.current != sess || sess.taken.Load() {
		return
	}

	kind := failure.TransportError
	switch {
	case !c.opts.Radio.Present():
		kind = failure.HardwareUnavailable
	case !c.opts.Radio.Enabled():
		kind = failure.HardwareDisabled
	}
	logging.Warn(logging.CatSession, "Reader polling ended while waiting for a tag", map[string]any{
		"session": sess.id,
		"kind":    kind.String(),
		"error":   cause.Error(),
	})

	c.setState(Failed)
	c.Disarm()

	if c.opts.OnResult != nil {
		c.opts.OnResult(Result{Session: sess.id, Err: failure.New(kind, cause)})
	}
}

// Disarm releases the polling registration and returns to Idle. It is safe
// to call in any state and more than once.
func (c *Controller) Disarm() {
	sess := c.current
	if sess == nil {
		c.setState(Idle)
		return
	}
	sess.closed.Store(true)
	if err := sess.reg.Disable(); err != nil {
		logging.Warn(logging.CatSession, "Releasing reader registration failed", map[string]any{
			"session": sess.id,
			"error":   err.Error(),
		})
	}
	logging.Info(logging.CatSession, "Session disarmed", map[string]any{
		"session": sess.id,
		"state":   c.state.String(),
	})
	logging.ClearAttempt(sess.id)
	c.setState(Idle)
	c.current = nil
}

// onTag returns the radio callback for sess. It runs on the radio goroutine.
func (c *Controller) onTag(sess *session) func(core.Tag) {
	return func(tag core.Tag) {
		if !sess.taken.CompareAndSwap(false, true) {
			logging.Debug(logging.CatSession, "Ignoring additional tag", map[string]any{
				"session": sess.id,
				"uid":     tag.UID(),
			})
			return
		}
		if sess.closed.Load() {
			logging.Debug(logging.CatSession, "Tag arrived after disarm, not writing", map[string]any{
				"session": sess.id,
				"uid":     tag.UID(),
			})
			return
		}

		c.opts.Dispatcher.Post(func() { c.markWriting(sess) })
		logging.SetAttempt(logging.Attempt{Session: sess.id, TagUID: tag.UID(), TagType: tag.Type()})

		res := Result{Session: sess.id, TagUID: tag.UID()}
		func() {
			defer logging.RecoverAndLogFunc("tag write", false, func(r interface{}, _ string) {
				res.Err = failure.Newf(failure.TransportError, "write panicked: %v", r)
			})
			rec := c.opts.Encoder.Build(payload.ResolveVersion(c.opts.Version))
			res.RecordID = rec.ID
			res.Err = c.opts.Writer.Write(tag, payload.MIMEType, rec.Marshal())
		}()

		if !c.opts.Dispatcher.Post(func() { c.finish(sess, res) }) {
			logging.Warn(logging.CatSession, "Controller stopped, dropping write result", map[string]any{
				"session": sess.id,
				"uid":     res.TagUID,
			})
		}
	}
}

func (c *Controller) markWriting(sess *session) {
	if c.current != sess {
		return
	}
	c.setState(Writing)
}

// finish applies a write result if it belongs to the current session.
func (c *Controller) finish(sess *session, res Result) {
	if c.current != sess {
		logging.Info(logging.CatSession, "Discarding result of stale session", map[string]any{
			"session": sess.id,
			"current": c.Session(),
			"uid":     res.TagUID,
		})
		return
	}

	if res.Err == nil {
		c.setState(Completed)
	} else {
		c.setState(Failed)
	}
	c.Disarm()

	if c.opts.OnResult != nil {
		c.opts.OnResult(res)
	}
}
