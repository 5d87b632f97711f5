package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reindeer/friedn-agent/internal/logging"
	"go.uber.org/atomic"
)

// ErrNoReaders is returned by EnableReaderMode when no usable reader is attached.
var ErrNoReaders = errors.New("no NFC reader connected")

// pollInterval bounds each status wait so a Disable that races the start of
// a wait is still observed.
const pollInterval = 500 * time.Millisecond

// Radio is the hardware polling layer.
type Radio interface {
	// Present reports whether proximity hardware exists at all.
	Present() bool
	// Enabled reports whether the hardware can currently poll.
	Enabled() bool
	// EnableReaderMode starts polling for the given families. onTag is called
	// on a goroutine owned by the registration, one tag at a time.
	EnableReaderMode(families Family, onTag func(Tag)) (Registration, error)
}

// ErrPollingStopped is reported by Registration.Err when polling ended on
// its own without a reader error.
var ErrPollingStopped = errors.New("reader polling stopped")

// Registration is an active polling registration.
type Registration interface {
	// Disable stops tag delivery. It does not wait for a callback that is
	// already running. Calling it more than once is safe.
	Disable() error
	// Done is closed once polling has ended, after Disable or because the
	// reader failed.
	Done() <-chan struct{}
	// Err reports why polling ended. It is nil after Disable and only
	// meaningful once Done is closed.
	Err() error
}

// PCSCRadio polls PC/SC readers for tags.
type PCSCRadio struct {
	factory ContextFactory
	// reader pins polling to one reader name; empty means all readers.
	reader string
}

// NewPCSCRadio returns a radio backed by factory. A nil factory uses real PC/SC.
func NewPCSCRadio(factory ContextFactory, reader string) *PCSCRadio {
	if factory == nil {
		factory = DefaultContextFactory{}
	}
	return &PCSCRadio{factory: factory, reader: reader}
}

// Present reports whether the PC/SC service is reachable.
func (r *PCSCRadio) Present() bool {
	ctx, err := r.factory.EstablishContext()
	if err != nil {
		logging.Debug(logging.CatReader, "PC/SC service unavailable", map[string]any{
			"error": err.Error(),
		})
		return false
	}
	_ = ctx.Release()
	return true
}

// Enabled reports whether at least one usable reader is attached.
func (r *PCSCRadio) Enabled() bool {
	readers, err := r.Readers()
	return err == nil && len(readers) > 0
}

// Readers lists the reader names polling would use.
func (r *PCSCRadio) Readers() ([]string, error) {
	ctx, err := r.factory.EstablishContext()
	if err != nil {
		return nil, err
	}
	defer ctx.Release()
	return r.listReaders(ctx)
}

func (r *PCSCRadio) listReaders(ctx SmartCardContext) ([]string, error) {
	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	if r.reader == "" {
		return readers, nil
	}
	for _, name := range readers {
		if name == r.reader {
			return []string{name}, nil
		}
	}
	return nil, nil
}

// EnableReaderMode opens a dedicated PC/SC context and polls every usable
// reader on a new goroutine until the registration is disabled.
func (r *PCSCRadio) EnableReaderMode(families Family, onTag func(Tag)) (Registration, error) {
	ctx, err := r.factory.EstablishContext()
	if err != nil {
		return nil, err
	}

	readers, err := r.listReaders(ctx)
	if err != nil {
		_ = ctx.Release()
		return nil, err
	}
	if len(readers) == 0 {
		_ = ctx.Release()
		return nil, ErrNoReaders
	}

	states := make([]ReaderState, len(readers))
	for i, name := range readers {
		states[i] = ReaderState{Reader: name, CurrentState: StateUnaware}
	}

	reg := &pcscRegistration{
		ctx:  ctx,
		done: make(chan struct{}),
	}

	logging.Info(logging.CatReader, "Reader mode enabled", map[string]any{
		"readers":  readers,
		"families": families.String(),
	})

	go r.poll(reg, families, states, onTag)
	return reg, nil
}

func (r *PCSCRadio) poll(reg *pcscRegistration, families Family, states []ReaderState, onTag func(Tag)) {
	defer logging.RecoverAndLog("reader poll", false)
	defer reg.finish()

	for !reg.stopped.Load() {
		err := reg.ctx.GetStatusChange(states, pollInterval)
		if errors.Is(err, ErrCancelled) {
			return
		}
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			logging.Error(logging.CatReader, "Waiting for tag failed", map[string]any{
				"error": err.Error(),
			})
			reg.fail(err)
			return
		}

		for i := range states {
			ev := states[i].EventState
			arrived := ev&StatePresent != 0 && ev&StateMute == 0 && states[i].CurrentState&StatePresent == 0
			states[i].CurrentState = ev &^ StateChanged
			if !arrived {
				continue
			}
			if reg.stopped.Load() {
				return
			}
			r.deliver(reg.ctx, states[i], families, onTag)
		}
	}
}

func (r *PCSCRadio) deliver(ctx SmartCardContext, state ReaderState, families Family, onTag func(Tag)) {
	tag, err := probeTag(ctx, state.Reader, state.Atr)
	if err != nil {
		logging.Warn(logging.CatReader, "Tag detected but could not be read", map[string]any{
			"reader": state.Reader,
			"error":  err.Error(),
		})
		// The reader now reports the card as present, so this tag will not
		// arrive again until it leaves the field. Hand it on so the attempt
		// ends with a result.
		tag = &unreadableTag{family: parseATR(state.Atr).family, err: err}
	}
	if !families.Has(tag.Family()) {
		logging.Debug(logging.CatReader, "Ignoring tag outside requested families", map[string]any{
			"uid":    tag.UID(),
			"family": tag.Family().String(),
		})
		return
	}

	logging.Info(logging.CatReader, "Tag detected", map[string]any{
		"reader": state.Reader,
		"uid":    tag.UID(),
		"type":   tag.Type(),
	})
	onTag(tag)
}

type pcscRegistration struct {
	ctx     SmartCardContext
	stopped atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	exited bool
	err    error
}

func (r *pcscRegistration) Disable() error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return nil
	}
	logging.Info(logging.CatReader, "Reader mode disabled", nil)
	return r.ctx.Cancel()
}

// Done is closed once the polling goroutine has exited and released its context.
func (r *pcscRegistration) Done() <-chan struct{} {
	return r.done
}

func (r *pcscRegistration) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *pcscRegistration) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *pcscRegistration) finish() {
	r.mu.Lock()
	r.exited = true
	if r.err == nil && !r.stopped.Load() {
		// Only a panic in the poll loop gets here.
		r.err = ErrPollingStopped
	}
	if err := r.ctx.Release(); err != nil {
		logging.Debug(logging.CatReader, "Releasing PC/SC context failed", map[string]any{
			"error": err.Error(),
		})
	}
	r.mu.Unlock()
	close(r.done)
}
