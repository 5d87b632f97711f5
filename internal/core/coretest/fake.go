// Package coretest provides in-memory fakes of the core radio and tag
// interfaces for tests in other packages.
package coretest

import (
	"errors"
	"sync"

	"github.com/reindeer/friedn-agent/internal/core"
)

// Radio is a scriptable core.Radio. Tags are delivered with Tap.
type Radio struct {
	mu         sync.Mutex
	present    bool
	enabled    bool
	enableErr  error
	families   core.Family
	onTag      func(core.Tag)
	active     *Registration
	enables    int
	registered []*Registration
}

// NewRadio returns a present, enabled radio.
func NewRadio() *Radio {
	return &Radio{present: true, enabled: true}
}

func (r *Radio) SetPresent(v bool) {
	r.mu.Lock()
	r.present = v
	r.mu.Unlock()
}

func (r *Radio) SetEnabled(v bool) {
	r.mu.Lock()
	r.enabled = v
	r.mu.Unlock()
}

// FailEnable makes the next EnableReaderMode calls return err.
func (r *Radio) FailEnable(err error) {
	r.mu.Lock()
	r.enableErr = err
	r.mu.Unlock()
}

func (r *Radio) Present() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.present
}

func (r *Radio) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Radio) EnableReaderMode(families core.Family, onTag func(core.Tag)) (core.Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enableErr != nil {
		return nil, r.enableErr
	}
	r.enables++
	r.families = families
	r.onTag = onTag
	reg := &Registration{radio: r, done: make(chan struct{})}
	r.active = reg
	r.registered = append(r.registered, reg)
	return reg, nil
}

// Enables is the number of successful EnableReaderMode calls.
func (r *Radio) Enables() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enables
}

// Active reports whether a registration is currently enabled.
func (r *Radio) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// ActiveCount counts registrations that are still polling.
func (r *Radio) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, reg := range r.registered {
		if !reg.ended {
			n++
		}
	}
	return n
}

// Fail ends the active registration with err, the way a reader that is
// unplugged mid-session does. It reports false when nothing is active.
func (r *Radio) Fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return false
	}
	r.active.end(err)
	return true
}

// Families returns the families requested by the last registration.
func (r *Radio) Families() core.Family {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.families
}

// Callback returns the tag callback of the active registration, or nil.
// Tests use it to simulate a delivery racing a Disable.
func (r *Radio) Callback() func(core.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onTag
}

// Tap delivers tag to the active registration synchronously. It reports
// false when no registration is active.
func (r *Radio) Tap(tag core.Tag) bool {
	r.mu.Lock()
	onTag := r.onTag
	active := r.active != nil
	r.mu.Unlock()
	if !active || onTag == nil {
		return false
	}
	onTag(tag)
	return true
}

// Registration records Disable calls.
type Registration struct {
	radio    *Radio
	disables int
	done     chan struct{}
	ended    bool
	err      error
}

func (g *Registration) Disable() error {
	g.radio.mu.Lock()
	defer g.radio.mu.Unlock()
	g.disables++
	g.end(nil)
	return nil
}

func (g *Registration) Done() <-chan struct{} {
	return g.done
}

func (g *Registration) Err() error {
	g.radio.mu.Lock()
	defer g.radio.mu.Unlock()
	return g.err
}

// end stops delivery. The caller holds the radio lock.
func (g *Registration) end(err error) {
	if g.radio.active == g {
		g.radio.active = nil
		g.radio.onTag = nil
	}
	if g.ended {
		return
	}
	g.ended = true
	g.err = err
	close(g.done)
}

// Disables is the number of Disable calls on g.
func (g *Registration) Disables() int {
	g.radio.mu.Lock()
	defer g.radio.mu.Unlock()
	return g.disables
}

// Tag is a fake core.Tag.
type Tag struct {
	ID         string
	TypeName   string
	Fam        core.Family
	NdefTech   *NdefTech
	FormatTech *FormatableTech
}

// NewNdefTag returns a formatted tag with the given capacity.
func NewNdefTag(uid string, maxSize int) *Tag {
	return &Tag{
		ID:       uid,
		TypeName: "NTAG213",
		Fam:      core.FamilyNFCA,
		NdefTech: &NdefTech{Writable: true, Max: maxSize},
	}
}

// NewBlankTag returns a tag that only offers formatting.
func NewBlankTag(uid string) *Tag {
	return &Tag{
		ID:         uid,
		TypeName:   "NTAG213",
		Fam:        core.FamilyNFCA,
		FormatTech: &FormatableTech{},
	}
}

// NewUnsupportedTag returns a tag with neither technology.
func NewUnsupportedTag(uid string) *Tag {
	return &Tag{ID: uid, TypeName: "MIFARE Classic", Fam: core.FamilyNFCA}
}

func (t *Tag) UID() string         { return t.ID }
func (t *Tag) Type() string        { return t.TypeName }
func (t *Tag) Family() core.Family { return t.Fam }

func (t *Tag) Ndef() (core.NdefTech, bool) {
	if t.NdefTech == nil {
		return nil, false
	}
	return t.NdefTech, true
}

func (t *Tag) Formatable() (core.FormatableTech, bool) {
	if t.FormatTech == nil {
		return nil, false
	}
	return t.FormatTech, true
}

// ErrNotConnected is returned by fake writes before Connect.
var ErrNotConnected = errors.New("not connected")

// conn tracks connect and close calls.
type conn struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	closes     int
	ConnectErr error
	CloseErr   error
}

func (c *conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.connected = false
	return c.CloseErr
}

// Connects is the number of Connect calls.
func (c *conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Closes is the number of Close calls.
func (c *conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Open reports whether Connect succeeded without a later Close.
func (c *conn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// NdefTech is a fake core.NdefTech that stores the last message.
type NdefTech struct {
	conn
	Writable bool
	Max      int
	WriteErr error

	// BeforeWrite runs at the start of WriteMessage when set.
	BeforeWrite func()

	written [][]byte
}

func (n *NdefTech) IsWritable() bool { return n.Writable }
func (n *NdefTech) MaxSize() int     { return n.Max }

func (n *NdefTech) WriteMessage(message []byte) error {
	if n.BeforeWrite != nil {
		n.BeforeWrite()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return ErrNotConnected
	}
	if n.WriteErr != nil {
		return n.WriteErr
	}
	n.written = append(n.written, append([]byte(nil), message...))
	return nil
}

// Written returns every message written so far.
func (n *NdefTech) Written() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.written
}

// FormatableTech is a fake core.FormatableTech.
type FormatableTech struct {
	conn
	FormatErr error

	formatted [][]byte
}

func (f *FormatableTech) Format(message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrNotConnected
	}
	if f.FormatErr != nil {
		return f.FormatErr
	}
	f.formatted = append(f.formatted, append([]byte(nil), message...))
	return nil
}

// Formatted returns every message passed to Format.
func (f *FormatableTech) Formatted() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.formatted
}
