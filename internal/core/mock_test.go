package core

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu          sync.Mutex
	readers     []string
	cards       map[string]*MockSmartCard
	shouldError bool
	errorMsg    string

	events     chan map[string]StateFlag
	cancel     chan struct{}
	cancelOnce sync.Once
	released   int
	statusErr  error
	waits      int
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext() *MockSmartCardContext {
	return &MockSmartCardContext{
		readers: []string{
			"ACS ACR122U PICC Interface",
			"ACS ACR1252 Dual Reader PICC",
		},
		cards:  make(map[string]*MockSmartCard),
		events: make(chan map[string]StateFlag, 8),
		cancel: make(chan struct{}),
	}
}

// WithReaders sets the readers for the mock context
func (m *MockSmartCardContext) WithReaders(readers []string) *MockSmartCardContext {
	m.readers = readers
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[readerName] = card
	return m
}

// WithError makes the context return errors
func (m *MockSmartCardContext) WithError(msg string) *MockSmartCardContext {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// Present queues a status change reporting a card on reader.
func (m *MockSmartCardContext) Present(reader string) {
	m.events <- map[string]StateFlag{reader: StatePresent | StateChanged}
}

// Remove queues a status change reporting reader empty.
func (m *MockSmartCardContext) Remove(reader string) {
	m.events <- map[string]StateFlag{reader: StateEmpty | StateChanged}
}

// FailStatus makes every later GetStatusChange return err, as PC/SC does
// when a reader is unplugged.
func (m *MockSmartCardContext) FailStatus(err error) *MockSmartCardContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
	return m
}

// Waits is the number of GetStatusChange calls.
func (m *MockSmartCardContext) Waits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waits
}

func (m *MockSmartCardContext) Released() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	return m.readers, nil
}

func (m *MockSmartCardContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	m.mu.Lock()
	m.waits++
	statusErr := m.statusErr
	m.mu.Unlock()
	if statusErr != nil {
		return statusErr
	}

	select {
	case ev := <-m.events:
		for i := range states {
			if flag, ok := ev[states[i].Reader]; ok {
				states[i].EventState = flag
				m.mu.Lock()
				if card := m.cards[states[i].Reader]; card != nil {
					states[i].Atr = card.atr
				}
				m.mu.Unlock()
			} else {
				states[i].EventState = states[i].CurrentState
			}
		}
		return nil
	case <-m.cancel:
		return ErrCancelled
	case <-time.After(timeout):
		return ErrTimeout
	}
}

func (m *MockSmartCardContext) Connect(reader string) (SmartCard, error) {
	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	card, ok := m.cards[reader]
	if !ok {
		return nil, errors.New("no card present")
	}
	card.mu.Lock()
	card.connects++
	card.disconnected = false
	card.mu.Unlock()
	return card, nil
}

func (m *MockSmartCardContext) Cancel() error {
	m.cancelOnce.Do(func() { close(m.cancel) })
	return nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

// mockFactory hands out one shared mock context.
type mockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f *mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}

// MockSmartCard implements SmartCard for testing. It emulates the page
// memory of a Type 2 tag behind a PC/SC reader.
type MockSmartCard struct {
	mu           sync.Mutex
	atr          []byte
	uid          []byte
	cardType     string
	memory       []byte            // 4-byte pages, page 0 first
	responses    map[string][]byte // command hex prefix -> response
	failWrites   bool
	shouldError  bool
	errorMsg     string
	disconnected bool
	connects     int
	disconnects  int
	writes       int
}

// NewMockCard creates a mock card with realistic data
func NewMockCard(cardType string) *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
		cardType:  cardType,
	}
	card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060300030000000068")

	switch cardType {
	case "MIFARE Classic":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca000000306030001000000006a")
		card.uid, _ = hex.DecodeString("932bae0e")
		card.responses["ff00000002600"] = []byte{0x6A, 0x81}
	case "ISO 15693":
		card.atr, _ = hex.DecodeString("3b8f8001804f0ca0000003060b00140000000077")
		card.uid, _ = hex.DecodeString("80391566080104e0")
	case "NTAG213":
		card.uid, _ = hex.DecodeString("0442488a837280")
		card.setVersion(0x04, 0x0F)
		card.memory = make([]byte, 45*4)
		copy(card.memory[12:], []byte{0xE1, 0x10, 0x12, 0x00})
	case "NTAG215":
		card.uid, _ = hex.DecodeString("04635d6bc22a81")
		card.setVersion(0x04, 0x11)
		card.memory = make([]byte, 135*4)
		copy(card.memory[12:], []byte{0xE1, 0x10, 0x3E, 0x00})
	case "NTAG213 blank":
		card.uid, _ = hex.DecodeString("0442488a837281")
		card.setVersion(0x04, 0x0F)
		card.memory = make([]byte, 45*4)
	case "MIFARE Ultralight":
		// Plain Ultralight does NOT support GET_VERSION
		card.uid, _ = hex.DecodeString("ff0f39c8d60000")
		card.responses["ff000000026000"] = []byte{0x69, 0x00}
		card.responses["ff0000000160"] = []byte{0x69, 0x00}
		card.memory = make([]byte, 16*4)
		copy(card.memory[12:], []byte{0xE1, 0x10, 0x06, 0x00})
	default:
		card.uid, _ = hex.DecodeString("04000000000000")
		card.cardType = "Unknown"
	}

	return card
}

func (m *MockSmartCard) setVersion(productType, storage byte) {
	rsp := []byte{0x00, 0x04, productType, 0x02, 0x01, 0x00, storage, 0x03, 0x90, 0x00}
	m.responses["ff000000026000"] = rsp
	m.responses["ff0000000160"] = rsp
}

// ReadOnly sets the capability container write-access nibble to 0xF.
func (m *MockSmartCard) ReadOnly() *MockSmartCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memory[15] = 0x0F
	return m
}

// FailWrites makes every write command fail.
func (m *MockSmartCard) FailWrites() *MockSmartCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = true
	return m
}

// WithError makes the card return errors
func (m *MockSmartCard) WithError(msg string) *MockSmartCard {
	m.shouldError = true
	m.errorMsg = msg
	return m
}

// Pages returns a copy of count pages starting at page.
func (m *MockSmartCard) Pages(page, count int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, count*4)
	copy(out, m.memory[page*4:])
	return out
}

func (m *MockSmartCard) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Open reports whether a connection is currently held.
func (m *MockSmartCard) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects > m.disconnects
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return nil, errors.New(m.errorMsg)
	}
	if m.disconnected {
		return nil, errors.New("card disconnected")
	}

	cmdHex := hex.EncodeToString(cmd)
	for prefix, resp := range m.responses {
		if strings.HasPrefix(cmdHex, prefix) {
			return resp, nil
		}
	}

	switch {
	case len(cmd) >= 5 && cmd[0] == 0xFF && cmd[1] == 0xCA:
		return append(append([]byte{}, m.uid...), 0x90, 0x00), nil

	case len(cmd) >= 5 && cmd[0] == 0xFF && cmd[1] == 0xB0 && m.memory != nil:
		start := int(cmd[3]) * 4
		length := int(cmd[4])
		resp := make([]byte, length)
		if start < len(m.memory) {
			copy(resp, m.memory[start:])
		}
		return append(resp, 0x90, 0x00), nil

	case len(cmd) == 9 && cmd[0] == 0xFF && cmd[1] == 0xD6 && m.memory != nil:
		if m.failWrites {
			return nil, errors.New("transmit failed: card removed")
		}
		start := int(cmd[3]) * 4
		if start+4 > len(m.memory) {
			return []byte{0x6A, 0x82}, nil
		}
		copy(m.memory[start:], cmd[5:9])
		m.writes++
		return []byte{0x90, 0x00}, nil
	}

	// Default: command not supported
	return []byte{0x6A, 0x81}, nil
}

func (m *MockSmartCard) Status() (SmartCardStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldError {
		return SmartCardStatus{}, errors.New(m.errorMsg)
	}
	return SmartCardStatus{Reader: "Mock Reader", Atr: m.atr}, nil
}

func (m *MockSmartCard) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
	m.disconnects++
	return nil
}
