package core

import (
	"errors"
	"time"
)

// Errors returned by SmartCardContext.GetStatusChange.
var (
	ErrCancelled = errors.New("status change cancelled")
	ErrTimeout   = errors.New("status change timed out")
)

// SmartCardContext represents a PC/SC context for listing readers and waiting on them
type SmartCardContext interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []ReaderState, timeout time.Duration) error
	Connect(reader string) (SmartCard, error)
	// Cancel aborts a blocking GetStatusChange from another goroutine.
	Cancel() error
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (SmartCardStatus, error)
	Disconnect() error
}

// SmartCardStatus represents the status of a smart card
type SmartCardStatus struct {
	Reader string
	Atr    []byte
}

// StateFlag mirrors the PC/SC reader state bits this package looks at.
type StateFlag uint32

const (
	StateUnaware StateFlag = 0x0000
	StateChanged StateFlag = 0x0002
	StateEmpty   StateFlag = 0x0010
	StatePresent StateFlag = 0x0020
	StateMute    StateFlag = 0x0200
)

// ReaderState is one entry of a GetStatusChange call.
type ReaderState struct {
	Reader       string
	CurrentState StateFlag
	EventState   StateFlag
	Atr          []byte
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}
