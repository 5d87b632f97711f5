package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/ebfe/scard"
)

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// EstablishContext opens a PC/SC context.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	return &pcscContext{ctx: ctx}, nil
}

type pcscContext struct {
	ctx *scard.Context
}

func (c *pcscContext) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	return readers, err
}

func (c *pcscContext) GetStatusChange(states []ReaderState, timeout time.Duration) error {
	rs := make([]scard.ReaderState, len(states))
	for i, s := range states {
		rs[i] = scard.ReaderState{
			Reader:       s.Reader,
			CurrentState: scard.StateFlag(s.CurrentState),
		}
	}

	err := c.ctx.GetStatusChange(rs, timeout)
	if errors.Is(err, scard.ErrCancelled) {
		return ErrCancelled
	}
	if errors.Is(err, scard.ErrTimeout) {
		return ErrTimeout
	}
	if err != nil {
		return err
	}

	for i := range rs {
		states[i].EventState = StateFlag(rs[i].EventState)
		states[i].Atr = rs[i].Atr
	}
	return nil
}

func (c *pcscContext) Connect(reader string) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to reader: %w", err)
	}
	return &pcscCard{card: card}, nil
}

func (c *pcscContext) Cancel() error {
	return c.ctx.Cancel()
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(cmd []byte) ([]byte, error) {
	return c.card.Transmit(cmd)
}

func (c *pcscCard) Status() (SmartCardStatus, error) {
	st, err := c.card.Status()
	if err != nil {
		return SmartCardStatus{}, fmt.Errorf("failed to get card status: %w", err)
	}
	return SmartCardStatus{Reader: st.Reader, Atr: st.Atr}, nil
}

func (c *pcscCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}
