package dispatch

import (
	"errors"

	"github.com/example/livery-core/internal/models"
)

// Sender delivers one offer to one driver.
type Sender interface {
	SendOffer(driverID string, trip models.Trip) error
}

// Chain tries each sender in order until one succeeds: live websocket first,
// then push. Best effort; the offer record is valid regardless.
type Chain struct {
	Senders []Sender
}

func NewChain(senders ...Sender) *Chain { return &Chain{Senders: senders} }

func (c *Chain) SendOffer(driverID string, trip models.Trip) error {
	var errs []error
	for _, s := range c.Senders {
		if s == nil {
			continue
		}
		if err := s.SendOffer(driverID, trip); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}
