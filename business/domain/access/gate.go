// Package access rejects privileged calls that did not arrive through the controller.
package access

import (
	"context"
	"fmt"

	"github.com/qubic/go-court/entities"
)

type Subscriptions interface {
	IsUpToDate(ctx context.Context, subject entities.Address) (bool, error)
}

type Gate struct {
	controller    entities.Address
	subscriptions Subscriptions
}

func NewGate(controller entities.Address, subscriptions Subscriptions) *Gate {
	return &Gate{controller: controller, subscriptions: subscriptions}
}

func (g *Gate) AuthorizeController(sender entities.Address) error {
	if sender == "" || sender != g.controller {
		return entities.ErrSenderNotController
	}
	return nil
}

// AuthorizeSubject checks the routing path first and then whether subject may open disputes. Errors of the
// subscriptions collaborator are returned as they are.
func (g *Gate) AuthorizeSubject(ctx context.Context, sender, subject entities.Address) error {
	if err := g.AuthorizeController(sender); err != nil {
		return err
	}
	upToDate, err := g.subscriptions.IsUpToDate(ctx, subject)
	if err != nil {
		return err
	}
	if !upToDate {
		return fmt.Errorf("subject %s: %w", subject, entities.ErrSubscriptionNotUpToDate)
	}
	return nil
}
