package billing

import (
	"errors"
	"fmt"

	"github.com/mscandco/distro-platform/backend/internal/models"
)

// State is where a user's subscription sits in the checkout lifecycle.
type State string

const (
	StateNoSubscription      State = "no_subscription"
	StateCheckoutInFlight    State = "checkout_in_flight"
	StateActive              State = "active"
	StatePortalInFlight      State = "portal_in_flight"
	StatePendingCancellation State = "pending_cancellation"
	StateCanceled            State = "canceled"
)

// Event moves a subscription between states.
type Event string

const (
	EventCheckoutStarted   Event = "checkout_started"
	EventCheckoutCompleted Event = "checkout_completed"
	EventCheckoutFailed    Event = "checkout_failed"
	EventPortalOpened      Event = "portal_opened"
	EventPortalReturned    Event = "portal_returned"
	EventCancelRequested   Event = "cancel_requested"
	EventCancelConfirmed   Event = "cancel_confirmed"
	EventReactivated       Event = "reactivated"
)

// ErrInvalidTransition is returned for an event the current state does not
// accept.
var ErrInvalidTransition = errors.New("billing: invalid subscription transition")

var transitions = map[State]map[Event]State{
	StateNoSubscription: {
		EventCheckoutStarted: StateCheckoutInFlight,
	},
	StateCheckoutInFlight: {
		EventCheckoutStarted:   StateCheckoutInFlight,
		EventCheckoutCompleted: StateActive,
		EventCheckoutFailed:    StateNoSubscription,
	},
	StateActive: {
		EventPortalOpened:    StatePortalInFlight,
		EventCancelRequested: StatePendingCancellation,
		EventCancelConfirmed: StateCanceled,
	},
	StatePortalInFlight: {
		EventPortalReturned:  StateActive,
		EventCancelRequested: StatePendingCancellation,
		EventCancelConfirmed: StateCanceled,
	},
	StatePendingCancellation: {
		EventPortalOpened:    StatePendingCancellation,
		EventReactivated:     StateActive,
		EventCancelConfirmed: StateCanceled,
	},
	StateCanceled: {
		EventCheckoutStarted: StateCheckoutInFlight,
	},
}

// Transition returns the state reached from from on ev.
func Transition(from State, ev Event) (State, error) {
	next, ok := transitions[from][ev]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return next, nil
}

// StateOf derives the current state from the persisted subscription and the
// newest pending checkout, either of which may be nil. A pending checkout
// only counts while there is no live subscription.
func StateOf(sub *models.Subscription, pending *models.CheckoutSession) State {
	if sub != nil {
		switch {
		case sub.Status == models.StatusCanceled:
		case sub.Status.Entitling() && sub.CancelAtPeriodEnd:
			return StatePendingCancellation
		case sub.Status.Entitling():
			return StateActive
		}
	}

	if pending != nil && pending.Status == models.CheckoutPending {
		return StateCheckoutInFlight
	}
	if sub != nil && sub.Status == models.StatusCanceled {
		return StateCanceled
	}
	return StateNoSubscription
}
