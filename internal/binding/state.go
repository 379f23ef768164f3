package binding

import (
	"fmt"
	"slices"

	"github.com/matheus3301/fedrelay/internal/store"
)

// State is the lifecycle position of a binding.
type State string

const (
	Unbound       State = "unbound"
	ActiveValid   State = "active_valid"
	ActiveInvalid State = "active_invalid"
	Inactive      State = "inactive"
)

// validTransitions defines allowed binding transitions. Validation may repeat its
// own outcome; only an explicit leave reaches Inactive, which is terminal.
var validTransitions = map[State][]State{
	Unbound:       {ActiveValid},
	ActiveValid:   {ActiveValid, ActiveInvalid, Inactive},
	ActiveInvalid: {ActiveValid, ActiveInvalid, Inactive},
	Inactive:      {},
}

// StateOf derives the lifecycle state of a stored binding.
func StateOf(b *store.Binding) State {
	switch {
	case b == nil:
		return Unbound
	case !b.Active:
		return Inactive
	case b.Valid:
		return ActiveValid
	default:
		return ActiveInvalid
	}
}

// CheckTransition returns an error if from -> to is not allowed.
func CheckTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Change is the bus payload for binding lifecycle events.
type Change struct {
	BindingID  int64
	Platform   string
	RoomID     string
	ChannelRef string
	From       State
	To         State
	Reason     string
}
