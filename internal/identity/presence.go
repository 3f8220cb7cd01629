// Package identity holds the local participant's presence: the identifier it
// registers on the mesh and the display name peers see.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxDisplayNameLength bounds the display name carried in handshakes.
const MaxDisplayNameLength = 64

// ErrInvalidPresence is returned when an identifier or display name is unusable.
var ErrInvalidPresence = errors.New("identity: invalid presence")

var validate = validator.New()

// Presence is the local (id, display name) pair. It is fixed for the lifetime
// of a session manager.
type Presence struct {
	ID          string `json:"id" validate:"required,max=128,printascii,excludesall=/"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
}

// New trims and validates the pair.
func New(id, displayName string) (Presence, error) {
	p := Presence{
		ID:          strings.TrimSpace(id),
		DisplayName: strings.TrimSpace(displayName),
	}
	if err := p.Validate(); err != nil {
		return Presence{}, err
	}
	return p, nil
}

// Validate checks the identifier and display name.
func (p Presence) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	if strings.ContainsAny(p.ID, " \t") {
		return fmt.Errorf("%w: id %q contains whitespace", ErrInvalidPresence, p.ID)
	}
	return nil
}

// String renders "Display Name (id)".
func (p Presence) String() string {
	return fmt.Sprintf("%s (%s)", p.DisplayName, p.ID)
}
