package socket

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func factoryWithFraming(framing Framing) *Factory {
	if framing == FramingFramed {
		return framedFactory()
	}
	return unframedFactory()
}

func TestFactoryRegistrationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genFraming := gen.Bool().Map(func(framed bool) Framing {
		if framed {
			return FramingFramed
		}
		return FramingUnframed
	})

	// Registration is first-wins: once a factory holds the slot, any later
	// registration fails and the slot is untouched.
	properties.Property("a second registration never replaces the first",
		prop.ForAll(func(first, second Framing) bool {
			factoryMu.Lock()
			prev := registeredFactory
			registeredFactory = nil
			factoryMu.Unlock()
			defer func() {
				factoryMu.Lock()
				registeredFactory = prev
				factoryMu.Unlock()
			}()

			winner := factoryWithFraming(first)
			if err := RegisterFactory(winner); err != nil {
				return false
			}
			loser := factoryWithFraming(second)
			if err := RegisterFactory(loser); err == nil {
				return false
			}
			return currentFactory() == winner
		}, genFraming, genFraming))

	properties.Property("an invalid registration never takes the slot",
		prop.ForAll(func(framing Framing) bool {
			factoryMu.Lock()
			prev := registeredFactory
			registeredFactory = nil
			factoryMu.Unlock()
			defer func() {
				factoryMu.Lock()
				registeredFactory = prev
				factoryMu.Unlock()
			}()

			invalid := factoryWithFraming(framing)
			invalid.Write = nil
			if err := RegisterFactory(invalid); err == nil {
				return false
			}
			return currentFactory() == nil
		}, genFraming))

	properties.TestingRun(t)
}
