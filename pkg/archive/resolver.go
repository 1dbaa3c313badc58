package archive

import (
	"context"
	"strings"

	"github.com/nevskii/guestops/pkg/guest"
)

// strategyTable maps OS-family tokens to strategy constructors. A slice,
// not a map: candidates are probed in this exact order, so an identity
// matching more than one token always resolves the same way.
var strategyTable = []struct {
	token string
	build func(ctx context.Context, session Session, waiter guest.Waiter) (Strategy, error)
}{
	{windowsToken, func(ctx context.Context, s Session, w guest.Waiter) (Strategy, error) {
		return newWindowsStrategy(ctx, s, w)
	}},
	{debianToken, func(ctx context.Context, s Session, w guest.Waiter) (Strategy, error) {
		return newDebianStrategy(ctx, s, w)
	}},
}

// Resolver selects and constructs the archive strategy for a guest session.
// The zero value uses default polling; set Waiter to tune or fake timing.
type Resolver struct {
	Waiter guest.Waiter
}

// Resolve returns a freshly constructed strategy for the first OS-family
// token contained in the guest identity. Construction failures (wrong
// identity race, archiver missing) propagate; there is no fall-through to a
// later candidate. Nothing is cached: callers wanting reuse keep the
// returned strategy.
func (r Resolver) Resolve(ctx context.Context, session Session) (Strategy, error) {
	id, err := session.Identity(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range strategyTable {
		if strings.Contains(id, entry.token) {
			return entry.build(ctx, session, r.Waiter)
		}
	}
	return nil, &UnsupportedEnvironmentError{Identity: id}
}

// Resolve is the package-level shorthand with default polling.
func Resolve(ctx context.Context, session Session) (Strategy, error) {
	return Resolver{}.Resolve(ctx, session)
}
