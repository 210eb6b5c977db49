package market

import (
	"fmt"

	"OutcomeLedger/internal/ledger"
)

// Authority is the capability to resolve markets on behalf of an identity.
// Settle accepts an Authority rather than a bare address so the trust boundary
// is explicit at every call site.
type Authority struct {
	addr ledger.Address
}

// NewAuthority wraps an identity whose signature the caller has already verified.
func NewAuthority(addr ledger.Address) Authority {
	return Authority{addr: addr}
}

func (a Authority) Address() ledger.Address {
	return a.addr
}

// Authorize fails with ErrUnauthorized unless a is m's stored authority.
func (a Authority) Authorize(m *Market) error {
	if a.addr != m.Authority {
		return fmt.Errorf("%s is not authority of market %s: %w", a.addr.Short(), m.ID, ErrUnauthorized)
	}
	return nil
}
