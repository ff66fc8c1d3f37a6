package packs

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"
)

// NormalizeIdentity canonicalises a player UUID and client address so that
// every transport maps the same client to the same limiter key. The address
// may carry a port or zone; IPv4-mapped IPv6 addresses become plain IPv4.
func NormalizeIdentity(playerID, address string) (Identity, error) {
	player, err := uuid.Parse(strings.TrimSpace(playerID))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: player_id: %v", ErrInvalidIdentity, err)
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: address: %v", ErrInvalidIdentity, err)
	}
	return Identity{PlayerID: player.String(), Address: addr.String()}, nil
}

// ParseAddress accepts a bare IP or ip:port.
func ParseAddress(raw string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, errors.New("empty")
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		ap, perr := netip.ParseAddrPort(raw)
		if perr != nil {
			return netip.Addr{}, err
		}
		addr = ap.Addr()
	}
	return addr.WithZone("").Unmap(), nil
}

type identityContextKey struct{}

// WithIdentity stores the identity a resolution runs for, so asset stores can
// scope per-client state such as issued URLs.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}
