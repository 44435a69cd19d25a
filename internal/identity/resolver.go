package identity

import (
	"context"
	"strings"
)

// Resolver supplies the local user's identifier. An empty identifier with a
// nil error means the identity is not yet resolved; callers treat that as a
// silent no-op rather than a failure.
type Resolver interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// FixedResolver returns an identifier established at agent startup, typically
// from configuration populated by the external sign-in flow.
type FixedResolver struct {
	userID string
}

// NewFixedResolver constructs a FixedResolver. An empty id is allowed and
// models the signed-out state.
func NewFixedResolver(userID string) *FixedResolver {
	return &FixedResolver{userID: strings.TrimSpace(userID)}
}

// CurrentUserID implements Resolver.
func (r *FixedResolver) CurrentUserID(context.Context) (string, error) {
	return r.userID, nil
}
