package storage

import (
	"context"
	"errors"

	"github.com/returnloop/api/internal/platform/auth"
)

// ErrPermissionDenied is returned when the caller may not read the object.
var ErrPermissionDenied = errors.New("storage: permission denied")

// AuthorizeDownload decides whether identity may read an object belonging to
// ownerID. Owners read their own evidence; staff and admins read everything.
func AuthorizeDownload(identity *auth.Identity, ownerID string, allowAnonymous bool) error {
	if allowAnonymous {
		return nil
	}
	switch {
	case identity == nil:
		return ErrPermissionDenied
	case ownerID != "" && identity.UID == ownerID:
		return nil
	case identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin):
		return nil
	default:
		return ErrPermissionDenied
	}
}

// AuthorizeDownloadFromContext resolves the identity from ctx before applying
// the same ownership check.
func AuthorizeDownloadFromContext(ctx context.Context, ownerID string, allowAnonymous bool) (*auth.Identity, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok && !allowAnonymous {
		return nil, ErrPermissionDenied
	}
	if err := AuthorizeDownload(identity, ownerID, allowAnonymous); err != nil {
		return nil, err
	}
	return identity, nil
}
