// ABOUTME: Request context carrying the authenticated website
// ABOUTME: Provides WithWebsite/WebsiteFromContext for handlers behind token auth

package auth

import (
	"context"

	"github.com/2389/ria-gateway/internal/store"
)

// WebsiteAuth is the identity behind a valid website token.
type WebsiteAuth struct {
	Token   string
	Website *store.Website
}

// websiteContextKey is the key type for storing WebsiteAuth in context.Context.
type websiteContextKey struct{}

// WithWebsite returns a new context with the WebsiteAuth attached.
func WithWebsite(ctx context.Context, auth *WebsiteAuth) context.Context {
	return context.WithValue(ctx, websiteContextKey{}, auth)
}

// WebsiteFromContext retrieves the WebsiteAuth from the context, returning nil if not present.
func WebsiteFromContext(ctx context.Context) *WebsiteAuth {
	auth, _ := ctx.Value(websiteContextKey{}).(*WebsiteAuth)
	return auth
}
