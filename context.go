package mtd

import "context"

type userIDKey struct{}

// WithUserID marks ctx as belonging to the authenticated application user.
// Session middleware in front of Handler calls it unless Config.SessionUser
// is set.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user stored by WithUserID, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}
