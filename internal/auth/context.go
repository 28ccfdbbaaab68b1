package auth

import (
	"context"

	"agnt-platform/internal/storage"
)

// userKey 是上下文中存储用户的键类型。
type userKey struct{}

// WithUser 将经过身份验证的用户存储到上下文中。
func WithUser(ctx context.Context, user *storage.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext 从上下文中提取用户，匿名请求返回 nil。
func UserFromContext(ctx context.Context) *storage.User {
	if ctx == nil {
		return nil
	}
	if user, ok := ctx.Value(userKey{}).(*storage.User); ok {
		return user
	}
	return nil
}
