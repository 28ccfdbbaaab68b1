package auth

import (
	"context"
	"log/slog"
	"net/http"

	"agnt-platform/internal/storage"
	loggerpkg "agnt-platform/pkg/logger"
)

// UserUpserter 由 storage.UserRepository 实现。
type UserUpserter interface {
	UpsertUser(ctx context.Context, user *storage.User) (*storage.User, error)
}

// Middleware 解析签名头并写入用户档案。没有签名头或校验失败的请求按匿名处理，
// 需要身份的接口自行返回 401。
func Middleware(verifier *Verifier, users UserUpserter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderInitData)
			if raw == "" || verifier == nil || users == nil {
				next.ServeHTTP(w, r)
				return
			}
			// 校验签名。
			identity, err := verifier.Verify(raw)
			if err != nil {
				loggerpkg.Audit().Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			// 写入用户档案。
			user, err := users.UpsertUser(r.Context(), &storage.User{
				TelegramID: identity.TelegramID,
				Username:   identity.Username,
				FirstName:  identity.FirstName,
			})
			if err != nil {
				loggerpkg.Named("auth").Error("写入用户失败", slog.Any("error", err), slog.String("telegram_id", identity.TelegramID))
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
