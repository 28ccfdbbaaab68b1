// Package auth 校验聊天平台 Mini App 传入的签名 initData，并把调用方身份放入请求上下文。
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "agnt-platform/internal/errors"
)

// HeaderInitData 是携带签名数据的请求头。
const HeaderInitData = "X-Telegram-Init-Data"

// DefaultMaxAge 是签名数据的默认有效期。
const DefaultMaxAge = 24 * time.Hour

// secretSeed 是派生签名密钥时使用的固定 key。
const secretSeed = "WebAppData"

var (
	// ErrMalformed 表示 initData 无法解析。
	ErrMalformed = xerrors.New(xerrors.CodeUnauthenticated, "malformed init data")
	// ErrInvalidSignature 表示签名不匹配。
	ErrInvalidSignature = xerrors.New(xerrors.CodeUnauthenticated, "invalid init data signature")
	// ErrExpired 表示签名数据已过期。
	ErrExpired = xerrors.New(xerrors.CodeUnauthenticated, "init data expired")
	// ErrNoUser 表示签名数据中没有用户。
	ErrNoUser = xerrors.New(xerrors.CodeUnauthenticated, "init data has no user")
)

// Identity 是从 initData 中解析出的调用方。
type Identity struct {
	TelegramID string
	Username   string
	FirstName  string
	AuthDate   time.Time
}

type initUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Verifier 校验 initData 的 HMAC-SHA256 签名。
type Verifier struct {
	botToken string
	maxAge   time.Duration
	now      func() time.Time
}

// VerifierOption 配置 Verifier。
type VerifierOption func(*Verifier)

// WithMaxAge 设置有效期，<=0 表示不检查 auth_date。
func WithMaxAge(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxAge = d }
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 创建 Verifier。botToken 为空时只解析不验签，仅用于本地开发。
func NewVerifier(botToken string, opts ...VerifierOption) *Verifier {
	v := &Verifier{botToken: strings.TrimSpace(botToken), maxAge: DefaultMaxAge, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Enforcing 报告是否会校验签名。
func (v *Verifier) Enforcing() bool {
	return v != nil && v.botToken != ""
}

// Verify 解析并校验 initData。
func (v *Verifier) Verify(raw string) (*Identity, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, ErrMalformed
	}
	hash := values.Get("hash")
	values.Del("hash")

	if v.Enforcing() {
		if hash == "" {
			return nil, ErrInvalidSignature
		}
		expected := Sign(v.botToken, values)
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
			return nil, ErrInvalidSignature
		}
	}

	var authDate time.Time
	if rawDate := values.Get("auth_date"); rawDate != "" {
		secs, err := strconv.ParseInt(rawDate, 10, 64)
		if err != nil {
			return nil, ErrMalformed
		}
		authDate = time.Unix(secs, 0).UTC()
	}
	if v.Enforcing() && v.maxAge > 0 {
		if authDate.IsZero() || v.now().Sub(authDate) > v.maxAge {
			return nil, ErrExpired
		}
	}

	var user initUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil {
		return nil, ErrMalformed
	}
	if user.ID == 0 {
		return nil, ErrNoUser
	}
	first := user.FirstName
	if first == "" {
		first = "User"
	}
	return &Identity{
		TelegramID: strconv.FormatInt(user.ID, 10),
		Username:   user.Username,
		FirstName:  first,
		AuthDate:   authDate,
	}, nil
}

// Sign 计算 initData 的十六进制签名：字段按 key 排序后以换行拼接，
// 密钥为 HMAC("WebAppData", botToken)。
func Sign(botToken string, values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte(secretSeed))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
