package dispatcher

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/insightflow/types"
)

// Claims WebSocket 连接令牌的声明。
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier 校验 WebSocket 握手携带的 JWT（HMAC-SHA256）。
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier 创建令牌校验器。
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify 解析并校验令牌，返回声明。签名、过期、算法不匹配均拒绝。
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, types.NewError(types.ErrUnauthorized, "invalid or expired token").WithCause(err)
	}
	if claims.Subject == "" {
		return nil, types.NewError(types.ErrUnauthorized, "token missing subject")
	}
	return claims, nil
}

// Sign 签发令牌（测试与内部工具用）。
func (v *TokenVerifier) Sign(userID, name, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:  name,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
