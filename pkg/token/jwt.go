// Package token 提供了用于生成和验证 JSON Web Tokens (JWT) 的功能。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager 负责管理客户端令牌的生成和验证。
type JWTManager struct {
	secretKey []byte
	tokenDur  time.Duration
	now       func() time.Time
}

// ClientClaims 中 Subject 即客户端 ID，每个客户端拥有独立的会话与历史。
type ClientClaims struct {
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
func NewJWTManager(secret string, expireHours int) *JWTManager {
	return &JWTManager{
		secretKey: []byte(secret),
		tokenDur:  time.Hour * time.Duration(expireHours),
		now:       time.Now,
	}
}

// GenerateToken 为给定客户端签发令牌。
func (m *JWTManager) GenerateToken(clientID string) (string, error) {
	if clientID == "" {
		return "", errors.New("empty client id")
	}
	now := m.now()
	claims := ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证令牌并返回其中的客户端 ID。
func (m *JWTManager) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*ClientClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}
