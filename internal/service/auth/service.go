// Package auth 可选的 JWT 身份校验
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNotConfigured 未配置密钥
	ErrNotConfigured = errors.New("auth: jwt secret not configured")
	// ErrInvalidToken 令牌无效或已过期
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims 令牌中的用户信息
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Validator 校验 HS256 令牌
type Validator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewValidator 创建校验器，secret 为空时所有令牌都视为无效
func NewValidator(secret, issuer string) *Validator {
	return &Validator{
		secret: []byte(strings.TrimSpace(secret)),
		issuer: issuer,
		now:    time.Now,
	}
}

// Enabled 是否配置了密钥
func (v *Validator) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Validate 验证令牌
func (v *Validator) Validate(tokenString string) (Claims, error) {
	if !v.Enabled() {
		return Claims{}, ErrNotConfigured
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims, nil
}

// Issue 签发令牌，供测试与内部工具使用
func (v *Validator) Issue(userID string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", ErrNotConfigured
	}
	now := v.now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
