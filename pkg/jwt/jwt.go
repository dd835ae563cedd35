package jwt

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"im-chat/config"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// ErrEmptyToken 未携带令牌
var ErrEmptyToken = errors.New("token is empty")

// JWTService 签发与校验 HS256 访问令牌
// Subject 存放用户ID，即聊天中的发送者/拉黑者/回应者身份
type JWTService struct {
	secretKey   []byte
	issuer      string
	expireAfter time.Duration
	parser      *jwtv5.Parser
	now         func() time.Time
}

// CustomClaims 令牌载荷
type CustomClaims struct {
	Name string `json:"name,omitempty"` // 用户名，仅用于展示
	jwtv5.RegisteredClaims
}

// NewJWTService 创建 JWT 服务
func NewJWTService(cfg config.JWTConfig) *JWTService {
	s := &JWTService{
		secretKey:   []byte(cfg.Secret),
		issuer:      cfg.Issuer,
		expireAfter: cfg.ExpireTime,
		now:         time.Now,
	}
	s.parser = jwtv5.NewParser(
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithIssuer(cfg.Issuer),
		jwtv5.WithExpirationRequired(),
		jwtv5.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s
}

// GenerateToken 为用户签发访问令牌
func (s *JWTService) GenerateToken(userID uint, username string) (string, error) {
	if userID == 0 {
		return "", errors.New("userID is required")
	}

	now := s.now()
	claims := &CustomClaims{
		Name: username,
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatUint(uint64(userID), 10),
			IssuedAt:  jwtv5.NewNumericDate(now),
			NotBefore: jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(now.Add(s.expireAfter)),
		},
	}

	signed, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token failed: %w", err)
	}
	return signed, nil
}

// ValidateToken 校验签名、签发者与有效期并返回载荷
func (s *JWTService) ValidateToken(tokenString string) (*CustomClaims, error) {
	if tokenString == "" {
		return nil, ErrEmptyToken
	}
	claims := &CustomClaims{}
	_, err := s.parser.ParseWithClaims(tokenString, claims, func(*jwtv5.Token) (interface{}, error) {
		return s.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token failed: %w", err)
	}
	return claims, nil
}

// UserID 解析 Subject 中的用户ID
func (c *CustomClaims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid subject %q", c.Subject)
	}
	return uint(id), nil
}

// Username 令牌中的用户名
func (c *CustomClaims) Username() string { return c.Name }
