// Package auth — инвайт-гейт сервиса: обмен инвайт-кода на токен доступа
// и проверка токена на входящих запросах.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Ошибки инвайт-гейта.
var (
	ErrInvalidInviteCode = errors.New("неверный инвайт-код")
	ErrInvalidToken      = errors.New("невалидный токен доступа")
)

// TokenStore хранит идентификаторы выданных токенов. Токен считается
// действительным, только пока его jti присутствует в хранилище —
// это позволяет отзывать токены, не меняя секрет подписи.
type TokenStore interface {
	Save(ctx context.Context, tokenID string, ttl time.Duration) error
	Exists(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID string) error
}

// Gate проверяет инвайт-коды и управляет токенами доступа.
type Gate struct {
	codes  map[string]struct{}
	secret []byte
	ttl    time.Duration
	tokens TokenStore
	logger *zap.Logger
}

// NewGate создает инвайт-гейт. Коды нормализуются к верхнему регистру —
// так же их вводит пользователь.
func NewGate(codes []string, secret string, ttl time.Duration, tokens TokenStore, logger *zap.Logger) *Gate {
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return &Gate{
		codes:  set,
		secret: []byte(secret),
		ttl:    ttl,
		tokens: tokens,
		logger: logger.Named("auth"),
	}
}

// Exchange обменивает инвайт-код на подписанный токен доступа.
func (g *Gate) Exchange(ctx context.Context, code string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := g.codes[normalized]; !ok {
		g.logger.Warn("Invite code rejected")
		return "", ErrInvalidInviteCode
	}

	tokenID := uuid.NewString()
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        tokenID,
		Issuer:    "tmdh-studio",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи токена: %w", err)
	}

	if err := g.tokens.Save(ctx, tokenID, g.ttl); err != nil {
		return "", fmt.Errorf("ошибка сохранения токена: %w", err)
	}

	g.logger.Info("Invite code exchanged for access token", zap.String("token_id", tokenID))
	return signed, nil
}

// Validate проверяет подпись токена и его присутствие в хранилище.
func (g *Gate) Validate(ctx context.Context, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("неожиданный метод подписи: %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.ID == "" {
		return ErrInvalidToken
	}
	exists, err := g.tokens.Exists(ctx, claims.ID)
	if err != nil {
		return fmt.Errorf("ошибка проверки токена: %w", err)
	}
	if !exists {
		return ErrInvalidToken
	}
	return nil
}
