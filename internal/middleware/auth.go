package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/voisinage/internal/logger"
	"github.com/voisinage/internal/model"
)

// Claims — токен провайдера аутентификации: sub — id пользователя, name и picture — профиль.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

var errNoSubject = errors.New("token has no subject")

// Verifier проверяет HS256-токены. issuer пустой — iss не проверяется.
type Verifier struct {
	secret []byte
	issuer string
}

func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify разбирает токен и возвращает вызывающего как участника бесед.
func (v *Verifier) Verify(token string) (model.Participant, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return model.Participant{}, err
	}
	if claims.Subject == "" {
		return model.Participant{}, errNoSubject
	}
	return model.Participant{ID: claims.Subject, DisplayName: claims.Name, AvatarURL: claims.Picture}, nil
}

// Sign выпускает токен для участника (dev-режим и тесты).
func (v *Verifier) Sign(p model.Participant, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:    p.DisplayName,
		Picture: p.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// bearerToken берёт токен из Authorization: Bearer, для WebSocket — из query ?token=.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// JWTAuth пропускает только запросы с действительным токеном; вызывающий кладётся в контекст.
func JWTAuth(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeUnauthorized(w)
				return
			}
			p, err := v.Verify(token)
			if err != nil {
				logger.Debugw("auth rejected", "token", MaskToken(token), "path", r.URL.Path, "reason", err.Error())
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipant(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
