package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/krshsl/praxis/proctor/websocket"
)

// DefaultRoomTokenTTL bounds how long a relay access token can be used to join.
const DefaultRoomTokenTTL = 2 * time.Hour

// RoomClaims grant one participant access to one interview room.
type RoomClaims struct {
	Room     string         `json:"room"`
	Identity string         `json:"identity"`
	Role     websocket.Role `json:"role"`
	jwt.RegisteredClaims
}

type RoomTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewRoomTokens(secret string, ttl time.Duration) *RoomTokens {
	if ttl <= 0 {
		ttl = DefaultRoomTokenTTL
	}
	return &RoomTokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *RoomTokens) Issue(room, identity string, role websocket.Role) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := &RoomClaims{
		Room:     room,
		Identity: identity,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign room token: %w", err)
	}
	return signed, expires, nil
}

func (t *RoomTokens) Verify(token string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse room token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid room token")
	}
	switch claims.Role {
	case websocket.RoleCandidate, websocket.RoleAgent:
	default:
		return nil, fmt.Errorf("unknown room role %q", claims.Role)
	}
	if claims.Room == "" {
		return nil, errors.New("room token has no room")
	}
	return claims, nil
}
