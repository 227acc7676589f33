// Package room issues join credentials for the external audio/video room
// service used by calls and streams.
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var ErrRoomClosed = errors.New("room: closed")

type Credential struct {
	RoomID    string    `json:"room_id"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer is the collaborator the call coordinator and the stream gate use.
type Issuer interface {
	IssueCredential(ctx context.Context, roomID, participantID string) (Credential, error)
	CloseRoom(ctx context.Context, roomID string) error
}

type VideoGrant struct {
	Room     string `json:"room"`
	RoomJoin bool   `json:"roomJoin"`
}

// Claims follow the access-token layout common to hosted SFUs: the API key
// is the issuer, the participant is the subject.
type Claims struct {
	Video VideoGrant `json:"video"`
	jwt.RegisteredClaims
}

type JWTIssuer struct {
	url       string
	apiKey    string
	apiSecret []byte
	ttl       time.Duration
	clock     clockwork.Clock

	mu     sync.Mutex
	closed map[string]bool
}

var _ Issuer = (*JWTIssuer)(nil)

func NewJWTIssuer(url, apiKey, apiSecret string, ttl time.Duration, clock clockwork.Clock) *JWTIssuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTIssuer{
		url:       url,
		apiKey:    apiKey,
		apiSecret: []byte(apiSecret),
		ttl:       ttl,
		clock:     clock,
		closed:    make(map[string]bool),
	}
}

func (i *JWTIssuer) IssueCredential(ctx context.Context, roomID, participantID string) (Credential, error) {
	i.mu.Lock()
	closed := i.closed[roomID]
	i.mu.Unlock()
	if closed {
		return Credential{}, ErrRoomClosed
	}

	now := i.clock.Now()
	expires := now.Add(i.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Video: VideoGrant{Room: roomID, RoomJoin: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   participantID,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	ss, err := token.SignedString(i.apiSecret)
	if err != nil {
		return Credential{}, err
	}
	return Credential{RoomID: roomID, Token: ss, URL: i.url, ExpiresAt: expires}, nil
}

// CloseRoom stops issuing credentials for roomID. Closing twice is fine.
func (i *JWTIssuer) CloseRoom(ctx context.Context, roomID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed[roomID] = true
	return nil
}

// Parse verifies a credential token and returns its claims.
func (i *JWTIssuer) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.apiSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.clock.Now))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
