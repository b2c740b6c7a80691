// Package actions applies creator actions (spec.md §3, invariant 5) —
// operator-submitted changes to a channel record — after verifying the
// action's JWT signature and its replay guard: the embedded timestamp must
// strictly exceed the channel's stored lastActedAt. Grounded on the
// teacher's auth.JWTManager token-validation shape, generalized from
// session login claims to a domain action envelope.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chainmirror/synch/internal/store"
)

// Kind enumerates the creator-action kinds this processor accepts.
type Kind string

const (
	// KindIngestChannel onboards or updates a channel's on-chain linkage.
	KindIngestChannel Kind = "IngestChannel"
	// KindSetParticipationStatus changes a channel's YPP participation
	// status, e.g. suspending or opting it out.
	KindSetParticipationStatus Kind = "SetParticipationStatus"
)

// Claims is the JWT payload carrying one creator action. The action's
// timestamp rides on the standard IssuedAt claim so every kind carries it
// the same way.
type Claims struct {
	ChannelID string `json:"channelId"`
	Kind      Kind   `json:"kind"`

	// JoystreamChannelID and UploadsPlaylistID are set by IngestChannel.
	JoystreamChannelID string `json:"joystreamChannelId,omitempty"`
	UploadsPlaylistID  string `json:"uploadsPlaylistId,omitempty"`

	// YppStatus and SuspendReason are set by SetParticipationStatus.
	YppStatus     string `json:"yppStatus,omitempty"`
	SuspendReason string `json:"suspendReason,omitempty"`

	jwt.RegisteredClaims
}

// Timestamp is the action's embedded timestamp.
func (c Claims) Timestamp() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time
}

// ChannelStore is the subset of store.Store the processor depends on.
type ChannelStore interface {
	GetChannel(ctx context.Context, userID, channelID string) (store.Channel, bool, error)
	PutChannel(ctx context.Context, c store.Channel) error
}

// ErrReplay is returned when the action's timestamp does not strictly
// exceed the channel's stored lastActedAt.
var ErrReplay = errors.New("action rejected: timestamp does not exceed channel lastActedAt")

// ErrChannelMismatch is returned when the token's channelId claim does not
// match the target the caller named.
var ErrChannelMismatch = errors.New("action rejected: token channel does not match target")

// Processor verifies and applies creator actions against the state store.
type Processor struct {
	secret   []byte
	channels ChannelStore
}

// NewProcessor builds a Processor that verifies HS256-signed tokens against
// secret — the same operator owner key config.ValidateHTTPAdmin requires be
// present before any admin surface starts.
func NewProcessor(secret []byte, channels ChannelStore) *Processor {
	return &Processor{secret: secret, channels: channels}
}

// Apply verifies tokenString, checks the replay guard, and applies the
// action to the (userID, channelID) channel. A rejected replay or signature
// leaves the channel record untouched.
func (p *Processor) Apply(ctx context.Context, userID, channelID, tokenString string) error {
	claims, err := p.verify(tokenString)
	if err != nil {
		return err
	}
	if claims.ChannelID != channelID {
		return ErrChannelMismatch
	}

	ch, found, err := p.channels.GetChannel(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if !found {
		ch = store.Channel{UserID: userID, ChannelID: channelID}
	}

	ts := claims.Timestamp()
	if !ts.After(ch.LastActedAt) {
		return ErrReplay
	}

	switch claims.Kind {
	case KindIngestChannel:
		ch.JoystreamChannelID = claims.JoystreamChannelID
		ch.UploadsPlaylistID = claims.UploadsPlaylistID
		ch.ShouldBeIngested = true
	case KindSetParticipationStatus:
		ch.YppStatus = claims.YppStatus
		ch.SuspendReason = claims.SuspendReason
	default:
		return fmt.Errorf("unsupported action kind %q", claims.Kind)
	}

	ch.LastActedAt = ts
	ch.UpdatedAt = time.Now().UTC()
	return p.channels.PutChannel(ctx, ch)
}

func (p *Processor) verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse action token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid action token")
	}
	return claims, nil
}
