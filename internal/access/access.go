// Package access decides what a user may do with a channel.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/hookbox/internal/db"
)

// ErrForbidden is returned when the user has no, or not enough, access to a channel.
var ErrForbidden = errors.New("forbidden")

// Level is a user's effective access to one channel.
type Level int

const (
	LevelNone Level = iota
	LevelMember
	LevelOwner
)

func (l Level) String() string {
	switch l {
	case LevelOwner:
		return "owner"
	case LevelMember:
		return "member"
	default:
		return "none"
	}
}

// CanRead reports whether the level grants read access
func (l Level) CanRead() bool { return l >= LevelMember }

// Resolve computes the effective access level. Ownership wins over membership.
func Resolve(channel *db.Channel, userID uuid.UUID, isMember bool) Level {
	switch {
	case channel == nil:
		return LevelNone
	case channel.UserID == userID:
		return LevelOwner
	case isMember:
		return LevelMember
	default:
		return LevelNone
	}
}

// Store is the storage the checker reads from.
type Store interface {
	GetChannel(ctx context.Context, id uuid.UUID) (*db.Channel, error)
	IsMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
}

// Checker evaluates access against current storage on every call.
type Checker struct {
	store Store
}

func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// Check loads the channel and returns the user's level. It fails with
// db.ErrNotFound for a missing channel and ErrForbidden when the level is
// below min.
func (c *Checker) Check(ctx context.Context, channelID, userID uuid.UUID, min Level) (*db.Channel, Level, error) {
	ch, err := c.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, LevelNone, err
	}

	isMember := false
	if ch.UserID != userID {
		isMember, err = c.store.IsMember(ctx, channelID, userID)
		if err != nil {
			return nil, LevelNone, fmt.Errorf("check membership: %w", err)
		}
	}

	level := Resolve(ch, userID, isMember)
	if level < min || level == LevelNone {
		return ch, level, ErrForbidden
	}
	return ch, level, nil
}
