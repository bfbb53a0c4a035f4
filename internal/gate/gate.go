// Package gate decides, per principal and per named channel, whether a
// subscription is allowed and what presence metadata to publish.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/parley-chat/parley/internal/event"
)

// ErrChannelDenied covers both "not authorized" and "channel does not exist".
// A caller who is not a member must not be able to tell the two apart.
var ErrChannelDenied = errors.New("gate: channel denied")

// ErrBadChannel is returned for names that match no known naming convention.
var ErrBadChannel = errors.New("gate: malformed channel name")

type ChannelKind int

const (
	// ChannelPresence is conversation.{id} — roster visible to members.
	ChannelPresence ChannelKind = iota + 1
	// ChannelPrivate is user.{id} — only that principal may subscribe.
	ChannelPrivate
	// ChannelPublic is online-users — any authenticated principal.
	ChannelPublic
)

// Channel is a parsed channel name.
type Channel struct {
	Name           string
	Kind           ChannelKind
	ConversationID int64 // set for ChannelPresence
	UserID         int64 // set for ChannelPrivate
}

const onlineUsersName = "online-users"

// ConversationChannel builds the presence channel name for a conversation.
func ConversationChannel(conversationID int64) string {
	return "conversation." + strconv.FormatInt(conversationID, 10)
}

// UserChannel builds the private channel name for a principal.
func UserChannel(userID int64) string {
	return "user." + strconv.FormatInt(userID, 10)
}

// OnlineUsersChannel is the public global-presence channel name.
func OnlineUsersChannel() string { return onlineUsersName }

// ParseChannel maps a subscription name onto one of the three channel kinds.
func ParseChannel(name string) (Channel, error) {
	if name == onlineUsersName {
		return Channel{Name: name, Kind: ChannelPublic}, nil
	}
	if rest, ok := strings.CutPrefix(name, "conversation."); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return Channel{}, fmt.Errorf("%w: %q", ErrBadChannel, name)
		}
		return Channel{Name: name, Kind: ChannelPresence, ConversationID: id}, nil
	}
	if rest, ok := strings.CutPrefix(name, "user."); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || id <= 0 {
			return Channel{}, fmt.Errorf("%w: %q", ErrBadChannel, name)
		}
		return Channel{Name: name, Kind: ChannelPrivate, UserID: id}, nil
	}
	return Channel{}, fmt.Errorf("%w: %q", ErrBadChannel, name)
}

// MembershipLookup answers whether a principal is a current (non-departed)
// member of a conversation. A missing conversation reports false, not an
// error — the gate folds both into the same denial.
type MembershipLookup interface {
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
}

// Directory resolves a principal's presence metadata.
type Directory interface {
	Member(ctx context.Context, userID int64) (event.Member, error)
}

// Grant is a successful authorization. Member is non-nil when the subscriber's
// identity should be published into the channel roster.
type Grant struct {
	Channel Channel
	Member  *event.Member
}

type Gate struct {
	members MembershipLookup
	users   Directory
}

func New(members MembershipLookup, users Directory) *Gate {
	return &Gate{members: members, users: users}
}

// Authorize checks (principal, channel name) and returns a grant or a denial.
// Denials never reveal whether the channel exists.
func (g *Gate) Authorize(ctx context.Context, userID int64, name string) (Grant, error) {
	ch, err := ParseChannel(name)
	if err != nil {
		return Grant{}, err
	}

	switch ch.Kind {
	case ChannelPresence:
		ok, err := g.members.IsMember(ctx, ch.ConversationID, userID)
		if err != nil {
			return Grant{}, fmt.Errorf("membership lookup: %w", err)
		}
		if !ok {
			return Grant{}, ErrChannelDenied
		}
		m, err := g.users.Member(ctx, userID)
		if err != nil {
			return Grant{}, fmt.Errorf("member lookup: %w", err)
		}
		m.Online = true
		return Grant{Channel: ch, Member: &m}, nil

	case ChannelPrivate:
		if ch.UserID != userID {
			return Grant{}, ErrChannelDenied
		}
		return Grant{Channel: ch}, nil

	case ChannelPublic:
		m, err := g.users.Member(ctx, userID)
		if err != nil {
			return Grant{}, fmt.Errorf("member lookup: %w", err)
		}
		m.Online = true
		return Grant{Channel: ch, Member: &m}, nil
	}
	return Grant{}, fmt.Errorf("%w: %q", ErrBadChannel, name)
}
