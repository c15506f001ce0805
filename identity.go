package hpfeeds

import (
	"context"
	"strings"
)

// MetaSuffix marks a channel that carries join and leave announcements for
// the channel named by the rest of the string.
const MetaSuffix = "..broker"

// Identifier is an interface to abstract possible storage mechanisms for
// credentials. Possibilities include MongoDB, BoltDB, or flat config files.
// Identify returns ErrUnknownIdent when no such ident exists; other errors
// are treated as lookup failures.
type Identifier interface {
	Identify(ctx context.Context, ident string) (*Identity, error)
}

// IdentifierFunc adapts an ordinary function to the Identifier interface.
type IdentifierFunc func(ctx context.Context, ident string) (*Identity, error)

func (f IdentifierFunc) Identify(ctx context.Context, ident string) (*Identity, error) {
	return f(ctx, ident)
}

// IdentityResult is delivered by an AsyncIdentifier.
type IdentityResult struct {
	Identity *Identity
	Err      error
}

// AsyncIdentifier is a credential store that answers on a channel, for
// backends driven by their own event loop.
type AsyncIdentifier interface {
	IdentifyAsync(ctx context.Context, ident string) <-chan IdentityResult
}

// FromAsync wraps an AsyncIdentifier so the broker can wait on it.
func FromAsync(a AsyncIdentifier) Identifier {
	return IdentifierFunc(func(ctx context.Context, ident string) (*Identity, error) {
		select {
		case res, ok := <-a.IdentifyAsync(ctx, ident):
			if !ok {
				return nil, ErrUnknownIdent
			}
			return res.Identity, res.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Identity will be created for each connection to allow for authentication and
// easy pub/sub checks.
type Identity struct {
	Ident  string `yaml:"ident"`
	Secret string `yaml:"secret"`

	SubChannels []string `yaml:"subscribe"`
	PubChannels []string `yaml:"publish"`
}

// CanPublish reports whether channel is in the publish ACL.
func (i *Identity) CanPublish(channel string) bool {
	return i != nil && stringInSlice(channel, i.PubChannels)
}

// CanSubscribe reports whether channel is in the subscribe ACL. A meta
// channel is allowed when its base channel is.
func (i *Identity) CanSubscribe(channel string) bool {
	if i == nil {
		return false
	}
	if stringInSlice(channel, i.SubChannels) {
		return true
	}
	return IsMetaChannel(channel) && stringInSlice(BaseChannel(channel), i.SubChannels)
}

// BaseChannel strips MetaSuffix from channel.
func BaseChannel(channel string) string {
	return strings.TrimSuffix(channel, MetaSuffix)
}

// IsMetaChannel reports whether channel ends in MetaSuffix.
func IsMetaChannel(channel string) bool {
	return strings.HasSuffix(channel, MetaSuffix)
}
