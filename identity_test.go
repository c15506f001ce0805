package hpfeeds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentity_ACL(t *testing.T) {
	id := &Identity{
		Ident:       "sensor1",
		SubChannels: []string{"alerts", "x"},
		PubChannels: []string{"alerts"},
	}

	require.True(t, id.CanPublish("alerts"))
	require.False(t, id.CanPublish("x"))
	require.False(t, id.CanPublish("alerts..broker"))

	require.True(t, id.CanSubscribe("alerts"))
	require.True(t, id.CanSubscribe("x..broker"))
	require.False(t, id.CanSubscribe("y"))
	require.False(t, id.CanSubscribe("y..broker"))
	require.False(t, id.CanSubscribe("..broker"))

	var none *Identity
	require.False(t, none.CanPublish("alerts"))
	require.False(t, none.CanSubscribe("alerts"))
}

func TestMetaChannel(t *testing.T) {
	require.True(t, IsMetaChannel("alerts..broker"))
	require.False(t, IsMetaChannel("alerts.broker"))
	require.Equal(t, "alerts", BaseChannel("alerts..broker"))
	require.Equal(t, "alerts", BaseChannel("alerts"))
}

func TestIdentifierFunc(t *testing.T) {
	var got string
	db := IdentifierFunc(func(_ context.Context, ident string) (*Identity, error) {
		got = ident
		return &Identity{Ident: ident}, nil
	})
	id, err := db.Identify(context.Background(), "sensor1")
	require.NoError(t, err)
	require.Equal(t, "sensor1", id.Ident)
	require.Equal(t, "sensor1", got)
}

type asyncDB struct {
	delay time.Duration
	ids   map[string]Identity
}

func (a asyncDB) IdentifyAsync(_ context.Context, ident string) <-chan IdentityResult {
	ch := make(chan IdentityResult, 1)
	go func() {
		defer close(ch)
		time.Sleep(a.delay)
		id, ok := a.ids[ident]
		if !ok {
			return
		}
		ch <- IdentityResult{Identity: &id}
	}()
	return ch
}

func TestFromAsync(t *testing.T) {
	db := FromAsync(asyncDB{ids: map[string]Identity{"sensor1": {Ident: "sensor1", Secret: "s"}}})

	id, err := db.Identify(context.Background(), "sensor1")
	require.NoError(t, err)
	require.Equal(t, "s", id.Secret)

	_, err = db.Identify(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrUnknownIdent)
}

func TestFromAsync_Cancelled(t *testing.T) {
	db := FromAsync(asyncDB{delay: 50 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	_, err := db.Identify(ctx, "sensor1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Let the lookup goroutine finish before goleak runs.
	time.Sleep(100 * time.Millisecond)
}
