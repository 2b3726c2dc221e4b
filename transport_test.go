package chainlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClient_RoundTrip(t *testing.T) {
	ts := newTestServer(t, testPasswordHash(t))
	client := NewHTTPClient(ts.URL + "/")
	ctx := context.Background()

	require.NoError(t, client.Login(ctx, testPassword))

	first, err := client.Append(ctx, "login", map[string]any{"user": "alice"})
	require.NoError(t, err)
	second, err := client.Append(ctx, "vote", map[string]any{"party": 2})
	require.NoError(t, err)
	assert.Equal(t, first.ChainHash, second.PrevHash)

	ok, n, err := client.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	recs, err := client.Entries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first.ChainHash, recs[0].ChainHash)
	assert.Equal(t, second.ChainHash, recs[1].ChainHash)
	assert.JSONEq(t, `{"party":2}`, string(recs[1].Details))
}

func TestHTTPClient_Unauthorized(t *testing.T) {
	ts := newTestServer(t, testPasswordHash(t))
	client := NewHTTPClient(ts.URL)
	ctx := context.Background()

	err := client.Login(ctx, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Append(ctx, "x", nil)
	assert.ErrorIs(t, err, ErrUnauthorized)

	client.SetToken("bogus")
	_, _, err = client.Verify(ctx)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = client.Entries(ctx, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHTTPClient_BadStatus(t *testing.T) {
	ts := newTestServer(t, testPasswordHash(t))
	client := NewHTTPClient(ts.URL)
	ctx := context.Background()
	require.NoError(t, client.Login(ctx, testPassword))

	_, err := client.Entries(ctx, MaxEntriesLimit+1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")

	_, err = client.Append(ctx, "", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}
