package custody_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/platform/custody"
	"github.com/alanyoungcy/lmsrmarket/internal/wad"
)

const (
	alice  = "0x00000000000000000000000000000000000000A1"
	devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func TestMemory_PullPush(t *testing.T) {
	ctx := context.Background()
	m := custody.NewMemory()
	m.Deposit(alice, wad.New(10))

	require.NoError(t, m.Pull(ctx, alice, wad.New(4)))
	assert.Equal(t, wad.New(6).Dec(), m.Balance(alice).Dec())
	assert.Equal(t, wad.New(4).Dec(), m.Held().Dec())

	err := m.Pull(ctx, alice, wad.New(7))
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	require.NoError(t, m.Push(ctx, alice, wad.New(1)))
	assert.Equal(t, wad.New(7).Dec(), m.Balance(alice).Dec())

	err = m.Push(ctx, alice, wad.New(100))
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	boom := errors.New("transfer rejected")
	m.OnPush(func(string, *uint256.Int) error { return boom })
	assert.ErrorIs(t, m.Push(ctx, alice, wad.New(1)), boom)
	assert.Equal(t, wad.New(3).Dec(), m.Held().Dec())
}

type recorder struct {
	mu    sync.Mutex
	pulls []string
	pushs []string
}

func (r *recorder) PullUnits(_ context.Context, _ string, units *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, units.Dec())
	return nil
}

func (r *recorder) PushUnits(_ context.Context, _ string, units *uint256.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushs = append(r.pushs, units.Dec())
	return nil
}

func TestScaled_RoundsAgainstUser(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	s, err := custody.NewScaled(rec, 6)
	require.NoError(t, err)

	amount := wad.MustParse("1.0000001") // sub-unit dust for a 6 decimal asset
	require.NoError(t, s.Pull(ctx, alice, amount))
	require.NoError(t, s.Push(ctx, alice, amount))
	assert.Equal(t, []string{"1000001"}, rec.pulls)
	assert.Equal(t, []string{"1000000"}, rec.pushs)

	// Dust below one unit is not pushed at all.
	require.NoError(t, s.Push(ctx, alice, uint256.NewInt(1)))
	assert.Len(t, rec.pushs, 1)

	_, err = custody.NewScaled(rec, 19)
	assert.Error(t, err)
}

func TestClient_Transfer(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ok := auth.Verify(r.Method, r.URL.Path, string(body),
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature), time.Now(), time.Minute)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, json.Unmarshal(body, &got))
		if got["amount"] == "999" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"status":"error","code":"insufficient_funds","error":"balance 5"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	signer, err := crypto.NewSigner(devKey, 137)
	require.NoError(t, err)
	c := custody.NewClient(srv.URL, signer, auth, time.Second)
	ctx := context.Background()

	require.NoError(t, c.PullUnits(ctx, alice, uint256.NewInt(25)))
	assert.Equal(t, "pull", got["direction"])
	assert.Equal(t, "25", got["amount"])
	assert.Equal(t, signer.Address(), got["signer"])
	assert.NotEmpty(t, got["signature"])

	require.NoError(t, c.PushUnits(ctx, alice, uint256.NewInt(3)))
	assert.Equal(t, "push", got["direction"])

	err = c.PullUnits(ctx, alice, uint256.NewInt(999))
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	bad := custody.NewClient(srv.URL, signer, &crypto.HMACAuth{Key: "k", Secret: "wrong"}, time.Second)
	assert.Error(t, bad.PushUnits(ctx, alice, uint256.NewInt(1)))
}
