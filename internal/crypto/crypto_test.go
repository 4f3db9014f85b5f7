package crypto_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lmsrmarket/internal/crypto"
	"github.com/alanyoungcy/lmsrmarket/internal/domain"
)

// Well-known development key (hardhat account 0).
const (
	devKey  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := crypto.EncryptKey("0x"+devKey, "hunter2")
	require.NoError(t, err)

	got, err := crypto.DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, devKey, got)

	_, err = crypto.DecryptKey(blob, "wrong")
	assert.Error(t, err)

	_, err = crypto.EncryptKey("abcd", "pw")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	got, err := crypto.LoadKey(crypto.KeySource{RawKey: "0x" + strings.ToUpper(devKey)})
	require.NoError(t, err)
	assert.Equal(t, devKey, got)

	blob, err := crypto.EncryptKey(devKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = crypto.LoadKey(crypto.KeySource{KeyFile: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, devKey, got)

	_, err = crypto.LoadKey(crypto.KeySource{})
	assert.Error(t, err)
}

func TestSigner_ClaimRoundTrip(t *testing.T) {
	s, err := crypto.NewSigner(devKey, 31337)
	require.NoError(t, err)
	assert.Equal(t, devAddr, s.Address())

	claim := domain.Claim{
		MarketID:   7,
		Outcome:    1,
		Asserter:   devAddr,
		AssertedAt: time.Unix(1_700_000_000, 0),
	}
	sig, err := s.SignClaim(claim)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	signer, err := crypto.RecoverClaimSigner(claim, 31337, sig)
	require.NoError(t, err)
	assert.Equal(t, devAddr, signer)

	// A different chain id yields a different digest and signer.
	if other, err := crypto.RecoverClaimSigner(claim, 1, sig); err == nil {
		assert.NotEqual(t, devAddr, other)
	}
}

func TestSigner_TransferHashBindsFields(t *testing.T) {
	var id [32]byte
	id[31] = 1
	a := crypto.TransferHash(devAddr, uint256.NewInt(5), crypto.DirectionPull, id)
	b := crypto.TransferHash(devAddr, uint256.NewInt(5), crypto.DirectionPush, id)
	c := crypto.TransferHash(devAddr, uint256.NewInt(6), crypto.DirectionPull, id)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)

	s, err := crypto.NewSigner(devKey, 137)
	require.NoError(t, err)
	sig, err := s.SignTransfer(devAddr, uint256.NewInt(5), crypto.DirectionPull, id)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, "0x"))
}

func TestHMACAuth(t *testing.T) {
	h := &crypto.HMACAuth{Key: "key-1", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)
	headers := h.HeadersAt("POST", "/v1/pull", `{"a":1}`, now.Unix())

	assert.Equal(t, "key-1", headers[crypto.HeaderAPIKey])
	ts, sig := headers[crypto.HeaderTimestamp], headers[crypto.HeaderSignature]
	assert.True(t, h.Verify("POST", "/v1/pull", `{"a":1}`, ts, sig, now, time.Minute))
	assert.False(t, h.Verify("POST", "/v1/pull", `{"a":2}`, ts, sig, now, time.Minute))
	assert.False(t, h.Verify("POST", "/v1/pull", `{"a":1}`, ts, sig, now.Add(time.Hour), time.Minute))
	assert.NotContains(t, h.String(), "s3cret")
}
