package protocol

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCommitmentHashDeterministic(t *testing.T) {
	params := OrderParams{
		TokenIn:   "USDC",
		TokenOut:  "ETH",
		AmountIn:  1500,
		AmountOut: 1,
		Side:      "BUY",
	}

	require.Equal(t, CommitmentHash(params, 42), CommitmentHash(params, 42))
	require.NotEqual(t, CommitmentHash(params, 42), CommitmentHash(params, 43))
}

func TestCommitmentHashFieldSensitivity(t *testing.T) {
	base := OrderParams{
		TokenIn:   "USDC",
		TokenOut:  "ETH",
		AmountIn:  1500,
		AmountOut: 1,
		Side:      "BUY",
	}
	baseHash := CommitmentHash(base, 7)

	variants := []OrderParams{
		{TokenIn: "USDT", TokenOut: "ETH", AmountIn: 1500, AmountOut: 1, Side: "BUY"},
		{TokenIn: "USDC", TokenOut: "BTC", AmountIn: 1500, AmountOut: 1, Side: "BUY"},
		{TokenIn: "USDC", TokenOut: "ETH", AmountIn: 1501, AmountOut: 1, Side: "BUY"},
		{TokenIn: "USDC", TokenOut: "ETH", AmountIn: 1500, AmountOut: 2, Side: "BUY"},
		{TokenIn: "USDC", TokenOut: "ETH", AmountIn: 1500, AmountOut: 1, Side: "SELL"},
	}
	for _, v := range variants {
		require.NotEqual(t, baseHash, CommitmentHash(v, 7), "variant %+v must hash differently", v)
	}
}

// Length-prefixed field encoding must keep adjacent string fields from
// bleeding into each other.
func TestCommitmentHashFieldBoundaries(t *testing.T) {
	a := OrderParams{TokenIn: "AB", TokenOut: "C", AmountIn: 1, AmountOut: 1, Side: "BUY"}
	b := OrderParams{TokenIn: "A", TokenOut: "BC", AmountIn: 1, AmountOut: 1, Side: "BUY"}
	require.NotEqual(t, CommitmentHash(a, 1), CommitmentHash(b, 1))
}

func TestCommitmentHashProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		params := OrderParams{
			TokenIn:   rapid.StringMatching(`[A-Z]{2,6}`).Draw(t, "tokenIn"),
			TokenOut:  rapid.StringMatching(`[A-Z]{2,6}`).Draw(t, "tokenOut"),
			AmountIn:  rapid.Uint64().Draw(t, "amountIn"),
			AmountOut: rapid.Uint64().Draw(t, "amountOut"),
			Side:      rapid.SampledFrom([]string{"BUY", "SELL"}).Draw(t, "side"),
		}
		nonce := rapid.Uint64().Draw(t, "nonce")

		h := CommitmentHash(params, nonce)
		if h != CommitmentHash(params, nonce) {
			t.Fatalf("hash not deterministic for %+v", params)
		}
		if len(h) != 64 {
			t.Fatalf("expected 32-byte hex digest, got %q", h)
		}
		if h == CommitmentHash(params, nonce^1) {
			t.Fatalf("nonce change did not change hash for %+v", params)
		}
	})
}

func TestOfferCommitmentSequenceDistinct(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	a := OfferCommitment("offerer", "ETH", "USDC", 10, 15000, expiry, 1, 99)
	b := OfferCommitment("offerer", "ETH", "USDC", 10, 15000, expiry, 2, 99)
	require.NotEqual(t, a, b, "identical terms under different sequences must commit to distinct values")
}

func TestMessageTagSeparation(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)

	// Same field values, different message tags: no cross-replay.
	settle := SettlementHash("id", 10, 20, at)
	exec := ExecutionHash("id", 10, 20, at)
	require.NotEqual(t, settle, exec)

	update := UpdateHash("owner", 100, 1, at)
	require.NotEqual(t, settle, update)
	require.NotEqual(t, exec, update)
}

func TestSignAndRecover(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	identity := Identity(key.PubKey())
	require.Len(t, identity, 66) // compressed pubkey hex

	hash := SettlementHash("MTC_test", 1500, 1, time.Now())
	sig, err := SignHash(key, hash)
	require.NoError(t, err)

	signer, err := RecoverSigner(hash, sig)
	require.NoError(t, err)
	require.Equal(t, identity, signer)
}

func TestRecoverSignerWrongHash(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	hash := CloseHash("owner", 500)
	sig, err := SignHash(key, hash)
	require.NoError(t, err)

	// A valid signature over a different message recovers a different key.
	other := CloseHash("owner", 501)
	signer, err := RecoverSigner(other, sig)
	if err == nil {
		require.NotEqual(t, Identity(key.PubKey()), signer)
	}
}

func TestRecoverSignerGarbage(t *testing.T) {
	hash := CloseHash("owner", 500)
	_, err := RecoverSigner(hash, []byte{0x01, 0x02, 0x03})
	require.ErrorIs(t, err, ErrInvalidSignature)
}
