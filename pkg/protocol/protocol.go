// Package protocol implements the canonical message hashing and signature
// recovery scheme shared by the settlement core and its off-chain callers.
// Every hash is computed over a versioned tag followed by a fixed field
// ordering; changing either is a breaking protocol change.
package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Version tags. Each message type carries its own tag so a signature over one
// message can never be replayed as another.
const (
	tagOrderCommit   = "veilex/v1/order-commit"
	tagOfferCommit   = "veilex/v1/offer-commit"
	tagExecution     = "veilex/v1/execution"
	tagSettlement    = "veilex/v1/settle"
	tagChannelUpdate = "veilex/v1/channel-update"
	tagChannelClose  = "veilex/v1/channel-close"
)

var ErrInvalidSignature = errors.New("invalid signature")

// OrderParams is the hidden order tuple a trader commits to. The field order
// here is the field order of the commitment preimage.
type OrderParams struct {
	TokenIn   string `json:"token_in"`
	TokenOut  string `json:"token_out"`
	AmountIn  uint64 `json:"amount_in"`
	AmountOut uint64 `json:"amount_out"`
	Side      string `json:"side"` // BUY or SELL
}

func writeString(h hash.Hash, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func writeUint64(h hash.Hash, v uint64) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], v)
	h.Write(n[:])
}

func writeInt64(h hash.Hash, v int64) {
	writeUint64(h, uint64(v))
}

// CommitmentHash derives the order commitment from the order parameters and
// the trader's secret nonce. Reveal recomputes this exact hash; any field
// change between commit and reveal produces a mismatch.
func CommitmentHash(params OrderParams, secretNonce uint64) string {
	h := sha256.New()
	writeString(h, tagOrderCommit)
	writeString(h, params.TokenIn)
	writeString(h, params.TokenOut)
	writeUint64(h, params.AmountIn)
	writeUint64(h, params.AmountOut)
	writeString(h, params.Side)
	writeUint64(h, secretNonce)
	return hex.EncodeToString(h.Sum(nil))
}

// OfferCommitment derives the swap offer commitment. The engine's global
// offer sequence is part of the preimage, so identical terms from different
// offerers (or the same offerer twice) still commit to distinct values.
func OfferCommitment(offerer, tokenIn, tokenOut string, amountIn, amountOut uint64, expiry time.Time, seq, secretNonce uint64) string {
	h := sha256.New()
	writeString(h, tagOfferCommit)
	writeString(h, offerer)
	writeString(h, tokenIn)
	writeString(h, tokenOut)
	writeUint64(h, amountIn)
	writeUint64(h, amountOut)
	writeInt64(h, expiry.Unix())
	writeUint64(h, seq)
	writeUint64(h, secretNonce)
	return hex.EncodeToString(h.Sum(nil))
}

// ExecutionID derives the id of a swap execution from the offer commitment,
// the taker identity and the bind time.
func ExecutionID(commitment, taker string, bindTime time.Time) string {
	h := sha256.New()
	writeString(h, tagExecution)
	writeString(h, commitment)
	writeString(h, taker)
	writeInt64(h, bindTime.Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// SettlementHash is the message both match participants sign to authorize
// settlement of a match.
func SettlementHash(matchID string, amountA, amountB uint64, createdAt time.Time) []byte {
	h := sha256.New()
	writeString(h, tagSettlement)
	writeString(h, matchID)
	writeUint64(h, amountA)
	writeUint64(h, amountB)
	writeInt64(h, createdAt.Unix())
	return h.Sum(nil)
}

// ExecutionHash is the message the offerer and taker sign to complete a swap
// execution.
func ExecutionHash(executionID string, amountIn, amountOut uint64, bindTime time.Time) []byte {
	h := sha256.New()
	writeString(h, tagExecution)
	writeString(h, executionID)
	writeUint64(h, amountIn)
	writeUint64(h, amountOut)
	writeInt64(h, bindTime.Unix())
	return h.Sum(nil)
}

// UpdateHash is the message a channel owner signs to authorize a balance
// update. The timestamp is chosen by the signer and echoed in the request.
func UpdateHash(owner string, newBalance, newNonce uint64, timestamp time.Time) []byte {
	h := sha256.New()
	writeString(h, tagChannelUpdate)
	writeString(h, owner)
	writeUint64(h, newBalance)
	writeUint64(h, newNonce)
	writeInt64(h, timestamp.Unix())
	return h.Sum(nil)
}

// CloseHash is the distinct close-tagged message authorizing cooperative
// channel close at a final balance.
func CloseHash(owner string, finalBalance uint64) []byte {
	h := sha256.New()
	writeString(h, tagChannelClose)
	writeString(h, owner)
	writeUint64(h, finalBalance)
	return h.Sum(nil)
}

// Identity derives the protocol identity string from a public key.
func Identity(pub *btcec.PublicKey) string {
	return hex.EncodeToString(pub.SerializeCompressed())
}

// RecoverSigner recovers the identity that produced a compact signature over
// messageHash.
func RecoverSigner(messageHash, signature []byte) (string, error) {
	pub, _, err := ecdsa.RecoverCompact(signature, messageHash)
	if err != nil {
		return "", ErrInvalidSignature
	}
	return Identity(pub), nil
}

// SignHash produces a compact, recoverable signature over messageHash.
// Exposed for off-chain callers and tests; the daemon itself never holds
// participant keys.
func SignHash(priv *btcec.PrivateKey, messageHash []byte) ([]byte, error) {
	return ecdsa.SignCompact(priv, messageHash, true)
}
