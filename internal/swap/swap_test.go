package swap

import (
	"encoding/hex"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"github.com/veilex/veilex-api/internal/transfer"
	"github.com/veilex/veilex-api/pkg/protocol"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// fakePolicy supplies fixed swap parameters.
type fakePolicy struct {
	fee     uint64
	min     uint64
	max     uint64
	horizon time.Duration
}

func (p *fakePolicy) FeeBps() uint64                  { return p.fee }
func (p *fakePolicy) SwapBounds() (uint64, uint64)    { return p.min, p.max }
func (p *fakePolicy) MaxExpiryHorizon() time.Duration { return p.horizon }

// fakeSubstrate records transfer instructions in memory.
type fakeSubstrate struct {
	records []transfer.Record
}

func (f *fakeSubstrate) Transfer(from, to, token string, amount uint64, kind, reference string) (*transfer.Record, error) {
	rec := transfer.Record{FromParty: from, ToParty: to, Token: token, Amount: amount, Kind: kind, Reference: reference}
	f.records = append(f.records, rec)
	return &rec, nil
}

func (f *fakeSubstrate) Release(owner string, amount uint64, kind, reference string) (*transfer.Record, error) {
	return f.Transfer("settlement-core", owner, "", amount, kind, reference)
}

func (f *fakeSubstrate) WithTx(tx *gorm.DB) transfer.Substrate {
	return f
}

func setupService(t *testing.T) (*Service, *fakeSubstrate) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SwapOffer{}, &SwapExecution{}))
	substrate := &fakeSubstrate{}
	policy := &fakePolicy{fee: 30, min: 1, max: 1_000_000_000, horizon: 7 * 24 * time.Hour}
	return NewService(db, policy, substrate), substrate
}

func newParty(t *testing.T) (*btcec.PrivateKey, string) {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return key, protocol.Identity(key.PubKey())
}

func signHex(t *testing.T, key *btcec.PrivateKey, hash []byte) string {
	t.Helper()
	sig, err := protocol.SignHash(key, hash)
	require.NoError(t, err)
	return hex.EncodeToString(sig)
}

func offerReq(nonce uint64) CreateOfferRequest {
	return CreateOfferRequest{
		TokenIn:     "ETH",
		TokenOut:    "USDC",
		AmountIn:    10_000,
		AmountOut:   15_000_000,
		SecretNonce: nonce,
		TTLSecs:     600,
	}
}

func TestCreateOffer(t *testing.T) {
	svc, _ := setupService(t)

	offer, err := svc.CreateOffer("alice", offerReq(7))
	require.NoError(t, err)
	require.Equal(t, uint64(1), offer.Sequence)
	require.True(t, offer.Active)

	// The stored commitment is reproducible from the offer fields plus the
	// secret nonce.
	recomputed := protocol.OfferCommitment("alice", "ETH", "USDC", 10_000, 15_000_000,
		offer.ExpiresAt, offer.Sequence, 7)
	require.Equal(t, recomputed, offer.Commitment)

	// Identical terms commit to a distinct value under the next sequence.
	second, err := svc.CreateOffer("alice", offerReq(7))
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Sequence)
	require.NotEqual(t, offer.Commitment, second.Commitment)
}

func TestCreateOfferDefaultTTL(t *testing.T) {
	svc, _ := setupService(t)

	base := time.Now()
	svc.now = func() time.Time { return base }

	req := offerReq(1)
	req.TTLSecs = 0
	offer, err := svc.CreateOffer("alice", req)
	require.NoError(t, err)
	require.Equal(t, base.Add(time.Hour).Unix(), offer.ExpiresAt.Unix())
}

func TestCreateOfferValidation(t *testing.T) {
	svc, _ := setupService(t)

	req := offerReq(1)
	req.TokenOut = req.TokenIn
	_, err := svc.CreateOffer("alice", req)
	require.ErrorIs(t, err, ErrSameToken)

	req = offerReq(1)
	req.AmountIn = 2_000_000_000
	_, err = svc.CreateOffer("alice", req)
	require.ErrorIs(t, err, ErrAmountOutOfBounds)

	req = offerReq(1)
	req.AmountIn = 0
	_, err = svc.CreateOffer("alice", req)
	require.ErrorIs(t, err, ErrAmountOutOfBounds)

	req = offerReq(1)
	req.AmountOut = 0
	_, err = svc.CreateOffer("alice", req)
	require.ErrorIs(t, err, ErrZeroAmountOut)

	req = offerReq(1)
	req.TTLSecs = uint64((8 * 24 * time.Hour) / time.Second)
	_, err = svc.CreateOffer("alice", req)
	require.ErrorIs(t, err, ErrExpiryTooFar)
}

func TestTakeOfferOnce(t *testing.T) {
	svc, _ := setupService(t)
	_, alice := newParty(t)
	_, bob := newParty(t)
	_, carol := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)

	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)
	require.Equal(t, alice, exec.Offerer)
	require.Equal(t, bob, exec.Taker)
	require.Equal(t, offer.AmountIn, exec.AmountIn)
	require.False(t, exec.Completed)

	// The take retired the offer; nobody else can bind to it.
	_, err = svc.TakeOffer(carol, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.ErrorIs(t, err, ErrOfferInactive)
}

func TestTakeOfferWrongNonce(t *testing.T) {
	svc, _ := setupService(t)
	_, alice := newParty(t)
	_, bob := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)

	_, err = svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 8})
	require.ErrorIs(t, err, ErrCommitmentMismatch)

	// The failed take leaves the offer open.
	got, err := svc.GetOffer(offer.Commitment)
	require.NoError(t, err)
	require.True(t, got.Active)
}

func TestSelfTakeRejected(t *testing.T) {
	svc, _ := setupService(t)
	_, alice := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)

	_, err = svc.TakeOffer(alice, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.ErrorIs(t, err, ErrSelfTake)
}

func TestTakeExpiredOffer(t *testing.T) {
	svc, _ := setupService(t)
	_, alice := newParty(t)
	_, bob := newParty(t)

	base := time.Now()
	svc.now = func() time.Time { return base }
	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)

	// Exactly at expiry the offer is no longer takeable.
	svc.now = func() time.Time { return offer.ExpiresAt }
	_, err = svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.ErrorIs(t, err, ErrOfferExpired)
}

func TestCompleteSwap(t *testing.T) {
	svc, substrate := setupService(t)
	aliceKey, alice := newParty(t)
	bobKey, bob := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)
	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)
	completed, err := svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, aliceKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	})
	require.NoError(t, err)
	require.True(t, completed.Completed)

	// 30 bps of 10000 is 30, taken from the offerer's leg.
	require.Equal(t, uint64(30), completed.FeePaid)
	require.Len(t, substrate.records, 3)

	feeLeg, offerLeg, takerLeg := substrate.records[0], substrate.records[1], substrate.records[2]
	require.Equal(t, transfer.KindFee, feeLeg.Kind)
	require.Equal(t, uint64(30), feeLeg.Amount)
	require.Equal(t, alice, offerLeg.FromParty)
	require.Equal(t, bob, offerLeg.ToParty)
	require.Equal(t, uint64(9_970), offerLeg.Amount)
	require.Equal(t, bob, takerLeg.FromParty)
	require.Equal(t, alice, takerLeg.ToParty)
	require.Equal(t, uint64(15_000_000), takerLeg.Amount)

	// Completion is terminal.
	_, err = svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, aliceKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	})
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestCompleteSwapMaxUint64Amount(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SwapOffer{}, &SwapExecution{}))
	substrate := &fakeSubstrate{}
	policy := &fakePolicy{fee: 30, min: 1, max: math.MaxUint64, horizon: 7 * 24 * time.Hour}
	svc := NewService(db, policy, substrate)

	aliceKey, alice := newParty(t)
	bobKey, bob := newParty(t)

	// An input amount past the int64 range must survive the fee math.
	req := offerReq(7)
	req.AmountIn = 1 << 63
	offer, err := svc.CreateOffer(alice, req)
	require.NoError(t, err)
	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)
	completed, err := svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, aliceKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	})
	require.NoError(t, err)

	// 30 bps of 2^63, truncated.
	wantFee := uint64(27_670_116_110_564_327)
	require.Equal(t, wantFee, completed.FeePaid)

	require.Len(t, substrate.records, 3)
	offerLeg := substrate.records[1]
	require.Equal(t, uint64(1<<63)-wantFee, offerLeg.Amount)
}

func TestCompleteSwapRollsBackWhenTransferFails(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SwapOffer{}, &SwapExecution{}, &transfer.Record{}))
	ledger := transfer.NewLedger(db)
	policy := &fakePolicy{fee: 10_000, min: 1, max: 1_000_000_000, horizon: 7 * 24 * time.Hour}
	svc := NewService(db, policy, ledger)

	aliceKey, alice := newParty(t)
	bobKey, bob := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)
	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)

	// A 100% fee leaves a zero offer leg, which the ledger rejects after the
	// fee leg is already recorded.
	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)
	req := CompleteSwapRequest{
		OffererSignature: signHex(t, aliceKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	}
	_, err = svc.CompleteSwap(exec.ExecutionID, req)
	require.ErrorIs(t, err, transfer.ErrZeroAmount)

	// The fee leg rolled back with the failed completion and the execution
	// stays completable.
	records, err := ledger.ByReference(exec.ExecutionID)
	require.NoError(t, err)
	require.Empty(t, records)

	reloaded, err := svc.GetExecution(exec.ExecutionID)
	require.NoError(t, err)
	require.False(t, reloaded.Completed)
	require.Zero(t, reloaded.FeePaid)

	policy.fee = 30
	completed, err := svc.CompleteSwap(exec.ExecutionID, req)
	require.NoError(t, err)
	require.True(t, completed.Completed)

	records, err = ledger.ByReference(exec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestCompleteSwapWrongSigner(t *testing.T) {
	svc, substrate := setupService(t)
	aliceKey, alice := newParty(t)
	bobKey, bob := newParty(t)
	malloryKey, _ := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)
	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)

	_, err = svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, malloryKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	})
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Swapped slots fail as well.
	_, err = svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, bobKey, hash),
		TakerSignature:   signHex(t, aliceKey, hash),
	})
	require.ErrorIs(t, err, ErrInvalidSignature)

	require.Empty(t, substrate.records, "no transfers on failed completion")
}

func TestCancelOffer(t *testing.T) {
	svc, _ := setupService(t)
	_, alice := newParty(t)
	_, bob := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)

	_, err = svc.CancelOffer(bob, offer.Commitment)
	require.ErrorIs(t, err, ErrNotOfferer)

	cancelled, err := svc.CancelOffer(alice, offer.Commitment)
	require.NoError(t, err)
	require.False(t, cancelled.Active)
	require.True(t, cancelled.Cancelled)

	// Cancellation is terminal and distinguishable from a take.
	_, err = svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.ErrorIs(t, err, ErrOfferCancelled)

	_, err = svc.CancelOffer(alice, offer.Commitment)
	require.ErrorIs(t, err, ErrOfferInactive)
}

func TestDisputeBlocksCompletion(t *testing.T) {
	svc, _ := setupService(t)
	aliceKey, alice := newParty(t)
	bobKey, bob := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)
	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)

	disputed, err := svc.DisputeSwap(exec.ExecutionID)
	require.NoError(t, err)
	require.True(t, disputed.Disputed)

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)
	_, err = svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, aliceKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	})
	require.ErrorIs(t, err, ErrDisputed)

	_, err = svc.DisputeSwap(exec.ExecutionID)
	require.ErrorIs(t, err, ErrDisputed)
}

func TestDisputeAfterCompletionRejected(t *testing.T) {
	svc, _ := setupService(t)
	aliceKey, alice := newParty(t)
	bobKey, bob := newParty(t)

	offer, err := svc.CreateOffer(alice, offerReq(7))
	require.NoError(t, err)
	exec, err := svc.TakeOffer(bob, offer.Commitment, TakeOfferRequest{SecretNonce: 7})
	require.NoError(t, err)

	hash := protocol.ExecutionHash(exec.ExecutionID, exec.AmountIn, exec.AmountOut, exec.BindTime)
	_, err = svc.CompleteSwap(exec.ExecutionID, CompleteSwapRequest{
		OffererSignature: signHex(t, aliceKey, hash),
		TakerSignature:   signHex(t, bobKey, hash),
	})
	require.NoError(t, err)

	_, err = svc.DisputeSwap(exec.ExecutionID)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestExpirySweep(t *testing.T) {
	svc, _ := setupService(t)
	_, alice := newParty(t)

	base := time.Now()
	svc.now = func() time.Time { return base }

	short := offerReq(1)
	short.TTLSecs = 60
	expiring, err := svc.CreateOffer(alice, short)
	require.NoError(t, err)

	long := offerReq(2)
	long.TTLSecs = 3600
	lasting, err := svc.CreateOffer(alice, long)
	require.NoError(t, err)

	swept, err := svc.GetDB().DeactivateExpiredOffers(base.Add(2 * time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), swept)

	got, err := svc.GetOffer(expiring.Commitment)
	require.NoError(t, err)
	require.False(t, got.Active)
	require.False(t, got.Cancelled, "expiry is not a cancellation")

	got, err = svc.GetOffer(lasting.Commitment)
	require.NoError(t, err)
	require.True(t, got.Active)

	// Repeated sweeps are idempotent.
	swept, err = svc.GetDB().DeactivateExpiredOffers(base.Add(2 * time.Minute))
	require.NoError(t, err)
	require.Zero(t, swept)
}
