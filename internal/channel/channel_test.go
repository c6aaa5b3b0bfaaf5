package channel

import (
	"encoding/hex"
	"errors"
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

// fakeSubstrate records transfer instructions in memory. Setting failKind
// makes instructions of that kind fail.
type fakeSubstrate struct {
	records  []transfer.Record
	failKind string
}

func (f *fakeSubstrate) Transfer(from, to, token string, amount uint64, kind, reference string) (*transfer.Record, error) {
	if kind == f.failKind {
		return nil, errors.New("substrate unavailable")
	}
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

func (f *fakeSubstrate) lastKind() string {
	if len(f.records) == 0 {
		return ""
	}
	return f.records[len(f.records)-1].Kind
}

func setupService(t *testing.T) (*Service, *fakeSubstrate, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&StateChannel{}))
	substrate := &fakeSubstrate{}
	return NewService(db, substrate), substrate, db
}

func newOwner(t *testing.T) (*btcec.PrivateKey, string) {
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

func TestOpenChannel(t *testing.T) {
	svc, substrate, _ := setupService(t)
	_, owner := newOwner(t)

	ch, err := svc.Open(owner, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), ch.Balance)
	require.Equal(t, uint64(0), ch.Nonce)
	require.True(t, ch.Active)
	require.Equal(t, transfer.KindFunding, substrate.lastKind())

	// One active channel per owner.
	_, err = svc.Open(owner, 500)
	require.ErrorIs(t, err, ErrChannelExists)
}

func TestOpenZeroBalance(t *testing.T) {
	svc, _, _ := setupService(t)
	_, owner := newOwner(t)

	_, err := svc.Open(owner, 0)
	require.ErrorIs(t, err, ErrZeroBalance)
}

func TestOpenNotPersistedWhenFundingFails(t *testing.T) {
	svc, substrate, _ := setupService(t)
	_, owner := newOwner(t)

	substrate.failKind = transfer.KindFunding
	_, err := svc.Open(owner, 1000)
	require.Error(t, err)

	// The channel row and the funding record stand or fall together.
	_, err = svc.GetChannel(owner)
	require.ErrorIs(t, err, ErrChannelNotFound)

	substrate.failKind = ""
	ch, err := svc.Open(owner, 1000)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), ch.Balance)
}

func TestApplySignedUpdate(t *testing.T) {
	svc, _, _ := setupService(t)
	key, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	ts := time.Now()
	req := UpdateRequest{
		NewBalance: 900,
		NewNonce:   1,
		Timestamp:  ts.Unix(),
		Signature:  signHex(t, key, protocol.UpdateHash(owner, 900, 1, time.Unix(ts.Unix(), 0))),
	}
	ch, err := svc.ApplySignedUpdate(owner, req)
	require.NoError(t, err)
	require.Equal(t, uint64(900), ch.Balance)
	require.Equal(t, uint64(1), ch.Nonce)
}

func TestStaleNonceRejected(t *testing.T) {
	svc, _, _ := setupService(t)
	key, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	ts := time.Now().Unix()
	apply := func(balance, nonce uint64) error {
		_, err := svc.ApplySignedUpdate(owner, UpdateRequest{
			NewBalance: balance,
			NewNonce:   nonce,
			Timestamp:  ts,
			Signature:  signHex(t, key, protocol.UpdateHash(owner, balance, nonce, time.Unix(ts, 0))),
		})
		return err
	}

	require.NoError(t, apply(900, 5))

	// Equal and lower nonces are both stale, regardless of signature validity.
	require.ErrorIs(t, apply(800, 5), ErrStaleNonce)
	require.ErrorIs(t, apply(800, 4), ErrStaleNonce)

	// A rejected update leaves the channel untouched.
	ch, err := svc.GetChannel(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(900), ch.Balance)
	require.Equal(t, uint64(5), ch.Nonce)

	// Strictly greater nonces need not be consecutive.
	require.NoError(t, apply(700, 42))
}

func TestUpdateWrongSigner(t *testing.T) {
	svc, _, _ := setupService(t)
	_, owner := newOwner(t)
	mallory, _ := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	ts := time.Now().Unix()
	_, err = svc.ApplySignedUpdate(owner, UpdateRequest{
		NewBalance: 0,
		NewNonce:   1,
		Timestamp:  ts,
		Signature:  signHex(t, mallory, protocol.UpdateHash(owner, 0, 1, time.Unix(ts, 0))),
	})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestUpdateTamperedFields(t *testing.T) {
	svc, _, _ := setupService(t)
	key, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	// Signature covers balance 900; request claims 9000.
	ts := time.Now().Unix()
	_, err = svc.ApplySignedUpdate(owner, UpdateRequest{
		NewBalance: 9000,
		NewNonce:   1,
		Timestamp:  ts,
		Signature:  signHex(t, key, protocol.UpdateHash(owner, 900, 1, time.Unix(ts, 0))),
	})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCloseChannel(t *testing.T) {
	svc, substrate, _ := setupService(t)
	key, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	ch, err := svc.Close(owner, CloseRequest{
		FinalBalance: 1000,
		Signature:    signHex(t, key, protocol.CloseHash(owner, 1000)),
	})
	require.NoError(t, err)
	require.False(t, ch.Active)
	require.Equal(t, transfer.KindRelease, substrate.lastKind())

	// Closed channels are gone from the active view.
	_, err = svc.GetChannel(owner)
	require.ErrorIs(t, err, ErrChannelNotFound)

	_, err = svc.Close(owner, CloseRequest{
		FinalBalance: 1000,
		Signature:    signHex(t, key, protocol.CloseHash(owner, 1000)),
	})
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestCloseLeavesChannelActiveWhenReleaseFails(t *testing.T) {
	svc, substrate, _ := setupService(t)
	key, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	substrate.failKind = transfer.KindRelease
	_, err = svc.Close(owner, CloseRequest{
		FinalBalance: 1000,
		Signature:    signHex(t, key, protocol.CloseHash(owner, 1000)),
	})
	require.Error(t, err)

	// The failed payout rolled the deactivation back; the channel stays
	// open with its balance intact.
	ch, err := svc.GetChannel(owner)
	require.NoError(t, err)
	require.True(t, ch.Active)
	require.Equal(t, uint64(1000), ch.Balance)
	require.Equal(t, uint64(0), ch.Nonce)

	substrate.failKind = ""
	ch, err = svc.Close(owner, CloseRequest{
		FinalBalance: 1000,
		Signature:    signHex(t, key, protocol.CloseHash(owner, 1000)),
	})
	require.NoError(t, err)
	require.False(t, ch.Active)
}

func TestCloseRejectsUpdateSignature(t *testing.T) {
	svc, _, _ := setupService(t)
	key, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	// An UPDATE-tagged signature must not authorize a close.
	ts := time.Now()
	updateSig := signHex(t, key, protocol.UpdateHash(owner, 1000, 1, ts))
	_, err = svc.Close(owner, CloseRequest{FinalBalance: 1000, Signature: updateSig})
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCreditDebitBumpNonce(t *testing.T) {
	svc, _, db := setupService(t)
	_, owner := newOwner(t)

	_, err := svc.Open(owner, 1000)
	require.NoError(t, err)

	require.NoError(t, svc.Credit(db, owner, 500))
	require.NoError(t, svc.Debit(db, owner, 200))

	ch, err := svc.GetChannel(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(1300), ch.Balance)
	require.Equal(t, uint64(2), ch.Nonce)

	require.ErrorIs(t, svc.Debit(db, owner, 2000), ErrInsufficientBalance)

	ch, err = svc.GetChannel(owner)
	require.NoError(t, err)
	require.Equal(t, uint64(1300), ch.Balance, "failed debit must not change balance")
}

func TestEmergencyDrain(t *testing.T) {
	svc, substrate, db := setupService(t)
	_, owner := newOwner(t)

	_, err := svc.Open(owner, 750)
	require.NoError(t, err)

	amount, err := svc.EmergencyDrain(db, owner)
	require.NoError(t, err)
	require.Equal(t, uint64(750), amount)
	require.Equal(t, transfer.KindEmergency, substrate.lastKind())

	_, err = svc.GetChannel(owner)
	require.ErrorIs(t, err, ErrChannelNotFound)

	_, err = svc.EmergencyDrain(db, owner)
	require.ErrorIs(t, err, ErrChannelNotFound)
}
