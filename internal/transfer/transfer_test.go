package transfer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Record{}))
	return NewLedger(db), db
}

func TestTransferRecorded(t *testing.T) {
	ledger, _ := setupLedger(t)

	rec, err := ledger.Transfer("alice", "bob", "ETH", 100, KindSwap, "EXEC_1")
	require.NoError(t, err)
	require.NotEmpty(t, rec.TransferID)
	require.Equal(t, "alice", rec.FromParty)
	require.Equal(t, "bob", rec.ToParty)
	require.Equal(t, uint64(100), rec.Amount)
}

func TestZeroAmountRejected(t *testing.T) {
	ledger, _ := setupLedger(t)

	_, err := ledger.Transfer("alice", "bob", "ETH", 0, KindSwap, "EXEC_1")
	require.ErrorIs(t, err, ErrZeroAmount)
}

func TestReleasePaysOutFromCore(t *testing.T) {
	ledger, _ := setupLedger(t)

	rec, err := ledger.Release("alice", 500, KindRelease, "alice")
	require.NoError(t, err)
	require.Equal(t, "settlement-core", rec.FromParty)
	require.Equal(t, "alice", rec.ToParty)
	require.Equal(t, KindRelease, rec.Kind)
}

func TestByReference(t *testing.T) {
	ledger, _ := setupLedger(t)

	_, err := ledger.Transfer("alice", "fee-pool", "ETH", 30, KindFee, "EXEC_1")
	require.NoError(t, err)
	_, err = ledger.Transfer("alice", "bob", "ETH", 9970, KindSwap, "EXEC_1")
	require.NoError(t, err)
	_, err = ledger.Transfer("carol", "dave", "BTC", 5, KindSwap, "EXEC_2")
	require.NoError(t, err)

	records, err := ledger.ByReference("EXEC_1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, KindFee, records[0].Kind)
}

func TestWithTxRollbackDiscardsRecords(t *testing.T) {
	ledger, db := setupLedger(t)

	tx := db.Begin()
	require.NoError(t, tx.Error)
	_, err := ledger.WithTx(tx).Transfer("alice", "bob", "ETH", 100, KindSwap, "EXEC_1")
	require.NoError(t, err)
	tx.Rollback()

	// A rolled-back caller transaction takes its movements with it.
	records, err := ledger.ByReference("EXEC_1")
	require.NoError(t, err)
	require.Empty(t, records)

	tx = db.Begin()
	require.NoError(t, tx.Error)
	_, err = ledger.WithTx(tx).Transfer("alice", "bob", "ETH", 100, KindSwap, "EXEC_1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit().Error)

	records, err = ledger.ByReference("EXEC_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
}
