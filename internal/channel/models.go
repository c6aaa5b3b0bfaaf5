package channel

import (
	"time"

	"gorm.io/gorm"
)

// StateChannel is an off-chain-updated, on-chain-anchored balance record.
// The nonce is strictly increasing across the channel's lifetime: signed
// updates must carry a greater nonce, and settlement credits and debits bump
// it too. Balance never goes negative.
type StateChannel struct {
	gorm.Model   `json:"-"`
	Owner        string    `json:"owner"`
	Balance      uint64    `json:"balance"`
	Nonce        uint64    `json:"nonce"`
	Active       bool      `json:"active"`
	LastUpdateAt time.Time `json:"last_update_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OpenRequest is the request body for opening a channel.
type OpenRequest struct {
	InitialBalance uint64 `json:"initial_balance"`
}

// UpdateRequest is the signed off-chain state an owner submits for
// on-chain anchoring. The timestamp is chosen by the signer and is part of
// the signed message.
type UpdateRequest struct {
	NewBalance uint64 `json:"new_balance"`
	NewNonce   uint64 `json:"new_nonce"`
	Timestamp  int64  `json:"timestamp"` // unix seconds, covered by the signature
	Signature  string `json:"signature"` // hex compact signature
}

// CloseRequest carries the CLOSE-tagged final state signature.
type CloseRequest struct {
	FinalBalance uint64 `json:"final_balance"`
	Signature    string `json:"signature"`
}
