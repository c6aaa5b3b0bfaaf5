package commitment

import "github.com/veilex/veilex-api/pkg/protocol"

// SubmitRequest carries an opaque order commitment. Nothing else is
// disclosed at submission time.
type SubmitRequest struct {
	Commitment string `json:"commitment" binding:"required"`
}

// RevealRequest discloses the committed order parameters and the secret
// nonce. The registry recomputes the commitment from exactly these fields in
// the protocol's field order; any discrepancy is rejected.
type RevealRequest struct {
	TokenIn     string `json:"token_in" binding:"required"`
	TokenOut    string `json:"token_out" binding:"required"`
	AmountIn    uint64 `json:"amount_in"`
	AmountOut   uint64 `json:"amount_out"`
	Side        string `json:"side" binding:"required"`
	SecretNonce uint64 `json:"secret_nonce"`
}

// Params converts the request into the canonical hashing tuple.
func (r RevealRequest) Params() protocol.OrderParams {
	return protocol.OrderParams{
		TokenIn:   r.TokenIn,
		TokenOut:  r.TokenOut,
		AmountIn:  r.AmountIn,
		AmountOut: r.AmountOut,
		Side:      r.Side,
	}
}
