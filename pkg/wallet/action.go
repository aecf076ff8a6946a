// Copyright 2026 Mandala Network
//
// Action construction and external transaction ingest.
// Actions spend outputs recorded in the ledger and are signed by a threshold
// round; ingest scans an external serialized transaction for outputs
// addressed to this wallet and records them as spendable.

package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/Mandala-Network/AGiD-sub000/pkg/commitment"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/ledger"
)

// txBody is the serialized transaction format.
type txBody struct {
	Version int            `json:"version"`
	Inputs  []string       `json:"inputs"` // spent outpoints
	Outputs []ActionOutput `json:"outputs"`
	Data    [][]byte       `json:"data,omitempty"`
}

// signedTx wraps a body with the constructing wallet's signature.
type signedTx struct {
	Body      txBody         `json:"body"`
	Signer    suite.Identity `json:"signer"`
	Signature []byte         `json:"signature"`
}

const txVersion = 1

// CreateAction builds, signs and records a transaction spending this
// wallet's outputs. Fails with ErrInsufficientFunds when spendable inputs do
// not cover the outputs and with ErrNotAuthorized when the signing threshold
// cannot be assembled.
func (w *Threshold) CreateAction(ctx context.Context, args CreateActionArgs) (*CreateActionResult, error) {
	if len(args.Outputs) == 0 {
		return nil, fmt.Errorf("%w: action needs at least one output", ErrInvalidArgs)
	}
	var need uint64
	for _, o := range args.Outputs {
		need += o.Amount
	}

	spendable, err := w.store.ListSpendable()
	if err != nil {
		return nil, err
	}
	var (
		inputs []string
		have   uint64
	)
	for _, o := range spendable {
		inputs = append(inputs, o.Outpoint())
		have += o.Amount
		if have >= need {
			break
		}
	}
	if have < need {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, have, need)
	}

	body := txBody{Version: txVersion, Inputs: inputs, Outputs: args.Outputs, Data: args.Data}
	canonical, err := commitment.Canonical(body)
	if err != nil {
		return nil, err
	}
	sig, err := w.engine.Sign(ctx, suite.Hash(canonical), suite.S().Scalar().Zero())
	if err != nil {
		if errors.Is(err, thresh.ErrThresholdUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
		return nil, err
	}

	raw, err := json.Marshal(signedTx{Body: body, Signer: w.engine.Identity(), Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("marshal tx: %w", err)
	}
	txid := gethcrypto.Keccak256Hash(raw)

	// Consume the inputs only once the signature exists; a failed threshold
	// round must not leave partially spent state.
	for _, op := range inputs {
		if err := w.store.MarkSpent(op); err != nil {
			return nil, fmt.Errorf("mark spent %s: %w", op, err)
		}
	}
	record := &ledger.ActionRecord{
		TxID:        txid,
		Raw:         raw,
		Description: args.Description,
		TotalOut:    need,
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.store.SaveAction(record); err != nil {
		return nil, err
	}

	w.logger.Printf("action %s created: %d inputs, %d outputs, %d total",
		txid.Hex(), len(inputs), len(args.Outputs), need)
	return &CreateActionResult{TxID: txid, Raw: raw}, nil
}

// InternalizeAction ingests an external transaction, recording outputs
// addressed to this wallet as spendable.
func (w *Threshold) InternalizeAction(ctx context.Context, args InternalizeActionArgs) (*InternalizeActionResult, error) {
	var tx signedTx
	if err := json.Unmarshal(args.Tx, &tx); err != nil {
		return nil, fmt.Errorf("%w: parse tx: %v", ErrInvalidArgs, err)
	}
	if tx.Body.Version != txVersion {
		return nil, fmt.Errorf("%w: unsupported tx version %d", ErrInvalidArgs, tx.Body.Version)
	}

	// The sender's signature binds the outputs; reject forged payloads.
	signer, err := suite.ParseIdentity(tx.Signer)
	if err != nil {
		return nil, fmt.Errorf("%w: tx signer: %v", ErrInvalidArgs, err)
	}
	canonical, err := commitment.Canonical(tx.Body)
	if err != nil {
		return nil, err
	}
	msgHash := suite.Hash(canonical)
	if verr := thresh.VerifySignature(signer, msgHash, tx.Signature); verr != nil {
		// Not a threshold wallet's transaction; accept an ordinary identity
		// signature from plain senders.
		if serr := suite.Verify(signer, msgHash, tx.Signature); serr != nil {
			return nil, fmt.Errorf("%w: tx signature invalid", ErrBadSignature)
		}
	}

	txid := gethcrypto.Keccak256Hash(args.Tx)
	self := w.engine.Identity()
	var accepted uint64
	for i, out := range tx.Body.Outputs {
		if args.OutputIndex != nil && *args.OutputIndex != i {
			continue
		}
		if out.To != self {
			continue
		}
		o := &ledger.Output{
			TxID:      txid,
			Vout:      uint32(i),
			Amount:    out.Amount,
			CreatedAt: time.Now().UTC(),
		}
		if err := w.store.SaveOutput(o); err != nil {
			return nil, err
		}
		accepted += out.Amount
	}
	if accepted == 0 {
		return &InternalizeActionResult{Accepted: false}, nil
	}
	w.logger.Printf("internalized %s: %d now spendable", txid.Hex(), accepted)
	return &InternalizeActionResult{Accepted: true, AmountAccepted: accepted}, nil
}
