package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"allocation-keeper/internal/domain"
)

// recommendationFile is the JSON document accepted by enqueue.
type recommendationFile struct {
	ID           string   `json:"id"`
	Signer       string   `json:"signer"`
	Nonce        uint64   `json:"nonce"`
	Deadline     int64    `json:"deadline"`
	Indices      []uint64 `json:"allocation_indices"`
	Weights      []uint64 `json:"allocation_weights"`
	Confidence   string   `json:"confidence"`
	ModelVersion string   `json:"model_version"`
	Signature    string   `json:"signature"`
	CreatedAt    int64    `json:"created_at"`
}

// parseRecommendation decodes and validates a recommendation document.
// Missing id and created_at are filled from a new UUID and now.
func parseRecommendation(r io.Reader, now time.Time) (*domain.Recommendation, error) {
	var f recommendationFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode recommendation: %w", err)
	}

	sig, err := hexutil.Decode(f.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	confidence := new(big.Int)
	if f.Confidence != "" {
		if _, ok := confidence.SetString(f.Confidence, 10); !ok {
			return nil, fmt.Errorf("confidence %q is not an integer", f.Confidence)
		}
	}

	rec := &domain.Recommendation{
		ID:                f.ID,
		SignerAddress:     f.Signer,
		Nonce:             f.Nonce,
		Deadline:          f.Deadline,
		AllocationIndices: f.Indices,
		AllocationWeights: f.Weights,
		Confidence:        confidence,
		ModelVersion:      f.ModelVersion,
		CreatedAt:         f.CreatedAt,
		Signature:         sig,
		Status:            domain.StatusPending,
		UpdatedAt:         now.Unix(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now.Unix()
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.IsExpired(now.Unix()) {
		return nil, fmt.Errorf("deadline %d already passed", rec.Deadline)
	}
	return rec, nil
}
