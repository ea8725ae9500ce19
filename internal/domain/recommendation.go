package domain

import (
	"errors"
	"math/big"
	"regexp"
)

// Recommendation is an externally signed proposal to change allocation weights.
// Corresponds to recommendations table in PostgreSQL.
type Recommendation struct {
	ID                string               // PRIMARY KEY, opaque
	SignerAddress     string               // 0x-prefixed manager address
	Nonce             uint64               // agent nonce the signature was produced for
	Deadline          int64                // unix seconds
	AllocationIndices []uint64             // strategy indices
	AllocationWeights []uint64             // basis points, positional with AllocationIndices
	Confidence        *big.Int             // fixed point, 1e18 = 100%
	ModelVersion      string               // producer model tag
	CreatedAt         int64                // unix seconds
	Signature         []byte               // opaque signature bytes
	Status            RecommendationStatus // pending | executed | failed | expired
	Submitted         bool                 // true once a transaction was broadcast
	TxHash            string               // submission tx hash (empty until sent)
	BlockNumber       uint64               // confirmation block (0 until confirmed)
	GasUsed           uint64               // gas used by the submission
	ErrorReason       string               // failure or expiry reason
	UpdatedAt         int64                // unix seconds of last mutation
}

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Validation errors for recommendations.
var (
	ErrEmptyAllocation    = errors.New("allocation is empty")
	ErrAllocationMismatch = errors.New("allocation indices and weights differ in length")
	ErrInvalidSigner      = errors.New("signer address is not a valid hex address")
	ErrMissingSignature   = errors.New("signature is empty")
)

// Validate checks structural invariants that must hold before submission.
func (r *Recommendation) Validate() error {
	if !addressPattern.MatchString(r.SignerAddress) {
		return ErrInvalidSigner
	}
	if len(r.AllocationIndices) == 0 {
		return ErrEmptyAllocation
	}
	if len(r.AllocationIndices) != len(r.AllocationWeights) {
		return ErrAllocationMismatch
	}
	if len(r.Signature) == 0 {
		return ErrMissingSignature
	}
	return nil
}

// IsExpired reports whether the deadline has passed at unix time now.
func (r *Recommendation) IsExpired(now int64) bool {
	return now > r.Deadline
}

// Clone returns a deep copy, so stores can hand out values callers may mutate.
func (r *Recommendation) Clone() *Recommendation {
	c := *r
	c.AllocationIndices = append([]uint64(nil), r.AllocationIndices...)
	c.AllocationWeights = append([]uint64(nil), r.AllocationWeights...)
	c.Signature = append([]byte(nil), r.Signature...)
	if r.Confidence != nil {
		c.Confidence = new(big.Int).Set(r.Confidence)
	}
	return &c
}
