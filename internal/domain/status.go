package domain

// RecommendationStatus represents the lifecycle state of a recommendation.
type RecommendationStatus string

const (
	StatusPending  RecommendationStatus = "pending"
	StatusExecuted RecommendationStatus = "executed"
	StatusFailed   RecommendationStatus = "failed"
	StatusExpired  RecommendationStatus = "expired"
)

// String returns the string representation of RecommendationStatus.
func (s RecommendationStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s RecommendationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusExecuted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func (s RecommendationStatus) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed || s == StatusExpired
}

// TriggerSource identifies what caused a rebalance.
type TriggerSource string

const (
	TriggerDepositEvent     TriggerSource = "deposit_event"
	TriggerAllocationUpdate TriggerSource = "allocation_update"
)

// String returns the string representation of TriggerSource.
func (t TriggerSource) String() string {
	return string(t)
}

// IsValid checks if the trigger source is a valid value.
func (t TriggerSource) IsValid() bool {
	return t == TriggerDepositEvent || t == TriggerAllocationUpdate
}
