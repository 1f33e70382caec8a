package models

import "math"

const (
	ReasonHashMismatch    = "hash mismatch"
	ReasonChainLinkBroken = "chain link broken"
)

// VerifyResult reports the first divergence found while walking a chain.
// AnchorIndex is the chain index verification started from; it is greater
// than one after retention truncation.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	BrokenAtIndex  *int64 `json:"brokenAtIndex,omitempty"`
	Reason         string `json:"reason,omitempty"`
	EntriesChecked int64  `json:"entriesChecked"`
	AnchorIndex    *int64 `json:"anchorIndex,omitempty"`
}

// RetentionInfo is the effective retention window of a tenant.
type RetentionInfo struct {
	RetentionDays  int     `json:"retentionDays"`
	RetentionYears float64 `json:"retentionYears"`
}

func NewRetentionInfo(days int) RetentionInfo {
	return RetentionInfo{
		RetentionDays:  days,
		RetentionYears: math.Round(float64(days)/365*10) / 10,
	}
}
