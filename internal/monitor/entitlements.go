package monitor

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

const (
	defaultRetentionDays         = 30
	semanticDiffRetentionDays    = 90
	minimumSnapshotRetentionDays = 1
)

// Entitlements is the typed view of an org's plan_features JSON.
//
// Unset fields fall back to documented defaults: full text is stored, structured
// change blocks are off, and snapshots are retained for 30 days (90 with semantic diff).
type Entitlements struct {
	DetailedSnapshots     *bool    `json:"detailed_snapshots,omitempty"`
	SemanticDiff          *bool    `json:"semantic_diff,omitempty"`
	SnapshotRetentionDays *float64 `json:"snapshot_retention_days,omitempty"`
	PlanTier              *string  `json:"plan_tier,omitempty"`
}

// ParseEntitlements decodes plan_features. Empty input yields the zero value.
func ParseEntitlements(raw []byte) (Entitlements, error) {
	var e Entitlements
	if len(raw) == 0 || string(raw) == "null" {
		return e, nil
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entitlements{}, fmt.Errorf("decode plan features: %w", err)
	}
	return e, nil
}

// StoreFullText reports whether normalized text may be kept on snapshots.
func (e Entitlements) StoreFullText() bool {
	if e.DetailedSnapshots == nil {
		return true
	}
	return *e.DetailedSnapshots
}

// StructuredBlocks reports whether ChangeBlocks are derived for change events.
func (e Entitlements) StructuredBlocks() bool {
	return e.SemanticDiff != nil && *e.SemanticDiff
}

// RetentionDays returns how long a snapshot keeps its text.
func (e Entitlements) RetentionDays() int {
	if e.SnapshotRetentionDays != nil && !math.IsNaN(*e.SnapshotRetentionDays) &&
		!math.IsInf(*e.SnapshotRetentionDays, 0) {
		days := int(math.Floor(*e.SnapshotRetentionDays))
		return max(minimumSnapshotRetentionDays, days)
	}
	if e.StructuredBlocks() {
		return semanticDiffRetentionDays
	}
	return defaultRetentionDays
}

// SnapshotExpiry returns the retention deadline for a snapshot taken at fetchedAt.
func (e Entitlements) SnapshotExpiry(fetchedAt time.Time) time.Time {
	return fetchedAt.AddDate(0, 0, e.RetentionDays())
}

// Tier returns the plan tier label, if any.
func (e Entitlements) Tier() *string {
	if e.PlanTier == nil || *e.PlanTier == "" {
		return nil
	}
	tier := *e.PlanTier
	return &tier
}
