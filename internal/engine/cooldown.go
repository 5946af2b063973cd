package engine

import (
	"fmt"
	"time"

	"grovekeeper/internal/domain"
)

// CooldownStatus is the result of evaluating an action against an asset's
// cooldown interval. LastPerformed and NextEligible are zero when the action
// was never approved on the asset.
type CooldownStatus struct {
	Allowed       bool
	LastPerformed time.Time
	NextEligible  time.Time
}

// ActionAllowed decides whether an action is currently permitted on an asset.
// Pure and deterministic: no recorded last-performed date means always
// allowed; otherwise allowed iff now >= lastPerformed + interval days. The
// boundary day itself is eligible.
func ActionAllowed(a domain.Asset, k domain.ActionKind, now time.Time) (CooldownStatus, error) {
	last := a.LastPerformed(k)
	if last == nil || *last == "" {
		return CooldownStatus{Allowed: true}, nil
	}
	lastDate, err := time.Parse(domain.DateLayout, *last)
	if err != nil {
		return CooldownStatus{}, fmt.Errorf("asset %s: bad last_%s date %q: %w", a.ID, k, *last, err)
	}
	next := lastDate.AddDate(0, 0, a.IntervalDays(k))
	return CooldownStatus{
		Allowed:       !now.Before(next),
		LastPerformed: lastDate,
		NextEligible:  next,
	}, nil
}
