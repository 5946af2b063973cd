package engine

import (
	"testing"
	"time"

	"grovekeeper/internal/domain"
)

func dateptr(s string) *string { return &s }

func TestActionAllowedNoHistory(t *testing.T) {
	a := domain.Asset{ID: "ID001", WaterIntervalDays: 3, CleanIntervalDays: 7}
	st, err := ActionAllowed(a, domain.ActionWater, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if !st.Allowed {
		t.Fatalf("no history must always be allowed")
	}
	if !st.NextEligible.IsZero() {
		t.Fatalf("next eligible should be zero without history")
	}
}

func TestActionAllowedBoundary(t *testing.T) {
	a := domain.Asset{
		ID:                "ID001",
		WaterIntervalDays: 3,
		CleanIntervalDays: 7,
		LastWater:         dateptr("2024-05-01"),
	}
	cases := []struct {
		now     time.Time
		allowed bool
	}{
		{time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), false},
		{time.Date(2024, 5, 3, 23, 0, 0, 0, time.UTC), false}, // one day early
		{time.Date(2024, 5, 4, 0, 0, 0, 0, time.UTC), true},   // exactly interval days later
		{time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		st, err := ActionAllowed(a, domain.ActionWater, tc.now)
		if err != nil {
			t.Fatal(err)
		}
		if st.Allowed != tc.allowed {
			t.Errorf("now=%s: allowed=%v, want %v", tc.now, st.Allowed, tc.allowed)
		}
		if got := st.NextEligible.Format(domain.DateLayout); got != "2024-05-04" {
			t.Errorf("next eligible %s, want 2024-05-04", got)
		}
	}
}

func TestActionAllowedPerActionIntervals(t *testing.T) {
	a := domain.Asset{
		ID:                "ID002",
		WaterIntervalDays: 3,
		CleanIntervalDays: 7,
		LastClean:         dateptr("2024-05-01"),
	}
	now := time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC)
	water, err := ActionAllowed(a, domain.ActionWater, now)
	if err != nil || !water.Allowed {
		t.Fatalf("water should be allowed: %+v %v", water, err)
	}
	clean, err := ActionAllowed(a, domain.ActionClean, now)
	if err != nil {
		t.Fatal(err)
	}
	if clean.Allowed {
		t.Fatalf("clean inside interval should be denied")
	}
	if got := clean.NextEligible.Format(domain.DateLayout); got != "2024-05-08" {
		t.Fatalf("next eligible %s", got)
	}
}

func TestActionAllowedBadStoredDate(t *testing.T) {
	a := domain.Asset{ID: "ID003", WaterIntervalDays: 3, LastWater: dateptr("01.05.2024")}
	if _, err := ActionAllowed(a, domain.ActionWater, time.Now()); err == nil {
		t.Fatalf("expected parse error")
	}
}
