package ratelimit

import (
	"context"
	"testing"

	hub "github.com/relaymesh/cch/internal"
)

func TestCheckTotalCost(t *testing.T) {
	t.Parallel()
	svc, _, fs := newTestService(t)
	ctx := context.Background()

	fs.Outcomes["o1"] = &hub.RequestOutcome{ID: "o1", UserID: "u1", KeyID: "k1", CostUSD: 5}

	d, err := svc.CheckTotalCost(ctx, hub.SubjectUser, "u1", f64(4), 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("want blocked at 5/4")
	}
	if d.Scope != hub.ScopeTotal || d.Current != 5 || d.Limit != 4 {
		t.Errorf("decision = %+v, want total 5/4", d)
	}

	// No limit means no check.
	d, err = svc.CheckTotalCost(ctx, hub.SubjectUser, "u1", nil, 0)
	if err != nil || !d.Allowed {
		t.Errorf("nil limit: %+v, %v, want allowed", d, err)
	}

	// Another subject is unaffected.
	d, err = svc.CheckTotalCost(ctx, hub.SubjectUser, "u2", f64(4), 0)
	if err != nil || !d.Allowed {
		t.Errorf("other user: %+v, %v, want allowed", d, err)
	}
}

func TestCheckTotalCost_CacheInvalidatedOnTrack(t *testing.T) {
	t.Parallel()
	svc, _, fs := newTestService(t)
	ctx := context.Background()

	d, err := svc.CheckTotalCost(ctx, hub.SubjectKey, "k1", f64(1), 0)
	if err != nil || !d.Allowed {
		t.Fatalf("empty store: %+v, %v, want allowed", d, err)
	}

	// New spend lands in the store but the cached sum still answers.
	fs.Outcomes["o1"] = &hub.RequestOutcome{ID: "o1", KeyID: "k1", CostUSD: 2}
	d, err = svc.CheckTotalCost(ctx, hub.SubjectKey, "k1", f64(1), 0)
	if err != nil || !d.Allowed {
		t.Fatalf("cached sum: %+v, %v, want still allowed", d, err)
	}

	// Tracking spend for the key invalidates its cached total.
	if err := svc.TrackCost(ctx, "k1", "", "", "r1", 0.01); err != nil {
		t.Fatal(err)
	}
	d, err = svc.CheckTotalCost(ctx, hub.SubjectKey, "k1", f64(1), 0)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Errorf("decision = %+v, want blocked after refresh", d)
	}
}
