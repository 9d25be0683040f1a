package shock

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func cfg() Config {
	return Config{
		SigmaThreshold:  3.0,
		MinAbsoluteMove: 0.03,
		RollingWindow:   time.Minute,
		CooldownMs:      30_000,
		TargetPriceMin:  0.07,
		TargetPriceMax:  0.91,
	}
}

func d2(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestDetectorRejectsOutOfBand(t *testing.T) {
	d := New(cfg())
	now := time.Now()
	for i := 0; i < 6; i++ {
		_, ok := d.Observe("tok", "mkt", d2(0.96), d2(0.97), now.Add(time.Duration(i)*time.Second))
		if ok {
			t.Fatalf("expected no shock outside target price band")
		}
	}
}

func TestDetectorFiresOnAbsoluteMove(t *testing.T) {
	d := New(cfg())
	now := time.Now()
	// warm up with flat-ish prices, then a big jump (0.58 -> 0.62, ticking slightly to avoid degenerate stddev)
	mids := []float64{0.55, 0.56, 0.55, 0.56, 0.58}
	for i, m := range mids {
		d.Observe("tok", "mkt", d2(m), d2(m), now.Add(time.Duration(i)*time.Second))
	}
	shock, ok := d.Observe("tok", "mkt", d2(0.62), d2(0.62), now.Add(6*time.Second))
	if !ok {
		t.Fatalf("expected shock to fire on large absolute move")
	}
	if shock.Direction != "up" {
		t.Fatalf("expected upward direction, got %s", shock.Direction)
	}
	if shock.ShockID == "" {
		t.Fatalf("expected shockID assigned")
	}
}

func TestDetectorCooldownSuppressesDuplicate(t *testing.T) {
	d := New(cfg())
	now := time.Now()
	mids := []float64{0.55, 0.56, 0.55, 0.56, 0.58}
	for i, m := range mids {
		d.Observe("tok", "mkt", d2(m), d2(m), now.Add(time.Duration(i)*time.Second))
		d.Observe("tok2", "mkt", d2(1-m), d2(1-m), now.Add(time.Duration(i)*time.Second))
	}
	_, ok := d.Observe("tok", "mkt", d2(0.62), d2(0.62), now.Add(6*time.Second))
	if !ok {
		t.Fatalf("expected first shock to fire")
	}
	// Complement token on same market, immediately after: suppressed by per-market cooldown.
	_, ok2 := d.Observe("tok2", "mkt", d2(0.38), d2(0.38), now.Add(6100*time.Millisecond))
	if ok2 {
		t.Fatalf("expected per-market cooldown to suppress duplicate detection")
	}
}

func TestDetectorResetCooldownAllowsImmediateRefire(t *testing.T) {
	d := New(cfg())
	now := time.Now()
	mids := []float64{0.55, 0.56, 0.55, 0.56, 0.58}
	for i, m := range mids {
		d.Observe("tok", "mkt", d2(m), d2(m), now.Add(time.Duration(i)*time.Second))
		d.Observe("tok2", "mkt", d2(1-m), d2(1-m), now.Add(time.Duration(i)*time.Second))
	}
	d.Observe("tok", "mkt", d2(0.62), d2(0.62), now.Add(6*time.Second))
	d.ResetCooldown("mkt")
	_, ok := d.Observe("tok2", "mkt", d2(0.28), d2(0.28), now.Add(6100*time.Millisecond))
	if !ok {
		t.Fatalf("expected reset cooldown to allow immediate refire")
	}
}
