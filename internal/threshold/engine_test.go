package threshold

import (
	"testing"

	"ClusterBank/internal/calculator"
	"ClusterBank/internal/model"
)

func newEngine() *Engine {
	return New([]int{90, 25, 75, 50}, 60, false)
}

func status(used, limit int64, days int) model.UsageStatus {
	return model.UsageStatus{
		UsedSU:          used,
		LimitSU:         limit,
		UsedFraction:    calculator.UsedFraction(used, limit),
		DaysUntilExpiry: days,
	}
}

func TestEvaluate_Thresholds(t *testing.T) {
	tests := []struct {
		name string
		rec  model.NotificationRecord
		used int64
		want []Pending
	}{
		{"below first", model.NotificationRecord{}, 240, nil},
		{"first crossing", model.NotificationRecord{}, 260, []Pending{{model.KindUsage, 25}}},
		{"exactly on threshold", model.NotificationRecord{}, 500, []Pending{{model.KindUsage, 50}}},
		{"jump fires highest only", model.NotificationRecord{}, 920, []Pending{{model.KindUsage, 90}}},
		{"already notified", model.NotificationRecord{LastThreshold: 25}, 300, nil},
		{"next level", model.NotificationRecord{LastThreshold: 25}, 760, []Pending{{model.KindUsage, 75}}},
		{"above 100 stays at top", model.NotificationRecord{LastThreshold: 90}, 990, nil},
	}

	e := newEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(tt.rec, status(tt.used, 1000, 300))
			if len(d.Notices) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, d.Notices)
			}
			for i := range tt.want {
				if d.Notices[i] != tt.want[i] {
					t.Errorf("notice %d: expected %v, got %v", i, tt.want[i], d.Notices[i])
				}
			}
			if d.Lock {
				t.Error("usage below the limit must not lock")
			}
		})
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	e := newEngine()
	st := status(920, 1000, 30)

	rec := model.NotificationRecord{}
	d := e.Evaluate(rec, st)
	if len(d.Notices) != 2 {
		t.Fatalf("expected usage and expiring-soon notices, got %v", d.Notices)
	}
	for _, n := range d.Notices {
		rec = Apply(rec, n.Kind, n.Threshold)
	}

	if again := e.Evaluate(rec, st); len(again.Notices) != 0 {
		t.Errorf("expected no notices on re-evaluation, got %v", again.Notices)
	}
}

func TestEvaluate_Overdraft(t *testing.T) {
	e := newEngine()
	st := status(1100, 1000, 100)
	st.Overdrafted = true
	st.UncoveredSU = 100

	d := e.Evaluate(model.NotificationRecord{LastThreshold: 90}, st)
	if !d.Lock {
		t.Error("overdraft must lock")
	}
	if len(d.Notices) != 1 || d.Notices[0].Kind != model.KindOverdraft {
		t.Fatalf("expected one overdraft notice, got %v", d.Notices)
	}

	d = e.Evaluate(model.NotificationRecord{LastThreshold: 90, OverdraftSent: true}, st)
	if !d.Lock {
		t.Error("overdraft keeps the lock after notice")
	}
	if len(d.Notices) != 0 {
		t.Errorf("overdraft notice fires once, got %v", d.Notices)
	}
}

func TestEvaluate_Expiry(t *testing.T) {
	e := newEngine()

	tests := []struct {
		name        string
		rec         model.NotificationRecord
		days        int
		wantKind    model.NoticeKind
		wantArchive bool
	}{
		{"outside window", model.NotificationRecord{}, 61, "", false},
		{"window edge", model.NotificationRecord{}, 60, model.KindExpiringSoon, false},
		{"inside window sent", model.NotificationRecord{ExpiringSoonSent: true}, 10, "", false},
		{"ends today", model.NotificationRecord{}, 0, model.KindExpired, true},
		{"ended yesterday", model.NotificationRecord{ExpiringSoonSent: true}, -1, model.KindExpired, true},
		{"expired sent", model.NotificationRecord{ExpiredSent: true}, -1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Evaluate(tt.rec, status(0, 1000, tt.days))
			if d.ArchiveProposal != tt.wantArchive {
				t.Errorf("expected archive=%v, got %v", tt.wantArchive, d.ArchiveProposal)
			}
			if d.Lock {
				t.Error("expiry must not lock by default")
			}
			if tt.wantKind == "" {
				if len(d.Notices) != 0 {
					t.Errorf("expected no notices, got %v", d.Notices)
				}
				return
			}
			if len(d.Notices) != 1 || d.Notices[0].Kind != tt.wantKind {
				t.Errorf("expected %s, got %v", tt.wantKind, d.Notices)
			}
		})
	}
}

func TestEvaluate_LockOnExpiry(t *testing.T) {
	e := New([]int{50}, 60, true)
	if d := e.Evaluate(model.NotificationRecord{}, status(0, 10, -1)); !d.Lock {
		t.Error("expected lock on expiry when configured")
	}
}

func TestEvaluate_ExpiringSoonDisabled(t *testing.T) {
	e := New([]int{50}, 0, false)
	for _, days := range []int{1, 30, 60} {
		if d := e.Evaluate(model.NotificationRecord{}, status(0, 1000, days)); len(d.Notices) != 0 {
			t.Errorf("days=%d: expected no expiring-soon notice with a zero window, got %v", days, d.Notices)
		}
	}
	if d := e.Evaluate(model.NotificationRecord{}, status(0, 1000, 0)); len(d.Notices) != 1 || d.Notices[0].Kind != model.KindExpired {
		t.Errorf("expired notice must still fire, got %v", d.Notices)
	}
}

func TestApply_Monotonic(t *testing.T) {
	rec := Apply(model.NotificationRecord{}, model.KindUsage, 75)
	rec = Apply(rec, model.KindUsage, 25)
	if rec.LastThreshold != 75 {
		t.Errorf("expected threshold to stay at 75, got %d", rec.LastThreshold)
	}
	rec = Apply(rec, model.KindOverdraft, 0)
	if state, _ := rec.State(); state != model.StateOverdrafted {
		t.Errorf("expected OVERDRAFTED, got %s", state)
	}
}

func TestCrossed_ZeroLimit(t *testing.T) {
	if got := newEngine().Crossed(status(10, 0, 10)); got != 0 {
		t.Errorf("expected 0 for zero limit, got %d", got)
	}
}
