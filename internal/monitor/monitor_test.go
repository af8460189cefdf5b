package monitor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchnav/internal/conditions"
	"batchnav/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestImpactSevereTrafficTriggers(t *testing.T) {
	cfg := DefaultConfig()
	impact := ImpactScore(model.ClearConditions(), model.Conditions{Traffic: model.TrafficSevere, Weather: model.WeatherClear})
	if impact != 40 {
		t.Fatalf("impact %v", impact)
	}
	if !cfg.ShouldRecompute(impact) {
		t.Fatal("40 should trigger recomputation")
	}
}

func TestImpactLightTrafficSkips(t *testing.T) {
	cfg := DefaultConfig()
	impact := ImpactScore(model.ClearConditions(), model.Conditions{Traffic: model.TrafficLight, Weather: model.WeatherClear})
	if impact != 10 {
		t.Fatalf("impact %v", impact)
	}
	if cfg.ShouldRecompute(impact) {
		t.Fatal("10 should not trigger")
	}
	res := cfg.Skipped(impact, now)
	if res.Status != model.NoAdjustmentNeeded || res.ImprovementScore != nil {
		t.Fatalf("result %+v", res)
	}
}

func TestImpactIsClampedAndSymmetric(t *testing.T) {
	worst := model.Conditions{Traffic: model.TrafficSevere, Weather: model.WeatherThunderstorm, OrderChanges: true}
	if got := ImpactScore(model.ClearConditions(), worst); got != 100 {
		t.Fatalf("clamp: %v", got)
	}
	// improving conditions count as much as worsening ones
	back := ImpactScore(model.Conditions{Traffic: model.TrafficHeavy, Weather: model.WeatherRain}, model.ClearConditions())
	if back != 45 {
		t.Fatalf("recovery impact %v", back)
	}
	if got := ImpactScore(model.ClearConditions(), model.Conditions{Traffic: model.TrafficUnknown, Weather: model.WeatherUnknown}); got != 0 {
		t.Fatalf("unknown should not count: %v", got)
	}
	if r := Reason(model.ClearConditions(), worst); r != "traffic_severe+weather_thunderstorm+orders_changed" {
		t.Fatalf("reason %q", r)
	}
}

func TestClassifySuppressesSmallGains(t *testing.T) {
	cfg := DefaultConfig()
	cur := model.OptimizedRoute{OptimizationScore: 60, Mode: model.ModeOptimized}
	for _, tc := range []struct {
		next    float64
		status  model.AdjustmentStatus
		install float64
	}{
		{64.9, model.NoAdjustmentNeeded, 60},
		{65, model.AdjustmentCalculated, 65},
		{80, model.AdjustmentCalculated, 80},
		{40, model.NoAdjustmentNeeded, 60},
	} {
		d := cfg.Classify(&cur, model.OptimizedRoute{OptimizationScore: tc.next}, 40, "traffic_severe", now)
		if d.Result.Status != tc.status {
			t.Fatalf("next=%v: status %s", tc.next, d.Result.Status)
		}
		if d.Result.Status == model.AdjustmentCalculated && (d.Result.ImprovementScore == nil || *d.Result.ImprovementScore < cfg.MinGain) {
			t.Fatalf("next=%v: calculated without gain %v", tc.next, d.Result.ImprovementScore)
		}
		if d.Result.Status == model.NoAdjustmentNeeded && d.Result.ImprovementScore != nil {
			t.Fatalf("next=%v: improvement reported on no-adjustment", tc.next)
		}
		if d.Install == nil || d.Install.OptimizationScore != tc.install {
			t.Fatalf("next=%v: installed %+v", tc.next, d.Install)
		}
	}
}

func TestClassifyChangedSetAlwaysInstalls(t *testing.T) {
	d := DefaultConfig().Classify(nil, model.OptimizedRoute{OptimizationScore: 10}, 30, "orders_changed", now)
	if d.Install == nil || d.Install.OptimizationScore != 10 || d.Result.Status != model.NoAdjustmentNeeded {
		t.Fatalf("decision %+v", d)
	}
	if d.Result.ImprovementScore != nil || !strings.Contains(d.Result.Message, "route replaced") {
		t.Fatalf("replacement not reported: %+v", d.Result)
	}
}

func TestCoalescerRunsAtMostOneExtra(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var mu sync.Mutex
	var seen []Trigger
	c := NewCoalescer(func(tr Trigger) {
		mu.Lock()
		seen = append(seen, tr)
		first := len(seen) == 1
		mu.Unlock()
		started <- struct{}{}
		if first {
			<-release
		}
	})
	c.Submit(Trigger{Source: "t0", Conditions: model.Conditions{Traffic: model.TrafficLight}})
	<-started
	c.Submit(Trigger{Source: "t1", OrdersChanged: true})
	c.Submit(Trigger{Source: "t2", Conditions: model.Conditions{Traffic: model.TrafficHeavy}})
	c.Submit(Trigger{Source: "t3", Conditions: model.Conditions{Traffic: model.TrafficSevere}})
	close(release)
	c.Wait()

	if c.Runs() != 2 {
		t.Fatalf("runs %d", c.Runs())
	}
	mu.Lock()
	defer mu.Unlock()
	last := seen[1]
	if last.Source != "t3" || last.Conditions.Traffic != model.TrafficSevere || !last.OrdersChanged {
		t.Fatalf("merged trigger %+v", last)
	}
}

func TestCoalescerIdleRunsImmediately(t *testing.T) {
	var n int32
	c := NewCoalescer(func(Trigger) { atomic.AddInt32(&n, 1) })
	c.Submit(Trigger{})
	c.Wait()
	c.Submit(Trigger{})
	c.Wait()
	if atomic.LoadInt32(&n) != 2 {
		t.Fatalf("runs %d", n)
	}
}

func TestLoopFiresOnFeedUpdate(t *testing.T) {
	feed := conditions.NewStatic(model.ClearConditions())
	got := make(chan Trigger, 4)
	l := NewLoop(feed, time.Hour, func(tr Trigger) { got <- tr })
	l.Start()
	defer close(l.Stop)

	_ = feed.Publish(context.Background(), model.Conditions{Traffic: model.TrafficHeavy, Weather: model.WeatherClear})
	select {
	case tr := <-got:
		if tr.Source != "feed" || tr.Conditions.Traffic != model.TrafficHeavy {
			t.Fatalf("trigger %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger")
	}
}

func TestLoopFiresOnCadence(t *testing.T) {
	feed := conditions.NewStatic(model.Conditions{Traffic: model.TrafficModerate})
	got := make(chan Trigger, 4)
	l := NewLoop(feed, 10*time.Millisecond, func(tr Trigger) { got <- tr })
	l.Updates = nil
	l.Start()
	defer close(l.Stop)
	select {
	case tr := <-got:
		if tr.Source != "cadence" || tr.Conditions.Traffic != model.TrafficModerate {
			t.Fatalf("trigger %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cadence trigger")
	}
}

// stickySource keeps reporting an order change on every read.
type stickySource struct{}

func (stickySource) Latest(context.Context) (model.Conditions, error) {
	return model.Conditions{Traffic: model.TrafficClear, Weather: model.WeatherClear, OrderChanges: true}, nil
}

func TestCadenceIgnoresOrderChanges(t *testing.T) {
	got := make(chan Trigger, 8)
	l := NewLoop(stickySource{}, 10*time.Millisecond, func(tr Trigger) { got <- tr })
	l.Start()
	defer close(l.Stop)
	for i := 0; i < 3; i++ {
		select {
		case tr := <-got:
			if tr.OrdersChanged || tr.Conditions.OrderChanges {
				t.Fatalf("tick %d: %+v", i, tr)
			}
			if impact := ImpactScore(model.ClearConditions(), tr.Conditions); DefaultConfig().ShouldRecompute(impact) {
				t.Fatalf("tick %d would recompute at impact %v", i, impact)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no cadence trigger")
		}
	}
}
