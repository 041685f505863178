package scrobble_test

import (
	"testing"

	"github.com/nowplaying/nowplaying/internal/scrobble"
	"github.com/nowplaying/nowplaying/internal/settings"
)

func configured(every int) settings.Settings {
	return settings.Settings{InstanceURL: "https://misskey.example", AccessToken: "tok", PostEvery: every}
}

func TestThrottleEveryNth(t *testing.T) {
	var th scrobble.Throttle
	s := configured(3)

	var got []bool
	for i := 0; i < 6; i++ {
		got = append(got, th.ShouldPublish(s))
	}
	want := []bool{false, false, true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("publish signals = %v, want %v", got, want)
		}
	}
	if th.Count() != 0 {
		t.Errorf("counter should reset after a publish, got %d", th.Count())
	}
}

func TestThrottleFrequencyOneAndClamp(t *testing.T) {
	var th scrobble.Throttle
	for _, every := range []int{1, 0, -3} {
		if !th.ShouldPublish(configured(every)) {
			t.Errorf("PostEvery=%d should publish every track", every)
		}
	}
}

func TestThrottleUnconfiguredStillCounts(t *testing.T) {
	var th scrobble.Throttle
	s := settings.Default()
	for i := 0; i < 4; i++ {
		if th.ShouldPublish(s) {
			t.Fatal("unconfigured throttle must never publish")
		}
	}
	if th.Count() != 4 {
		t.Errorf("expected count 4, got %d", th.Count())
	}

	th.Reset()
	if th.Count() != 0 {
		t.Errorf("expected count 0 after reset, got %d", th.Count())
	}
	got := []bool{th.ShouldPublish(configured(2)), th.ShouldPublish(configured(2))}
	if got[0] || !got[1] {
		t.Errorf("after reset expected [false true], got %v", got)
	}
}
