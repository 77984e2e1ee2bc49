package watch

import (
	"io"
	"log"
	"testing"
	"time"
)

func newTestMonitor() *Monitor {
	return NewMonitor(Thresholds{MinPoseConfidence: 0.3, MinPartConfidence: 0.5},
		3*time.Second, log.New(io.Discard, "", 0))
}

func TestMonitorObserve(t *testing.T) {
	m := newTestMonitor()

	report := func(poses ...Pose) Status {
		t.Helper()
		st, err := m.Observe("nursery", PoseReport{Poses: poses}, DefaultConfig())
		if err != nil {
			t.Fatalf("couldn't observe report: %v", err)
		}
		return st
	}

	// Safe posture: no alert, keypoints filtered to the confident parts.
	st := report(headPose(0.8, 0.2, 0.7))
	if st.Hazardous || st.Alert {
		t.Fatalf("safe pose reported hazardous=%v alert=%v", st.Hazardous, st.Alert)
	}
	if len(st.Keypoints) != 2 || st.Keypoints[0].Part != "nose" || st.Keypoints[1].Part != "rightEye" {
		t.Fatalf("keypoints not filtered to confident parts: %+v", st.Keypoints)
	}

	// Pin the room detector's clock for the cadence checks.
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.rooms["nursery"].det.now = func() time.Time { return clock }

	// Becoming hazardous arms the cadence but doesn't alert yet.
	st = report(headPose(0.1, 0.1, 0.1))
	if !st.Hazardous || st.Alert {
		t.Fatalf("hazard onset reported hazardous=%v alert=%v", st.Hazardous, st.Alert)
	}

	// One interval later the alert is due, with the alert copy attached.
	clock = clock.Add(3 * time.Second)
	st = report(headPose(0.1, 0.1, 0.1))
	if !st.Alert || st.Title == "" || st.Body == "" {
		t.Fatalf("expected a due alert with copy, got %+v", st)
	}

	// And not again within the interval.
	st = report(headPose(0.1, 0.1, 0.1))
	if st.Alert {
		t.Fatal("alert repeated within the interval")
	}

	// A report with no pose at all means the child isn't tracked.
	st = report()
	if !st.Hazardous {
		t.Fatal("empty report not treated as hazardous")
	}
}

func TestMonitorPicksBestPose(t *testing.T) {
	m := newTestMonitor()

	// The confident safe pose wins over a low scoring noise pose.
	st, err := m.Observe("nursery", PoseReport{Poses: []Pose{
		{Score: 0.2},
		headPose(0.8, 0.7, 0.7),
	}}, DefaultConfig())
	if err != nil {
		t.Fatalf("couldn't observe report: %v", err)
	}
	if st.Hazardous {
		t.Fatal("best pose not selected from the report")
	}
}

func TestMonitorSweep(t *testing.T) {
	m := newTestMonitor()

	if _, err := m.Observe("old", PoseReport{}, DefaultConfig()); err != nil {
		t.Fatalf("couldn't observe report: %v", err)
	}
	m.rooms["old"].lastSeen = time.Now().Add(-2 * watchExpiry)

	if _, err := m.Observe("fresh", PoseReport{}, DefaultConfig()); err != nil {
		t.Fatalf("couldn't observe report: %v", err)
	}
	if _, ok := m.rooms["old"]; ok {
		t.Fatal("stale room not swept")
	}
	if _, ok := m.rooms["fresh"]; !ok {
		t.Fatal("fresh room swept")
	}
}
