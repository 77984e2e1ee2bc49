package watch

import (
	"log"
	"time"
)

// Alerter presents an alert to the user. Fire and forget; no return value
// is consumed.
type Alerter interface {
	Alert(title, body string)
}

// Alert copy shown while the child is out of safe posture.
const (
	alertTitle = "Hazard detected"
	alertBody  = "Check the child's posture"
)

// HazardDetector evaluates estimated poses against the safe-posture rule:
// the pose is hazardous when the nose can't be located, or when both eyes
// can't. While hazardous, the alerter fires at a fixed cadence; recovery
// clears the schedule.
type HazardDetector struct {
	th       Thresholds
	interval time.Duration
	alerter  Alerter

	hazardous bool
	lastAlert time.Time

	now func() time.Time
	log *log.Logger
}

// NewHazardDetector returns a detector firing on the given alerter every
// interval while a hazard persists.
func NewHazardDetector(th Thresholds, interval time.Duration, a Alerter, l *log.Logger) *HazardDetector {
	return &HazardDetector{
		th:       th,
		interval: interval,
		alerter:  a,
		now:      time.Now,
		log:      l,
	}
}

// Hazardous reports whether the last observed pose was out of safe posture.
func (d *HazardDetector) Hazardous() bool {
	return d.hazardous
}

// Observe evaluates one estimated pose. Poses with too few keypoints are
// treated as hazardous: the head isn't being tracked at all.
func (d *HazardDetector) Observe(p Pose) {
	hazard := true
	if len(p.Keypoints) > PartRightEye {
		nose := p.Keypoints[PartNose].Score
		leftEye := p.Keypoints[PartLeftEye].Score
		rightEye := p.Keypoints[PartRightEye].Score
		hazard = nose < d.th.MinPoseConfidence ||
			(leftEye < d.th.MinPoseConfidence && rightEye < d.th.MinPoseConfidence)
	}

	if !hazard {
		if d.hazardous {
			d.log.Printf("posture recovered")
		}
		d.hazardous = false
		return
	}

	now := d.now()
	if !d.hazardous {
		// Newly hazardous: start the cadence, first alert after one
		// full interval.
		d.hazardous = true
		d.lastAlert = now
		d.log.Printf("hazard detected, alerting every %s", d.interval)
		return
	}

	if now.Sub(d.lastAlert) >= d.interval {
		d.alerter.Alert(alertTitle, alertBody)
		d.lastAlert = now
	}
}
