package watch

import (
	"log"
	"sync"
	"time"
)

// Rooms that stop reporting frames are forgotten after this long.
const watchExpiry = 5 * time.Minute

// PoseReport is one frame of estimation results reported by the capture
// page, which runs the model itself. It satisfies Estimator so the hazard
// path doesn't care where poses come from.
type PoseReport struct {
	Poses []Pose `json:"poses"`
}

func (r PoseReport) EstimatePoses(cfg Config) ([]Pose, error) {
	return r.Poses, nil
}

// Status is the verdict returned to the capture page for one reported
// frame: whether the posture is hazardous, whether an alert is due right
// now, and which head keypoints are confident enough to draw.
type Status struct {
	Hazardous bool       `json:"hazardous"`
	Alert     bool       `json:"alert"`
	Title     string     `json:"title,omitempty"`
	Body      string     `json:"body,omitempty"`
	Keypoints []Keypoint `json:"keypoints"`
}

// pendingAlerter latches alerts for a client that polls with each frame
// instead of listening for pushes.
type pendingAlerter struct {
	title, body string
	pending     bool
}

func (a *pendingAlerter) Alert(title, body string) {
	a.title, a.body = title, body
	a.pending = true
}

func (a *pendingAlerter) take() (string, string, bool) {
	if !a.pending {
		return "", "", false
	}
	a.pending = false
	return a.title, a.body, true
}

// Monitor evaluates reported frames with one hazard detector per room,
// so the alert cadence follows the configured interval rather than
// whatever rate the page reports at.
type Monitor struct {
	th       Thresholds
	interval time.Duration
	log      *log.Logger

	mut   sync.Mutex
	rooms map[string]*roomWatch
}

type roomWatch struct {
	det      *HazardDetector
	alerts   *pendingAlerter
	lastSeen time.Time
}

// NewMonitor returns a monitor alerting at the given interval while a
// room's reported posture stays hazardous.
func NewMonitor(th Thresholds, interval time.Duration, l *log.Logger) *Monitor {
	return &Monitor{
		th:       th,
		interval: interval,
		log:      l,
		rooms:    make(map[string]*roomWatch),
	}
}

// Observe evaluates one reported frame for a room. A frame with no pose
// at all means the child isn't being tracked, which counts as hazardous.
func (m *Monitor) Observe(key string, est Estimator, cfg Config) (Status, error) {
	poses, err := est.EstimatePoses(cfg)
	if err != nil {
		return Status{}, err
	}

	m.mut.Lock()
	defer m.mut.Unlock()
	m.sweep()

	rw, ok := m.rooms[key]
	if !ok {
		a := &pendingAlerter{}
		rw = &roomWatch{
			det:    NewHazardDetector(m.th, m.interval, a, m.log),
			alerts: a,
		}
		m.rooms[key] = rw
		m.log.Printf("watching room %s", key)
	}
	rw.lastSeen = time.Now()

	var best Pose
	for _, p := range poses {
		if p.Score >= best.Score {
			best = p
		}
	}
	rw.det.Observe(best)

	st := Status{
		Hazardous: rw.det.Hazardous(),
		Keypoints: best.VisibleKeypoints(cfg.Thresholds.MinPartConfidence),
	}
	if title, body, ok := rw.alerts.take(); ok {
		st.Alert = true
		st.Title = title
		st.Body = body
	}
	return st, nil
}

// sweep drops rooms that stopped reporting. Caller holds the lock.
func (m *Monitor) sweep() {
	cutoff := time.Now().Add(-watchExpiry)
	for key, rw := range m.rooms {
		if rw.lastSeen.Before(cutoff) {
			delete(m.rooms, key)
			m.log.Printf("stopped watching room %s", key)
		}
	}
}
