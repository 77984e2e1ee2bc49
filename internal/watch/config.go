// Package watch holds the pose-monitoring glue around the external pose
// estimator: the per-frame configuration handed to the capture page and
// the hazard evaluation applied to estimated poses.
package watch

// Ordered body part indices in an estimated pose. The hazard rule only
// looks at the first three.
const (
	PartNose = iota
	PartLeftEye
	PartRightEye
	PartLeftEar
	PartRightEar
)

// ModelConfig selects the pose estimation model variant.
type ModelConfig struct {
	Architecture    string  `json:"architecture" koanf:"architecture"`
	OutputStride    int     `json:"output_stride" koanf:"output_stride"`
	InputResolution int     `json:"input_resolution" koanf:"input_resolution"`
	Multiplier      float64 `json:"multiplier" koanf:"multiplier"`
	QuantBytes      int     `json:"quant_bytes" koanf:"quant_bytes"`
}

// Thresholds are the confidence cutoffs below which a pose or a body part
// is treated as undetected.
type Thresholds struct {
	MinPoseConfidence float64 `json:"min_pose_confidence" koanf:"min_pose_confidence"`
	MinPartConfidence float64 `json:"min_part_confidence" koanf:"min_part_confidence"`
}

// RenderOptions are the recognized output toggles of the capture page.
type RenderOptions struct {
	ShowVideo       bool `json:"show_video" koanf:"show_video"`
	ShowPoints      bool `json:"show_points" koanf:"show_points"`
	ShowSkeleton    bool `json:"show_skeleton" koanf:"show_skeleton"`
	ShowBoundingBox bool `json:"show_bounding_box" koanf:"show_bounding_box"`
}

// Config is one frame's complete monitoring configuration. It is treated
// as immutable: a user toggle produces a fresh value via the With*
// helpers rather than mutating a shared one.
type Config struct {
	Model      ModelConfig   `json:"model" koanf:"model"`
	Thresholds Thresholds    `json:"thresholds" koanf:"thresholds"`
	Render     RenderOptions `json:"render" koanf:"render"`
}

// DefaultConfig returns the stock monitoring configuration.
func DefaultConfig() Config {
	return Config{
		Model: ModelConfig{
			Architecture:    "MobileNetV1",
			OutputStride:    16,
			InputResolution: 500,
			Multiplier:      0.75,
			QuantBytes:      2,
		},
		Thresholds: Thresholds{
			MinPoseConfidence: 0.3,
			MinPartConfidence: 0.5,
		},
		Render: RenderOptions{
			ShowVideo:    true,
			ShowPoints:   true,
			ShowSkeleton: true,
		},
	}
}

// WithRender returns a copy of the config with new output toggles.
func (c Config) WithRender(r RenderOptions) Config {
	c.Render = r
	return c
}

// WithThresholds returns a copy of the config with new confidence cutoffs.
func (c Config) WithThresholds(t Thresholds) Config {
	c.Thresholds = t
	return c
}

// Keypoint is one named body part estimate: a 2-D position and a
// confidence score.
type Keypoint struct {
	Part  string  `json:"part"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

// Pose is one detected pose: an overall confidence score and a fixed,
// ordered set of body part estimates.
type Pose struct {
	Score     float64    `json:"score"`
	Keypoints []Keypoint `json:"keypoints"`
}

// Estimator is the external pose estimation boundary: given whatever frame
// source it was bound to and a configuration, it produces detected poses.
type Estimator interface {
	EstimatePoses(cfg Config) ([]Pose, error)
}

// VisibleKeypoints returns the head keypoints confident enough to draw.
func (p Pose) VisibleKeypoints(minConfidence float64) []Keypoint {
	out := make([]Keypoint, 0, len(p.Keypoints))
	for i, k := range p.Keypoints {
		if i > PartRightEar {
			break
		}
		if k.Score >= minConfidence {
			out = append(out, k)
		}
	}
	return out
}
