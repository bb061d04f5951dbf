package detection

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/num/quat"
)

// DeviceInfo is the static identity of the sensor. It is loaded once at start
// up and copied into the header of every batch.
type DeviceInfo struct {
	Name         string `json:"name" yaml:"name"`
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	Model        string `json:"model" yaml:"model"`
	SerialNumber string `json:"serial_number" yaml:"serial_number"`
	Description  string `json:"description,omitempty" yaml:"description"`
}

// DetectedObject is the flat per-object view of one record. Values are built
// fresh for every record and never mutated afterwards.
type DetectedObject struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`     // metres
	Y          float64 `json:"y"`     // metres
	Angle      float64 `json:"angle"` // degrees
	Confidence float64 `json:"confidence"`
	Detected   bool    `json:"detected"`
}

// Set maps object name to the object found in one record. A new Set replaces
// the previous one entirely; there is no merging between records.
type Set map[string]DetectedObject

// Clone returns an independent copy of the set. A nil set clones to an empty one.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Names returns the object names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vector3 is a position in metres.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is a position with a unit quaternion orientation.
type Pose struct {
	Position    Vector3
	Orientation quat.Number
}

// PlanarPose returns the pose of an object lying in the sensor's image plane:
// translation (x, y, 0) and a pure rotation of yaw radians about Z.
func PlanarPose(x, y, yaw float64) Pose {
	return Pose{
		Position:    Vector3{X: x, Y: y},
		Orientation: quat.Number{Real: math.Cos(yaw / 2), Kmag: math.Sin(yaw / 2)},
	}
}

// Yaw recovers the rotation about Z, in radians, from the orientation.
func (p Pose) Yaw() float64 {
	q := p.Orientation
	return math.Atan2(2*(q.Real*q.Kmag+q.Imag*q.Jmag), 1-2*(q.Jmag*q.Jmag+q.Kmag*q.Kmag))
}

// PoseWithCovariance pairs a pose with its 6x6 row-major covariance. The
// sensor reports no uncertainty, so the covariance is left as zeros.
type PoseWithCovariance struct {
	Pose       Pose
	Covariance [36]float64
}

// RecognizedObject is one entry of the structured batch.
type RecognizedObject struct {
	Name       string
	Pose       PoseWithCovariance
	Confidence float64
}

// Header carries provenance for a batch.
type Header struct {
	Seq       uint64
	Timestamp time.Time
	Device    DeviceInfo
}

// RecognizedObjects is the structured batch produced from one record.
type RecognizedObjects struct {
	Header  Header
	Objects []RecognizedObject
}

// EmptyRecognizedObjects returns a batch with no objects and a non-nil slice.
func EmptyRecognizedObjects() RecognizedObjects {
	return RecognizedObjects{Objects: []RecognizedObject{}}
}

// Clone returns a deep copy. The Objects slice of the copy is never nil.
func (r RecognizedObjects) Clone() RecognizedObjects {
	out := r
	out.Objects = make([]RecognizedObject, len(r.Objects))
	copy(out.Objects, r.Objects)
	return out
}

// AsMap renders the batch as plain JSON-compatible values. The HTTP API and
// the gRPC service both serve this shape.
func (r RecognizedObjects) AsMap() map[string]any {
	objects := make([]any, 0, len(r.Objects))
	for _, o := range r.Objects {
		p := o.Pose.Pose
		objects = append(objects, map[string]any{
			"name":       o.Name,
			"confidence": o.Confidence,
			"pose": map[string]any{
				"position": map[string]any{
					"x": p.Position.X,
					"y": p.Position.Y,
					"z": p.Position.Z,
				},
				"orientation": map[string]any{
					"w": p.Orientation.Real,
					"x": p.Orientation.Imag,
					"y": p.Orientation.Jmag,
					"z": p.Orientation.Kmag,
				},
				"yaw": p.Yaw(),
			},
		})
	}

	var ts string
	if !r.Header.Timestamp.IsZero() {
		ts = r.Header.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"header": map[string]any{
			"seq":       float64(r.Header.Seq),
			"timestamp": ts,
			"device": map[string]any{
				"name":          r.Header.Device.Name,
				"manufacturer":  r.Header.Device.Manufacturer,
				"model":         r.Header.Device.Model,
				"serial_number": r.Header.Device.SerialNumber,
			},
		},
		"recognized_objects": objects,
	}
}
