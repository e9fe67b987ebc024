// Package pose holds the small amount of spatial math the agent needs:
// world positions, yaw-only orientations, and planar distances. Values
// use the array layout the wire protocol and the world client exchange
// ([x, y, z] and [x, y, z, w]), so equality is plain ==. Decoding also
// accepts the object form ({"x":..,"y":..,"z":..}) some world servers
// send.
package pose

import (
	"bytes"
	"encoding/json"
	"math"
)

// Vector3 is a world-space position as [x, y, z].
type Vector3 [3]float64

// Quaternion is a rotation as [x, y, z, w].
type Quaternion [4]float64

// Origin is the zero position.
var Origin = Vector3{0, 0, 0}

// Identity is the no-rotation quaternion.
var Identity = Quaternion{0, 0, 0, 1}

// UnmarshalJSON accepts [x, y, z] or {"x", "y", "z"}. Missing object
// keys are zero.
func (v *Vector3) UnmarshalJSON(data []byte) error {
	if isObject(data) {
		var o struct{ X, Y, Z float64 }
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		*v = Vector3{o.X, o.Y, o.Z}
		return nil
	}
	var a [3]float64
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = a
	return nil
}

// UnmarshalJSON accepts [x, y, z, w] or {"x", "y", "z", "w"}.
func (q *Quaternion) UnmarshalJSON(data []byte) error {
	if isObject(data) {
		var o struct{ X, Y, Z, W float64 }
		if err := json.Unmarshal(data, &o); err != nil {
			return err
		}
		*q = Quaternion{o.X, o.Y, o.Z, o.W}
		return nil
	}
	var a [4]float64
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*q = a
	return nil
}

func isObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) > 0 && data[0] == '{'
}

// X returns the x component.
func (v Vector3) X() float64 { return v[0] }

// Y returns the y component.
func (v Vector3) Y() float64 { return v[1] }

// Z returns the z component.
func (v Vector3) Z() float64 { return v[2] }

// YawQuaternion returns a rotation of angle radians about the vertical
// axis. Pitch and roll are always zero.
func YawQuaternion(angle float64) Quaternion {
	half := angle / 2
	return Quaternion{0, math.Sin(half), 0, math.Cos(half)}
}

// PlanarDistance is the Euclidean distance between a and b on the X/Z
// plane. Height differences are ignored.
func PlanarDistance(a, b Vector3) float64 {
	dx := b[0] - a[0]
	dz := b[2] - a[2]
	return math.Sqrt(dx*dx + dz*dz)
}

// LookRotation returns the yaw-only rotation that faces from toward
// target. The second result is false when the two points share the same
// X/Z coordinates and no direction can be derived.
func LookRotation(from, target Vector3) (Quaternion, bool) {
	dx := target[0] - from[0]
	dz := target[2] - from[2]
	length := math.Sqrt(dx*dx + dz*dz)
	if length == 0 {
		return Quaternion{}, false
	}
	return YawQuaternion(math.Atan2(dx/length, dz/length)), true
}
