// README: Common value types shared across modules.
package types

// ID is an opaque entity identifier (groups, bookings, users, routes).
type ID string

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// Gender of a passenger as reported by the identity provider.
type Gender string

const (
	GenderFemale Gender = "FEMALE"
	GenderMale   Gender = "MALE"
	GenderOther  Gender = "OTHER"
)
