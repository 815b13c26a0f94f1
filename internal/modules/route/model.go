// README: Route records. Read-only to the queue core, referenced by id.
package route

import (
	"errors"

	"rickqueue/internal/types"
)

var ErrNotFound = errors.New("route not found")

type Route struct {
	ID              types.ID
	OriginName      string
	DestinationName string
	Origin          types.Point
	Destination     types.Point
	DistanceKm      float64
	Active          bool
}
