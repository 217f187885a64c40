package relay

import "fmt"

// Direction selects which end of a connection a fetch extends.
type Direction int

const (
	// Forward fetches the items after the end cursor.
	Forward Direction = iota
	// Backward fetches the items before the start cursor.
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Forward {
		return Backward
	}
	return Forward
}
