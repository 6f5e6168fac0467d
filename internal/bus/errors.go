package bus

import "errors"

// ErrChannelUnavailable is returned when an outbound message targets an
// instance with no connected Channel Adapter registered.
var ErrChannelUnavailable = errors.New("bus: channel unavailable")
