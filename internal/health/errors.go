package health

import "errors"

// ErrCircuitOpen is returned when a request is rejected because the
// peer's circuit breaker is open.
var ErrCircuitOpen = errors.New("health: circuit open")
