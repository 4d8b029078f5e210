package ingress

import "errors"

// Error taxonomy for the ingress dispatcher.
var (
	ErrMalformed           = errors.New("ingress: malformed bundle")
	ErrUnsupportedVersion  = errors.New("ingress: unsupported bundle version")
	ErrOversizedBundle     = errors.New("ingress: bundle exceeds configured maximum size")
	ErrHopLimitExceeded    = errors.New("ingress: hop count exceeds hop limit")
	ErrBackpressureTimeout = errors.New("ingress: backpressure wait timed out")
	ErrMultiplePreviousNode = errors.New("ingress: bundle carries more than one previous-node block")
	ErrMultipleHopCount     = errors.New("ingress: bundle carries more than one hop-count block")
)
