package internal

import "log/slog"

// SlogEID returns a slog.Attr group for an EID's two components without
// forcing the "ipn:N.S" string allocation on every log call.
func SlogEID(key string, nodeID, serviceID uint64) slog.Attr {
	return slog.Group(key,
		slog.Uint64("node", nodeID),
		slog.Uint64("service", serviceID),
	)
}

// SlogSessionID returns a slog.Attr group for an LTP (engineID,
// sessionNumber) pair, the engine-internal equivalent of SlogEID.
func SlogSessionID(key string, engineID, sessionNumber uint64) slog.Attr {
	return slog.Group(key,
		slog.Uint64("engine", engineID),
		slog.Uint64("session", sessionNumber),
	)
}
