// Package connection implements the connection manager.
//
// The manager:
//   - Maintains a pool of logical connections over pluggable transports
//   - Handles reconnection with exponential backoff
//   - Trips per-connection circuit breakers on repeated failures
//   - Probes connection health and degrades unresponsive endpoints
//   - Routes requests across healthy connections via a balancing strategy
//   - Correlates responses back to their in-flight requests
package connection
