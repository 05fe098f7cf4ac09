package llm

import "context"

// Adapter presents one backend as a uniform generation capability.
//
// Generate performs at most one logical backend interaction (with bounded
// internal retries) and returns a classified *Error on failure. HealthCheck
// is a cheap gate, not a correctness oracle: a false result only means the
// caller should try elsewhere. Capabilities and EstimateCost are pure reads.
type Adapter interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
	HealthCheck(ctx context.Context) bool
	Capabilities() Capabilities
	EstimateCost(req *Request) float64
	Provider() Provider
}
