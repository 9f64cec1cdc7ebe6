package health

import (
	"context"
	"time"
)

// Pinger is anything that can verify its own connectivity, such as a store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a Pinger's result
type PingChecker struct {
	target Pinger
}

func NewPingChecker(target Pinger) *PingChecker {
	return &PingChecker{target: target}
}

// Check calls Ping once
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	err := p.target.Ping(ctx)
	res := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		res.Message = err.Error()
	}
	return res
}

func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
