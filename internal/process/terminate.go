package process

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loykin/svctl/internal/detector"
)

// Default stop policy: ten polls one second apart before SIGKILL.
const (
	DefaultTimeoutTicks = 10
	DefaultInterval     = time.Second

	// killGrace caps how long Terminate waits for a SIGKILL to take effect.
	killGrace = 500 * time.Millisecond
)

// Policy bounds the graceful phase of Terminate to TimeoutTicks polls spaced
// Interval apart.
type Policy struct {
	TimeoutTicks int
	Interval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{TimeoutTicks: DefaultTimeoutTicks, Interval: DefaultInterval}
}

// Budget is the longest the graceful phase can last.
func (p Policy) Budget() time.Duration { return time.Duration(p.TimeoutTicks) * p.Interval }

func (p Policy) Validate() error {
	if p.TimeoutTicks <= 0 {
		return fmt.Errorf("stop timeout ticks must be positive, got %d", p.TimeoutTicks)
	}
	if p.Interval <= 0 {
		return fmt.Errorf("stop interval must be positive, got %s", p.Interval)
	}
	return nil
}

// Outcome tells how a terminated process went away.
type Outcome int

const (
	// OutcomeExited means the process exited on its own after the graceful signal.
	OutcomeExited Outcome = iota
	// OutcomeKilled means the tick budget ran out and SIGKILL was sent.
	OutcomeKilled
)

func (o Outcome) String() string {
	if o == OutcomeKilled {
		return "force-killed"
	}
	return "exited"
}

// alive is swapped in tests.
var alive = detector.Exists

// Terminate sends one graceful signal to pid, then polls every p.Interval for
// at most p.TimeoutTicks polls. If the process is still there afterwards it is
// sent SIGKILL. The call returns within p.Budget() plus a short kill grace.
func Terminate(pid int, p Policy) (Outcome, error) {
	if err := p.Validate(); err != nil {
		return OutcomeExited, err
	}
	if pid <= 0 || int64(pid) > math.MaxInt32 {
		return OutcomeExited, fmt.Errorf("pid %d out of range", pid)
	}
	if err := sendGraceful(pid); err != nil {
		if isGone(err) {
			return OutcomeExited, nil
		}
		return OutcomeExited, fmt.Errorf("send graceful signal to pid %d: %w", pid, err)
	}
	slog.Debug("Graceful signal sent", "pid", pid, "ticks", p.TimeoutTicks, "interval", p.Interval)

	for tick := 1; tick <= p.TimeoutTicks; tick++ {
		time.Sleep(p.Interval)
		if !alive(pid) {
			slog.Debug("Process exited", "pid", pid, "tick", tick)
			return OutcomeExited, nil
		}
	}

	slog.Warn("Graceful shutdown timed out, sending SIGKILL", "pid", pid, "budget", p.Budget())
	if err := sendForce(pid); err != nil {
		if isGone(err) {
			// exited between the last poll and the kill
			return OutcomeExited, nil
		}
		return OutcomeKilled, fmt.Errorf("send kill signal to pid %d: %w", pid, err)
	}
	grace := min(p.Interval, killGrace)
	deadline := time.Now().Add(grace)
	for alive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return OutcomeKilled, nil
}
