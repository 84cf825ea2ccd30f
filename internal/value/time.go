package value

// Time is a monotonic logical tick. Every write and recomputation is stamped
// with a Time from the context clock. Ordering uses Time only, never
// wall-clock timestamps, so replaying the same writes produces the same
// stamps.
type Time int64

// TimeZero is the pre-history sentinel: strictly before every tick a clock
// can produce.
const TimeZero Time = 0

// Before reports whether t is strictly earlier than o.
func (t Time) Before(o Time) bool { return t < o }

// After reports whether t is strictly later than o.
func (t Time) After(o Time) bool { return t > o }
