package tasklet

// NativeDetector decides whether a stalled task is blocked outside
// cooperative code (a syscall, cgo call, or other native section), which
// makes its carrier a hand-off candidate rather than a preemption one.
type NativeDetector interface {
	InNative(t *Task, c *Carrier) bool
}

// NativeDetectorFunc adapts a function to a [NativeDetector].
type NativeDetectorFunc func(t *Task, c *Carrier) bool

// InNative implements [NativeDetector].
func (f NativeDetectorFunc) InNative(t *Task, c *Carrier) bool { return f(t, c) }

// TaskNativeDetector reports tasks inside [Task.Native] (or between
// [Task.EnterNative] and [Task.ExitNative]).
type TaskNativeDetector struct{}

// InNative implements [NativeDetector].
func (TaskNativeDetector) InNative(t *Task, _ *Carrier) bool { return t.InNative() }
