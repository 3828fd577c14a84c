package engine

// Notifier receives asynchronous engine events. Callbacks run on the
// engine goroutine and must not call back into the engine.
type Notifier interface {
	// LimitHit reports a limit switch on motor index of space, or a probe
	// trigger with motor -1, and the position rolled back to.
	LimitHit(space, motor int, pos []float64)
	// MoveDone reports waypoints the executor finished playing.
	MoveDone(count int)
	Timeout()
	// Underrun reports the executor running dry; expected is true when
	// nothing was left to play.
	Underrun(expected bool)
	Disconnected(err error)
	Sensor(id uint8, value int32)
}

// NopNotifier ignores every event.
type NopNotifier struct{}

func (NopNotifier) LimitHit(int, int, []float64) {}
func (NopNotifier) MoveDone(int)                 {}
func (NopNotifier) Timeout()                     {}
func (NopNotifier) Underrun(bool)                {}
func (NopNotifier) Disconnected(error)           {}
func (NopNotifier) Sensor(uint8, int32)          {}
