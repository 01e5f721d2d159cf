package emit

// Emitter receives observability events from the engine: task starts and
// completions, checkpoint commits, retries. Emitters see every run on an
// engine, unlike a Stream which belongs to one run.
//
// Implementations must be safe for concurrent use and must not panic;
// a slow or failing backend should degrade to dropping events rather than
// stalling execution.
type Emitter interface {
	Emit(event Event)
}

// Multi fans events out to several emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
