package emit

// NullEmitter discards all events. It is the engine default when no emitter
// is configured.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter as a no-op.
func (*NullEmitter) Emit(Event) {}
