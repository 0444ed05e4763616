package rollback

// Core is the emulator-core contract the engine drives: four callbacks
// owned by the caller for the lifetime of the engine (spec.md §6 "Core
// callback contract"). The core polls GetInput during RunOneFrame and
// must suppress audio/video while IsReplaying reports true.
type Core interface {
	// SerializeSize reports the number of bytes a snapshot needs. Called
	// once at Init; the result is cached and assumed stable.
	SerializeSize() int

	// Serialize writes the core's full state into buf, which is exactly
	// SerializeSize() bytes long.
	Serialize(buf []byte) error

	// Unserialize restores state from buf.
	Unserialize(buf []byte) error

	// RunOneFrame advances one frame of simulation, polling GetInput for
	// controller state.
	RunOneFrame()
}
