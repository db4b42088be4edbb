package common

// ErrModulePaused is returned by every mutating entry point of a paused module.
// It unwraps to ErrUnavailable so callers can tell retry-later apart from
// fix-and-resubmit.
var ErrModulePaused = NewError(ErrUnavailable, "module paused")

// Module names understood by the pause switch.
const (
	ModuleEscrow    = "escrow"
	ModuleFactory   = "factory"
	ModuleMessenger = "messenger"
)

// PauseView reports whether a module is paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when the module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
