package schema

// SecSid is the engine-wide identifier of a security.
type SecSid int64

// OrdSid is the engine-assigned order identifier. Zero means not assigned.
type OrdSid int32

// TradeSid is the engine-assigned trade identifier.
type TradeSid int32

// ClientKey is the caller-assigned correlation id of a request.
type ClientKey int32

// LifecycleState is the service lifecycle state shared by the core and the line handler.
type LifecycleState uint16

const (
	LifecycleInit LifecycleState = iota
	LifecycleWarmup
	LifecycleRecovery
	LifecycleActive
	LifecycleReset
	LifecycleStopped
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleInit:
		return "INIT"
	case LifecycleWarmup:
		return "WARMUP"
	case LifecycleRecovery:
		return "RECOVERY"
	case LifecycleActive:
		return "ACTIVE"
	case LifecycleReset:
		return "RESET"
	case LifecycleStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Processing reports whether order requests and venue updates are applied in this state.
// Recovery applies updates exactly like Active so rebuilt state matches steady state.
func (s LifecycleState) Processing() bool {
	return s == LifecycleWarmup || s == LifecycleRecovery || s == LifecycleActive
}
