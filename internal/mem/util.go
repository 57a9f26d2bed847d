package mem

// Level describes how far the process managed to keep its pages out of swap.
type Level int

const (
	None    Level = iota // nothing locked
	Partial              // key buffers are guarded individually, the heap is not locked
	Full                 // every current and future page is locked
)

func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Partial:
		return "partial"
	default:
		return "none"
	}
}

// Lock pins the process memory where the platform allows it.
func Lock() (Level, error) {
	return lockPlatform()
}

// Unlock releases a previous Lock.
func Unlock() error {
	return unlockPlatform()
}
