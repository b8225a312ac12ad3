package process

// NewProbe returns the platform probe.
func NewProbe() Probe {
	return NewTasklistProbe()
}
