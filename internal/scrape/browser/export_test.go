package browser

// SetAvailableMemory replaces the pool's memory probe
func SetAvailableMemory(p *Pool, f func() (uint64, error)) {
	p.availableMemory = f
}
