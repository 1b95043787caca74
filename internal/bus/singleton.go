package bus

import "sync"

// Process-wide publisher. Handlers receive it as an explicit dependency;
// the bootstrap wires it once at startup via Init.
var (
	globalMu        sync.Mutex
	globalPublisher *Publisher
)

// Init installs the process publisher. A second call is a no-op.
func Init(p *Publisher) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalPublisher != nil {
		return
	}
	globalPublisher = p
}

// Teardown clears the process publisher.
func Teardown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalPublisher = nil
}

// Get returns the process publisher, or nil before Init.
func Get() *Publisher {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalPublisher
}
