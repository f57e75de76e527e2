package widget

import (
	"fmt"
	"sync"
)

// Command is one queued host-page API call.
type Command struct {
	Name   string
	Config Config
}

const cmdInit = "init"

// Bridge is the host-side half of the embedding protocol: a queued
// command API plus the listener for messages posted by the embedded page.
//
// Host pages may call Init before the loader has attached; those commands
// queue and drain, in order, at attach time. The queue exists to bridge
// the asynchronous script-load boundary, not as a style choice.
type Bridge struct {
	mu       sync.Mutex
	q        []Command
	config   Config
	attached bool

	embedBase string
	navigate  func(url string)
	resize    func(height float64)
}

func NewBridge(embedBase string) *Bridge {
	return &Bridge{embedBase: embedBase}
}

// Init merges partial into the current configuration, enqueues an init
// command, and drains the queue if the loader has already attached.
func (b *Bridge) Init(partial Config) {
	b.mu.Lock()
	b.q = append(b.q, Command{Name: cmdInit, Config: partial})
	attached := b.attached
	b.mu.Unlock()

	if attached {
		b.drain()
	}
}

// Attach marks the loader ready and replays every queued command in FIFO
// order. navigate receives the embed URL whenever an init command lands;
// resize receives height updates from the embedded page. Either may be
// nil when the host does not care.
func (b *Bridge) Attach(navigate func(url string), resize func(height float64)) {
	b.mu.Lock()
	b.navigate = navigate
	b.resize = resize
	b.attached = true
	b.mu.Unlock()

	b.drain()
}

func (b *Bridge) drain() {
	for {
		b.mu.Lock()
		if len(b.q) == 0 {
			b.mu.Unlock()
			return
		}
		cmd := b.q[0]
		b.q = b.q[1:]

		var navigate func(string)
		var target string
		if cmd.Name == cmdInit {
			b.config = b.config.Merge(cmd.Config)
			target = EmbedURL(b.embedBase, b.config)
			navigate = b.navigate
		}
		b.mu.Unlock()

		if navigate != nil {
			navigate(target)
		}
	}
}

// Config returns the current merged configuration.
func (b *Bridge) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Pending reports how many commands are still queued.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q)
}

// HandleMessage feeds one raw cross-document message through the protocol
// parser. Unknown traffic is ignored silently; a valid height message
// triggers the resize callback. A missing or never-arriving height leaves
// the container at its initial size, which is degraded but not an error.
func (b *Bridge) HandleMessage(raw []byte) error {
	msg, err := ParseMessage(raw)
	if err != nil {
		if err == ErrUnknownMessage {
			return nil
		}
		return fmt.Errorf("widget message rejected: %w", err)
	}

	if h, ok := msg.(HeightMessage); ok {
		b.mu.Lock()
		resize := b.resize
		b.mu.Unlock()
		if resize != nil {
			resize(h.Height)
		}
	}
	return nil
}
