package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/levenlabs/go-lflag"
)

// Store is the settings store: an opaque JSON key/value map with change
// notification. It is the only durable medium the core uses.
type Store interface {
	// Get decodes the value for key into out and reports whether the key
	// exists. A stored null counts as absent.
	Get(ctx context.Context, key string, out any) (bool, error)

	// Set encodes value as JSON and stores it under key. Setting nil clears
	// the key. Local subscribers are notified after a successful write.
	Set(ctx context.Context, key string, value any) error

	// Keys lists all stored keys.
	Keys(ctx context.Context) ([]string, error)

	// Subscribe registers fn to run after every successful Set. The returned
	// function removes the subscription.
	Subscribe(fn func(key string)) func()

	// Lifecycle
	Close() error
}

// Configured sets up the settings store based on flags.
func Configured() Store {
	provider := lflag.String("storage-provider", "firestore", "Settings store to use (available: firestore, postgres, memory)")

	var p struct{ Store }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
			p.Store = fs
		case "postgres":
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
			p.Store = pg
		case "memory":
			p.Store = NewMemory()
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}

// notifier implements the Subscribe half of Store for all backends.
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(key string)
}

func (n *notifier) Subscribe(fn func(key string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(key string))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	fns := make([]func(string), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(key)
	}
}
