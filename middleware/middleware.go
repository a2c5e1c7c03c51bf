package middleware

import (
	"errors"
	"sort"
	"sync"

	"github.com/semihalev/recursord/config"
	"github.com/semihalev/zlog/v2"
)

type middleware struct {
	mu sync.RWMutex

	cfg      *config.Config
	handlers []handler
}

type handler struct {
	name string
	new  func(*config.Config) Handler
}

var m middleware
var liveHandlers []Handler
var alreadySetup bool

// chainOrder is the canonical execution order of the default chain. Package
// init order is not reliable across builds, so Setup sorts registrations by
// this list; names not listed run after it in registration order.
var chainOrder = []string{
	"recovery",
	"metrics",
	"accesslist",
	"ratelimit",
	"edns",
	"accesslog",
	"resolver",
}

func chainRank(name string) int {
	for i, n := range chainOrder {
		if n == name {
			return i
		}
	}
	return len(chainOrder)
}

// Register a middleware
func Register(name string, new func(*config.Config) Handler) {
	zlog.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler{name: name, new: new})
}

// SetConfig set config for handlers
func SetConfig(cfg *config.Config) {
	m.cfg = cfg
}

// Setup handlers
func Setup() error {
	if m.cfg == nil {
		return errors.New("set config first")
	}

	if alreadySetup {
		return errors.New("setup already done")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.handlers, func(i, j int) bool {
		return chainRank(m.handlers[i].name) < chainRank(m.handlers[j].name)
	})

	for _, handler := range m.handlers {
		liveHandlers = append(liveHandlers, handler.new(m.cfg))
	}

	alreadySetup = true

	return nil
}

// Handlers return registered handlers
func Handlers() []Handler {
	return liveHandlers
}

// List return names of handlers
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, handler := range m.handlers {
		list = append(list, handler.name)
	}

	return list
}

// Get return a handler by name
func Get(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, handler := range m.handlers {
		if handler.name == name {
			if len(liveHandlers) <= i {
				return nil
			}
			return liveHandlers[i]
		}
	}

	return nil
}
