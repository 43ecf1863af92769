package app

import (
	"arbor/internal/connector"
	"arbor/internal/events"
	"arbor/internal/notifier"
)

// strategyContext is the runtime handed to executors. Connectors and
// registries are fixed at build time.
type strategyContext struct {
	connectors map[string]connector.Connector
	registries map[string]*connector.OrderRegistry
	bus        *events.Bus
	loop       *events.Loop
	note       notifier.TextNotifier
}

func (s *strategyContext) Connector(name string) (connector.Connector, bool) {
	c, ok := s.connectors[name]
	return c, ok
}

func (s *strategyContext) Registry(name string) (*connector.OrderRegistry, bool) {
	r, ok := s.registries[name]
	return r, ok
}

func (s *strategyContext) Bus() *events.Bus { return s.bus }

func (s *strategyContext) Loop() *events.Loop { return s.loop }

func (s *strategyContext) Notifier() notifier.TextNotifier { return s.note }
