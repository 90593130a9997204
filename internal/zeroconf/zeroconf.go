// Package zeroconf advertises the tienda HTTP API as an mDNS/DNS-SD service so
// in-store kiosks and tills can find it on the LAN without configuration.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_tienda._tcp"

// Service manages mDNS service registration.
type Service struct {
	name string // instance name, usually the hostname
	port int
	txt  []string
}

// New creates a new zeroconf Service that will advertise on the given port.
// txt holds extra TXT records such as "version=1.0.0".
func New(name string, port int, txt ...string) *Service {
	return &Service{
		name: name,
		port: port,
		txt:  txt,
	}
}

// TXT returns the TXT records that will be announced.
func (s *Service) TXT() []string {
	return append([]string{"api=/api/config", "events=/api/subscribe"}, s.txt...)
}

// Start registers the mDNS service and blocks until ctx is cancelled, at which
// point it shuts down the server cleanly.
func (s *Service) Start(ctx context.Context) error {
	txt := s.TXT()

	server, err := zeroconf.Register(
		s.name,      // instance name
		serviceType, // service type
		"local.",    // domain
		s.port,      // port
		txt,         // TXT records
		nil,         // ifaces: nil means all interfaces
	)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("zeroconf: registered mDNS service",
		"name", s.name,
		"type", serviceType,
		"port", s.port,
		"txt", txt,
	)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}
