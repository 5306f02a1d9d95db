// Package discovery announces a conference on the local network and
// finds conferences announced by others. The primary mechanism is
// DNS-SD over mDNS; a direct TCP sweep covers networks that filter
// multicast.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"

	"github.com/confab-net/confab/internal/logging"
)

const (
	// ServiceType is the DNS-SD service type conferences announce under.
	ServiceType = "_confab._tcp"

	// ProtocolVersion travels in the TXT record so clients can skip
	// incompatible servers.
	ProtocolVersion = "1"
)

var log = logging.L("discovery")

// Announcer publishes one conference instance over mDNS. The session
// password never appears in the announcement.
type Announcer struct {
	room string
	port int
}

func NewAnnouncer(room string, port int) *Announcer {
	if room == "" {
		room = "confab"
	}
	return &Announcer{room: room, port: port}
}

// txtRecords builds the announcement TXT map.
func (a *Announcer) txtRecords() map[string]string {
	return map[string]string{"room": a.room, "proto": ProtocolVersion}
}

// Run responds to mDNS queries until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) error {
	sv, err := dnssd.NewService(dnssd.Config{
		Name: a.room,
		Type: ServiceType,
		Port: a.port,
		Text: a.txtRecords(),
	})
	if err != nil {
		return fmt.Errorf("discovery: create service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("discovery: create responder: %w", err)
	}
	if _, err := rp.Add(sv); err != nil {
		return fmt.Errorf("discovery: add service: %w", err)
	}

	log.Info("announcing conference", "room", a.room, "port", a.port)

	err = rp.Respond(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
