package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/brutella/dnssd"
)

// Instance is a conference found on the local network.
type Instance struct {
	Name    string
	Host    string
	Port    int
	IPs     []net.IP
	Room    string
	Version string
}

// Browse listens for announcements for the given window and returns
// every instance heard, sorted by name. Instances that disappear
// during the window are dropped again.
func Browse(ctx context.Context, wait time.Duration) ([]Instance, error) {
	if wait <= 0 {
		wait = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Instance)

	add := func(e dnssd.BrowseEntry) {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Name] = Instance{
			Name:    e.Name,
			Host:    e.Host,
			Port:    e.Port,
			IPs:     e.IPs,
			Room:    e.Text["room"],
			Version: e.Text["proto"],
		}
	}
	rmv := func(e dnssd.BrowseEntry) {
		mu.Lock()
		defer mu.Unlock()
		delete(seen, e.Name)
	}

	err := dnssd.LookupType(ctx, ServiceType+".local.", add, rmv)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("discovery: browse: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Instance, 0, len(seen))
	for _, inst := range seen {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
