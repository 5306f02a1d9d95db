package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxProbeHosts = 65536

// ProbeResult holds a host accepting connections on the control port
// and the measured connect time.
type ProbeResult struct {
	IP  net.IP
	RTT time.Duration
}

// Probe sweeps a subnet for hosts accepting TCP connections on the
// given port. It is the fallback for networks that filter mDNS.
func Probe(ctx context.Context, subnet string, port int, timeout time.Duration, workers int) ([]ProbeResult, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if workers <= 0 {
		workers = 128
	}

	targets, err := expandSubnet(subnet)
	if err != nil {
		return nil, err
	}

	jobs := make(chan net.IP, workers)
	results := make(chan ProbeResult, len(targets))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dialer := net.Dialer{Timeout: timeout}
			for ip := range jobs {
				if ctx.Err() != nil {
					continue
				}
				start := time.Now()
				conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
				if err != nil {
					continue
				}
				conn.Close()
				results <- ProbeResult{IP: ip, RTT: time.Since(start)}
			}
		}()
	}

	for _, target := range targets {
		jobs <- target
	}
	close(jobs)

	wg.Wait()
	close(results)

	found := make([]ProbeResult, 0, len(results))
	for r := range results {
		found = append(found, r)
	}
	sort.Slice(found, func(i, j int) bool {
		return bytes.Compare(found[i].IP.To4(), found[j].IP.To4()) < 0
	})

	log.Info("probe sweep finished", "subnet", subnet, "targets", len(targets), "found", len(found))
	return found, nil
}

// expandSubnet turns a CIDR or bare IPv4 address into the list of
// addresses to probe.
func expandSubnet(subnet string) ([]net.IP, error) {
	subnet = strings.TrimSpace(subnet)
	if subnet == "" {
		return nil, fmt.Errorf("discovery: empty subnet")
	}

	if !strings.Contains(subnet, "/") {
		ip := net.ParseIP(subnet)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("discovery: invalid IPv4 address %q", subnet)
		}
		return []net.IP{ip.To4()}, nil
	}

	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("discovery: invalid subnet %q: %w", subnet, err)
	}
	if ipNet.IP.To4() == nil {
		return nil, fmt.Errorf("discovery: only IPv4 subnets can be probed, got %q", subnet)
	}

	ones, bits := ipNet.Mask.Size()
	if hosts := uint64(1) << uint(bits-ones); hosts > maxProbeHosts {
		return nil, fmt.Errorf("discovery: subnet %q too large to probe (%d addresses)", subnet, hosts)
	}

	var targets []net.IP
	for ip := ipNet.IP.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		targets = append(targets, ipCopy)
	}
	return targets, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] != 0 {
			break
		}
	}
}
