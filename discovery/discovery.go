// Package discovery advertises and finds notesync processes on the local
// network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	AuthorityService = "_notesync._tcp"
	AgentService     = "_notesync-agent._tcp"
	domain           = "local."
)

var ErrNoPeer = errors.New("no peer found")

// Peer is one resolved service instance.
type Peer struct {
	Instance string
	Addr     net.IP
	Port     int
}

// URL returns the peer's HTTP base URL.
func (p Peer) URL() string {
	return "http://" + net.JoinHostPort(p.Addr.String(), strconv.Itoa(p.Port))
}

// Advertise registers this host as an instance of service. Shut the returned
// server down to withdraw it.
func Advertise(name, service string, port int, txt []string) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(fmt.Sprintf("%s-%s", name, host), service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", service, err)
	}
	return server, nil
}

// Browse collects instances of service until ctx is done.
func Browse(ctx context.Context, service string, logger *slog.Logger) ([]Peer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}
	var peers []Peer
	for {
		select {
		case <-ctx.Done():
			return peers, nil
		case entry, ok := <-entries:
			if !ok {
				return peers, nil
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			p := Peer{Instance: entry.Instance, Addr: entry.AddrIPv4[0], Port: entry.Port}
			logger.Info("discovered peer", "service", service, "instance", p.Instance, "url", p.URL())
			peers = append(peers, p)
		}
	}
}

// FindAuthority returns the base URL of the first authority that answers
// before ctx is done.
func FindAuthority(ctx context.Context, logger *slog.Logger) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, AuthorityService, domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", AuthorityService, err)
	}
	for {
		select {
		case <-ctx.Done():
			return "", ErrNoPeer
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoPeer
			}
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			p := Peer{Instance: entry.Instance, Addr: entry.AddrIPv4[0], Port: entry.Port}
			logger.Info("found authority", "instance", p.Instance, "url", p.URL())
			return p.URL(), nil
		}
	}
}
