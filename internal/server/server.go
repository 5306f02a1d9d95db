// Package server boots the conference: control hub, video relay, audio
// mixer, screen arbiter, file broker, LAN discovery and the periodic
// stats line.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/confab-net/confab/internal/audio"
	"github.com/confab-net/confab/internal/config"
	"github.com/confab-net/confab/internal/control"
	"github.com/confab-net/confab/internal/discovery"
	"github.com/confab-net/confab/internal/files"
	"github.com/confab-net/confab/internal/logging"
	"github.com/confab-net/confab/internal/screen"
	"github.com/confab-net/confab/internal/secmem"
	"github.com/confab-net/confab/internal/sysinfo"
	"github.com/confab-net/confab/internal/video"
)

var log = logging.L("server")

// Server wires the subsystems together. The control hub doubles as the
// endpoint source for both media paths and as the announcer for file
// offers.
type Server struct {
	cfg      *config.ServerConfig
	room     string
	password string

	hub     *control.Hub
	relay   *video.Relay
	mixer   *audio.Mixer
	arbiter *screen.Arbiter
	broker  *files.Broker
	load    *sysinfo.LoadCollector

	wg sync.WaitGroup
}

// New binds every listener. The session password comes from the config
// or is generated fresh; the room name falls back to the hostname.
func New(cfg *config.ServerConfig) (*Server, error) {
	password := cfg.Password
	if password == "" {
		password = GeneratePassword()
	}

	room := cfg.RoomName
	if room == "" {
		if hn, err := os.Hostname(); err == nil && hn != "" {
			room = hn
		} else {
			room = "confab"
		}
	}

	hub, err := control.NewHub(listenAddr(cfg.Host, cfg.ControlPort), secmem.NewSecureString(password))
	if err != nil {
		return nil, err
	}
	relay, err := video.NewRelay(listenAddr(cfg.Host, cfg.VideoPort), hub)
	if err != nil {
		return nil, err
	}
	mixer, err := audio.NewMixer(listenAddr(cfg.Host, cfg.AudioPort), hub)
	if err != nil {
		return nil, err
	}
	arbiter, err := screen.NewArbiter(listenAddr(cfg.Host, cfg.ScreenPort))
	if err != nil {
		return nil, err
	}
	broker, err := files.NewBroker(listenAddr(cfg.Host, cfg.FilePort), cfg.FilesDir, hub)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:      cfg,
		room:     room,
		password: password,
		hub:      hub,
		relay:    relay,
		mixer:    mixer,
		arbiter:  arbiter,
		broker:   broker,
		load:     sysinfo.NewLoadCollector(),
	}, nil
}

// Password returns the session password participants must present.
func (s *Server) Password() string {
	return s.password
}

// Room returns the announced room name.
func (s *Server) Room() string {
	return s.room
}

// ControlAddr returns the bound control listener address.
func (s *Server) ControlAddr() net.Addr {
	return s.hub.Addr()
}

// ScreenAddr returns the bound screen-share listener address.
func (s *Server) ScreenAddr() net.Addr {
	return s.arbiter.Addr()
}

// FileAddr returns the bound file channel listener address.
func (s *Server) FileAddr() net.Addr {
	return s.broker.Addr()
}

// VideoAddr returns the bound video socket address.
func (s *Server) VideoAddr() net.Addr {
	return s.relay.LocalAddr()
}

// AudioAddr returns the bound audio socket address.
func (s *Server) AudioAddr() net.Addr {
	return s.mixer.LocalAddr()
}

// Run starts every subsystem and blocks until ctx is cancelled or one
// of them fails. Discovery is best effort: a host without multicast
// still hosts the conference.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	host := sysinfo.CollectHost()
	log.Info("host summary",
		"hostname", host.Hostname,
		"platform", host.Platform,
		"kernel", host.Kernel,
		"arch", host.Arch,
		"cpu", host.CPUModel,
		"threads", host.CPUThreads,
		"ramMb", host.RAMTotalMB,
	)

	errCh := make(chan error, 5)
	start := func(name string, run func(context.Context) error) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("control", s.hub.Run)
	start("video", s.relay.Run)
	start("audio", s.mixer.Run)
	start("screen", s.arbiter.Run)
	start("files", s.broker.Run)

	if s.cfg.Discovery {
		ann := discovery.NewAnnouncer(s.room, s.hub.Addr().(*net.TCPAddr).Port)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := ann.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("discovery unavailable", logging.KeyError, err)
			}
		}()
	}

	s.wg.Add(1)
	go s.statsLoop(ctx)

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}
	s.wg.Wait()
	log.Info("conference stopped")
	return err
}

func (s *Server) statsLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.StatsIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logStats()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) logStats() {
	hub := s.hub.Stats()
	vid := s.relay.Stats()
	aud := s.mixer.Stats()
	scr := s.arbiter.Stats()
	fil := s.broker.Stats()
	load := s.load.Collect()

	log.Info("conference stats",
		"participants", hub.Participants,
		"boardVersion", hub.BoardVersion,
		"broadcasts", hub.Broadcasts,
		"videoIn", vid.PacketsIn,
		"videoOut", vid.PacketsOut,
		"audioIn", aud.PacketsIn,
		"audioOut", aud.PacketsOut,
		"concealed", aud.Concealed,
		"screenFrames", scr.FramesRelayed,
		"viewers", scr.Viewers,
		"uploads", fil.Uploads,
		"downloads", fil.Downloads,
		"cpuPct", load.CPUPercent,
		"ramPct", load.RAMPercent,
		"netIn", load.NetInBytes,
		"netOut", load.NetOutBytes,
	)
}

func listenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
