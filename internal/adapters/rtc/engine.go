package rtc

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dkeye/VoiceSFU/internal/core"
	"github.com/dkeye/VoiceSFU/internal/domain"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type EngineConfig struct {
	ListenIP string
	MinPort  uint16
	MaxPort  uint16
	// TCPPort enables ICE-TCP on a shared listener when > 0.
	TCPPort int
}

// Engine is an in-process SFU worker built on the pion ORTC API.
type Engine struct {
	cfg    EngineConfig
	tcpMux ice.TCPMux
	tcpLn  *watchedListener

	died    chan error
	dieOnce sync.Once
	closed  atomic.Bool

	mu      sync.Mutex
	routers []*router
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.MinPort == 0 || cfg.MaxPort < cfg.MinPort {
		return nil, fmt.Errorf("rtc port range %d-%d: %w", cfg.MinPort, cfg.MaxPort, core.ErrBadPayload)
	}
	e := &Engine{cfg: cfg, died: make(chan error, 1)}
	if cfg.TCPPort > 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(cfg.ListenIP, strconv.Itoa(cfg.TCPPort)))
		if err != nil {
			return nil, fmt.Errorf("ice tcp listen: %w", err)
		}
		e.tcpLn = &watchedListener{Listener: ln, engine: e}
		e.tcpMux = webrtc.NewICETCPMux(nil, e.tcpLn, 32)
	}
	log.Info().Str("module", "rtc").
		Uint16("min_port", cfg.MinPort).
		Uint16("max_port", cfg.MaxPort).
		Int("tcp_port", cfg.TCPPort).
		Msg("engine started")
	return e, nil
}

func (e *Engine) CreateRouter(_ context.Context, codecs []domain.RtpCodecCapability) (core.Router, error) {
	if e.closed.Load() {
		return nil, core.ErrEngineFatal
	}
	caps, err := routerCapabilities(codecs)
	if err != nil {
		return nil, err
	}
	r := newRouter(e, caps)
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) Died() <-chan error {
	return e.died
}

func (e *Engine) fail(err error) {
	if e.closed.Load() {
		return
	}
	e.dieOnce.Do(func() {
		log.Error().Err(err).Str("module", "rtc").Msg("engine died")
		e.died <- err
	})
}

func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	routers := e.routers
	e.routers = nil
	e.mu.Unlock()
	for _, r := range routers {
		r.Close()
	}
	if e.tcpMux != nil {
		_ = e.tcpMux.Close()
	}
	log.Info().Str("module", "rtc").Msg("engine closed")
}

// settingsFor builds the per-transport setting engine.
func (e *Engine) settingsFor(opts core.TransportOptions) (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	se.SetLite(true)
	if err := se.SetEphemeralUDPPortRange(e.cfg.MinPort, e.cfg.MaxPort); err != nil {
		return se, err
	}
	if opts.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(opts.ListenIP); ip != nil && !ip.IsUnspecified() {
		se.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
		// pion skips loopback addresses unless told otherwise.
		if ip.IsLoopback() {
			se.SetIncludeLoopbackCandidate(true)
		}
	}

	var networks []webrtc.NetworkType
	if opts.EnableUDP {
		networks = append(networks, webrtc.NetworkTypeUDP4)
	}
	if opts.EnableTCP && e.tcpMux != nil {
		se.SetICETCPMux(e.tcpMux)
		networks = append(networks, webrtc.NetworkTypeTCP4)
	}
	if len(networks) == 0 {
		return se, fmt.Errorf("no ice network enabled: %w", core.ErrIncompatible)
	}
	se.SetNetworkTypes(networks)
	return se, nil
}

func (e *Engine) newAPI(caps domain.RtpCapabilities, se webrtc.SettingEngine) (*webrtc.API, *webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range caps.Codecs {
		if err := m.RegisterCodec(pionCodec(c), webrtc.RTPCodecTypeAudio); err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", c.MimeType, err)
		}
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)), m, nil
}

// watchedListener reports an unexpected accept failure as engine death.
type watchedListener struct {
	net.Listener
	engine *Engine
}

func (l *watchedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil && !l.engine.closed.Load() {
		l.engine.fail(fmt.Errorf("ice tcp listener: %w", err))
	}
	return c, err
}
