package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/tesslate/studio/pkg/log"
)

const (
	// DefaultListen matches the standard DNS port on all interfaces.
	DefaultListen = ":53"

	// answerTTL is short so a changed host_ip propagates within a
	// minute. Records never vary per name, so churn is cheap.
	answerTTL = 60
)

// Options configure the embedded resolver.
type Options struct {
	Domain string // Zone apex, e.g. "studio.local"
	HostIP string // IPv4 answer for every name in the zone
	Listen string // host:port for both UDP and TCP
}

// Server answers A queries for the preview zone. It is authoritative
// for the zone apex and everything below it, nothing else.
type Server struct {
	domain string // Lowercase FQDN with trailing dot
	hostIP net.IP
	listen string

	mu  sync.Mutex
	udp *dns.Server
	tcp *dns.Server
}

// NewServer validates options and builds a stopped server.
func NewServer(opts Options) (*Server, error) {
	if opts.Domain == "" {
		return nil, fmt.Errorf("dns: domain is required")
	}
	ip := net.ParseIP(opts.HostIP)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("dns: host_ip %q is not an IPv4 address", opts.HostIP)
	}
	listen := opts.Listen
	if listen == "" {
		listen = DefaultListen
	}
	return &Server{
		domain: dns.Fqdn(strings.ToLower(opts.Domain)),
		hostIP: ip.To4(),
		listen: listen,
	}, nil
}

// Start brings up UDP and TCP listeners on the configured address.
// Listener failures after startup are logged, not returned; the serve
// loops run until Stop.
func (s *Server) Start(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	s.mu.Lock()
	if s.udp != nil {
		s.mu.Unlock()
		return fmt.Errorf("dns: server already started")
	}
	s.udp = &dns.Server{Addr: s.listen, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Addr: s.listen, Net: "tcp", Handler: mux}
	udp, tcp := s.udp, s.tcp
	s.mu.Unlock()

	log.WithComponent("dns").Info().
		Str("listen", s.listen).
		Str("zone", s.domain).
		Str("answer", s.hostIP.String()).
		Msg("DNS server starting")

	errs := make(chan error, 2)
	go func() { errs <- udp.ListenAndServe() }()
	go func() { errs <- tcp.ListenAndServe() }()

	select {
	case err := <-errs:
		if err != nil {
			s.Stop()
			return fmt.Errorf("dns: %w", err)
		}
		return nil
	case <-ctx.Done():
		return s.Stop()
	default:
		return nil
	}
}

// Stop shuts both listeners down. Idempotent; safe after a failed
// Start, where one listener may never have bound.
func (s *Server) Stop() error {
	s.mu.Lock()
	udp, tcp := s.udp, s.tcp
	s.udp, s.tcp = nil, nil
	s.mu.Unlock()

	if udp == nil && tcp == nil {
		return nil
	}
	for _, srv := range []*dns.Server{udp, tcp} {
		if err := srv.Shutdown(); err != nil {
			log.WithComponent("dns").Debug().Err(err).Msg("DNS listener shutdown")
		}
	}
	log.WithComponent("dns").Info().Msg("DNS server stopped")
	return nil
}

// handleQuery answers every question in the message. In-zone A names
// get the host IP; in-zone non-A names get an authoritative empty
// answer so resolvers cache the miss; anything outside the zone is
// NXDOMAIN.
func (s *Server) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		name := strings.ToLower(q.Name)
		if !s.inZone(name) {
			msg.Rcode = dns.RcodeNameError
			continue
		}
		if q.Qtype != dns.TypeA && q.Qtype != dns.TypeANY {
			continue
		}
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    answerTTL,
			},
			A: s.hostIP,
		})
	}

	if len(r.Question) > 0 {
		q := r.Question[0]
		log.WithComponent("dns").Debug().
			Str("name", q.Name).
			Str("type", dns.TypeToString[q.Qtype]).
			Int("answers", len(msg.Answer)).
			Msg("DNS query")
	}

	if err := w.WriteMsg(msg); err != nil {
		log.WithComponent("dns").Error().Err(err).Msg("Writing DNS response failed")
	}
}

// inZone reports whether name is the zone apex or below it. Names
// arrive already lowercased.
func (s *Server) inZone(name string) bool {
	return name == s.domain || strings.HasSuffix(name, "."+s.domain)
}
