package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// DefaultTimeout bounds resolution, connect and handshake of one dial.
const DefaultTimeout = 10 * time.Second

// Kind classifies dial failures.
type Kind string

const (
	KindResolve  Kind = "resolve"
	KindConnect  Kind = "connect"
	KindTimeout  Kind = "timeout"
	KindTLS      Kind = "tls"
	KindCanceled Kind = "canceled"
)

// DialError is returned for every failed dial.
type DialError struct {
	Kind Kind
	Host string
	Port int
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Options configures a Dialer.
type Options struct {
	Timeout time.Duration
	// ResolveIPv4 resolves the host to an IPv4 address before connecting so that
	// resolution failures are reported apart from connection failures.
	ResolveIPv4 bool
	// UpstreamSOCKS, when set, routes raw connections through a SOCKS5 proxy at host:port.
	UpstreamSOCKS string
	TLS           TLSPolicy
}

// Dialer opens plain or TLS connections to relay targets.
type Dialer struct {
	timeout     time.Duration
	resolveIPv4 bool
	resolver    *net.Resolver
	forward     proxy.ContextDialer
	policy      TLSPolicy
}

// New builds a Dialer from opts.
func New(opts Options) (*Dialer, error) {
	d := &Dialer{
		timeout:     opts.Timeout,
		resolveIPv4: opts.ResolveIPv4,
		resolver:    net.DefaultResolver,
		forward:     &net.Dialer{KeepAlive: 30 * time.Second},
		policy:      opts.TLS,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if opts.UpstreamSOCKS != "" {
		socks, err := proxy.SOCKS5("tcp", opts.UpstreamSOCKS, nil, &net.Dialer{KeepAlive: 30 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("upstream socks: %w", err)
		}
		cd, ok := socks.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("upstream socks dialer does not support contexts")
		}
		d.forward = cd
	}
	return d, nil
}

// Policy returns the TLS policy applied to TLS targets.
func (d *Dialer) Policy() TLSPolicy { return d.policy }

// Dial connects to host:port, wrapping the stream in TLS when useTLS is set. It returns
// a *DialError on failure.
func (d *Dialer) Dial(ctx context.Context, host string, port int, useTLS bool) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrHost := host
	if d.resolveIPv4 {
		ip, err := d.lookupIPv4(ctx, host)
		if err != nil {
			return nil, d.fail(ctx, KindResolve, host, port, err)
		}
		addrHost = ip
	}
	raw, err := d.forward.DialContext(ctx, "tcp", net.JoinHostPort(addrHost, strconv.Itoa(port)))
	if err != nil {
		kind := KindConnect
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			kind = KindResolve
		}
		return nil, d.fail(ctx, kind, host, port, err)
	}
	if !useTLS {
		return raw, nil
	}
	tc := tls.Client(raw, d.policy.Config(host))
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, d.fail(ctx, KindTLS, host, port, err)
	}
	return tc, nil
}

func (d *Dialer) lookupIPv4(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return "", fmt.Errorf("%s is not an IPv4 address", host)
	}
	ips, err := d.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", &net.DNSError{Err: "no IPv4 address", Name: host, IsNotFound: true}
	}
	return ips[0].String(), nil
}

// fail wraps err, letting context state override the kind so that timeouts and
// cancellations are reported as such regardless of the stage they interrupted.
func (d *Dialer) fail(ctx context.Context, kind Kind, host string, port int, err error) *DialError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		kind = KindCanceled
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = KindTimeout
		}
	}
	return &DialError{Kind: kind, Host: host, Port: port, Err: err}
}
