package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/wsrelay/internal/obs"
	"github.com/matst80/wsrelay/internal/proto"
	"github.com/matst80/wsrelay/internal/relay"
)

// ErrRelayRefused is returned when the relay answers the directive with an error message.
var ErrRelayRefused = errors.New("relay refused target")

// bridger pipes local TCP connections through the relay to one fixed target.
type bridger struct {
	relayURL  string
	directive proto.Directive
	dialer    *websocket.Dialer
	timeout   time.Duration
}

func newBridger(c *Config) (*bridger, error) {
	host, portStr, err := net.SplitHostPort(c.Target)
	if err != nil {
		return nil, fmt.Errorf("target %q: %w", c.Target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("target %q: invalid port", c.Target)
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = c.HandshakeTimeout
	if c.Insecure {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &bridger{
		relayURL:  c.RelayURL,
		directive: proto.Directive{Type: proto.TypeTCP, Host: host, Port: port, TLS: c.ForceTLS},
		dialer:    &d,
		timeout:   c.HandshakeTimeout,
	}, nil
}

// open dials the relay, sends the directive and waits for the target confirmation.
func (b *bridger) open(ctx context.Context) (*relay.WSChannel, error) {
	conn, _, err := b.dialer.DialContext(ctx, b.relayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	ch := relay.NewWSChannel(conn, relay.WSOptions{})
	payload, err := json.Marshal(b.directive)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Send(payload, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("send directive: %w", err)
	}
	if b.timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(b.timeout))
	}
	for {
		f, err := ch.Receive()
		if err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("await confirmation: %w", err)
		}
		if !f.Text {
			continue
		}
		var msg struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(f.Payload, &msg) != nil {
			continue
		}
		switch msg.Type {
		case proto.TypeDNSResponse:
			_ = conn.SetReadDeadline(time.Time{})
			return ch, nil
		case proto.TypeError:
			_ = ch.Close()
			return nil, fmt.Errorf("%w: %s", ErrRelayRefused, msg.Message)
		}
	}
}

// bridge relays local through a fresh relay channel until either side closes.
func (b *bridger) bridge(ctx context.Context, local net.Conn) error {
	defer local.Close()
	ch, err := b.open(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { _ = ch.Close(); _ = local.Close() })
	defer stop()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	closeBoth := func(err error) {
		once.Do(func() {
			firstErr = err
			_ = ch.Close()
			_ = local.Close()
		})
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32<<10)
		for {
			n, err := local.Read(buf)
			if n > 0 {
				if serr := ch.Send(buf[:n], true); serr != nil {
					closeBoth(serr)
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				closeBoth(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			f, err := ch.Receive()
			if err != nil {
				if errors.Is(err, relay.ErrChannelClosed) {
					err = nil
				}
				closeBoth(err)
				return
			}
			if f.Text && relayError(f.Payload) {
				continue
			}
			if _, err := local.Write(f.Payload); err != nil {
				closeBoth(err)
				return
			}
		}
	}()
	wg.Wait()
	return firstErr
}

// relayError logs and reports true when payload is an error message from the relay.
func relayError(payload []byte) bool {
	var msg proto.ErrorMessage
	if json.Unmarshal(payload, &msg) != nil || msg.Type != proto.TypeError {
		return false
	}
	obs.Warn("relay.error", obs.Fields{"message": msg.Message})
	return true
}
