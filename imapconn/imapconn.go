// Package imapconn dials and authenticates IMAP connections from decrypted
// server settings. It is shared by the live watcher and the transient
// message operations.
package imapconn

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/quanteckio/omni-email/models"
)

const (
	ConnectTimeout = 30 * time.Second
	// GreetingTimeout bounds the wait for the server banner after connect.
	GreetingTimeout = 15 * time.Second
	// SocketTimeout bounds each read on an established connection.
	SocketTimeout = 60 * time.Second
)

// deadlineConn wraps a net.Conn to set read/write deadlines before each
// operation. go-imap v2 has no built-in timeouts, so a dead peer would
// otherwise block a Wait() forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// Dial connects and authenticates against the given IMAP server. The
// returned client has read deadlines applied; readTimeout <= 0 falls back to
// SocketTimeout. options may carry a UnilateralDataHandler for IDLE use.
func Dial(settings models.ServerSettings, options *imapclient.Options, readTimeout time.Duration) (*imapclient.Client, error) {
	if options == nil {
		options = &imapclient.Options{}
	}
	if readTimeout <= 0 {
		readTimeout = SocketTimeout
	}

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	dialer := &net.Dialer{Timeout: ConnectTimeout}

	var client *imapclient.Client
	switch settings.Connection {
	case models.ConnectionTLS:
		tlsConfig := &tls.Config{ServerName: settings.Host}
		rawConn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("connect with TLS: %w", err)
		}
		client = imapclient.New(&deadlineConn{
			Conn:         rawConn,
			readTimeout:  readTimeout,
			writeTimeout: SocketTimeout,
		}, options)

	case models.ConnectionStartTLS:
		// Plaintext connect, then a mandatory upgrade. NewStartTLS fails
		// closed when the server does not offer STARTTLS.
		rawConn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connect with STARTTLS: %w", err)
		}
		options.TLSConfig = &tls.Config{ServerName: settings.Host}
		client, err = imapclient.NewStartTLS(&deadlineConn{
			Conn:         rawConn,
			readTimeout:  readTimeout,
			writeTimeout: SocketTimeout,
		}, options)
		if err != nil {
			return nil, fmt.Errorf("connect with STARTTLS: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported connection mode %q", settings.Connection)
	}

	// The greeting must arrive within GreetingTimeout, which is shorter than
	// the per-read deadline of the connection.
	greeting := make(chan error, 1)
	go func() { greeting <- client.WaitGreeting() }()
	select {
	case err := <-greeting:
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("receive greeting: %w", err)
		}
	case <-time.After(GreetingTimeout):
		client.Close()
		return nil, fmt.Errorf("receive greeting: timeout after %s", GreetingTimeout)
	}

	if err := login(client, settings.Username, settings.Password); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// login uses the LOGIN command unless the server advertises LOGINDISABLED,
// then switches to AUTHENTICATE PLAIN. A failed AUTHENTICATE can corrupt the
// wire state, so LOGIN-first is the safer order.
func login(client *imapclient.Client, username, password string) error {
	if !client.Caps().Has(imap.CapLoginDisabled) {
		if err := client.Login(username, password).Wait(); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		return nil
	}
	saslClient := sasl.NewPlainClient("", username, password)
	if err := client.Authenticate(saslClient); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}
