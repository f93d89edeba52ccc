package amqp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"maps"
	"os"

	"github.com/Azure/go-amqp"

	"github.com/openkcm/sweep"
)

var (
	// ErrApplyOption indicates that applying a ClientOption failed.
	ErrApplyOption = errors.New("amqp: failed to apply client option")
	// ErrTLSPairLoad indicates that loading the TLS certificate/key pair failed.
	ErrTLSPairLoad = errors.New("amqp: failed to load TLS key pair")
	// ErrCARead indicates that reading the CA certificate file failed.
	ErrCARead = errors.New("amqp: failed to read CA certificate file")
	// ErrInvalidCACert indicates that the CA certificate PEM could not be parsed.
	ErrInvalidCACert = errors.New("amqp: invalid CA certificate")
	// ErrNoSender indicates that the client has no target address to send to.
	ErrNoSender = errors.New("amqp: client has no target address")
	// ErrNoReceiver indicates that the client has no source address to receive from.
	ErrNoReceiver = errors.New("amqp: client has no source address")
	// ErrMissingTarget indicates that a message carries no target property.
	ErrMissingTarget = errors.New("amqp: message has no target property")
)

// TargetProperty is the application property carrying the job target.
const TargetProperty = "target"

// AMQP is a client for triggering and receiving executions using the AMQP protocol.
type AMQP struct {
	conn     *amqp.Conn
	sender   *amqp.Sender
	receiver *amqp.Receiver
}

// ConnectionInfo holds the connection details for the AMQP client.
// An empty Target makes a receive-only client, an empty Source a send-only one.
type ConnectionInfo struct {
	URL    string
	Target string
	Source string
}

// ClientOption configures how the AMQP connection is established.
type ClientOption func(*amqp.ConnOptions) error

var (
	_ sweep.Invoker  = &AMQP{}
	_ sweep.Receiver = &AMQP{}
)

// WithBasicAuth tells the client to use SASL PLAIN with user/password.
func WithBasicAuth(username, password string) ClientOption {
	return func(o *amqp.ConnOptions) error {
		o.SASLType = amqp.SASLTypePlain(username, password)
		return nil
	}
}

// WithExternalMTLS sets up mutual TLS + SASL EXTERNAL authentication.
func WithExternalMTLS(certFile, keyFile, caFile, serverName string) ClientOption {
	return func(o *amqp.ConnOptions) error {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTLSPairLoad, err)
		}
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCARead, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return ErrInvalidCACert
		}
		o.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
			ServerName:   serverName,
		}
		o.SASLType = amqp.SASLTypeExternal("")
		return nil
	}
}

// WithNoAuth tells the client to use SASL ANONYMOUS (no credentials).
func WithNoAuth() ClientOption {
	return func(o *amqp.ConnOptions) error {
		o.SASLType = amqp.SASLTypeAnonymous()
		return nil
	}
}

// WithProperties lets you set custom connection properties (e.g., vpn-name).
func WithProperties(props map[string]any) ClientOption {
	return func(o *amqp.ConnOptions) error {
		maps.Copy(o.Properties, props)
		return nil
	}
}

// NewClient initializes and returns a new AMQP client instance
// with the given connection information and optional client options.
func NewClient(ctx context.Context, connInfo ConnectionInfo, opts ...ClientOption) (*AMQP, error) {
	connOpts := &amqp.ConnOptions{
		SASLType:   amqp.SASLTypeAnonymous(),
		Properties: map[string]any{},
	}

	for _, opt := range opts {
		if err := opt(connOpts); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrApplyOption, err)
		}
	}

	conn, err := amqp.Dial(ctx, connInfo.URL, connOpts)
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	client := &AMQP{conn: conn}

	if connInfo.Target != "" {
		client.sender, err = session.NewSender(ctx, connInfo.Target, &amqp.SenderOptions{
			TargetDurability: amqp.DurabilityUnsettledState,
		})
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	if connInfo.Source != "" {
		client.receiver, err = session.NewReceiver(ctx, connInfo.Source, &amqp.ReceiverOptions{
			SourceDurability: amqp.DurabilityUnsettledState,
		})
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	return client, nil
}

// FireAndForget sends the payload with the target as application property.
// It returns once the broker settled the message.
func (a *AMQP) FireAndForget(ctx context.Context, target string, payload []byte) error {
	if a.sender == nil {
		return ErrNoSender
	}
	msg := amqp.NewMessage(payload)
	msg.ApplicationProperties = map[string]any{TargetProperty: target}
	return a.sender.Send(ctx, msg, nil)
}

// Receive receives and acknowledges a trigger.
func (a *AMQP) Receive(ctx context.Context) (sweep.Delivery, error) {
	if a.receiver == nil {
		return sweep.Delivery{}, ErrNoReceiver
	}

	msg, err := a.receiver.Receive(ctx, nil)
	if err != nil {
		return sweep.Delivery{}, err
	}

	target, ok := msg.ApplicationProperties[TargetProperty].(string)
	if !ok || target == "" {
		if err := a.receiver.RejectMessage(ctx, msg, nil); err != nil {
			return sweep.Delivery{}, err
		}
		return sweep.Delivery{}, ErrMissingTarget
	}

	if err := a.receiver.AcceptMessage(ctx, msg); err != nil {
		return sweep.Delivery{}, err
	}

	return sweep.Delivery{Target: target, Payload: msg.GetData()}, nil
}

// Close closes the underlying connection.
func (a *AMQP) Close(_ context.Context) error {
	return a.conn.Close()
}
