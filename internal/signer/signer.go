// Package signer is the client side of the remote signing boundary: a
// length-prefixed JSON exchange over a local byte-stream socket. The
// boundary holds all key material; this client only moves opaque
// envelope blobs and provisioning requests across it.
package signer

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/starfolk/gostellar/internal/domain"
)

var log = logrus.WithField("component", "signer")

// Frames larger than this are rejected before allocation.
const maxFrameBytes = 1 << 20

// DialFunc opens a stream connection to the boundary. Injected so tests
// can substitute an in-process pipe.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Client speaks the boundary protocol: one request/response per
// connection, each framed by a 4-byte big-endian length prefix.
type Client struct {
	dial    DialFunc
	creds   CredentialSource
	timeout time.Duration
}

// CredentialSource supplies short-lived credentials the boundary needs
// to unwrap key material. Nil means no credentials are attached.
type CredentialSource func(ctx context.Context) (map[string]string, error)

// Option configures a Client.
type Option func(*Client)

// WithCredentials attaches a credential source to sign requests.
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) { c.creds = src }
}

// WithTimeout bounds a single exchange. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client for a unix socket at path.
func New(socketPath string, opts ...Option) *Client {
	dial := func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return NewWithDialer(dial, opts...)
}

// NewWithDialer creates a Client over a custom transport.
func NewWithDialer(dial DialFunc, opts ...Option) *Client {
	c := &Client{dial: dial, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Action           string            `json:"action"`
	RequestID        string            `json:"request_id"`
	Identity         string            `json:"identity"`
	UnsignedEnvelope string            `json:"unsigned_envelope,omitempty"`
	Credentials      map[string]string `json:"credentials,omitempty"`
}

type response struct {
	SignedEnvelope   string `json:"signed_envelope,omitempty"`
	PublicKey        string `json:"public_key,omitempty"`
	EncryptedSecret  string `json:"encrypted_secret,omitempty"`
	RecoveryMnemonic string `json:"recovery_mnemonic,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Sign submits the unsigned envelope for identity and returns the signed
// blob. Refusals and transport failures both surface as SigningError:
// the caller cannot tell them apart and must not assume the boundary
// never saw the request.
func (c *Client) Sign(ctx context.Context, identity, unsignedEnvelope string) (string, error) {
	req := request{
		Action:           "sign",
		RequestID:        uuid.NewString(),
		Identity:         identity,
		UnsignedEnvelope: unsignedEnvelope,
	}
	if c.creds != nil {
		creds, err := c.creds(ctx)
		if err != nil {
			return "", &domain.SigningError{Reason: "credential source: " + err.Error()}
		}
		req.Credentials = creds
	}

	resp, err := c.exchange(ctx, req)
	if err != nil {
		return "", err
	}
	if resp.SignedEnvelope == "" {
		return "", &domain.SigningError{Reason: "empty signed envelope in response"}
	}
	return resp.SignedEnvelope, nil
}

// GeneratedKey is the result of a provisioning request. The mnemonic is
// shown to the user once by the caller and is not retained here.
type GeneratedKey struct {
	PublicKey        string
	EncryptedSecret  string
	RecoveryMnemonic string
}

// Generate asks the boundary to create a signer for identity.
func (c *Client) Generate(ctx context.Context, identity string) (*GeneratedKey, error) {
	req := request{
		Action:    "generate",
		RequestID: uuid.NewString(),
		Identity:  identity,
	}
	resp, err := c.exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.PublicKey == "" {
		return nil, &domain.SigningError{Reason: "empty public key in generate response"}
	}
	return &GeneratedKey{
		PublicKey:        resp.PublicKey,
		EncryptedSecret:  resp.EncryptedSecret,
		RecoveryMnemonic: resp.RecoveryMnemonic,
	}, nil
}

func (c *Client) exchange(ctx context.Context, req request) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, &domain.SigningError{Reason: "dial: " + err.Error()}
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeFrame(conn, req); err != nil {
		return nil, &domain.SigningError{Reason: "send: " + err.Error()}
	}
	var resp response
	if err := readFrame(conn, &resp); err != nil {
		return nil, &domain.SigningError{Reason: "receive: " + err.Error()}
	}
	if resp.Error != "" {
		log.WithField("request_id", req.RequestID).Warnf("boundary refused %s: %s", req.Action, resp.Error)
		return nil, &domain.SigningError{Reason: resp.Error}
	}
	return &resp, nil
}

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return errors.Wrap(err, "read length prefix")
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > maxFrameBytes {
		return errors.Errorf("invalid frame length %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return errors.Wrap(err, "read payload")
	}
	return json.Unmarshal(payload, v)
}
