package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/jmehdipour/relay/internal/config"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// Event Hubs style brokers expose the Kafka endpoint on 9093.
const securePort = "9093"

var ErrBadConnectionString = errors.New("malformed connection string")

// Auth is the resolved connection security for all kafka clients.
type Auth struct {
	Brokers   []string
	Mechanism sasl.Mechanism // nil means no SASL
	TLS       *tls.Config    // nil means plaintext
}

// ResolveAuth picks, in order: connection string, federated token file plus
// namespace, or plaintext against the configured brokers.
func ResolveAuth(c config.KafkaConfig) (Auth, error) {
	switch {
	case c.ConnectionString != "":
		host, err := ParseConnectionString(c.ConnectionString)
		if err != nil {
			return Auth{}, err
		}
		return Auth{
			Brokers:   []string{withPort(host)},
			Mechanism: plain.Mechanism{Username: "$ConnectionString", Password: c.ConnectionString},
			TLS:       &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host},
		}, nil

	case c.FederatedTokenFile != "":
		if c.Namespace == "" {
			return Auth{}, errors.New("kafka: federated_token_file requires namespace")
		}
		host := hostOnly(c.Namespace)
		return Auth{
			Brokers:   []string{withPort(c.Namespace)},
			Mechanism: &TokenFileBearer{Path: c.FederatedTokenFile},
			TLS:       &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host},
		}, nil

	default:
		if len(c.Brokers) == 0 {
			return Auth{}, errors.New("kafka: no brokers configured")
		}
		return Auth{Brokers: c.Brokers}, nil
	}
}

// ParseConnectionString returns the namespace host of
// "Endpoint=sb://<host>/;SharedAccessKeyName=..;SharedAccessKey=..".
func ParseConnectionString(cs string) (string, error) {
	var endpoint string
	var hasKey bool
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "endpoint":
			endpoint = v
		case "sharedaccesskey", "sharedaccesssignature":
			hasKey = v != ""
		}
	}
	if endpoint == "" || !hasKey {
		return "", ErrBadConnectionString
	}

	host := endpoint
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" || strings.Contains(host, "/") {
		return "", fmt.Errorf("%w: endpoint %q", ErrBadConnectionString, endpoint)
	}
	return host, nil
}

func withPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, securePort)
}

func hostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}

// TokenFileBearer is SASL OAUTHBEARER with the token read from a file on every
// handshake, so rotated tokens are picked up without a restart.
type TokenFileBearer struct {
	Path string
}

func (m *TokenFileBearer) Name() string { return "OAUTHBEARER" }

func (m *TokenFileBearer) Start(context.Context) (sasl.StateMachine, []byte, error) {
	raw, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return nil, nil, errors.New("token file is empty")
	}
	return bearerSession{}, InitialBearerResponse(token), nil
}

// InitialBearerResponse is the RFC 7628 client first message.
func InitialBearerResponse(token string) []byte {
	return []byte("n,,\x01auth=Bearer " + token + "\x01\x01")
}

type bearerSession struct{}

// Next: an empty challenge is success, anything else is the server's error report.
func (bearerSession) Next(_ context.Context, challenge []byte) (bool, []byte, error) {
	if len(challenge) == 0 {
		return true, nil, nil
	}
	return true, nil, fmt.Errorf("oauthbearer rejected: %s", challenge)
}
