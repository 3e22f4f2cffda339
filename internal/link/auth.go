package link

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// greetingMsg is the fixed message signed to prove knowledge of the cluster
// secret without ever putting the secret itself on the wire — the bus-layer
// counterpart of the teacher's gossip.SignBody/VerifyBody HMAC helpers,
// adapted here into a connect-time handshake rather than a per-message
// signature, since the wire protocol has no dedicated AUTH frame type.
const greetingMsg = "clustermesh-bus-auth"

const greetingTimeout = 3 * time.Second

// ErrAuthFailed is returned when a peer's greeting doesn't match our secret.
var ErrAuthFailed = errors.New("link: bus auth handshake failed")

// SignGreeting returns the HMAC-SHA256 of the fixed greeting message under
// secret.
func SignGreeting(secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(greetingMsg))
	return mac.Sum(nil)
}

func sendGreeting(conn net.Conn, secret string) error {
	if secret == "" {
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(greetingTimeout))
	defer conn.SetWriteDeadline(time.Time{})
	if _, err := conn.Write(SignGreeting(secret)); err != nil {
		return fmt.Errorf("link: send auth greeting: %w", err)
	}
	return nil
}

// VerifyGreeting reads and checks the peer's signed greeting. A no-op when
// secret is empty (the cluster is running without a bus secret).
func VerifyGreeting(conn net.Conn, secret string) error {
	if secret == "" {
		return nil
	}
	conn.SetReadDeadline(time.Now().Add(greetingTimeout))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, sha256.Size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return fmt.Errorf("link: read auth greeting: %w", err)
	}
	if !hmac.Equal(buf, SignGreeting(secret)) {
		return ErrAuthFailed
	}
	return nil
}

