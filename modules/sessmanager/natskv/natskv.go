// Package natskv provides a sessmanager.SessionManager backed by the
// NATS Key-Value Store.
//
// Sessions are stored under composite keys ({encodedVisitorID}.{uniqueSessionID}).
// The cookie value is the composite key encrypted with AES-128-GCM,
// such that the visitor ID is never exposed to the client.
package natskv

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/romshark/shardforms/modules/sessmanager"
)

// DefaultBucket is the default bucket name for the NATS KV Store based session manager.
const DefaultBucket = "SHARDFORMS_SESSIONS"

var (
	ErrUnsafeSessionID = errors.New("uniqueSessionID contains NATS-unsafe characters")

	ErrEncryptionKeyLen      = errors.New("encryption key must be exactly 16 bytes")
	ErrEmptyVisitorID        = errors.New("visitorID must not be empty")
	ErrEmptySessionID        = errors.New("uniqueSessionID must not be empty")
	ErrCiphertextTooShort    = errors.New("ciphertext too short")
	ErrMalformedCompositeKey = errors.New("malformed composite key")

	ErrAllDecryptionKeysFailed = errors.New("all keys failed")
)

// New creates a new NATS Key-Value store backed session manager.
func New[S any](
	conn *nats.Conn,
	tokenGenerator sessmanager.TokenGenerator,
	conf Config,
) (*SessionManager[S], error) {
	keys := make([][]byte, 0, 1+len(conf.PreviousEncryptionKeys))
	keys = append(keys, conf.EncryptionKey)
	keys = append(keys, conf.PreviousEncryptionKeys...)

	aeads := make([]cipher.AEAD, len(keys))
	for i, key := range keys {
		if len(key) != 16 {
			return nil, ErrEncryptionKeyLen
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("creating AES cipher: %w", err)
		}
		aeads[i], err = cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("creating GCM: %w", err)
		}
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	kvConfig := conf.KVConfig
	if kvConfig.Bucket == "" {
		kvConfig.Bucket = DefaultBucket
	}

	kv, err := js.KeyValue(kvConfig.Bucket)
	switch {
	case errors.Is(err, nats.ErrBucketNotFound):
		kv, err = js.CreateKeyValue(&kvConfig)
		if err != nil {
			return nil, fmt.Errorf("creating new KV bucket: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("opening KV bucket: %w", err)
	}

	return &SessionManager[S]{
		kv:             kv,
		aeads:          aeads,
		tokenGenerator: tokenGenerator,
	}, nil
}

// Config configures the session manager.
type Config struct {
	// EncryptionKey is the 16-byte AES-128 key used to
	// encrypt session tokens stored in cookies. Required.
	EncryptionKey []byte

	// PreviousEncryptionKeys is a list of previous 16-byte AES-128 keys used only for
	// decrypting existing cookies during key rotation. New cookies are always encrypted
	// with EncryptionKey.
	PreviousEncryptionKeys [][]byte

	// KVConfig.TTL bounds the lifetime of idle visitor sessions.
	KVConfig nats.KeyValueConfig
}

var _ sessmanager.SessionManager[struct{}] = (*SessionManager[struct{}])(nil)

// SessionManager manages sessions backed by NATS KV.
type SessionManager[S any] struct {
	kv             nats.KeyValue
	aeads          []cipher.AEAD // [0] is primary
	tokenGenerator sessmanager.TokenGenerator
}

// ReadSessionFromCookie decrypts the cookie value to
// recover the composite KV key and retrieves the session.
func (s *SessionManager[S]) ReadSessionFromCookie(
	c *http.Cookie,
) (session S, token, visitorID string, ok bool, err error) {
	if c == nil || c.Value == "" {
		return session, "", "", false, nil
	}

	kvKey, err := decrypt(s.aeads, c.Value)
	if err != nil {
		return session, "", "", false, nil
	}

	vid, err := parseCompositeKeyVisitorID(kvKey)
	if err != nil {
		return session, "", "", false, nil
	}

	entry, err := s.kv.Get(kvKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return session, "", "", false, nil
		}
		return session, "", "", false, fmt.Errorf("reading session from KV: %w", err)
	}

	if err := json.Unmarshal(entry.Value(), &session); err != nil {
		return session, "", "", false, nil
	}

	return session, c.Value, vid, true, nil
}

// CreateSession stores a new session under the composite key
// {encodedVisitorID}.{uniqueSessionID}.
// Returns the encrypted token for use as a cookie value.
func (s *SessionManager[S]) CreateSession(
	_ context.Context, visitorID string, session S,
) (token string, err error) {
	if visitorID == "" {
		return "", ErrEmptyVisitorID
	}
	uniqueSessionID, err := s.tokenGenerator.Generate()
	if err != nil {
		return "", fmt.Errorf("generating session ID: %w", err)
	}
	switch {
	case uniqueSessionID == "":
		return "", ErrEmptySessionID
	case strings.ContainsAny(uniqueSessionID, ".*>"):
		return "", ErrUnsafeSessionID
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("marshaling session data JSON: %w", err)
	}

	kvKey := compositeKey(visitorID, uniqueSessionID)
	if _, err := s.kv.Create(kvKey, payload); err != nil {
		return "", fmt.Errorf("storing session in KV: %w", err)
	}
	return encrypt(s.aeads[0], kvKey)
}

// SaveSession replaces the data of an existing session.
func (s *SessionManager[S]) SaveSession(
	_ context.Context, token string, session S,
) error {
	kvKey, err := decrypt(s.aeads, token)
	if err != nil {
		return fmt.Errorf("decrypting session token: %w", err)
	}
	entry, err := s.kv.Get(kvKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return sessmanager.ErrSessionNotFound
		}
		return fmt.Errorf("getting session: %w", err)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session data JSON: %w", err)
	}
	// Update fails if the session was closed or modified concurrently.
	if _, err := s.kv.Update(kvKey, payload, entry.Revision()); err != nil {
		return fmt.Errorf("updating session in KV: %w", err)
	}
	return nil
}

// Session retrieves a session by its encrypted token.
func (s *SessionManager[S]) Session(
	_ context.Context, token string,
) (session S, err error) {
	kvKey, err := decrypt(s.aeads, token)
	if err != nil {
		return session, fmt.Errorf("decrypting session token: %w", err)
	}

	entry, err := s.kv.Get(kvKey)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return session, sessmanager.ErrSessionNotFound
		}
		return session, fmt.Errorf("getting session: %w", err)
	}

	if err := json.Unmarshal(entry.Value(), &session); err != nil {
		return session, fmt.Errorf("unmarshaling session data JSON: %w", err)
	}
	return session, nil
}

// CloseSession deletes a session from NATS KV.
// No-op and no error if the session doesn't exist.
func (s *SessionManager[S]) CloseSession(
	_ context.Context, token string,
) error {
	kvKey, err := decrypt(s.aeads, token)
	if err != nil {
		return fmt.Errorf("decrypting session token: %w", err)
	}
	if err := s.kv.Delete(kvKey); err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// encodeVisitorID encodes a visitor ID into a base64url string
// safe for use in NATS KV keys.
func encodeVisitorID(visitorID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(visitorID))
}

// compositeKey builds the NATS KV key: {base64url(visitorID)}.{sessionID}.
func compositeKey(visitorID, sessionID string) string {
	encoded := encodeVisitorID(visitorID)
	var b strings.Builder
	b.Grow(len(encoded) + len(".") + len(sessionID))
	b.WriteString(encoded)
	b.WriteByte('.')
	b.WriteString(sessionID)
	return b.String()
}

// parseCompositeKeyVisitorID extracts and decodes the visitor ID from a composite KV key.
func parseCompositeKeyVisitorID(kvKey string) (string, error) {
	encoded, sid, ok := strings.Cut(kvKey, ".")
	if !ok || encoded == "" || sid == "" {
		return "", ErrMalformedCompositeKey
	}
	vid, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding visitorID from key: %w", err)
	}
	return string(vid), nil
}

// encrypt encrypts plaintext using AES-128-GCM and returns a base64url-encoded string.
func encrypt(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// decrypt decodes a base64url string and decrypts it using AES-128-GCM,
// trying each AEAD in order (supports key rotation).
func decrypt(aeads []cipher.AEAD, encrypted string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}

	for _, aead := range aeads {
		nonceSize := aead.NonceSize()
		if len(data) < nonceSize {
			return "", ErrCiphertextTooShort
		}
		pt, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
		if err == nil {
			return string(pt), nil
		}
	}
	return "", ErrAllDecryptionKeysFailed
}
