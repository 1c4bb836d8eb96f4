package bus

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"grace/internal/api"
)

var errClosed = errors.New("bus closed")

// KeyRegistry holds per-source ed25519 keys. Sources that cross trust
// boundaries (domains and kernels exchanging events) are issued a key at
// registration; their events are signed on publish and verified before
// delivery.
type KeyRegistry struct {
	mu      sync.RWMutex
	private map[string]ed25519.PrivateKey
	public  map[string]ed25519.PublicKey
}

func newKeyRegistry() *KeyRegistry {
	return &KeyRegistry{
		private: make(map[string]ed25519.PrivateKey),
		public:  make(map[string]ed25519.PublicKey),
	}
}

// Issue generates a signing key for the source and returns the public
// half, used as the instance's signing key reference. Idempotent per
// source.
func (k *KeyRegistry) Issue(source string) (ed25519.PublicKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if pub, ok := k.public[source]; ok {
		return pub, nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key for %s: %w", source, err)
	}
	k.private[source] = priv
	k.public[source] = pub
	return pub, nil
}

// Trust registers only the public half for a source whose private key
// lives elsewhere (an out-of-process peer).
func (k *KeyRegistry) Trust(source string, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public[source] = pub
}

// Revoke removes both halves for a source.
func (k *KeyRegistry) Revoke(source string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.private, source)
	delete(k.public, source)
}

// sign returns a signature over the canonical encoding if the source
// holds a private key here.
func (k *KeyRegistry) sign(ev api.Event) ([]byte, bool) {
	k.mu.RLock()
	priv, ok := k.private[ev.Source]
	k.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ed25519.Sign(priv, canonicalBytes(ev)), true
}

// verify checks provenance for one event. Events from sources without a
// registered public key pass unverified (no trust boundary declared).
// Events from keyed sources must carry a valid signature.
func (k *KeyRegistry) verify(ev api.Event) (bool, string) {
	k.mu.RLock()
	pub, keyed := k.public[ev.Source]
	k.mu.RUnlock()
	if !keyed {
		return true, ""
	}
	if len(ev.Signature) == 0 {
		return false, "missing signature from keyed source"
	}
	sig := ev.Signature
	ev.Signature = nil
	if !ed25519.Verify(pub, canonicalBytes(ev), sig) {
		return false, "signature verification failed"
	}
	return true, ""
}

// canonicalEvent fixes the field order for signing. Payload maps encode
// with sorted keys under encoding/json, so the encoding is deterministic
// for JSON-shaped payloads.
type canonicalEvent struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Seq       uint64                 `json:"seq"`
	TraceID   string                 `json:"traceId"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

func canonicalBytes(ev api.Event) []byte {
	data, err := json.Marshal(canonicalEvent{
		Type:      ev.Type,
		Source:    ev.Source,
		Seq:       ev.Seq,
		TraceID:   ev.TraceID,
		Timestamp: ev.Timestamp.UnixNano(),
		Payload:   ev.Payload,
	})
	if err != nil {
		// Payload contains an unmarshalable value; sign the envelope
		// fields alone rather than failing the publish.
		data = []byte(fmt.Sprintf("%s|%s|%d|%s|%d", ev.Type, ev.Source, ev.Seq, ev.TraceID, ev.Timestamp.UnixNano()))
	}
	return data
}
