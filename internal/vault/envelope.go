package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	algorithm       = "A256GCM"
	keySize         = 32
)

var b64 = base64.RawURLEncoding

// Header travels in clear text in front of every ciphertext and is bound
// to it as GCM additional data.
type Header struct {
	Version   int               `json:"v"`
	KeyID     string            `json:"kid"`
	Alg       string            `json:"alg"`
	Purpose   string            `json:"purpose"`
	Timestamp time.Time         `json:"ts"`
	Context   map[string]string `json:"ctx,omitempty"`
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(aead cipher.AEAD, h Header, payload []byte) ([]byte, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	aad := []byte(b64.EncodeToString(raw))

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	body := aead.Seal(nonce, nonce, payload, aad)

	out := make([]byte, 0, len(aad)+1+b64.EncodedLen(len(body)))
	out = append(out, aad...)
	out = append(out, '.')
	out = append(out, b64.EncodeToString(body)...)
	return out, nil
}

// ParseHeader decodes the clear-text header of an envelope.
func ParseHeader(ciphertext []byte) (Header, error) {
	h, _, _, err := split(ciphertext)
	return h, err
}

func split(ciphertext []byte) (Header, []byte, []byte, error) {
	aad, encBody, ok := bytes.Cut(ciphertext, []byte{'.'})
	if !ok || len(aad) == 0 || len(encBody) == 0 {
		return Header{}, nil, nil, ErrMalformed
	}
	raw, err := b64.DecodeString(string(aad))
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("%w: header encoding", ErrMalformed)
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, nil, nil, fmt.Errorf("%w: header json", ErrMalformed)
	}
	if h.Version != envelopeVersion || h.Alg != algorithm || h.KeyID == "" {
		return Header{}, nil, nil, fmt.Errorf("%w: unsupported header v=%d alg=%s", ErrMalformed, h.Version, h.Alg)
	}
	body, err := b64.DecodeString(string(encBody))
	if err != nil {
		return Header{}, nil, nil, fmt.Errorf("%w: body encoding", ErrMalformed)
	}
	return h, aad, body, nil
}

func open(aead cipher.AEAD, aad, body []byte) ([]byte, error) {
	ns := aead.NonceSize()
	if len(body) < ns+aead.Overhead() {
		return nil, ErrMalformed
	}
	plain, err := aead.Open(nil, body[:ns], body[ns:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// wrapper protects key material at rest with a key derived from a master
// secret.
type wrapper struct {
	aead cipher.AEAD
}

func newWrapper(master []byte) (*wrapper, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("vault: master key must be at least 16 bytes")
	}
	kdf := hkdf.New(sha256.New, master, nil, []byte("invoicegate vault key wrap v1"))
	derived := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, derived); err != nil {
		return nil, err
	}
	aead, err := newAEAD(derived)
	if err != nil {
		return nil, err
	}
	return &wrapper{aead: aead}, nil
}

func (w *wrapper) wrap(id string, material []byte) ([]byte, error) {
	if w == nil {
		return append([]byte(nil), material...), nil
	}
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return w.aead.Seal(nonce, nonce, material, []byte(id)), nil
}

func (w *wrapper) unwrap(id string, wrapped []byte) ([]byte, error) {
	if w == nil {
		return append([]byte(nil), wrapped...), nil
	}
	ns := w.aead.NonceSize()
	if len(wrapped) < ns+w.aead.Overhead() {
		return nil, ErrMalformed
	}
	return w.aead.Open(nil, wrapped[:ns], wrapped[ns:], []byte(id))
}
