package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

var errBadKey = errors.New("mega: malformed key")

// decodeB64 accepts MEGA's unpadded base64url and tolerates padding or the
// standard alphabet.
func decodeB64(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

func encodeB64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// fileKey is the 256-bit key of a file node.
type fileKey [32]byte

func newFileKey(raw []byte) (fileKey, error) {
	var k fileKey
	if len(raw) != len(k) {
		return k, errBadKey
	}
	copy(k[:], raw)
	return k, nil
}

// aesKey folds the node key into the 128-bit AES key used for both content
// and attributes.
func (k fileKey) aesKey() []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = k[i] ^ k[i+16]
	}
	return out
}

func (k fileKey) nonce() []byte {
	return k[16:24]
}

// decryptECB decrypts data in place block by block. MEGA wraps node keys
// this way with the share or folder key.
func decryptECB(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errBadKey
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

type attributes struct {
	Name string `json:"n"`
}

// decryptAttributes opens the "at" blob of a node: AES-CBC with a zero IV
// over "MEGA{...json...}" padded with NUL bytes.
func decryptAttributes(key []byte, at string) (attributes, error) {
	raw, err := decodeB64(at)
	if err != nil {
		return attributes{}, err
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return attributes{}, errors.New("mega: malformed attributes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return attributes{}, err
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(plain, raw)

	plain = bytes.TrimRight(plain, "\x00")
	if !bytes.HasPrefix(plain, []byte("MEGA{")) {
		return attributes{}, errors.New("mega: attribute key mismatch")
	}
	var attrs attributes
	if err := json.Unmarshal(plain[len("MEGA"):], &attrs); err != nil {
		return attributes{}, err
	}
	return attrs, nil
}

// ctrReader decrypts a ciphertext stream that begins at byte offset start
// of the file.
type ctrReader struct {
	body   io.ReadCloser
	stream cipher.Stream
}

func newCTRReader(k fileKey, start int64, body io.ReadCloser) (*ctrReader, error) {
	block, err := aes.NewCipher(k.aesKey())
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, k.nonce())
	binary.BigEndian.PutUint64(iv[8:], uint64(start/aes.BlockSize))
	stream := cipher.NewCTR(block, iv)
	if skip := start % aes.BlockSize; skip > 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}
	return &ctrReader{body: body, stream: stream}, nil
}

func (r *ctrReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (r *ctrReader) Close() error {
	return r.body.Close()
}
