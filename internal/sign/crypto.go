package sign

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
)

// EncodeData serializes a business object to compact JSON (UTF-8, no HTML
// escaping) and base64-encodes it for the game platform's data field.
func EncodeData(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}
	raw := bytes.TrimRight(buf.Bytes(), "\n")
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeData decodes a base64 data field into a business JSON object.
// URL-safe alphabets and missing padding are tolerated. The decoded bytes
// are parsed as UTF-8; invalid UTF-8 falls back to GBK for legacy pushes.
func DecodeData(data string) (map[string]any, error) {
	s := strings.ReplaceAll(data, "-", "+")
	s = strings.ReplaceAll(s, "_", "/")
	if pad := len(s) % 4; pad != 0 {
		s += strings.Repeat("=", 4-pad)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if !utf8.Valid(raw) {
		decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
		if err == nil {
			raw = decoded
		}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("parse data json: %w", err)
	}
	return obj, nil
}

// aesKey pads or truncates the raw secret to exactly 32 bytes. The NUL
// right-padding is fixed by the upstream protocol and must stay bit-exact.
func aesKey(key string) []byte {
	k := make([]byte, 32)
	copy(k, key)
	return k
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("corrupt padding")
		}
	}
	return data[:len(data)-n], nil
}

// AESEncrypt encrypts plain with AES-256-ECB/PKCS7 and returns standard
// base64 ciphertext. ECB is mandated by the general-trading platform spec.
func AESEncrypt(plain, key string) (string, error) {
	block, err := aes.NewCipher(aesKey(key))
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	data := pkcs7Pad([]byte(plain), block.BlockSize())
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += block.BlockSize() {
		block.Encrypt(out[i:], data[i:])
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// AESDecrypt reverses AESEncrypt.
func AESDecrypt(cipherB64, key string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(cipherB64)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}
	block, err := aes.NewCipher(aesKey(key))
	if err != nil {
		return "", fmt.Errorf("aes cipher: %w", err)
	}
	if len(raw) == 0 || len(raw)%block.BlockSize() != 0 {
		return "", fmt.Errorf("invalid ciphertext length %d", len(raw))
	}
	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i += block.BlockSize() {
		block.Decrypt(out[i:], raw[i:])
	}
	plain, err := pkcs7Unpad(out, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
