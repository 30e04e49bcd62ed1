// Package sign implements the MD5 signing schemes and payload codecs used
// by the JD game-card and general-trading platforms and by the card
// inventory backends. All primitives are pure and never panic.
package sign

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// sortedKeys returns the keys of params in ASCII ascending order, skipping
// excluded keys and empty values.
func sortedKeys(params map[string]string, exclude ...string) []string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		skip := false
		for _, ex := range exclude {
			if k == ex {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GameSign computes the game-card platform signature:
// key1=value1&key2=value2&...&<secret>, MD5, lowercase hex.
// The sign field and empty values are excluded.
func GameSign(params map[string]string, secret string) string {
	keys := sortedKeys(params, "sign")
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	plain := strings.Join(parts, "&") + "&" + secret
	return md5Hex(plain)
}

// VerifyGameSign checks the sign field of a game-card request. An empty
// secret disables verification entirely.
func VerifyGameSign(params map[string]string, secret string) bool {
	if secret == "" {
		return true
	}
	received := params["sign"]
	if received == "" {
		return false
	}
	return strings.EqualFold(GameSign(params, secret), received)
}

// GeneralSign computes the general-trading platform signature:
// key1value1key2value2...<secret> with no separators, MD5, lowercase hex.
// The sign and signType fields and empty values are excluded.
func GeneralSign(params map[string]string, secret string) string {
	keys := sortedKeys(params, "sign", "signType")
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	b.WriteString(secret)
	return md5Hex(b.String())
}

// VerifyGeneralSign checks the sign field of a general-trading request.
func VerifyGeneralSign(params map[string]string, secret string) bool {
	if secret == "" {
		return true
	}
	received := params["sign"]
	if received == "" {
		return false
	}
	return strings.EqualFold(GeneralSign(params, secret), received)
}

// AgisoSign computes the Agiso open-platform signature:
// MD5(<appSecret> + key1value1key2value2... + <appSecret>).
func AgisoSign(params map[string]string, appSecret string) string {
	keys := sortedKeys(params, "sign")
	var b strings.Builder
	b.WriteString(appSecret)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	b.WriteString(appSecret)
	return md5Hex(b.String())
}

// Card91Sign computes the 91 card-inventory signature:
// MD5(key1=value1&key2=value2&...&secret=<apiSecret>).
func Card91Sign(params map[string]string, apiSecret string) string {
	keys := sortedKeys(params, "sign")
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	parts = append(parts, "secret="+apiSecret)
	return md5Hex(strings.Join(parts, "&"))
}
