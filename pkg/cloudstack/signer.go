package cloudstack

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// encodeQuery renders params sorted by key with values escaped the way the
// CloudStack signature check expects (spaces as %20, never '+').
func encodeQuery(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.ToLower(keys[i]) < strings.ToLower(keys[j])
	})

	var b strings.Builder
	for _, k := range keys {
		for _, v := range params[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(escape(k))
			b.WriteByte('=')
			b.WriteString(escape(v))
		}
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// Sign computes the request signature: HMAC-SHA1 over the lowercased,
// sorted query string, base64 encoded.
func Sign(params url.Values, secretKey string) string {
	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(strings.ToLower(encodeQuery(params))))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signedQuery returns the full query string including the signature.
func signedQuery(params url.Values, secretKey string) string {
	return encodeQuery(params) + "&signature=" + escape(Sign(params, secretKey))
}
