package clickid

import (
	"net/url"
	"strings"
)

// dropped from the forwarded referrer query; everything else (sub1..sub10,
// utm_*, vendor ids) is passed through for attribution.
var droppedParams = map[string]bool{
	"cost":   true,
	"ref_id": true,
}

// BuildMintURL builds <base>/<campaignID>?format=json, followed by the
// encoded referrer and the referrer's own query parameters.
func BuildMintURL(base, campaignID, referrer string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "/"))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(campaignID))
	b.WriteString("?format=json")

	if referrer == "" {
		return b.String()
	}
	b.WriteString("&referrer=")
	b.WriteString(url.QueryEscape(referrer))

	if qs := forwardedQuery(referrer); qs != "" {
		b.WriteByte('&')
		b.WriteString(qs)
	}
	return b.String()
}

// forwardedQuery re-encodes the referrer's query string without the dropped
// parameters. Order and repeated keys are kept as they appear.
func forwardedQuery(referrer string) string {
	u, err := url.Parse(referrer)
	if err != nil || u.RawQuery == "" {
		return ""
	}

	var parts []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		rawKey, rawVal, _ := strings.Cut(pair, "=")
		key := unescapeOrRaw(rawKey)
		if key == "" || droppedParams[key] {
			continue
		}
		val := unescapeOrRaw(rawVal)
		parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(val))
	}
	return strings.Join(parts, "&")
}

// unescapeOrRaw keeps malformed escapes such as "50%off" as literal text.
func unescapeOrRaw(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}
