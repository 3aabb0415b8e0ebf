package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name     string
		host     string
		uri      string
		referrer string
		want     Target
	}{
		{"strips www", "www.example.com", "/landing/a", "", Target{"example.com", "landing"}},
		{"keeps subdomain", "shop.example.com", "/promo", "", Target{"shop.example.com", "promo"}},
		{"keeps port", "www.example.com:8443", "/promo?x=1", "", Target{"example.com:8443", "promo"}},
		{"php file falls back to referrer", "example.com", "/checkout.php", "https://example.com/landing?sub1=x", Target{"example.com", "landing"}},
		{"own endpoint falls back to referrer", "example.com", "/clickid", "https://example.com/offer/step2", Target{"example.com", "offer"}},
		{"empty route falls back to referrer", "example.com", "/", "https://example.com/nn-new", Target{"example.com", "nn-new"}},
		{"no referrer keeps file route", "example.com", "/clickid.php", "", Target{"example.com", "clickid.php"}},
		{"referrer without path", "example.com", "/clickid.php", "https://example.com", Target{"example.com", ""}},
		{"case preserved", "example.com", "/Landing", "", Target{"example.com", "Landing"}},
		{"empty host", "", "/landing", "", Target{"", "landing"}},
	}

	r := NewResolver("/clickid/")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.host, tt.uri, tt.referrer))
		})
	}
}
