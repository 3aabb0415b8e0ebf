package route

import (
	"net/url"
	"path"
	"strings"
)

// Target is the (domain, route) pair a campaign is configured for.
type Target struct {
	Domain string
	Route  string
}

// Resolver derives a Target from an incoming request. Endpoint is the path
// segment the click id handler itself is mounted at; a request route equal
// to it (or any file-like segment) is replaced by the referrer's route.
type Resolver struct {
	Endpoint string
}

func NewResolver(endpoint string) Resolver {
	return Resolver{Endpoint: strings.Trim(endpoint, "/")}
}

// Resolve never fails; unknown parts come back empty.
func (r Resolver) Resolve(host, requestURI, referrer string) Target {
	t := Target{
		Domain: strings.TrimPrefix(host, "www."),
		Route:  firstSegment(pathOf(requestURI)),
	}
	if r.isSelf(t.Route) && referrer != "" {
		t.Route = firstSegment(pathOf(referrer))
	}
	return t
}

func (r Resolver) isSelf(route string) bool {
	if route == "" || path.Ext(route) != "" {
		return true
	}
	return r.Endpoint != "" && strings.EqualFold(route, r.Endpoint)
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Path
}

func firstSegment(p string) string {
	p = strings.TrimLeft(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}
