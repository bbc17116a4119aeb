package gateway

import "testing"

func TestIsOriginAllowedExactAndWildcardAll(t *testing.T) {
	allowed := []string{"https://app.example.com"}
	if !isOriginAllowed("https://app.example.com", allowed) {
		t.Fatal("expected an exact match to be allowed")
	}
	if isOriginAllowed("https://evil.example.com", allowed) {
		t.Fatal("expected a non-matching origin to be rejected")
	}
	if !isOriginAllowed("anything", []string{"*"}) {
		t.Fatal("expected the bare wildcard to allow any origin")
	}
	if !isOriginAllowed("", allowed) {
		t.Fatal("expected a request with no Origin header to pass (not a browser CORS request)")
	}
}

func TestMatchWildcardOriginSubdomain(t *testing.T) {
	pattern := "https://*.example.com"
	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://a.b.example.com", true},
		{"https://example.com", false},
		{"https://evil.com/https://x.example.com", false},
		{"http://app.example.com", false},
	}
	for _, c := range cases {
		if got := matchWildcardOrigin(c.origin, pattern); got != c.want {
			t.Errorf("matchWildcardOrigin(%q, %q) = %v, want %v", c.origin, pattern, got, c.want)
		}
	}
}

func TestRouterForReturnsSameInstanceForSameSession(t *testing.T) {
	gw := newTestServer(t)
	r1 := gw.routerFor("s1")
	r2 := gw.routerFor("s1")
	if r1 != r2 {
		t.Fatal("expected routerFor to cache and return the same router for a session")
	}
	r3 := gw.routerFor("s2")
	if r3 == r1 {
		t.Fatal("expected a different session to get a distinct router")
	}
}
