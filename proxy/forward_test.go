package proxy

import (
	"testing"

	"github.com/dinghy-proxy/dinghy/routing"
)

func TestStripTokenQuery(t *testing.T) {
	for _, ti := range []struct {
		rawQuery, token, remainder string
		present                    bool
	}{
		{"", "", "", false},
		{"x=1", "", "x=1", false},
		{"token=abc", "abc", "", true},
		{"token=abc&x=1", "abc", "x=1", true},
		{"x=1&token=abc", "abc", "x=1", true},
		{"x=1&token=abc&y=2", "abc", "x=1&y=2", true},
		{"token=a&token=b", "a", "", true},
		// an empty value is no token, but the key is still stripped
		{"token=&x=1", "", "x=1", true},
		{"token=&token=b", "b", "", true},
		// opaque: encoded characters preserved byte for byte
		{"q=a%2Fb%20c&token=abc", "abc", "q=a%2Fb%20c", true},
		{"token2=abc&x=1", "", "token2=abc&x=1", false},
		{"mytoken=abc", "", "mytoken=abc", false},
	} {
		token, remainder, present := stripTokenQuery(ti.rawQuery, "token")
		if token != ti.token || remainder != ti.remainder || present != ti.present {
			t.Errorf(
				"stripTokenQuery(%q) = (%q, %q, %t), expected (%q, %q, %t)",
				ti.rawQuery, token, remainder, present, ti.token, ti.remainder, ti.present,
			)
		}
	}
}

func TestTokenFromPath(t *testing.T) {
	const token = "0123456789abcdef0123456789abcdef"

	for _, ti := range []struct {
		path, token, effective string
		ok                     bool
	}{
		{"/t/" + token + "/rest/of/path", token, "/rest/of/path", true},
		{"/t/" + token, token, "/", true},
		{"/t/" + token + "/", token, "/", true},
		{"/t/short/rest", "", "", false},
		{"/t/" + token + "rest", "", "", false},
		{"/t/0123456789ABCDEF0123456789ABCDEF/x", "", "", false},
		{"/other/" + token, "", "", false},
		{"/", "", "", false},
	} {
		got, effective, ok := tokenFromPath(ti.path)
		if got != ti.token || effective != ti.effective || ok != ti.ok {
			t.Errorf(
				"tokenFromPath(%q) = (%q, %q, %t), expected (%q, %q, %t)",
				ti.path, got, effective, ok, ti.token, ti.effective, ti.ok,
			)
		}
	}
}

func TestFingerprintChangesWithEveryField(t *testing.T) {
	base := routing.Target{
		Name:         "api",
		Pattern:      "/api/*",
		Origin:       "https://api.example.com",
		CookieHeader: "session=abc",
		ExtraHeaders: map[string]string{"X-Key": "v"},
	}

	variants := []routing.Target{base, base, base, base, base}
	variants[0].Name = "api2"
	variants[1].Pattern = "/api/**"
	variants[2].Origin = "https://api2.example.com"
	variants[3].CookieHeader = "session=xyz"
	variants[4].ExtraHeaders = map[string]string{"X-Key": "w"}

	key := fingerprint(&base)
	for i := range variants {
		if fingerprint(&variants[i]) == key {
			t.Errorf("variant %d must produce a different fingerprint", i)
		}
	}
}

func TestFingerprintHeaderOrderIrrelevant(t *testing.T) {
	a := routing.Target{
		Name:         "api",
		Pattern:      "/*",
		Origin:       "https://x.test",
		ExtraHeaders: map[string]string{"A": "1", "B": "2", "C": "3"},
	}

	b := a
	b.ExtraHeaders = map[string]string{"C": "3", "B": "2", "A": "1"}

	if fingerprint(&a) != fingerprint(&b) {
		t.Error("fingerprints must not depend on map iteration order")
	}
}

func TestHandlerCacheReuse(t *testing.T) {
	p := WithParams(Params{TargetSource: staticRegistry(t)})
	defer p.Close()

	target := &routing.Target{Name: "api", Pattern: "/api/*", Origin: "https://api.example.com"}
	h1, err := p.handlerFor(target)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := p.handlerFor(target)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Error("same configuration must yield the cached handler")
	}

	changed := *target
	changed.CookieHeader = "session=new"
	h3, err := p.handlerFor(&changed)
	if err != nil {
		t.Fatal(err)
	}

	if h3 == h1 {
		t.Error("a credential change must produce a fresh handler")
	}
}
