package translation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func libreStub(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Q      []string `json:"q"`
			Source string   `json:"source"`
			Target string   `json:"target"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Target == "xx" {
			http.Error(w, "unsupported target", http.StatusBadRequest)
			return
		}
		out := make([]string, len(req.Q))
		for i, q := range req.Q {
			out[i] = " " + req.Target + ":" + strings.ToUpper(q) + " "
		}
		json.NewEncoder(w).Encode(map[string]any{"translatedText": out})
	}))
}

func TestTranslateBatch(t *testing.T) {
	srv := libreStub(t)
	defer srv.Close()

	c := New(srv.URL+"/", time.Second)
	got, err := c.Translate(context.Background(), []string{"hello", "world"}, "en", "es")
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(got) != 2 || got[0] != "es:HELLO" || got[1] != "es:WORLD" {
		t.Fatalf("Translate() = %q", got)
	}
}

func TestTranslateAllSkipsFailedTargets(t *testing.T) {
	srv := libreStub(t)
	defer srv.Close()

	c := New(srv.URL, time.Second)
	out, errs := c.TranslateAll(context.Background(), []string{"hi"}, "en", []string{"de", "xx", "en", "de"})
	if len(out) != 1 || out["de"][0] != "de:HI" {
		t.Fatalf("out = %v", out)
	}
	if _, ok := errs["xx"]; !ok || len(errs) != 1 {
		t.Fatalf("errs = %v, want only xx", errs)
	}
}

func TestDisabledClient(t *testing.T) {
	c := New("  ", time.Second)
	if c.Enabled() {
		t.Fatal("empty base should disable translation")
	}
	out, errs := c.TranslateAll(context.Background(), []string{"hi"}, "", []string{"fr"})
	if len(out) != 0 || len(errs) != 0 {
		t.Fatalf("disabled client produced %v / %v", out, errs)
	}
}
