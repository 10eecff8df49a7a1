package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T) string {
	t.Helper()
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", w.Code)
	}
	return w.Body.String()
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/users/{user}/pending", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, user := range []string{"0xaaa", "0xbbb"} {
		req := httptest.NewRequest(http.MethodGet, "/users/"+user+"/pending", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	body := scrape(t)
	want := `vaultengine_http_requests_total{method="GET",path="/users/{user}/pending",status="418"} 2`
	if !strings.Contains(body, want) {
		t.Errorf("missing %q in scrape output", want)
	}
	if strings.Contains(body, "0xaaa") {
		t.Error("user address leaked into metric labels")
	}
}
