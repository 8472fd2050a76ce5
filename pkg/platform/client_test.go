package platform

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	var slept []time.Duration
	c := NewHTTPClient(3, time.Second).WithDelay(2 * time.Second)
	c.sleep = func(d time.Duration) { slept = append(slept, d) }

	body, err := c.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Errorf("slept = %v, want two fixed delays", slept)
	}
}

func TestFetchGivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(2, time.Second)
	c.sleep = func(time.Duration) {}

	if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(3, time.Second)
	c.sleep = func(time.Duration) {}

	if _, err := c.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	strict := NewHTTPClient(0, time.Second)
	if _, err := strict.Fetch(context.Background(), srv.URL); err == nil {
		t.Error("self-signed certificate should be rejected by default")
	}
	if got := NewHTTPClient(0, time.Second).WithInsecureTLS(false); got.Client.Transport != nil {
		t.Error("WithInsecureTLS(false) should keep the default transport")
	}

	insecure := NewHTTPClient(0, time.Second).WithInsecureTLS(true)
	body, err := insecure.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}

func TestPostJSON(t *testing.T) {
	var contentType, got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		got = string(b)
	}))
	defer srv.Close()

	resp, err := NewHTTPClient(0, time.Second).PostJSON(context.Background(), srv.URL, []byte(`{"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if contentType != "application/json" || got != `{"a":1}` {
		t.Errorf("content type %q body %q", contentType, got)
	}
}

func TestBackoff(t *testing.T) {
	c := NewHTTPClient(3, time.Second)
	if got := c.backoff(0); got != 200*time.Millisecond {
		t.Errorf("backoff(0) = %v", got)
	}
	if got := c.backoff(2); got != 800*time.Millisecond {
		t.Errorf("backoff(2) = %v", got)
	}
	c.WithDelay(time.Second)
	if got := c.backoff(5); got != time.Second {
		t.Errorf("fixed backoff = %v", got)
	}
}

func TestCredentialsApply(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		want  string
	}{
		{"token", Credentials{Token: "abc", Username: "u"}, "Bearer abc"},
		{"basic", Credentials{Username: "u", Password: "p"}, "Basic dTpw"},
		{"none", Credentials{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.creds.Apply(req)
			if got := req.Header.Get("Authorization"); got != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("MLFLOW_TRACKING_TOKEN", "tok")
	t.Setenv("MLFLOW_TRACKING_USERNAME", "")
	t.Setenv("MLFLOW_TRACKING_PASSWORD", "")
	c := CredentialsFromEnv()
	if c.Token != "tok" || c.Empty() {
		t.Errorf("creds = %+v", c)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TAXI_TEST_INT", "12")
	if got := GetEnvInt("TAXI_TEST_INT", 3); got != 12 {
		t.Errorf("set = %d", got)
	}
	t.Setenv("TAXI_TEST_INT", "twelve")
	if got := GetEnvInt("TAXI_TEST_INT", 3); got != 3 {
		t.Errorf("unparsable = %d, want default", got)
	}
	if got := GetEnvInt("TAXI_TEST_UNSET", 3); got != 3 {
		t.Errorf("default = %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		val  string
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"false", false},
		{"no", false},
	}
	for _, tt := range tests {
		t.Setenv("TAXI_TEST_BOOL", tt.val)
		if got := GetEnvBool("TAXI_TEST_BOOL", !tt.want); got != tt.want {
			t.Errorf("GetEnvBool(%q) = %v", tt.val, got)
		}
	}
	if !GetEnvBool("TAXI_TEST_UNSET", true) {
		t.Error("default not used")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TAXI_TEST_DELAY", "5")
	if got := GetEnvDuration("TAXI_TEST_DELAY", 0); got != 5*time.Second {
		t.Errorf("bare seconds = %v", got)
	}
	t.Setenv("TAXI_TEST_DELAY", "250ms")
	if got := GetEnvDuration("TAXI_TEST_DELAY", 0); got != 250*time.Millisecond {
		t.Errorf("duration = %v", got)
	}
	if got := GetEnvDuration("TAXI_TEST_UNSET", time.Minute); got != time.Minute {
		t.Errorf("default = %v", got)
	}
}
