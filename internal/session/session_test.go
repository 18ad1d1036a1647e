package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJarSourceTracksCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			http.SetCookie(w, &http.Cookie{Name: DefaultCookie, Value: "abc", Path: "/"})
		case http.MethodDelete:
			http.SetCookie(w, &http.Cookie{Name: DefaultCookie, Value: "", Path: "/", MaxAge: -1})
		}
	}))
	defer srv.Close()

	jar, err := NewJar()
	if err != nil {
		t.Fatalf("NewJar: %v", err)
	}
	src, err := NewJarSource(jar, srv.URL, "")
	if err != nil {
		t.Fatalf("NewJarSource: %v", err)
	}
	client := &http.Client{Jar: jar}

	if got := src.Session(); got != "" {
		t.Fatalf("initial session = %q", got)
	}

	resp, err := client.Post(srv.URL+"/session", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := src.Session(); got != "abc" {
		t.Errorf("after login session = %q, want abc", got)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/session", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := src.Session(); got != "" {
		t.Errorf("after logout session = %q, want empty", got)
	}

	src.Set("manual")
	if got := src.Session(); got != "manual" {
		t.Errorf("after Set session = %q", got)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic("a")
	if s.Session() != "a" {
		t.Fatal("unexpected initial value")
	}
	s.Set("b")
	if s.Session() != "b" {
		t.Error("Set did not replace the token")
	}
}
