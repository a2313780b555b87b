package ratepolicy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func TestStatusHandler(t *testing.T) {
	reg, err := NewRegistry(Defaults(), "X-Visitor", nil)
	if err != nil {
		t.Fatal(err)
	}
	chk := reg.Checker(ContactRoute)
	for _, id := range []string{"203.0.113.1", "203.0.113.2"} {
		if _, err := chk.Take(context.Background(), id, ContactRoute); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	StatusHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ratelimit", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var got struct {
		ClientIDHeader string `json:"client_id_header"`
		Routes         map[string]struct {
			Capacity      int  `json:"capacity"`
			WindowSeconds int  `json:"window_seconds"`
			Buckets       *int `json:"buckets"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v: %s", err, rec.Body.String())
	}
	if got.ClientIDHeader != "X-Visitor" {
		t.Errorf("client_id_header = %q", got.ClientIDHeader)
	}
	rs, ok := got.Routes[ContactRoute]
	if !ok {
		t.Fatalf("routes = %v", got.Routes)
	}
	if rs.Capacity != 5 || rs.WindowSeconds != 3600 {
		t.Errorf("policy = %+v", rs)
	}
	if rs.Buckets == nil || *rs.Buckets != 2 {
		t.Errorf("buckets = %v, want 2", rs.Buckets)
	}
}

func TestStatusHandler_RejectsWrites(t *testing.T) {
	reg, err := NewRegistry(Defaults(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	rec := httptest.NewRecorder()
	StatusHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/-/ratelimit", http.NoBody))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRegistry_SnapshotConsistentDuringApply(t *testing.T) {
	a := Defaults()
	b := Document{Routes: map[string]Policy{"/api/newsletter": {Capacity: 2, WindowSeconds: 60}}}
	reg, err := NewRegistry(a, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			doc := a
			if i%2 == 0 {
				doc = b
			}
			if err := reg.Apply(doc); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	h := StatusHandler(reg)
	for i := 0; i < 500; i++ {
		snap := reg.Snapshot()
		if len(snap.Limiters) != len(snap.Document.Routes) {
			t.Fatalf("snapshot routes %v with %d limiters", snap.Document.RouteNames(), len(snap.Limiters))
		}
		for route, p := range snap.Document.Routes {
			l, ok := snap.Limiters[route]
			if !ok || l.Config().Capacity != p.Capacity {
				t.Fatalf("route %s: limiter from another policy set", route)
			}
		}

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ratelimit", http.NoBody))
		var got struct {
			Routes map[string]struct {
				Buckets *int `json:"buckets"`
			} `json:"routes"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for route, rs := range got.Routes {
			if rs.Buckets == nil {
				t.Fatalf("route %s reported without its bucket count", route)
			}
		}
	}
}
