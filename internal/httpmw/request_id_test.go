package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()
	if RequestIDFromContext(ctx) != "" {
		t.Fatal("bare context should have no request id")
	}
	if WithRequestID(ctx, "") != ctx {
		t.Fatal("empty id should return ctx unchanged")
	}
	if got := RequestIDFromContext(WithRequestID(ctx, "req-42")); got != "req-42" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestRequestID_Middleware(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		inbound  string
		wantKeep bool
		wantHdr  string
	}{
		{"generated when missing", "", "", false, "X-Request-Id"},
		{"uuid propagated", "", "3f1c9a52-8d0e-4b7e-9a43-2f6d1e0c5b71", true, "X-Request-Id"},
		{"lb trace header replaced", "", "Root=1-67891233-abcdef012345678912345678", false, "X-Request-Id"},
		{"colon form propagated", "", "edge:01HZX3:7", true, "X-Request-Id"},
		{"newline replaced", "", "abc\ninjected=1", false, "X-Request-Id"},
		{"space replaced", "", "abc def", false, "X-Request-Id"},
		{"too long replaced", "", strings.Repeat("a", maxRequestIDLen+1), false, "X-Request-Id"},
		{"max length kept", "", strings.Repeat("a", maxRequestIDLen), true, "X-Request-Id"},
		{"custom header", "X-Correlation-Id", "corr-1", true, "X-Correlation-Id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ctxID string
			h := RequestID(tt.header)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.inbound != "" {
				req.Header.Set(tt.wantHdr, tt.inbound)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			echoed := rec.Header().Get(tt.wantHdr)
			if echoed == "" || echoed != ctxID {
				t.Fatalf("echoed %q, context %q", echoed, ctxID)
			}
			if kept := ctxID == tt.inbound; kept != tt.wantKeep {
				t.Fatalf("kept inbound = %v, want %v (id %q)", kept, tt.wantKeep, ctxID)
			}
			if !tt.wantKeep {
				if u, err := uuid.Parse(ctxID); err != nil || u.Version() != 4 {
					t.Fatalf("generated id %q is not a v4 uuid", ctxID)
				}
			}
		})
	}
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id := newRequestID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
