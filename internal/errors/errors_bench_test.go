package errors

import (
	"net/http/httptest"
	"testing"
)

func BenchmarkWriteJSON(b *testing.B) {
	e := New(RateLimited)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		rec := httptest.NewRecorder()
		e.WriteJSON(rec)
	}
}

func BenchmarkRenderTemplated(b *testing.B) {
	ctx := Context{Domain: "app.example.com"}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = Render(TargetNotAllowed, ctx)
	}
}
