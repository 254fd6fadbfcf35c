package pagination

import (
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest("GET", "/?"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query  string
		limit  int
		offset int
	}{
		{"", DefaultLimit, 0},
		{"limit=25&offset=10", 25, 10},
		{"limit=0", DefaultLimit, 0},
		{"limit=-5&offset=-3", DefaultLimit, 0},
		{"limit=9999", MaxLimit, 0},
		{"limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(t, tt.query)
		if p.Limit != tt.limit || p.Offset != tt.offset {
			t.Errorf("%q: got %+v, want limit %d offset %d", tt.query, p, tt.limit, tt.offset)
		}
	}
}

func TestWindow(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if s, e := p.Window(20); s != 5 || e != 15 {
		t.Errorf("Window(20) = [%d, %d), want [5, 15)", s, e)
	}
	if s, e := p.Window(8); s != 5 || e != 8 {
		t.Errorf("Window(8) = [%d, %d), want [5, 8)", s, e)
	}
	if s, e := p.Window(3); s != 3 || e != 3 {
		t.Errorf("Window(3) = [%d, %d), want empty window at end", s, e)
	}
}

func TestHasMore(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	if !p.HasMore(11) {
		t.Error("expected more past the first page")
	}
	if p.HasMore(10) {
		t.Error("exact fit has no next page")
	}
}
