package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	return FromContext(e.NewContext(httptest.NewRequest(http.MethodGet, "/"+query, nil), httptest.NewRecorder()))
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Limit: DefaultLimit}},
		{"?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"?limit=500", Params{Limit: MaxLimit}},
		{"?limit=0", Params{Limit: DefaultLimit}},
		{"?limit=abc&offset=-3", Params{Limit: DefaultLimit}},
	}
	for _, tt := range tests {
		if got := paramsFor(tt.query); got != tt.want {
			t.Errorf("FromContext(%q) = %+v, want %+v", tt.query, got, tt.want)
		}
	}
}

func TestNewResponse_HasMore(t *testing.T) {
	if p := NewResponse([]int{1, 2}, 5, 2, 0); !p.HasMore {
		t.Error("expected more results after the first page")
	}
	if p := NewResponse([]int{5}, 5, 2, 4); p.HasMore {
		t.Error("expected last page to report no more results")
	}
}

func TestNewResponse_NilEncodesEmptyArray(t *testing.T) {
	var items []string
	b, err := json.Marshal(NewResponse(items, 0, DefaultLimit, 0))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"data":[],"total":0,"limit":20,"offset":0,"has_more":false}`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}
