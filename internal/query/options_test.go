package query

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeNil(t *testing.T) {
	var o *Options
	if got := o.Encode(); got != "" {
		t.Errorf("nil Encode() = %q, want empty", got)
	}
	if got := (&Options{}).Encode(); got != "meta_data=true" {
		t.Errorf("empty Encode() = %q, want meta_data=true", got)
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		opts *Options
		want string
	}{
		{
			name: "where and limit",
			opts: &Options{Where: []Filter{Eq("name", "x")}, Limit: Int(10)},
			want: "limit=10&meta_data=true&where=%7B%22name%22%3A%22name%22%2C%22op%22%3A%22%3D%22%2C%22value%22%3A%22x%22%7D",
		},
		{
			name: "each where is its own parameter",
			opts: &Options{Where: []Filter{Eq("a", 1), Where("b", ">", 2)}, MetaData: Bool(false)},
			want: "meta_data=false" +
				"&where=" + url.QueryEscape(`{"name":"a","op":"=","value":1}`) +
				"&where=" + url.QueryEscape(`{"name":"b","op":">","value":2}`),
		},
		{
			name: "operators are not html escaped",
			opts: &Options{Where: []Filter{Where("a", "<>", "x&y")}},
			want: "meta_data=true&where=" + url.QueryEscape(`{"name":"a","op":"<>","value":"x&y"}`),
		},
		{
			name: "order by joins with commas",
			opts: &Options{OrderBy: []Order{{Column: "name", Direction: Asc}, {Column: "created", Direction: Desc}}},
			want: "meta_data=true&order_by=name%2C-created",
		},
		{
			name: "args include exclude offset",
			opts: &Options{
				Args:    FunctionArgs([]any{"a"}),
				Include: []string{"id"},
				Exclude: []string{"content"},
				Offset:  Int(5),
			},
			want: "args=" + url.QueryEscape(`{"vals":["a"]}`) +
				"&exclude=" + url.QueryEscape(`["content"]`) +
				"&include=" + url.QueryEscape(`["id"]`) +
				"&meta_data=true&offset=5",
		},
		{
			name: "session id",
			opts: &Options{SessionID: "abc", UseCache: true},
			want: "meta_data=true&session_id=%22abc%22",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opts.Encode(); got != tt.want {
				t.Errorf("Encode()\n got %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestEncodeKeyOrderIndependentOfInput(t *testing.T) {
	a := FromMap(map[string]any{"limit": 10, "where": map[string]any{"name": "id", "op": "=", "value": 1}})
	b := FromMap(map[string]any{"where": map[string]any{"name": "id", "op": "=", "value": 1}, "limit": 10})
	if a.Encode() != b.Encode() {
		t.Errorf("encodings differ:\n%s\n%s", a.Encode(), b.Encode())
	}
}

func TestFromMapShorthands(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want *Options
	}{
		{
			name: "single where object",
			in:   map[string]any{"where": map[string]any{"name": "id", "op": "=", "value": 3.0}},
			want: &Options{Where: []Filter{{Name: "id", Op: "=", Value: 3.0}}},
		},
		{
			name: "where array",
			in: map[string]any{"where": []any{
				map[string]any{"name": "a", "op": "<", "value": 1.0},
				map[string]any{"name": "b", "op": "like", "value": "x%"},
			}},
			want: &Options{Where: []Filter{{Name: "a", Op: "<", Value: 1.0}, {Name: "b", Op: "like", Value: "x%"}}},
		},
		{
			name: "where column shorthand",
			in:   map[string]any{"where": map[string]any{"b": 2, "a": 1}},
			want: &Options{Where: []Filter{Eq("a", 1), Eq("b", 2)}},
		},
		{
			name: "column called name uses the shorthand",
			in:   map[string]any{"where": map[string]any{"name": "Ann"}},
			want: &Options{Where: []Filter{Eq("name", "Ann")}},
		},
		{
			name: "filter object without op",
			in:   map[string]any{"where": map[string]any{"name": "kind", "value": "app"}},
			want: &Options{Where: []Filter{Eq("kind", "app")}},
		},
		{
			name: "order by string",
			in:   map[string]any{"order_by": "-created"},
			want: &Options{OrderBy: []Order{{Column: "created", Direction: Desc}}},
		},
		{
			name: "order by array of strings",
			in:   map[string]any{"order_by": []any{"name", "-id"}},
			want: &Options{OrderBy: []Order{{Column: "name", Direction: Asc}, {Column: "id", Direction: Desc}}},
		},
		{
			name: "order by column object",
			in:   map[string]any{"order_by": map[string]any{"column": "name", "direction": "desc"}},
			want: &Options{OrderBy: []Order{{Column: "name", Direction: Desc}}},
		},
		{
			name: "order by array of objects",
			in: map[string]any{"order_by": []any{
				map[string]any{"column": "a", "direction": "asc"},
				map[string]any{"b": "desc"},
			}},
			want: &Options{OrderBy: []Order{{Column: "a", Direction: Asc}, {Column: "b", Direction: Desc}}},
		},
		{
			name: "limit coercion",
			in:   map[string]any{"limit": "25rows", "offset": 10.9},
			want: &Options{Limit: Int(25), Offset: Int(10)},
		},
		{
			name: "non numeric limit is dropped",
			in:   map[string]any{"limit": "ten", "offset": true},
			want: &Options{},
		},
		{
			name: "limit outside the int range is dropped",
			in:   map[string]any{"limit": 1e20, "offset": -1e20},
			want: &Options{},
		},
		{
			name: "flags",
			in: map[string]any{
				"meta_data": false, "use_cache": true, "evented": "s1",
				"include": []any{"id", "name"}, "exclude": "blob", "bogus": 1,
			},
			want: &Options{
				MetaData: Bool(false), UseCache: true, SessionID: "s1",
				Include: []string{"id", "name"}, Exclude: []string{"blob"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromMap(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FromMap mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeInvertsEncode(t *testing.T) {
	in := &Options{
		Where:   []Filter{Eq("name", "x"), In("id", []any{1.0, 2.0})},
		OrderBy: []Order{{Column: "name", Direction: Asc}, {Column: "id", Direction: Desc}},
		Limit:   Int(10),
		Offset:  Int(20),
		Args:    map[string]any{"kwargs": map[string]any{"a": "b"}},
		Include: []string{"id"},
	}
	values, err := url.ParseQuery(in.Encode())
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	got, err := Decode(values)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := in.Clone()
	want.MetaData = Bool(true)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if got.Encode() != in.Encode() {
		t.Errorf("re-encoding differs:\n%s\n%s", got.Encode(), in.Encode())
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   url.Values
	}{
		{"bad where json", url.Values{"where": {"{"}}},
		{"where without name", url.Values{"where": {`{"op":"="}`}}},
		{"bad limit", url.Values{"limit": {"ten"}}},
		{"bad meta", url.Values{"meta_data": {"maybe"}}},
		{"bad include", url.Values{"include": {"id"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.in); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecodeBody(t *testing.T) {
	o := &Options{Where: []Filter{Eq("a", "b")}, Limit: Int(1)}
	body := []byte(mustJSON(o.Values()))
	got, err := DecodeBody(body)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if got.Encode() != o.Encode() {
		t.Errorf("got %s, want %s", got.Encode(), o.Encode())
	}
	empty, err := DecodeBody(nil)
	if err != nil || empty.WantsMetadata() {
		t.Errorf("empty body: %v %v", empty, err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	o := &Options{Where: make([]Filter, 1, 4), Limit: Int(3)}
	o.Where[0] = Eq("a", 1)
	c := o.Clone().AddWhere(Eq("b", 2))
	*c.Limit = 9
	if len(o.Where) != 1 || *o.Limit != 3 {
		t.Errorf("clone mutated original: %+v", o)
	}
	if len(c.Where) != 2 {
		t.Errorf("clone where = %v", c.Where)
	}
	if (*Options)(nil).Clone() == nil {
		t.Error("Clone of nil should not be nil")
	}
}

func TestFunctionArgs(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, map[string]any{}},
		{"positional", []any{1, "a"}, map[string]any{"vals": []any{1, "a"}}},
		{"named", map[string]any{"x": 1}, map[string]any{"kwargs": map[string]any{"x": 1}}},
		{"scalar", "only", map[string]any{"vals": []any{"only"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, FunctionArgs(tt.in)); diff != "" {
				t.Errorf("FunctionArgs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
