package tether

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/google/go-cmp/cmp"
)

func TestCloneValues(t *testing.T) {
	when := time.Date(2021, 1, 2, 3, 4, 5, 0, time.UTC)
	in := map[string]any{
		"num":  5,
		"text": "quack",
		"list": []any{1, "two", 3.0},
		"fn":   func() {},
		"sub": map[string]any{
			"ok":   true,
			"also": func() {},
		},
		"get":  Getter(func() (any, error) { return "fetched", nil }),
		"bad":  Getter(func() (any, error) { return nil, errors.New("nope") }),
		"when": when,
	}
	want := map[string]any{
		"num":  5,
		"text": "quack",
		"list": []any{1, "two", 3.0},
		"sub":  map[string]any{"ok": true},
		"get":  "fetched",
		"when": when,
	}
	got := cloneValues(in, nil)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cloneValues (-want, +got):\n%s", diff)
	}

	// The copy must not alias the input containers.
	got.(map[string]any)["num"] = 6
	if in["num"] != 5 {
		t.Error("Mutating the copy changed the original")
	}
}

func TestCloneValuesStructs(t *testing.T) {
	type point struct {
		X, Y  int
		label string
	}
	in := map[string]any{
		"p":  point{X: 1, Y: 2, label: "skip"},
		"pp": &point{X: 3, Y: 4},
	}
	want := map[string]any{
		"p":  map[string]any{"X": 1, "Y": 2},
		"pp": map[string]any{"X": 3, "Y": 4},
	}
	if diff := cmp.Diff(want, cloneValues(in, nil)); diff != "" {
		t.Errorf("cloneValues (-want, +got):\n%s", diff)
	}
}

func TestCloneValuesSharing(t *testing.T) {
	shared := map[string]any{"tag": "s"}
	in := map[string]any{"a": shared, "b": shared}
	in["self"] = in

	out := cloneValues(in, nil).(map[string]any)
	a, b := out["a"].(map[string]any), out["b"].(map[string]any)
	a["probe"] = 1
	if _, ok := b["probe"]; !ok {
		t.Error("Shared node was duplicated in the copy")
	}
	if self := out["self"].(map[string]any); self["a"] == nil {
		t.Error("Cycle was not preserved in the copy")
	} else {
		self["mark"] = true
		if _, ok := out["mark"]; !ok {
			t.Error("Cycle member is not the root of the copy")
		}
	}
	if shared["probe"] != nil || in["mark"] != nil {
		t.Error("Mutating the copy changed the original")
	}
}

func TestCloneStrict(t *testing.T) {
	if _, err := cloneStrict(map[string]any{"ok": 1}); err != nil {
		t.Errorf("cloneStrict(plain): unexpected error: %v", err)
	}
	for name, in := range map[string]any{
		"func":     map[string]any{"f": func() {}},
		"nested":   map[string]any{"a": []any{1, func() {}}},
		"accessor": map[string]any{"g": Getter(func() (any, error) { return 1, nil })},
		"chan":     map[string]any{"c": make(chan int)},
	} {
		if _, err := cloneStrict(in); !errors.Is(err, ErrUncloneable) {
			t.Errorf("cloneStrict(%s): got %v, want ErrUncloneable", name, err)
		}
	}
}

func TestPassThrough(t *testing.T) {
	pat := regexp.MustCompile("a+")
	counts := map[int]string{1: "one", 2: "two"}
	in := map[string]any{
		"pat":    pat,
		"blob":   []byte("xyz"),
		"counts": counts,
	}
	out := cloneValues(in, nil).(map[string]any)
	if out["pat"] != pat {
		t.Error("Regexp was not passed through by identity")
	}
	oc, ok := out["counts"].(map[int]string)
	if !ok {
		t.Fatalf("Non-string-key map: got %T, want map[int]string", out["counts"])
	}
	oc[3] = "three"
	if _, ok := counts[3]; ok {
		t.Error("Non-string-key map was not copied")
	}
}

func TestGetDeep(t *testing.T) {
	type thing struct{ Label string }
	root := map[string]any{
		"a": map[string]any{
			"b": []any{"zero", "one", map[string]any{"c": 3}},
		},
		"t":   thing{Label: "x"},
		"pt":  &thing{Label: "y"},
		"get": Getter(func() (any, error) { return map[string]any{"deep": 7}, nil }),
		"bad": Getter(func() (any, error) { return nil, errors.New("nope") }),
	}
	tests := []struct {
		path string
		want any
	}{
		{"", nil}, // the root itself, checked below
		{"a.b.1", "one"},
		{"a.b.2.c", 3},
		{"a.b.5", nil},
		{"a.b.-1", nil},
		{"a.nonesuch", nil},
		{"t.Label", "x"},
		{"pt.Label", "y"},
		{"get.deep", 7},
		{"bad.deep", nil},
		{"a.b.1.huh", nil},
	}
	for _, test := range tests {
		if test.path == "" {
			continue
		}
		if got := getDeep(root, test.path); got != test.want {
			t.Errorf("getDeep(%q): got %v, want %v", test.path, got, test.want)
		}
	}
	if got := getDeep(root, ""); got == nil {
		t.Error("getDeep of the empty path lost the root")
	}
}

func TestCollectFunctionPaths(t *testing.T) {
	shared := map[string]any{"hit": func() {}}
	root := map[string]any{
		"top": func() {},
		"sub": map[string]any{
			"inner": func(int) int { return 0 },
			"value": "not a function",
		},
		"list": []any{func() {}, "skip", func() {}},
		"x":    shared,
		"z":    shared,
		"get":  Getter(func() (any, error) { return 1, nil }),
	}
	root["loop"] = root

	got := collectFunctionPaths(root, nil)
	sort.Strings(got)
	want := []string{"list.0", "list.2", "sub.inner", "top", "x.hit"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Function paths (-want, +got):\n%s", diff)
	}

	// Breadth-first traversal records the shortest alias only: the shared
	// node was discovered at "x" before "z", and the cycle at "loop" repeats
	// nothing.
	for _, p := range got {
		if strings.HasPrefix(p, "z.") || strings.HasPrefix(p, "loop.") {
			t.Errorf("Unexpected alias path %q", p)
		}
	}
}

func TestCanonicalIndex(t *testing.T) {
	shared := map[string]any{"tag": 1}
	root := map[string]any{
		"m": shared,
		"z": map[string]any{"deep": shared},
	}
	root["self"] = root

	idx := buildCanonicalIndex(root)
	rid, ok := identOf(root)
	if !ok {
		t.Fatal("No identity for the root")
	}
	if got := idx[rid]; got != "" {
		t.Errorf(`Canonical path of root: got %q, want ""`, got)
	}
	sid, ok := identOf(shared)
	if !ok {
		t.Fatal("No identity for the shared node")
	}
	if got := idx[sid]; got != "m" {
		t.Errorf("Canonical path of shared: got %q, want m", got)
	}
}

func TestIdentOf(t *testing.T) {
	if _, ok := identOf(nil); ok {
		t.Error("nil has an identity")
	}
	if _, ok := identOf(42); ok {
		t.Error("int has an identity")
	}
	if _, ok := identOf([]any{}); ok {
		t.Error("empty slice has an identity")
	}
	a, b := []any{}, []any{}
	ida, oka := identOf(a)
	idb, okb := identOf(b)
	if oka && okb && ida == idb {
		t.Error("Distinct empty slices share an identity")
	}
	m := map[string]any{}
	id1, ok1 := identOf(m)
	id2, ok2 := identOf(m)
	if !ok1 || !ok2 || id1 != id2 {
		t.Error("Map identity is not stable")
	}
}

func TestInvokeFunc(t *testing.T) {
	ctx := context.Background()

	t.Run("Plain", func(t *testing.T) {
		got, err := invokeFunc(ctx, func(a, b int) int { return a + b }, []any{2, 3})
		if err != nil || got != 5 {
			t.Errorf("add(2, 3): got %v, %v; want 5, nil", got, err)
		}
	})
	t.Run("Context", func(t *testing.T) {
		got, err := invokeFunc(ctx, func(ctx context.Context, s string) string {
			return strings.ToUpper(s)
		}, []any{"ok"})
		if err != nil || got != "OK" {
			t.Errorf("upper(ok): got %v, %v; want OK, nil", got, err)
		}
	})
	t.Run("Variadic", func(t *testing.T) {
		sum := func(vs ...int) int {
			var n int
			for _, v := range vs {
				n += v
			}
			return n
		}
		got, err := invokeFunc(ctx, sum, []any{1, 2, 3})
		if err != nil || got != 6 {
			t.Errorf("sum(1, 2, 3): got %v, %v; want 6, nil", got, err)
		}
		if got, err := invokeFunc(ctx, sum, nil); err != nil || got != 0 {
			t.Errorf("sum(): got %v, %v; want 0, nil", got, err)
		}
	})
	t.Run("Numeric", func(t *testing.T) {
		got, err := invokeFunc(ctx, func(f float64) float64 { return 2 * f }, []any{3})
		if err != nil || got != 6.0 {
			t.Errorf("double(3): got %v, %v; want 6, nil", got, err)
		}
	})
	t.Run("NoResult", func(t *testing.T) {
		got, err := invokeFunc(ctx, func() {}, nil)
		if err != nil || got != nil {
			t.Errorf("noop(): got %v, %v; want nil, nil", got, err)
		}
	})
	t.Run("ErrorOnly", func(t *testing.T) {
		_, err := invokeFunc(ctx, func() error { return errors.New("sad") }, nil)
		if err == nil || err.Error() != "sad" {
			t.Errorf("failer(): got %v, want sad", err)
		}
	})
	t.Run("ValueError", func(t *testing.T) {
		got, err := invokeFunc(ctx, func() (int, error) { return 25, nil }, nil)
		if err != nil || got != 25 {
			t.Errorf("pair(): got %v, %v; want 25, nil", got, err)
		}
	})
	t.Run("Arity", func(t *testing.T) {
		_, err := invokeFunc(ctx, func(int) {}, nil)
		if err == nil || !strings.Contains(err.Error(), "got 0 arguments, want 1") {
			t.Errorf("Wrong arity: got %v", err)
		}
	})
	t.Run("BadArg", func(t *testing.T) {
		_, err := invokeFunc(ctx, func(int) {}, []any{"pants"})
		if err == nil || !strings.Contains(err.Error(), "argument 1") {
			t.Errorf("Bad argument: got %v", err)
		}
	})
	t.Run("NilArg", func(t *testing.T) {
		got, err := invokeFunc(ctx, func(p *int) bool { return p == nil }, []any{nil})
		if err != nil || got != true {
			t.Errorf("isNil(nil): got %v, %v; want true, nil", got, err)
		}
		if _, err := invokeFunc(ctx, func(int) {}, []any{nil}); err == nil {
			t.Error("nil as int: got nil, want error")
		}
	})
	t.Run("Panic", func(t *testing.T) {
		_, err := invokeFunc(ctx, func() { panic("eek") }, nil)
		if err == nil || !strings.Contains(err.Error(), "eek") {
			t.Errorf("panicky(): got %v, want recovered panic", err)
		}
	})
	t.Run("BadSignature", func(t *testing.T) {
		_, err := invokeFunc(ctx, func() (int, string) { return 0, "" }, nil)
		if err == nil || !strings.Contains(err.Error(), "unsupported result signature") {
			t.Errorf("twoValues(): got %v", err)
		}
	})
}

func TestMessageClone(t *testing.T) {
	m := &Message{
		Proto: Protocol, Name: "test", Type: MsgCall,
		ID: "c1", Method: "a.b", Args: []any{1, map[string]any{"k": "v"}},
	}
	cp, err := m.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if diff := cmp.Diff(m.Args, cp.Args); diff != "" {
		t.Errorf("Cloned args (-want, +got):\n%s", diff)
	}
	cp.Args[1].(map[string]any)["k"] = "changed"
	if m.Args[1].(map[string]any)["k"] != "v" {
		t.Error("Mutating the clone changed the original")
	}

	bad := &Message{Proto: Protocol, Type: MsgCall, Args: []any{func() {}}}
	if _, err := bad.Clone(); !errors.Is(err, ErrUncloneable) {
		t.Errorf("Clone with func arg: got %v, want ErrUncloneable", err)
	}
}

func TestGenID(t *testing.T) {
	seen := mapset.New[string]()
	for range 1000 {
		id := genID()
		if seen.Has(id) {
			t.Fatalf("Duplicate ID %q", id)
		}
		seen.Add(id)
	}
}

func TestSerializeError(t *testing.T) {
	tests := []struct {
		input any
		want  string
	}{
		{nil, ""},
		{errors.New("bad"), "bad"},
		{"plain", "plain"},
		{map[string]int{"code": 3}, `{"code":3}`},
		{17, "17"},
	}
	for _, test := range tests {
		if got := serializeError(test.input); got != test.want {
			t.Errorf("serializeError(%v): got %q, want %q", test.input, got, test.want)
		}
	}
}
