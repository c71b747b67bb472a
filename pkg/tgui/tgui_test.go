package tgui

import "testing"

func TestBuilders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		got  H
		want string
	}{
		{B("a<b"), "<b>a&lt;b</b>"},
		{Code("x&y"), "<code>x&amp;y</code>"},
		{Link(`say "hi"`, "https://e.x/?a=1&b=2"), `<a href="https://e.x/?a=1&amp;b=2">say &#34;hi&#34;</a>`},
		{JoinH("|", B("a"), Raw(" "), Raw("c")), "<b>a</b>|c"},
		{Pre("<x>"), "<pre><code>&lt;x&gt;</code></pre>"},
	}
	for _, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("got %q want %q", tc.got, tc.want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"привет", 2, "пр…"},
		{"x", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q,%d)=%q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
