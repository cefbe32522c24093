package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestLanguageForName(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"index.html", "html"},
		{"style.css", "css"},
		{"script.js", "javascript"},
		{"README.md", "markdown"},
		{"app.json", "json"},
		{"INDEX.HTML", "html"},
		{"notes.txt", "plaintext"},
		{"Makefile", "plaintext"},
	}
	for _, tc := range cases {
		if got := LanguageForName(tc.name); got != tc.want {
			t.Errorf("LanguageForName(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDefaultFiles(t *testing.T) {
	files := DefaultFiles()
	if len(files) != 2 {
		t.Fatalf("got %d top-level nodes, want public + README", len(files))
	}
	public := files[0]
	if public.Name != "public" || public.Type != NodeFolder || len(public.Children) != 3 {
		t.Fatalf("public folder = %+v", public)
	}
	html := public.Children[0]
	if html.Name != "index.html" || !strings.Contains(html.Content, "Hello World") {
		t.Errorf("index.html = %+v", html)
	}
	if files[1].Name != "README.md" || files[1].Type != NodeFile {
		t.Errorf("second node = %+v", files[1])
	}

	// Each call hands out a fresh tree.
	other := DefaultFiles()
	if other[0] == files[0] {
		t.Error("DefaultFiles returns shared node pointers")
	}
}

func TestNodeJSONRoundTrip(t *testing.T) {
	in := &Node{
		ID:   "dir",
		Name: "src",
		Type: NodeFolder,
		Children: []*Node{
			{ID: "f", Name: "main.js", Type: NodeFile, Content: "x()"},
		},
	}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	// The folder's own object carries no content key; only the child file
	// does.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["content"]; ok {
		t.Errorf("folder serialized a content field: %s", b)
	}

	var out Node
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Children[0].Content != "x()" || out.Type != NodeFolder {
		t.Errorf("round trip = %+v", out)
	}
}
