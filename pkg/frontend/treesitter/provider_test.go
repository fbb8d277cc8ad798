package treesitter

import (
	"testing"

	"github.com/carpecarp/rtags/pkg/symbol"
)

func sourceInfoFor(path string) symbol.SourceInfo {
	return symbol.SourceInfo{Path: path}
}

func TestDetectLanguage(t *testing.T) {
	cases := map[string]string{
		"foo.c":   "c",
		"foo.h":   "c",
		"foo.cpp": "cpp",
		"foo.cc":  "cpp",
		"foo.hpp": "cpp",
		"foo.py":  "",
	}
	for path, want := range cases {
		if got := DetectLanguage(path); got != want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestExtractIncludes(t *testing.T) {
	src := []byte(`#include <stdio.h>
#include "local.h"
int main() { return 0; }
`)
	got := extractIncludes(src)
	if len(got) != 2 || got[0] != "stdio.h" || got[1] != "local.h" {
		t.Fatalf("extractIncludes = %v", got)
	}
}

func TestParseUnsupportedLanguageReturnsEmptyResult(t *testing.T) {
	p := New()
	result, err := p.Parse(nil, sourceInfoFor("foo.py"), []byte("print(1)"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(result.Symbols) != 0 || len(result.References) != 0 {
		t.Fatalf("expected empty result for unsupported language, got %+v", result)
	}
}
