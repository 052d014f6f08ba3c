package main

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncatePreview(t *testing.T) {
	t.Run("short strings pass through", func(t *testing.T) {
		if got := truncatePreview("hello", 60); got != "hello" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("long strings are shortened with ellipsis", func(t *testing.T) {
		long := strings.Repeat("a", 100)
		got := truncatePreview(long, 60)
		if len([]rune(got)) != 60 {
			t.Fatalf("rune length = %d, want 60", len([]rune(got)))
		}
		if !strings.HasSuffix(got, "...") {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("never splits a multi-byte rune", func(t *testing.T) {
		long := strings.Repeat("日本語テキスト", 20)
		got := truncatePreview(long, 60)
		if !utf8.ValidString(got) {
			t.Fatalf("invalid UTF-8: %q", got)
		}
		if len([]rune(got)) != 60 {
			t.Fatalf("rune length = %d, want 60", len([]rune(got)))
		}
	})
}
