package segment

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFindCut(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		target int
		want   int
	}{
		{"short text takes all", "你好，世界", 50, 4},
		{"exact target takes all", strings.Repeat("a", 50), 50, 49},
		{"prefers punctuation before target", strings.Repeat("A", 48) + "。" + strings.Repeat("B", 60), 50, 48},
		{"forward punctuation first", strings.Repeat("A", 45) + "," + strings.Repeat("B", 7) + "!" + strings.Repeat("C", 40), 50, 53},
		{"forward window is exclusive", strings.Repeat("A", 70) + "." + strings.Repeat("B", 10), 50, 50},
		{"backward window is inclusive", strings.Repeat("A", 30) + "；" + strings.Repeat("B", 60), 50, 30},
		{"hard cut without punctuation", strings.Repeat("x", 120), 50, 50},
		{"zero target", "ab,cd", 0, 2},
		{"empty", "", 50, -1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := FindCut([]rune(tc.input), tc.target)
			if got != tc.want {
				t.Fatalf("FindCut() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFindCutBounds(t *testing.T) {
	texts := []string{
		strings.Repeat("字", 200),
		strings.Repeat("ab,", 40),
		"一二三四五六七八九十。" + strings.Repeat("x", 80),
		strings.Repeat("?", 3),
	}
	for _, text := range texts {
		runes := []rune(text)
		for target := 0; target <= len(runes)+5; target++ {
			cut := FindCut(runes, target)
			if len(runes) > target && (cut < 0 || cut >= len(runes)) {
				t.Fatalf("target %d: cut %d out of bounds (len %d)", target, cut, len(runes))
			}
			if again := FindCut(runes, target); again != cut {
				t.Fatalf("target %d: FindCut not deterministic: %d vs %d", target, cut, again)
			}
		}
	}
}

func TestCutKeepsAllText(t *testing.T) {
	text := "Hi there, friend. " + strings.Repeat("很长的一句话没有标点", 10) + "结束。"
	sentence, rest := Cut(text, DefaultTarget)
	if sentence+rest != text {
		t.Fatalf("cut dropped data: %q + %q", sentence, rest)
	}
	if utf8.RuneCountInString(sentence) == 0 {
		t.Fatalf("empty sentence")
	}

	sentence, rest = Cut("short", DefaultTarget)
	if sentence != "short" || rest != "" {
		t.Fatalf("Cut(short) = %q, %q", sentence, rest)
	}
}

func TestCutMidStream(t *testing.T) {
	text := strings.Repeat("a", 52) + "." + strings.Repeat("b", 77)
	sentence, rest := Cut(text, DefaultTarget)
	if utf8.RuneCountInString(sentence) != 53 {
		t.Fatalf("sentence len = %d, want 53", utf8.RuneCountInString(sentence))
	}
	if utf8.RuneCountInString(rest) != 77 {
		t.Fatalf("rest len = %d, want 77", utf8.RuneCountInString(rest))
	}
}
