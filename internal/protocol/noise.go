package protocol

import (
	"regexp"
	"strings"
	"unicode"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)

var spinnerRunes = map[rune]struct{}{
	'·': {}, '.': {}, '*': {}, '✶': {}, '✻': {}, '✽': {}, '✢': {}, '✣': {},
	'✤': {}, '✥': {}, '✦': {}, '✧': {}, '✩': {}, '✪': {}, '✫': {}, '✬': {},
	'✭': {}, '✮': {}, '✯': {},
}

var noisePrefixes = []string{"❯", "🤖"}

var noiseFragments = []string{
	"IMPORTANT:",
	"End your reply with this exact final line",
}

// CleanLine strips ANSI escape sequences and carriage returns.
func CleanLine(line string) string {
	line = strings.ReplaceAll(line, "\r", "")
	return strings.TrimRight(ansiPattern.ReplaceAllString(line, ""), "\n")
}

// IsNoiseLine reports whether a line is terminal chatter rather than reply
// content: spinner frames, UI prefixes, prompt scaffolding, or rule/box
// drawing. Blank lines are not noise; they separate paragraphs.
func IsNoiseLine(line string) bool {
	stripped := strings.TrimSpace(CleanLine(line))
	if stripped == "" {
		return false
	}
	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(stripped, prefix) {
			return true
		}
	}
	for _, fragment := range noiseFragments {
		if strings.Contains(stripped, fragment) {
			return true
		}
	}
	runes := []rune(stripped)
	if len(runes) <= 2 {
		allSpinner := true
		for _, r := range runes {
			if _, ok := spinnerRunes[r]; !ok {
				allSpinner = false
				break
			}
		}
		if allSpinner {
			return true
		}
	}
	if !hasAlnum(stripped) && allRuleRunes(stripped) {
		return true
	}
	return false
}

func hasAlnum(value string) bool {
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func allRuleRunes(value string) bool {
	for _, r := range value {
		if unicode.IsSpace(r) {
			continue
		}
		switch r {
		case '─', '-', '_', '=', '·', '*', '•', '┌', '┬', '┐', '├', '┼', '┤', '└', '┴', '┘', '│':
		default:
			return false
		}
	}
	return true
}
