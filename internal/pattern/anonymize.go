package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// AnonymizeConfig enumerates which transformations apply to a pattern's raw
// content.
type AnonymizeConfig struct {
	ReplaceIdentifiers bool
	ReplaceStrings     bool
	ReplaceNumbers     bool
	ReplacePaths       bool
	RemoveComments     bool
	PreserveStructure  bool
	CustomPatterns     []*regexp.Regexp
}

// AnonymizeReport carries per-category counts and the original→replacement
// mapping used for debugging. It is never shipped with the pattern.
type AnonymizeReport struct {
	IdentifiersReplaced int
	StringsReplaced     int
	NumbersReplaced     int
	PathsReplaced       int
	CommentsRemoved     int
	CustomMatches       int
	Mapping             map[string]string
}

var reservedIdentifiers = map[string]bool{
	"func": true, "return": true, "if": true, "else": true, "for": true,
	"range": true, "switch": true, "case": true, "default": true,
	"break": true, "continue": true, "var": true, "const": true,
	"type": true, "struct": true, "interface": true, "map": true,
	"package": true, "import": true, "string": true, "int": true,
	"int32": true, "int64": true, "float32": true, "float64": true,
	"bool": true, "byte": true, "error": true, "nil": true,
	"true": true, "false": true, "test": true, "describe": true,
	"it": true, "expect": true, "assert": true, "require": true,
	"function": true, "length": true,
}

var (
	identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	stringPattern      = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	templatePattern    = regexp.MustCompile("`(?:[^`\\\\]|\\\\.)*`")
	numberPattern      = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
	pathPattern        = regexp.MustCompile(`"[\w./\-]*/[\w./\-]+"`)
	lineCommentPattern = regexp.MustCompile(`//[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	placeholderPattern = regexp.MustCompile(`\$\{[^}]*\}`)
)

// Anonymize rewrites raw content under cfg and returns the transformed text
// alongside a report of what changed.
func Anonymize(raw string, cfg AnonymizeConfig) (string, AnonymizeReport) {
	report := AnonymizeReport{Mapping: make(map[string]string)}
	text := raw

	if cfg.RemoveComments {
		before := text
		text = blockCommentPattern.ReplaceAllString(text, "")
		text = lineCommentPattern.ReplaceAllString(text, "")
		if before != text {
			report.CommentsRemoved++
		}
	}

	if cfg.ReplacePaths {
		text = pathPattern.ReplaceAllStringFunc(text, func(m string) string {
			report.PathsReplaced++
			return `"/path/to/file"`
		})
	}

	if cfg.ReplaceStrings {
		text = stringPattern.ReplaceAllStringFunc(text, func(m string) string {
			key := m
			replacement, ok := report.Mapping[key]
			if !ok {
				report.StringsReplaced++
				replacement = fmt.Sprintf("\"str_%d\"", report.StringsReplaced)
				report.Mapping[key] = replacement
			}
			return replacement
		})

		text = templatePattern.ReplaceAllStringFunc(text, func(m string) string {
			report.StringsReplaced++
			if cfg.PreserveStructure {
				placeholders := placeholderPattern.FindAllString(m, -1)
				return "`str_" + itoa(report.StringsReplaced) + strings.Join(placeholders, "") + "`"
			}
			return fmt.Sprintf("`str_%d`", report.StringsReplaced)
		})
	}

	if cfg.ReplaceNumbers {
		text = numberPattern.ReplaceAllStringFunc(text, func(m string) string {
			report.NumbersReplaced++
			return "0"
		})
	}

	if cfg.ReplaceIdentifiers {
		counter := 0
		text = identifierPattern.ReplaceAllStringFunc(text, func(m string) string {
			if len(m) <= 2 || reservedIdentifiers[strings.ToLower(m)] {
				return m
			}
			replacement, ok := report.Mapping[m]
			if !ok {
				counter++
				replacement = fmt.Sprintf("var_%d", counter)
				report.Mapping[m] = replacement
				report.IdentifiersReplaced++
			}
			return replacement
		})
	}

	for _, re := range cfg.CustomPatterns {
		text = re.ReplaceAllStringFunc(text, func(m string) string {
			report.CustomMatches++
			return "[REDACTED]"
		})
	}

	return text, report
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
