package parser

import (
	"regexp"
	"strings"

	"github.com/mixelka/mailwatch/pkg/models"
)

type codePattern struct {
	kind  string
	regex *regexp.Regexp
}

// CodeDetector finds one-time codes in text
type CodeDetector struct {
	patterns []codePattern
}

// NewCodeDetector creates a detector with the built-in patterns, most specific first
func NewCodeDetector() *CodeDetector {
	return &CodeDetector{
		patterns: []codePattern{
			{"otp", regexp.MustCompile(`(?i)(?:code|код|otp|pin|пин|пароль|password)[\s:\-]*(\d{4,8})\b`)},
			{"verification", regexp.MustCompile(`(?i)(?:verification|верификац|подтвержд|confirm|активац)[\s\w]*[\s:\-]*(\d{4,8})\b`)},
			{"security", regexp.MustCompile(`(?i)(?:security|безопасност|2fa|two.factor)[\s\w]*[\s:\-]*(\d{4,8})\b`)},
			{"code", regexp.MustCompile(`(?m)^\s*(\d{4,8})\s*$`)},
			{"code", regexp.MustCompile(`(?i)(?:code|код)[\s:\-]*([A-Z0-9]{4,12})\b`)},
			{"token", regexp.MustCompile(`(?i)(?:token|токен|key|ключ)[\s:\-]*([A-Za-z0-9\-_]{8,32})\b`)},
		},
	}
}

// Detect returns the distinct codes in text in pattern order
func (d *CodeDetector) Detect(text string) []models.DetectedCode {
	var codes []models.DetectedCode
	seen := make(map[string]bool)

	for _, p := range d.patterns {
		for _, match := range p.regex.FindAllStringSubmatch(text, -1) {
			code := strings.TrimSpace(match[1])
			if len(code) < 4 || seen[code] {
				continue
			}
			seen[code] = true
			codes = append(codes, models.DetectedCode{Type: p.kind, Value: code})
		}
	}
	return codes
}
