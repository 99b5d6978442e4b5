package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/mailwatch/internal/mailbox"
)

func TestHTMLToText(t *testing.T) {
	html := `<html><head><style>p{color:red}</style></head><body>
		<h1>Hello</h1><p>Your   code is <b>482913</b>.</p>
		<script>track()</script><div>Thanks&#8203;</div></body></html>`

	text, err := HTMLToText(html)
	require.NoError(t, err)
	assert.Equal(t, "Hello\nYour code is 482913.\nThanks", text)

	text, err = HTMLToText("")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestDetect(t *testing.T) {
	d := NewCodeDetector()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{"keyword", "Your code: 123456", []string{"123456"}},
		{"russian", "Ваш код: 7788", []string{"7788"}},
		{"standalone line", "Use this:\n  90817\nto sign in", []string{"90817"}},
		{"deduplicated", "code 4455\nPIN 4455", []string{"4455"}},
		{"too short", "code 12", nil},
		{"nothing", "Weekly newsletter", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range d.Detect(tt.text) {
				got = append(got, c.Value)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractPrefersHTML(t *testing.T) {
	p := New()

	content, err := p.Extract(&mailbox.Message{
		Subject:  "Sign-in",
		BodyText: "plain version",
		BodyHTML: "<p>Your code: 246810</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "Your code: 246810", content.Text)
	require.Len(t, content.Codes, 1)
	assert.Equal(t, "246810", content.Codes[0].Value)
	assert.Equal(t, "otp", content.Codes[0].Type)

	content, err = p.Extract(&mailbox.Message{BodyText: "  just\n\n\n\ntext  "})
	require.NoError(t, err)
	assert.Equal(t, "just\ntext", content.Text)
}
