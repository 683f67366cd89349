package labreport

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

func TestExtractText_RejectsNonPDF(t *testing.T) {
	_, err := ExtractText([]byte("certainly not a pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "new pdf reader")

	_, err = ExtractFromReader(strings.NewReader(""))
	assert.Error(t, err)
}

func TestAttach(t *testing.T) {
	update := model.StageUpdate{Description: "lab tested"}
	Attach(&update, "/tmp/certs/coa-481517.pdf", "Withanolides 2.8%")

	got, ok := update.Data[DataKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "coa-481517.pdf", got["file"])
	assert.Equal(t, "Withanolides 2.8%", got["text"])
	assert.Equal(t, false, got["truncated"])
}

func TestAttach_TruncatesAndKeepsData(t *testing.T) {
	update := model.StageUpdate{Data: map[string]any{"lot": "A"}}
	Attach(&update, "big.pdf", strings.Repeat("x", maxText+10))

	got := update.Data[DataKey].(map[string]any)
	assert.Len(t, got["text"], maxText)
	assert.Equal(t, true, got["truncated"])
	assert.Equal(t, "A", update.Data["lot"])
}

func TestAttach_TruncatesOnRuneBoundary(t *testing.T) {
	var update model.StageUpdate
	// "é" is two bytes, so maxText falls inside a rune after the leading "x".
	Attach(&update, "fr.pdf", "x"+strings.Repeat("é", maxText))

	text := update.Data[DataKey].(map[string]any)["text"].(string)
	assert.True(t, utf8.ValidString(text))
	assert.Len(t, text, maxText-1)
	assert.True(t, strings.HasSuffix(text, "é"))
}
