// Package labreport pulls plain text out of lab certificates (PDF) so it can
// travel with a stage update.
package labreport

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	pdf "github.com/ledongthuc/pdf"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

// DataKey is the StageUpdate.Data key holding an attached report.
const DataKey = "labReport"

// maxText caps the text stored on a stage.
const maxText = 16 << 10

// ExtractText reads PDF bytes and returns plain text using ledongthuc/pdf.
func ExtractText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	for page := 1; page <= doc.NumPage(); page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return strings.TrimSpace(builder.String()), nil
}

// ExtractFromReader drains r before passing along to ExtractText.
func ExtractFromReader(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	return ExtractText(data)
}

// Attach stores the extracted text under DataKey, truncating long reports.
func Attach(update *model.StageUpdate, fileName, text string) {
	if update.Data == nil {
		update.Data = make(map[string]any)
	}
	truncated := false
	if len(text) > maxText {
		cut := maxText
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		truncated = true
	}
	update.Data[DataKey] = map[string]any{
		"file":      filepath.Base(fileName),
		"text":      text,
		"truncated": truncated,
	}
}
