package archive

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

var (
	colorPrimary   = [3]int{30, 30, 30}
	colorRedacted  = [3]int{150, 20, 20}
	colorTextDark  = [3]int{44, 44, 44}
	colorTextMuted = [3]int{127, 127, 127}
	colorGridLine  = [3]int{210, 210, 210}
)

const (
	redactedText   = "[REDACTED]"
	omittedNotice  = "Non-Latin passages are omitted from this export; the full text remains in the archive."
	headerBanner   = "VANGUARD XENO-ARCHIVES // CLASSIFIED"
	pageNumberFont = 8
)

// ExportPDF renders an entry as an A4 document.
func ExportPDF(entry *Entry) ([]byte, error) {
	if entry == nil {
		return nil, ErrNotFound
	}

	pdf := render(entry)
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func render(entry *Entry) *fpdf.Fpdf {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.SetTitle(entry.Title, true)
	pdf.SetCreator("Vanguard", false)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	writeHeader(pdf, entry, tr)

	omitted := false
	pdf.SetFont("Courier", "", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	for _, line := range strings.Split(entry.Content, "\n") {
		text, dropped := latinOnly(line)
		if dropped {
			omitted = true
		}
		if strings.TrimSpace(text) == "" {
			if strings.TrimSpace(line) == "" {
				pdf.Ln(4)
			}
			continue
		}
		if strings.Contains(text, redactedText) {
			pdf.SetTextColor(colorRedacted[0], colorRedacted[1], colorRedacted[2])
		}
		pdf.MultiCell(0, 5, tr(text), "", "L", false)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	}

	if omitted {
		pdf.Ln(6)
		pdf.SetFont("Arial", "I", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.MultiCell(0, 4, omittedNotice, "", "L", false)
	}

	addPageNumbers(pdf)
	return pdf
}

func writeHeader(pdf *fpdf.Fpdf, entry *Entry, tr func(string) string) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetDrawColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetLineWidth(0.5)
	pdf.Line(20, 15, pageWidth-20, 15)

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 9)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 5, headerBanner, "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, entry.ID, "", 1, "R", false, 0, "")

	title, _ := latinOnly(entry.Title)
	if strings.TrimSpace(title) == "" {
		title = untitled
	}
	pdf.SetY(30)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.MultiCell(0, 8, tr(title), "", "L", false)

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, "Filed "+entry.CreatedAt.UTC().Format("2006-01-02 15:04 MST"), "", 1, "L", false, 0, "")
	pdf.Ln(6)
}

// latinOnly replaces redaction blocks with a text marker and drops runes the
// core PDF fonts cannot encode. The bool reports whether anything was dropped.
func latinOnly(s string) (string, bool) {
	var b strings.Builder
	dropped := false
	inRedaction := false
	for _, r := range s {
		if r == '█' {
			if !inRedaction {
				b.WriteString(redactedText)
				inRedaction = true
			}
			continue
		}
		inRedaction = false
		switch {
		case r < 0x100:
			b.WriteRune(r)
		case r == '‘' || r == '’':
			b.WriteByte('\'')
		case r == '“' || r == '”':
			b.WriteByte('"')
		case r == '–' || r == '—':
			b.WriteByte('-')
		case r == '…':
			b.WriteString("...")
		default:
			dropped = true
		}
	}
	return b.String(), dropped
}

func addPageNumbers(pdf *fpdf.Fpdf) {
	pdf.SetAutoPageBreak(false, 0)

	total := pdf.PageCount()
	for i := 1; i <= total; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", pageNumberFont)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, total), "", 0, "C", false, 0, "")

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)
	}
}
