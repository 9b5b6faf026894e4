// Package export renders a tenant's tickets as a spreadsheet and delivers
// it to an accountant's drop box.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/ycm360/cafemx/internal/model"
)

// SheetName is the worksheet that holds the tickets.
const SheetName = "Tickets"

// Header is the column order of every export.
var Header = []string{
	"id", "fecha", "emisor", "rfc_emisor", "concepto", "categoria",
	"subtotal", "iva", "total", "confidence", "status", "api_provider",
	"image_url", "created_by", "created_at",
}

// Format is an export file format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ParseFormat maps a user-supplied name to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatXLSX, "":
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", eris.Errorf("export: unknown format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// Filename returns the download name for a tenant's export.
func Filename(slug string, f Format, at time.Time) string {
	return "tickets-" + slug + "-" + at.UTC().Format("2006-01") + "." + string(f)
}

// Write renders tickets in format f to w.
func Write(w io.Writer, f Format, tickets []model.Ticket) error {
	switch f {
	case FormatCSV:
		return WriteCSV(w, tickets)
	default:
		return WriteXLSX(w, tickets)
	}
}

// WriteXLSX writes tickets as a single-sheet workbook. Amounts and
// confidence are numeric cells; absent fields are left blank.
func WriteXLSX(w io.Writer, tickets []model.Ticket) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range Header {
		header.AddCell().SetString(h)
	}

	for _, t := range tickets {
		row := sheet.AddRow()
		r := t.Result
		row.AddCell().SetString(t.ID)
		row.AddCell().SetString(deref(r.Date))
		row.AddCell().SetString(deref(r.IssuerName))
		row.AddCell().SetString(deref(r.IssuerTaxID))
		row.AddCell().SetString(deref(r.Description))
		row.AddCell().SetString(category(r.Category))
		addAmount(row, r.Subtotal)
		addAmount(row, r.Tax)
		addAmount(row, r.Total)
		row.AddCell().SetFloat(r.Confidence)
		row.AddCell().SetString(string(t.Status))
		row.AddCell().SetString(r.Provider)
		row.AddCell().SetString(t.ImageURL)
		row.AddCell().SetString(t.CreatedBy)
		row.AddCell().SetString(t.CreatedAt.UTC().Format(time.RFC3339))
	}

	return eris.Wrap(f.Write(w), "export: write workbook")
}

// WriteCSV writes tickets as comma-separated rows with a header.
func WriteCSV(w io.Writer, tickets []model.Ticket) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "export: write header")
	}
	for _, t := range tickets {
		r := t.Result
		rec := []string{
			t.ID,
			deref(r.Date),
			deref(r.IssuerName),
			deref(r.IssuerTaxID),
			deref(r.Description),
			category(r.Category),
			amount(r.Subtotal),
			amount(r.Tax),
			amount(r.Total),
			strconv.FormatFloat(r.Confidence, 'f', 2, 64),
			string(t.Status),
			r.Provider,
			t.ImageURL,
			t.CreatedBy,
			t.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrap(err, "export: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

func addAmount(row *xlsx.Row, v *float64) {
	c := row.AddCell()
	if v != nil {
		c.SetFloatWithFormat(*v, "#,##0.00")
	}
}

func amount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func category(c *model.Category) string {
	if c == nil {
		return ""
	}
	return string(*c)
}
