// Package compose renders merged records into PDF documents. Template
// geometry is millimeters from the top-left corner; fields are drawn
// either over an imported base document or onto a blank page.
package compose

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jung-kurt/gofpdf"
	"github.com/jung-kurt/gofpdf/contrib/gofpdi"
	"go.uber.org/zap"

	"correo/internal/logging"
	"correo/internal/types"
)

// mmPerPt converts font sizes (points) into the page unit.
const mmPerPt = 1.0 / 2.83465

// lineSpacing is the multiplier applied to the font size for line height.
const lineSpacing = 1.2

// coreFonts maps template font names onto the PDF core fonts.
var coreFonts = map[string]string{
	"helvetica":       "Helvetica",
	"arial":           "Helvetica",
	"times":           "Times",
	"times new roman": "Times",
	"courier":         "Courier",
}

// Composer renders one record per call. Safe for concurrent use.
type Composer struct {
	pageW float64 // mm
	pageH float64
	cache *BaseCache
	log   *zap.Logger

	// The gofpdi import bridge keeps package-level state, so imports
	// from concurrent renders must not interleave.
	importMu sync.Mutex
}

// NewComposer returns a composer for the given page size in millimeters.
func NewComposer(pageWidthMM, pageHeightMM float64, cache *BaseCache, log *zap.Logger) *Composer {
	if log == nil {
		log = zap.NewNop()
	}
	if cache == nil {
		cache = NewBaseCache(8)
	}
	return &Composer{pageW: pageWidthMM, pageH: pageHeightMM, cache: cache, log: log}
}

// Render composes the document for one record and writes it to outPath.
// On any failure nothing is left at outPath. Returns the sha256 of the
// written bytes.
func (c *Composer) Render(tpl *types.Template, rec *types.MergedRecord, outPath string) (string, error) {
	timer := logging.StartTimer(logging.CategoryCompose, fmt.Sprintf("render record %d", rec.ID))
	defer timer.Stop()

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		UnitStr: "mm",
		Size:    gofpdf.SizeType{Wd: c.pageW, Ht: c.pageH},
	})
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(0, 0, 0)
	pdf.SetTitle(tpl.Name, true)
	pdf.SetCreator("correo", true)
	pdf.AddPage()

	if tpl.BasePath != "" {
		if err := c.stampBase(pdf, tpl.BasePath); err != nil {
			return "", err
		}
	}

	tr := pdf.UnicodeTranslatorFromDescriptor("")
	res := newResolver(rec)
	for i := range tpl.Fields {
		f := &tpl.Fields[i]
		if !f.Active {
			continue
		}
		c.drawField(pdf, tr, res, f)
	}

	if pdf.Err() {
		return "", fmt.Errorf("render failed for record %d: %w", rec.ID, pdf.Error())
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return "", fmt.Errorf("pdf output failed for record %d: %w", rec.ID, err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	// Write to a sibling temp file and rename so a crash mid-write never
	// leaves a truncated document under the final name.
	tmp := outPath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize %s: %w", outPath, err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// stampBase draws page 1 of the base document across the whole page.
func (c *Composer) stampBase(pdf *gofpdf.Fpdf, basePath string) error {
	data, err := c.cache.Get(basePath)
	if err != nil {
		return err
	}

	c.importMu.Lock()
	defer c.importMu.Unlock()
	var rs io.ReadSeeker = bytes.NewReader(data)
	tplID := gofpdi.ImportPageFromStream(pdf, &rs, 1, "/MediaBox")
	gofpdi.UseImportedTemplate(pdf, tplID, 0, 0, c.pageW, c.pageH)
	return nil
}

func (c *Composer) drawField(pdf *gofpdf.Fpdf, tr func(string) string, res *resolver, f *types.Field) {
	c.applyStyle(pdf, &f.Style)
	lineH := f.Style.Size * mmPerPt * lineSpacing

	if f.Kind == types.FieldTable {
		c.drawTable(pdf, tr, res, f)
		return
	}

	text := res.fieldText(f)
	pdf.SetXY(f.X, f.Y)
	pdf.MultiCell(f.Width, lineH, tr(text), "", alignCode(f.Style.Align), false)
}

func (c *Composer) drawTable(pdf *gofpdf.Fpdf, tr func(string) string, res *resolver, f *types.Field) {
	t := f.Table
	cellW := f.Width / float64(t.Cols)
	cellH := f.Height / float64(t.Rows)

	content := make(map[[2]int]string, len(t.Cells))
	for _, cell := range t.Cells {
		content[[2]int{cell.Row, cell.Col}] = res.components(cell.Components)
	}

	// Every grid position gets a bordered cell even when empty, so the
	// table reads as a table on paper.
	for row := 0; row < t.Rows; row++ {
		for col := 0; col < t.Cols; col++ {
			pdf.SetXY(f.X+float64(col)*cellW, f.Y+float64(row)*cellH)
			pdf.CellFormat(cellW, cellH, tr(content[[2]int{row, col}]),
				"1", 0, alignCode(f.Style.Align), false, 0, "")
		}
	}
}

func (c *Composer) applyStyle(pdf *gofpdf.Fpdf, st *types.Style) {
	family := coreFonts[strings.ToLower(strings.TrimSpace(st.Font))]
	if family == "" {
		family = "Helvetica"
	}
	var styleStr string
	if st.Bold {
		styleStr += "B"
	}
	if st.Italic {
		styleStr += "I"
	}
	size := st.Size
	if size <= 0 {
		size = 10
	}
	pdf.SetFont(family, styleStr, size)

	r, g, b := parseHexColor(st.Color)
	pdf.SetTextColor(r, g, b)
}

func alignCode(a types.Alignment) string {
	switch a {
	case types.AlignCenter:
		return "C"
	case types.AlignRight:
		return "R"
	case types.AlignJustify:
		return "J"
	default:
		return "L"
	}
}

// parseHexColor reads #RRGGBB; anything unparseable renders black.
func parseHexColor(s string) (r, g, b int) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, 0, 0
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	return int(v >> 16 & 0xFF), int(v >> 8 & 0xFF), int(v & 0xFF)
}
