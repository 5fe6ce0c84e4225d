// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package analyzer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kraklabs/notebook/pkg/guard"
)

const summaryMaxChars = 500

// TextAnalyzer extracts document metadata, content and analysis fields from
// PDF, HTML, DOCX, RTF, markdown and plain text files.
type TextAnalyzer struct {
	limits guard.Limits
	logger *slog.Logger
}

// NewTextAnalyzer creates a TextAnalyzer bounded by limits.
func NewTextAnalyzer(limits guard.Limits, logger *slog.Logger) *TextAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextAnalyzer{limits: limits, logger: logger}
}

// Name implements Analyzer.
func (a *TextAnalyzer) Name() string { return "text" }

// document is the raw text of a file plus whatever metadata its format
// carries.
type document struct {
	title     string
	author    string
	date      string
	pageCount int
	text      string
	markdown  bool
}

// Analyze implements Analyzer.
func (a *TextAnalyzer) Analyze(ctx context.Context, in Input) (Output, error) {
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(in.Path)), ".")
	var (
		doc *document
		err error
	)
	switch format {
	case "pdf":
		doc, err = a.readPDF(ctx, in.Path)
	case "html", "htm":
		doc, err = a.readHTML(in.Path)
	case "docx":
		doc, err = a.readDOCX(in.Path)
	case "rtf":
		doc, err = a.readPlain(in.Path)
		if err == nil {
			doc.text = stripRTF(doc.text)
		}
	case "md", "markdown":
		doc, err = a.readPlain(in.Path)
		if err == nil {
			doc.markdown = true
			if m := mdTitleRe.FindStringSubmatch(doc.text); m != nil {
				doc.title = strings.TrimSpace(m[1])
			}
		}
	case "txt", "":
		doc, err = a.readPlain(in.Path)
	default:
		return nil, fmt.Errorf("%w: text format %q", ErrUnsupported, format)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.RelPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if doc.title == "" {
		doc.title = strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))
	}
	out := analyzeText(doc)
	out["doc.format"] = format
	if doc.pageCount > 0 {
		out["doc.page_count"] = doc.pageCount
	}
	return out, nil
}

func (a *TextAnalyzer) readPlain(path string) (*document, error) {
	data, err := readFile(path, a.limits.MaxTextBytes)
	if err != nil {
		return nil, err
	}
	return &document{text: strings.ToValidUTF8(string(data), "")}, nil
}

func (a *TextAnalyzer) readHTML(path string) (*document, error) {
	data, err := readFile(path, a.limits.MaxTextBytes)
	if err != nil {
		return nil, err
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc := &document{title: htmlTitle(root), text: htmlText(root)}
	if author := htmlMeta(root, "author"); author != "" {
		doc.author = author
	}
	return doc, nil
}

func htmlTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := htmlTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func htmlMeta(n *html.Node, name string) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Meta {
		var key, content string
		for _, attr := range n.Attr {
			switch attr.Key {
			case "name":
				key = strings.ToLower(attr.Val)
			case "content":
				content = attr.Val
			}
		}
		if key == name {
			return strings.TrimSpace(content)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if v := htmlMeta(c, name); v != "" {
			return v
		}
	}
	return ""
}

// htmlText collects visible text, one block element per line.
func htmlText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head:
				return
			case atom.P, atom.Div, atom.Li, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Tr, atom.Br, atom.Pre:
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func (a *TextAnalyzer) readDOCX(path string) (*document, error) {
	if _, err := readFileSize(path, a.limits.MaxTextBytes); err != nil {
		return nil, err
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	doc := &document{}
	var body *zip.File
	for _, f := range r.File {
		switch f.Name {
		case "word/document.xml":
			body = f
		case "docProps/core.xml":
			if err := readCoreProps(f, doc); err != nil {
				a.logger.Debug("analyzer.text.docx_core_props", "path", path, "err", err)
			}
		}
	}
	if body == nil {
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}
	rc, err := body.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	var src io.Reader = rc
	if a.limits.MaxTextBytes > 0 {
		src = io.LimitReader(rc, a.limits.MaxTextBytes*4)
	}
	var sb strings.Builder
	dec := xml.NewDecoder(src)
	inText := false
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	doc.text = sb.String()
	return doc, nil
}

func readCoreProps(f *zip.File, doc *document) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	var props struct {
		Title   string `xml:"title"`
		Creator string `xml:"creator"`
		Created string `xml:"created"`
	}
	if err := xml.NewDecoder(rc).Decode(&props); err != nil {
		return err
	}
	doc.title = strings.TrimSpace(props.Title)
	doc.author = strings.TrimSpace(props.Creator)
	doc.date = strings.TrimSpace(props.Created)
	return nil
}

func (a *TextAnalyzer) readPDF(ctx context.Context, path string) (*document, error) {
	if _, err := readFileSize(path, a.limits.MaxPDFBytes); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pdf, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}
	if maxPages := a.limits.MaxPDFPagesPerFile; maxPages > 0 && pdf.PageCount > maxPages {
		return nil, &guard.LimitError{
			Kind:   guard.ErrSizeLimitExceeded,
			What:   "pdf pages",
			Limit:  int64(maxPages),
			Actual: int64(pdf.PageCount),
			Path:   path,
		}
	}

	// Context embeds both Configuration and XRefTable, which each declare
	// CreationDate.
	xt := pdf.XRefTable
	doc := &document{
		title:     firstNonEmpty(strings.TrimSpace(xt.Title), pdfInfoString(xt, "Title")),
		author:    firstNonEmpty(strings.TrimSpace(xt.Author), pdfInfoString(xt, "Author")),
		date:      firstNonEmpty(strings.TrimSpace(xt.CreationDate), pdfInfoString(xt, "CreationDate")),
		pageCount: pdf.PageCount,
	}
	var sb strings.Builder
	for page := 1; page <= pdf.PageCount; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := pdfcpu.ExtractPageContent(pdf, page)
		if err != nil || r == nil {
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		if t := pdfStreamText(data); t != "" {
			sb.WriteString(t)
			sb.WriteByte('\n')
		}
	}
	doc.text = sb.String()
	return doc, nil
}

// pdfInfoString reads key from the document information dictionary.
func pdfInfoString(xt *model.XRefTable, key string) string {
	if xt == nil || xt.Info == nil {
		return ""
	}
	d, err := xt.DereferenceDict(*xt.Info)
	if err != nil || d == nil {
		return ""
	}
	o, ok := d.Find(key)
	if !ok {
		return ""
	}
	v, err := xt.DereferenceStringOrHexLiteral(o, model.V10, nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// pdfStreamText pulls show-text operands out of a page content stream.
func pdfStreamText(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")), bytes.HasSuffix(line, []byte("'")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			sb.WriteByte(' ')
		case bytes.Equal(line, []byte("T*")), bytes.Equal(line, []byte("ET")):
			sb.WriteByte('\n')
		}
	}
	return strings.TrimSpace(sb.String())
}

func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		default:
			if c >= '0' && c <= '7' {
				val := int(c - '0')
				for j := 0; j < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; j++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(c)
			}
		}
	}
	return sb.String()
}

var (
	rtfGroupRe   = regexp.MustCompile(`\{\\\*[^{}]*\}`)
	rtfHexRe     = regexp.MustCompile(`\\'[0-9a-fA-F]{2}`)
	rtfParRe     = regexp.MustCompile(`\\(par|line)\b ?`)
	rtfControlRe = regexp.MustCompile(`\\[a-zA-Z]+-?\d* ?`)
	rtfHeaderRe  = regexp.MustCompile(`\{\\(fonttbl|colortbl|stylesheet|info)[^{}]*(\{[^{}]*\}[^{}]*)*\}`)
)

// stripRTF drops control words and groups, keeping the text runs.
func stripRTF(s string) string {
	s = rtfHeaderRe.ReplaceAllString(s, "")
	s = rtfGroupRe.ReplaceAllString(s, "")
	s = rtfParRe.ReplaceAllString(s, "\n")
	s = rtfHexRe.ReplaceAllString(s, "")
	s = rtfControlRe.ReplaceAllString(s, "")
	s = strings.NewReplacer(`\{`, "{", `\}`, "}", `\\`, `\`, "{", "", "}", "").Replace(s)
	return strings.TrimSpace(s)
}

func readFileSize(path string, limit int64) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if limit > 0 && info.Size() > limit {
		return 0, &guard.LimitError{Kind: guard.ErrSizeLimitExceeded, What: "file bytes", Limit: limit, Actual: info.Size(), Path: path}
	}
	return info.Size(), nil
}

var (
	mdTitleRe       = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	mdSyntaxRe      = regexp.MustCompile("[#*`\\[\\]()]")
	whitespaceRe    = regexp.MustCompile(`\s+`)
	capPhraseRe     = regexp.MustCompile(`\b[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)*\b`)
	entityRe        = regexp.MustCompile(`\b[A-Z][a-z]+(?:[ \t]+[A-Z][a-z]+)+\b`)
	snakeCaseRe     = regexp.MustCompile(`\b[a-z]+(?:_[a-z]+)+\b`)
	camelCaseRe     = regexp.MustCompile(`\b[a-z]+[A-Z][a-zA-Z]*\b`)
	acronymRe       = regexp.MustCompile(`\b[A-Z]{2,}\b`)
	docURLRe        = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
	codeBlockRe     = regexp.MustCompile("(?s)```[\\w-]*\\n(.*?)```")
	inlineCodeRe    = regexp.MustCompile("`([^`\\n]+)`")
	citationRe      = regexp.MustCompile(`\[(\d+)\]`)
	seeRefRe        = regexp.MustCompile(`(?i)\bsee\s+([A-Z][^.!?\n]+)`)
	fileRefRe       = regexp.MustCompile(`[\w./-]+\.(?:py|js|ts|java|go|rs|txt|md|pdf|csv|yaml|yml|json)\b`)
	apiPathRe       = regexp.MustCompile(`(?:^|[\s("'])(/(?:api|v\d+)(?:/[\w{}:.-]+)*)`)
	questionRe      = regexp.MustCompile(`[^.!?\n]*\?`)
	versionFieldRe  = regexp.MustCompile(`(?i)\bversion[:\s]+v?(\d+(?:\.\d+){1,2})\b|\bv(\d+\.\d+(?:\.\d+)?)\b`)
	dateFieldRe     = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	authorFieldRe   = regexp.MustCompile(`(?im)^\s*(?:author|authors|by)\s*:\s*(.+)$`)
	requirementsRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:must|shall|should|requires?|required)\s+([^.!?\n]+)[.!?]`),
		regexp.MustCompile(`(?i)\brequirements?:\s*([^.!?\n]+)`),
	}
	risksRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brisks?:\s*([^.!?\n]+)`),
		regexp.MustCompile(`(?i)\b(?:potential|possible)\s+(?:risk|issue|problem):\s*([^.!?\n]+)`),
	}
	decisionsRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bdecisions?:\s*([^.!?\n]+)`),
		regexp.MustCompile(`(?i)\b(?:we|team)\s+decided\s+(?:to|that)\s+([^.!?\n]+)`),
	}
	assumptionsRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bassum(?:e|ption)s?:\s*([^.!?\n]+)`),
		regexp.MustCompile(`(?i)\b(?:we|it is)\s+assum(?:e|ed)\s+(?:that\s+)?([^.!?\n]+)`),
	}
	constraintsRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bconstraints?:\s*([^.!?\n]+)`),
		regexp.MustCompile(`(?i)\b(?:limited|restricted)\s+(?:to|by)\s+([^.!?\n]+)`),
	}
)

// analyzeText derives the doc.* fields from extracted text.
func analyzeText(doc *document) Output {
	text := doc.text
	clean := text
	if doc.markdown {
		clean = mdSyntaxRe.ReplaceAllString(text, "")
	}

	out := Output{
		"doc.title":      doc.title,
		"doc.author":     firstNonEmpty(doc.author, firstSubmatch(authorFieldRe, text)),
		"doc.date":       firstNonEmpty(doc.date, firstSubmatch(dateFieldRe, text)),
		"doc.version":    firstSubmatch(versionFieldRe, text),
		"doc.language":   detectLanguage(clean),
		"doc.word_count": len(strings.Fields(clean)),
		"doc.summary":    summarize(clean),

		"doc.key_concepts":    keyConcepts(clean),
		"doc.technical_terms": limit(dedupe(append(snakeCaseRe.FindAllString(text, -1), camelCaseRe.FindAllString(text, -1)...)), 20),
		"doc.acronyms":        limit(dedupe(acronymRe.FindAllString(clean, -1)), 20),
		"doc.urls":            limit(dedupe(trimAll(docURLRe.FindAllString(text, -1), ".,;:)")), 20),
		"doc.code_snippets":   limit(append(submatches(codeBlockRe, text), submatches(inlineCodeRe, text)...), 10),
		"doc.entities":        limit(dedupe(entityRe.FindAllString(clean, -1)), 20),
		"doc.references":      limit(append(submatches(citationRe, text), trimAll(submatches(seeRefRe, text), " ")...), 10),
		"doc.related_files":   limit(dedupe(fileRefRe.FindAllString(text, -1)), 20),
		"doc.api_endpoints":   limit(dedupe(trimAll(submatches(apiPathRe, text), ".,;:")), 10),

		"doc.key_requirements": limit(matchAll(requirementsRes, text), 10),
		"doc.open_questions":   limit(questions(text), 10),
		"doc.risks":            limit(matchAll(risksRes, text), 10),
		"doc.decisions":        limit(matchAll(decisionsRes, text), 10),
		"doc.assumptions":      limit(matchAll(assumptionsRes, text), 10),
		"doc.constraints":      limit(matchAll(constraintsRes, text), 10),
	}
	return out
}

func summarize(text string) string {
	s := strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
	r := []rune(s)
	if len(r) <= summaryMaxChars {
		return s
	}
	return string(r[:summaryMaxChars]) + "..."
}

// keyConcepts returns capitalized phrases seen more than once, most
// frequent first.
func keyConcepts(text string) []string {
	counts := map[string]int{}
	var order []string
	for _, p := range capPhraseRe.FindAllString(text, -1) {
		p = trimDeterminer(p)
		if counts[p] == 0 {
			order = append(order, p)
		}
		counts[p]++
	}
	sort.SliceStable(order, func(i, j int) bool { return counts[order[i]] > counts[order[j]] })
	out := []string{}
	for _, p := range order {
		if counts[p] > 1 {
			out = append(out, p)
		}
	}
	return limit(out, 10)
}

var determiners = []string{"The ", "A ", "An ", "This ", "These ", "Our "}

func trimDeterminer(phrase string) string {
	for _, d := range determiners {
		if rest := strings.TrimPrefix(phrase, d); rest != phrase {
			return strings.TrimLeft(rest, " \t")
		}
	}
	return phrase
}

func questions(text string) []string {
	out := []string{}
	for _, q := range questionRe.FindAllString(text, -1) {
		q = strings.TrimSpace(q)
		if len(q) > 10 {
			out = append(out, q)
		}
	}
	return dedupe(out)
}

var englishStopwords = map[string]bool{
	"the":  true, "and": true, "of": true, "to": true, "is": true, "in": true,
	"that": true, "for": true, "with": true, "this": true, "are": true, "be": true,
}

// detectLanguage is a stopword heuristic; it only recognizes English.
func detectLanguage(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	if len(words) < 5 {
		return ""
	}
	hits := 0
	for _, w := range words {
		if englishStopwords[w] {
			hits++
		}
	}
	if float64(hits)/float64(len(words)) >= 0.05 {
		return "en"
	}
	return ""
}

func matchAll(res []*regexp.Regexp, text string) []string {
	out := []string{}
	for _, re := range res {
		out = append(out, trimAll(submatches(re, text), " ")...)
	}
	return dedupe(out)
}

// submatches returns the first non-empty capture group of every match.
func submatches(re *regexp.Regexp, text string) []string {
	out := []string{}
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g != "" {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

func firstSubmatch(re *regexp.Regexp, text string) string {
	if s := submatches(re, text); len(s) > 0 {
		return strings.TrimSpace(s[0])
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func trimAll(values []string, cutset string) []string {
	for i, v := range values {
		values[i] = strings.TrimSpace(strings.TrimRight(v, cutset))
	}
	return values
}

func limit(values []string, n int) []string {
	if values == nil {
		return []string{}
	}
	if len(values) > n {
		return values[:n]
	}
	return values
}
