// Package render turns OCR result documents into the HTML overlay viewer.
//
// The page geometry comes straight from the OCR result: each text block is
// absolutely positioned over the page image using the pixel box the model
// reported, scaled by the page dimensions into percentages so the overlay
// survives responsive resizing.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strconv"
	"strings"
)

// Result is the OCR result document shape the renderer consumes.
type Result struct {
	Version   string  `json:"version"`
	ImgWidth  float64 `json:"img_width"`
	ImgHeight float64 `json:"img_height"`
	Blocks    []Block `json:"blocks"`
}

// Block is one recognized text region on a page.
type Block struct {
	// Box is [xmin, ymin, xmax, ymax] in page pixels.
	Box      [4]float64 `json:"box"`
	Vertical bool       `json:"vertical"`
	FontSize float64    `json:"font_size"`
	Lines    []string   `json:"lines"`
}

// Renderer builds the overlay document. PageHTML renders a single page
// fragment; Render wraps fragments into a complete document under the given
// title.
type Renderer interface {
	PageHTML(result json.RawMessage, imagePath string) (template.HTML, error)
	Render(pages []template.HTML, title string) (string, error)
}

// TitleSuffix is appended to client-supplied document titles.
const TitleSuffix = " | mokuro"

var pageTemplate = template.Must(template.New("page").Parse(`<div class="page">
<div class="pageContainer" style="width:{{printf "%.0f" .Width}}px;height:{{printf "%.0f" .Height}}px;background-image:url('{{.Image}}')">
{{- range .Boxes}}
<div class="textBox{{if .Vertical}} vertical{{end}}" style="left:{{.Left}}%;top:{{.Top}}%;width:{{.W}}%;height:{{.H}}%;font-size:{{printf "%.0f" .FontSize}}px">
{{- range .Lines}}
<p>{{.}}</p>
{{- end}}
</div>
{{- end}}
</div>
</div>`))

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<link rel="stylesheet" href="/static/styles.css">
</head>
<body>
<div id="pagesContainer">
{{- range .Pages}}
{{.}}
{{- end}}
</div>
<script src="/static/script.js"></script>
</body>
</html>
`))

type pageData struct {
	Image  string
	Width  float64
	Height float64
	Boxes  []boxData
}

type boxData struct {
	Vertical bool
	FontSize float64
	Left     string
	Top      string
	W        string
	H        string
	Lines    []string
}

// HTMLRenderer is the built-in Renderer backed by html/template.
type HTMLRenderer struct{}

// NewHTML creates the default renderer.
func NewHTML() *HTMLRenderer {
	return &HTMLRenderer{}
}

// PageHTML renders the overlay fragment for one page.
func (r *HTMLRenderer) PageHTML(result json.RawMessage, imagePath string) (template.HTML, error) {
	var doc Result
	if err := json.Unmarshal(result, &doc); err != nil {
		return "", fmt.Errorf("invalid OCR result: %w", err)
	}
	if doc.ImgWidth <= 0 || doc.ImgHeight <= 0 {
		return "", fmt.Errorf("OCR result missing page dimensions")
	}

	data := pageData{
		Image:  imagePath,
		Width:  doc.ImgWidth,
		Height: doc.ImgHeight,
	}
	for _, block := range doc.Blocks {
		data.Boxes = append(data.Boxes, boxData{
			Vertical: block.Vertical,
			FontSize: block.FontSize,
			Left:     percent(block.Box[0], doc.ImgWidth),
			Top:      percent(block.Box[1], doc.ImgHeight),
			W:        percent(block.Box[2]-block.Box[0], doc.ImgWidth),
			H:        percent(block.Box[3]-block.Box[1], doc.ImgHeight),
			Lines:    block.Lines,
		})
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering page: %w", err)
	}
	return template.HTML(buf.String()), nil
}

// Render assembles page fragments into a complete document. The title is
// used verbatim; callers append TitleSuffix themselves.
func (r *HTMLRenderer) Render(pages []template.HTML, title string) (string, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		Title string
		Pages []template.HTML
	}{Title: title, Pages: pages})
	if err != nil {
		return "", fmt.Errorf("rendering document: %w", err)
	}
	return buf.String(), nil
}

func percent(value, total float64) string {
	s := strconv.FormatFloat(value/total*100, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
