package normalize

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"argus/internal/analysis"
)

// parseZapHTML scrapes the ZAP HTML report. Older scanner images only write
// the HTML form; each alert is a table whose header row carries the risk
// level and alert name.
func (r *Registry) parseZapHTML(tool analysis.Tool, report []byte) ([]analysis.Finding, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(report))
	if err != nil {
		return nil, fmt.Errorf("zap html report: %w", err)
	}

	var findings []analysis.Finding
	doc.Find("table.results").Each(func(_ int, table *goquery.Selection) {
		header := table.Find("th").First()
		risk := strings.TrimSpace(header.Text())
		name := strings.TrimSpace(header.Next().Text())
		if name == "" {
			return
		}

		var description, solution, uri string
		table.Find("tr").Each(func(_ int, row *goquery.Selection) {
			label := strings.TrimSpace(row.Find("td").First().Text())
			value := strings.TrimSpace(row.Find("td").Eq(1).Text())
			switch strings.ToLower(label) {
			case "description":
				description = value
			case "solution":
				solution = value
			case "url":
				if uri == "" {
					uri = value
				}
			}
		})

		findings = append(findings, analysis.Finding{
			Tool:     tool.Name,
			Category: tool.Category,
			Severity: r.severity(tool.Name, zapRisk(risk)),
			RuleID:   "zap-" + slugify(name),
			Message: analysis.Message{
				Title:       name,
				Description: description,
				Solution:    solution,
			},
			File: analysis.FileRef{Path: uri, LineStart: 0},
		})
	})
	return findings, nil
}

func slugify(s string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(s) {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == ' ', c == '-', c == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
