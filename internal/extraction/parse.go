package extraction

import (
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/shehryarbajwa/portalrelay/internal/platform"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// Table is the parsed content of one earnings page.
type Table struct {
	Drivers []models.DriverEarning
	// DisplayedTotal is the total printed by the portal, if any.
	DisplayedTotal *models.Amount
}

// ParseEarnings reads the earnings table from a page's HTML. Any row that
// cannot be read fails the whole page.
func ParseEarnings(doc *html.Node, rules platform.ExtractionRules) (*Table, error) {
	if rules.ContainerXPath != "" {
		c, err := htmlquery.Query(doc, rules.ContainerXPath)
		if err != nil {
			return nil, fmt.Errorf("bad container xpath: %w", err)
		}
		if c == nil {
			return nil, fmt.Errorf("earnings table not found")
		}
	}

	rows, err := htmlquery.QueryAll(doc, rules.RowXPath)
	if err != nil {
		return nil, fmt.Errorf("bad row xpath: %w", err)
	}

	t := &Table{Drivers: make([]models.DriverEarning, 0, len(rows))}
	for i, row := range rows {
		nameNode, err := htmlquery.Query(row, rules.NameXPath)
		if err != nil {
			return nil, fmt.Errorf("bad name xpath: %w", err)
		}
		amountNode, err := htmlquery.Query(row, rules.AmountXPath)
		if err != nil {
			return nil, fmt.Errorf("bad amount xpath: %w", err)
		}
		if nameNode == nil || amountNode == nil {
			return nil, fmt.Errorf("row %d: missing name or amount cell", i+1)
		}
		name := cleanText(htmlquery.InnerText(nameNode))
		if name == "" {
			return nil, fmt.Errorf("row %d: empty driver name", i+1)
		}
		amount, err := ParseAmount(cleanText(htmlquery.InnerText(amountNode)), rules.DecimalSeparator)
		if err != nil {
			return nil, fmt.Errorf("row %d (%s): %w", i+1, name, err)
		}
		t.Drivers = append(t.Drivers, models.DriverEarning{Nome: name, RendimentosLiquidos: amount})
	}

	if rules.TotalXPath != "" {
		n, err := htmlquery.Query(doc, rules.TotalXPath)
		if err != nil {
			return nil, fmt.Errorf("bad total xpath: %w", err)
		}
		if n != nil {
			if total, err := ParseAmount(cleanText(htmlquery.InnerText(n)), rules.DecimalSeparator); err == nil {
				t.DisplayedTotal = &total
			}
		}
	}
	return t, nil
}

// countRows reports whether the container is present and how many rows it has.
func countRows(doc *html.Node, rules platform.ExtractionRules) (bool, int) {
	present := true
	if rules.ContainerXPath != "" {
		c, err := htmlquery.Query(doc, rules.ContainerXPath)
		present = err == nil && c != nil
	}
	rows, err := htmlquery.QueryAll(doc, rules.RowXPath)
	if err != nil {
		return present, 0
	}
	return present, len(rows)
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
