package extraction

import (
	"strings"
	"testing"

	"github.com/antchfx/htmlquery"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/portalrelay/internal/platform"
	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

func earningsHTML(rows [][2]string, total string) string {
	var b strings.Builder
	b.WriteString(`<html><body><table data-testid="earnings-table"><thead><tr><th>Motorista</th><th>Líquido</th></tr></thead><tbody>`)
	for _, r := range rows {
		b.WriteString("<tr><td>" + r[0] + "</td><td>12 viagens</td><td>" + r[1] + "</td></tr>")
	}
	b.WriteString("</tbody></table>")
	if total != "" {
		b.WriteString(`<div data-testid="earnings-total">` + total + `</div>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func parse(t *testing.T, src string) (*Table, error) {
	t.Helper()
	doc, err := htmlquery.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return ParseEarnings(doc, platform.Defaults()["uber"].Extraction)
}

func TestParseEarnings(t *testing.T) {
	table, err := parse(t, earningsHTML([][2]string{
		{"  João   da Silva ", "R$ 1.234,56"},
		{"Maria Souza", "R$ 980,00"},
	}, "R$ 2.214,56"))
	require.NoError(t, err)

	want := []models.DriverEarning{
		{Nome: "João da Silva", RendimentosLiquidos: 123456},
		{Nome: "Maria Souza", RendimentosLiquidos: 98000},
	}
	if diff := cmp.Diff(want, table.Drivers); diff != "" {
		t.Fatalf("drivers mismatch (-want +got):\n%s", diff)
	}
	require.NotNil(t, table.DisplayedTotal)
	assert.Equal(t, models.Amount(221456), *table.DisplayedTotal)
}

func TestParseEarningsEmptyTable(t *testing.T) {
	table, err := parse(t, earningsHTML(nil, ""))
	require.NoError(t, err)
	assert.Empty(t, table.Drivers)
	assert.Nil(t, table.DisplayedTotal)
}

func TestParseEarningsFailures(t *testing.T) {
	_, err := parse(t, `<html><body><p>Nothing here</p></body></html>`)
	assert.ErrorContains(t, err, "not found")

	_, err = parse(t, earningsHTML([][2]string{{"Ana", "R$ 1,00"}, {"Bia", "--"}}, ""))
	assert.ErrorContains(t, err, "row 2")

	_, err = parse(t, earningsHTML([][2]string{{" ", "R$ 1,00"}}, ""))
	assert.ErrorContains(t, err, "empty driver name")
}
