package postgres

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NUMERIC columns travel as text in both directions so no precision is lost
// to float conversion.

func numArg(d decimal.Decimal) string {
	return d.String()
}

func parseNum(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("postgres: parse %s %q: %w", column, s, err)
	}
	return d, nil
}

// numScanner collects text-encoded NUMERIC columns and converts them after
// the row scan.
type numScanner struct {
	raw  []*string
	dst  []*decimal.Decimal
	cols []string
}

func (n *numScanner) col(name string, dst *decimal.Decimal) *string {
	s := new(string)
	n.raw = append(n.raw, s)
	n.dst = append(n.dst, dst)
	n.cols = append(n.cols, name)
	return s
}

func (n *numScanner) apply() error {
	for i, s := range n.raw {
		d, err := parseNum(n.cols[i], *s)
		if err != nil {
			return err
		}
		*n.dst[i] = d
	}
	return nil
}
