package extract

import (
	"uisassist-backend/internal/components/telemetry"

	"github.com/PuerkitoBio/goquery"
)

// Strategy is one named heuristic for pulling something out of a page. The
// portal changes its markup without notice, so every heuristic is kept as data
// and tried in a fixed priority order instead of being buried in nested ifs.
type Strategy[T any] struct {
	Name string
	// Fragile marks strategies known to depend on markup details that have
	// changed in the past.
	Fragile bool
	Run     func(root *goquery.Selection) (T, bool)
}

// RunStrategies runs the strategies in order and returns the result of the
// first one that succeeds together with its name. Later strategies never run
// once an earlier one succeeded.
func RunStrategies[T any](tel telemetry.API, root *goquery.Selection, strategies []Strategy[T]) (result T, name string, ok bool) {
	for _, s := range strategies {
		out, ok := s.Run(root)
		if !ok {
			tel.ReportDebug("strategy declined", s.Name)
			continue
		}
		if s.Fragile {
			tel.ReportDebug("fragile strategy matched", s.Name)
		}
		return out, s.Name, true
	}
	var zero T
	return zero, "", false
}

// RowTier returns a strategy that selects rows with a css selector and
// succeeds when at least one row has minCells or more cells.
func RowTier(name, selector string, minCells int, fragile bool) Strategy[*goquery.Selection] {
	return Strategy[*goquery.Selection]{
		Name:    name,
		Fragile: fragile,
		Run: func(root *goquery.Selection) (*goquery.Selection, bool) {
			rows := root.Find(selector).FilterFunction(func(_ int, row *goquery.Selection) bool {
				return row.Children().Filter("td").Length() >= minCells
			})
			return rows, rows.Length() > 0
		},
	}
}
