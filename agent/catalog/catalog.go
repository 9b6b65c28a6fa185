package catalog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/garage52/autoservice-agent/agent/contract"
)

// Loader fetches raw price-list rows from the external source.
// Row layout follows the sheet: category, name, price, note.
type Loader interface {
	Fetch(ctx context.Context) ([][]string, error)
}

// Service is one normalized price-list entry.
type Service struct {
	Category    string  `json:"category"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Unit        string  `json:"unit"`
}

// Snapshot is an immutable view of the whole catalog at load time.
type Snapshot struct {
	Services []Service
	LoadedAt time.Time
	Skipped  int
}

// CategoryCount pairs a category name with its service count.
type CategoryCount struct {
	Category string
	Count    int
}

const defaultUnit = "руб."

// Store owns the current catalog snapshot. Refresh replaces the snapshot
// atomically; readers always observe a complete one.
type Store struct {
	loader Loader
	snap   atomic.Pointer[Snapshot]
	now    func() time.Time
}

func NewStore(loader Loader) *Store {
	return &Store{
		loader: loader,
		now:    time.Now,
	}
}

// Refresh pulls rows from the loader, normalizes them and swaps in a new
// snapshot. A failing loader or a fully unusable sheet leaves the previous
// snapshot in place and reports ErrCatalogUnavailable.
func (s *Store) Refresh(ctx context.Context) error {
	if s.loader == nil {
		return fmt.Errorf("%w: no loader configured", contractx.ErrCatalogUnavailable)
	}

	rows, err := s.loader.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", contractx.ErrCatalogUnavailable, err)
	}

	services, skipped := normalizeRows(rows)
	if len(services) == 0 {
		return fmt.Errorf("%w: source returned no usable rows", contractx.ErrCatalogUnavailable)
	}

	snap := &Snapshot{
		Services: services,
		LoadedAt: s.now().UTC(),
		Skipped:  skipped,
	}
	s.snap.Store(snap)

	log.Info().
		Int("services", len(services)).
		Int("skipped", skipped).
		Msg("catalog refreshed")
	return nil
}

// Snapshot returns the current snapshot, or nil before the first successful
// refresh.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Search matches query case-insensitively against service names and
// descriptions. Name matches rank before description-only matches; within
// a rank the catalog order is kept. Returns an empty slice when nothing
// matches or no snapshot is loaded.
func (s *Store) Search(query string) []Service {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}

	var byName, byDesc []Service
	for _, svc := range snap.Services {
		switch {
		case strings.Contains(strings.ToLower(svc.Name), needle):
			byName = append(byName, svc)
		case strings.Contains(strings.ToLower(svc.Description), needle):
			byDesc = append(byDesc, svc)
		}
	}
	return append(byName, byDesc...)
}

// Categories lists every category with its service count, sorted by name.
func (s *Store) Categories() []CategoryCount {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}

	counts := make(map[string]int)
	for _, svc := range snap.Services {
		counts[svc.Category]++
	}

	out := make([]CategoryCount, 0, len(counts))
	for category, count := range counts {
		out = append(out, CategoryCount{Category: category, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Category < out[j].Category
	})
	return out
}

// ByCategory returns all services whose category contains the given text,
// case-insensitively, in catalog order.
func (s *Store) ByCategory(category string) []Service {
	snap := s.snap.Load()
	if snap == nil {
		return nil
	}

	needle := strings.ToLower(strings.TrimSpace(category))
	if needle == "" {
		return nil
	}

	var out []Service
	for _, svc := range snap.Services {
		if strings.Contains(strings.ToLower(svc.Category), needle) {
			out = append(out, svc)
		}
	}
	return out
}

// normalizeRows turns raw sheet rows into services. The category cell is
// sparse in the sheet and inherits downward. Rows without a name or a
// parseable price are dropped and counted.
func normalizeRows(rows [][]string) ([]Service, int) {
	var (
		services        []Service
		skipped         int
		currentCategory string
	)

	for _, row := range rows {
		category := cell(row, 0)
		name := cell(row, 1)
		rawPrice := cell(row, 2)
		note := cell(row, 3)

		if category != "" {
			currentCategory = category
		}
		if name == "" || rawPrice == "" {
			continue
		}

		price, err := parsePrice(rawPrice)
		if err != nil {
			skipped++
			log.Warn().Str("name", name).Str("price", rawPrice).Msg("catalog row dropped")
			continue
		}

		cat := currentCategory
		if cat == "" {
			cat = "Без категории"
		}

		services = append(services, Service{
			Category:    cat,
			Name:        name,
			Description: note,
			Price:       price,
			Unit:        defaultUnit,
		})
	}
	return services, skipped
}

func cell(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parsePrice(raw string) (float64, error) {
	cleaned := strings.NewReplacer(",", ".", " ", "", " ", "").Replace(raw)
	price, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return price, nil
}
