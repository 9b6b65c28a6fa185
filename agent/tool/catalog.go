package tool

import (
	"context"
	"fmt"
	"strings"

	catalogx "github.com/garage52/autoservice-agent/agent/catalog"
	contractx "github.com/garage52/autoservice-agent/agent/contract"
)

const (
	ToolFindServices       = "find_services"
	ToolListCategories     = "list_categories"
	ToolServicesInCategory = "services_in_category"
)

// maxMatches caps how many services one find_services call reports back.
const maxMatches = 5

const unavailableText = "Прайс-лист временно недоступен. Попробуйте задать вопрос позже."

// Executor runs one tool call. It never returns an error for tool-level
// problems: unknown tools, bad arguments and an unloaded catalog all come
// back as textual results so the model can recover conversationally.
type Executor func(ctx context.Context, tool string, args map[string]any) contractx.ToolResult

// BuildTools returns the tool schemas exposed to the model and the executor
// backing them with the given catalog store.
func BuildTools(store *catalogx.Store) ([]contractx.ToolInfo, Executor) {
	return toolInfos(), NewExecutor(store)
}

func NewExecutor(store *catalogx.Store) Executor {
	return func(ctx context.Context, tool string, args map[string]any) contractx.ToolResult {
		switch tool {
		case ToolFindServices:
			query, ok := stringArg(args, "query")
			if !ok {
				return contractx.ToolResult{Tool: tool, Content: "Ошибка: аргумент query обязателен и должен быть строкой."}
			}
			return contractx.ToolResult{Tool: tool, Content: findServices(store, query)}
		case ToolListCategories:
			return contractx.ToolResult{Tool: tool, Content: listCategories(store)}
		case ToolServicesInCategory:
			category, ok := stringArg(args, "category")
			if !ok {
				return contractx.ToolResult{Tool: tool, Content: "Ошибка: аргумент category обязателен и должен быть строкой."}
			}
			return contractx.ToolResult{Tool: tool, Content: servicesInCategory(store, category)}
		default:
			return contractx.ToolResult{
				Tool:    tool,
				Content: fmt.Sprintf("Инструмент %q не существует. Доступны: %s, %s, %s.", tool, ToolFindServices, ToolListCategories, ToolServicesInCategory),
			}
		}
	}
}

func findServices(store *catalogx.Store, query string) string {
	if store.Snapshot() == nil {
		return unavailableText
	}

	matches := store.Search(query)
	if len(matches) == 0 {
		return fmt.Sprintf("Услуги по запросу %q не найдены в прайс-листе.", query)
	}
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Найдено по запросу %q:\n", query)
	for _, svc := range matches {
		fmt.Fprintf(&b, "- %s: %s %s", svc.Name, formatPrice(svc.Price), svc.Unit)
		if svc.Description != "" {
			fmt.Fprintf(&b, " (%s)", svc.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func listCategories(store *catalogx.Store) string {
	if store.Snapshot() == nil {
		return unavailableText
	}

	categories := store.Categories()
	if len(categories) == 0 {
		return unavailableText
	}

	total := 0
	var b strings.Builder
	b.WriteString("Доступные категории услуг:\n")
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s (%d)\n", c.Category, c.Count)
		total += c.Count
	}
	fmt.Fprintf(&b, "Всего: %d услуг в %d категориях", total, len(categories))
	return b.String()
}

func servicesInCategory(store *catalogx.Store, category string) string {
	if store.Snapshot() == nil {
		return unavailableText
	}

	services := store.ByCategory(category)
	if len(services) == 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "Категория %q не найдена.\nДоступные категории:\n", category)
		for _, c := range store.Categories() {
			fmt.Fprintf(&b, "- %s\n", c.Category)
		}
		return strings.TrimRight(b.String(), "\n")
	}

	var b strings.Builder
	current := ""
	for _, svc := range services {
		if svc.Category != current {
			current = svc.Category
			fmt.Fprintf(&b, "%s:\n", current)
		}
		fmt.Fprintf(&b, "- %s: %s %s\n", svc.Name, formatPrice(svc.Price), svc.Unit)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPrice(price float64) string {
	if price == float64(int64(price)) {
		return fmt.Sprintf("%d", int64(price))
	}
	return fmt.Sprintf("%.2f", price)
}

func stringArg(args map[string]any, key string) (string, bool) {
	raw, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return strings.TrimSpace(s), true
}

func toolInfos() []contractx.ToolInfo {
	return []contractx.ToolInfo{
		{
			Name: ToolFindServices,
			Desc: "Поиск услуг автосервиса в прайс-листе по ключевым словам. Используй точные слова из сообщения клиента, не перефразируй сокращения (ДВС, КПП, ГРМ).",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Поисковый запрос, например \"замена масла\" или \"диагностика двигателя\"",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name: ToolListCategories,
			Desc: "Список всех категорий услуг автосервиса с количеством услуг. Используй для общих вопросов вида \"какие услуги есть?\".",
			Params: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		{
			Name: ToolServicesInCategory,
			Desc: "Все услуги конкретной категории с ценами. Используй для вопросов об одной категории, например \"что по тормозам?\".",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{
						"type":        "string",
						"description": "Название категории или его часть, например \"подвеск\"",
					},
				},
				"required": []string{"category"},
			},
		},
	}
}
