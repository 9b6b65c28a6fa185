package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	assistantx "github.com/garage52/autoservice-agent/agent/assistant"
	catalogx "github.com/garage52/autoservice-agent/agent/catalog"
	llmx "github.com/garage52/autoservice-agent/agent/llm"
	promptx "github.com/garage52/autoservice-agent/agent/prompt"
	statex "github.com/garage52/autoservice-agent/agent/state"
	toolx "github.com/garage52/autoservice-agent/agent/tool"
	configx "github.com/garage52/autoservice-agent/pkg/config"
	_ "github.com/garage52/autoservice-agent/pkg/logger/autoload"
	sheetsx "github.com/garage52/autoservice-agent/pkg/sheets"
	telegramx "github.com/garage52/autoservice-agent/pkg/telegram"
)

type AppConfig struct {
	PostgresDSN            string        `envconfig:"POSTGRES_DSN" split_words:"true"`
	DatabasePath           string        `envconfig:"DATABASE_PATH" split_words:"true" default:"data/conversations.db"`
	CatalogRefreshInterval time.Duration `envconfig:"CATALOG_REFRESH_INTERVAL" split_words:"true" default:"1h"`
}

const (
	maxReplyRunes = 4000

	welcomeText = "Привет! Я ассистент автосервиса.\n\n" +
		"Я могу ответить на вопросы о наших услугах и ценах.\n\n" +
		"Примеры вопросов:\n" +
		"- Какие услуги у вас есть?\n" +
		"- Сколько стоит диагностика двигателя?\n" +
		"- Что по ремонту подвески?\n\n" +
		"Задайте ваш вопрос!"

	helpText = "Я могу помочь с информацией об услугах автосервиса.\n\n" +
		"Доступные команды:\n" +
		"/start - Начать диалог\n" +
		"/help - Показать эту справку\n" +
		"/categories - Показать все категории услуг\n" +
		"/reset - Очистить историю диалога\n\n" +
		"Или просто напишите ваш вопрос!"

	failureText = "Извините, не удалось обработать ваш запрос. " +
		"Попробуйте ещё раз или переформулируйте вопрос."
)

type relay struct {
	bot      *telegramx.Client
	asst     *assistantx.Assistant
	store    *statex.BunStore
	executor toolx.Executor
}

func main() {
	ctx := context.Background()

	appCfg := configx.MustNew[AppConfig]("")

	sheetsCfg := configx.MustNew[sheetsx.Config]("SHEETS")
	catalogStore := catalogx.NewStore(sheetsx.MustNew(*sheetsCfg))
	if err := catalogStore.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial catalog refresh failed, lookups degrade until the next sync")
	}
	go refreshLoop(ctx, catalogStore, appCfg.CatalogRefreshInterval)

	llmCfg := configx.MustNew[llmx.Config]("LLM")
	model, err := llmx.NewClient(*llmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create model client")
	}

	store, err := openStore(ctx, *appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open conversation store")
	}
	defer store.Close()

	infos, executor := toolx.BuildTools(catalogStore)
	asst, err := assistantx.New(store, model, infos, executor, promptx.Load(), assistantx.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("create assistant")
	}

	telegramCfg := configx.MustNew[telegramx.Config]("TELEGRAM")
	r := &relay{
		bot:      telegramx.MustNew(*telegramCfg),
		asst:     asst,
		store:    store,
		executor: executor,
	}

	log.Info().Msg("telegram bot started")
	r.poll(ctx)
}

func openStore(ctx context.Context, cfg AppConfig) (*statex.BunStore, error) {
	if dsn := strings.TrimSpace(cfg.PostgresDSN); dsn != "" {
		return statex.NewPostgresStore(ctx, statex.PostgresConfig{DSN: dsn})
	}
	return statex.NewSQLiteStore(ctx, cfg.DatabasePath)
}

func (r *relay) poll(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := r.bot.GetUpdates(ctx, offset)
		if err != nil {
			log.Error().Err(err).Msg("get updates failed")
			time.Sleep(3 * time.Second)
			continue
		}

		for _, update := range updates {
			offset = update.UpdateID + 1
			if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
				continue
			}
			// Turns for distinct chats run in parallel; same-chat ordering
			// is enforced by the store's per-thread serialization.
			go r.handle(ctx, *update.Message)
		}
	}
}

func (r *relay) handle(ctx context.Context, msg telegramx.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)
	threadID := fmt.Sprintf("telegram-%d", chatID)

	log.Info().Int64("chat_id", chatID).Msg("incoming message")

	switch {
	case text == "/start":
		r.reply(ctx, chatID, welcomeText)
		return
	case text == "/help":
		r.reply(ctx, chatID, helpText)
		return
	case text == "/categories":
		result := r.executor(ctx, toolx.ToolListCategories, nil)
		r.reply(ctx, chatID, result.Content)
		return
	case text == "/reset":
		// Retention is the front-end's call; the assistant core never
		// deletes threads.
		if err := r.store.Delete(ctx, threadID); err != nil {
			log.Error().Err(err).Str("thread_id", threadID).Msg("reset failed")
			r.reply(ctx, chatID, "Не удалось очистить историю. Попробуйте позже.")
			return
		}
		r.reply(ctx, chatID, "История диалога очищена. Можем начать сначала!")
		return
	}

	if err := r.bot.SendChatAction(ctx, chatID, "typing"); err != nil {
		log.Debug().Err(err).Msg("send chat action failed")
	}

	answer, err := r.asst.HandleTurn(ctx, threadID, text)
	if err != nil {
		log.Error().Err(err).Str("thread_id", threadID).Msg("turn failed")
		r.reply(ctx, chatID, failureText)
		return
	}
	r.reply(ctx, chatID, answer)
}

func (r *relay) reply(ctx context.Context, chatID int64, text string) {
	for _, chunk := range splitReply(text, maxReplyRunes) {
		if err := r.bot.SendMessage(ctx, chatID, chunk); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Msg("send message failed")
			return
		}
	}
}

func splitReply(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func refreshLoop(ctx context.Context, store *catalogx.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("catalog refresh failed, previous snapshot kept")
			}
		}
	}
}
