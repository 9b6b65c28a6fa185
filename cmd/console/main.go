package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
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
)

type AppConfig struct {
	DatabasePath           string        `envconfig:"DATABASE_PATH" split_words:"true" default:"data/conversations.db"`
	ThreadID               string        `envconfig:"THREAD_ID" split_words:"true"`
	CatalogRefreshInterval time.Duration `envconfig:"CATALOG_REFRESH_INTERVAL" split_words:"true" default:"1h"`
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

	store, err := statex.NewSQLiteStore(ctx, appCfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("open conversation store")
	}
	defer store.Close()

	infos, executor := toolx.BuildTools(catalogStore)
	asst, err := assistantx.New(store, model, infos, executor, promptx.Load(), assistantx.Config{})
	if err != nil {
		log.Fatal().Err(err).Msg("create assistant")
	}

	threadID := appCfg.ThreadID
	if threadID == "" {
		threadID = "console-" + uuid.NewString()
	}
	log.Info().Str("thread_id", threadID).Msg("console session started")

	fmt.Println("Ассистент автосервиса. Задайте вопрос (Ctrl+D для выхода).")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		text := scanner.Text()
		if text == "" {
			continue
		}

		answer, err := asst.HandleTurn(ctx, threadID, text)
		if err != nil {
			log.Error().Err(err).Msg("turn failed")
			fmt.Println("Не удалось обработать запрос. Попробуйте ещё раз.")
			continue
		}
		fmt.Println(answer)
	}
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
