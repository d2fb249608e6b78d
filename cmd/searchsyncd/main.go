// Command searchsyncd runs the reindex service: it connects to the primary
// store and the search cluster, then serves the trigger, reindex-request, and
// state endpoints over HTTP.
package main

import (
	"context"
	"encoding/json"
	log "log/slog"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/datakeep/searchsync"
	"github.com/datakeep/searchsync/embed"
	"github.com/datakeep/searchsync/es"
	"github.com/datakeep/searchsync/indexer"
	"github.com/datakeep/searchsync/pg"
	"github.com/datakeep/searchsync/restapi"
	"github.com/datakeep/searchsync/state"
)

// config is the on-disk JSON configuration.
type config struct {
	Postgres      pg.Config          `json:"postgres"`
	Elasticsearch es.Config          `json:"elasticsearch"`
	Indexer       searchsync.Options `json:"indexer_options"`
}

func main() {
	configPath := flag.String("config", "searchsync.json", "path to the JSON configuration file")
	listen := flag.String("listen", ":6543", "address to serve the REST API on")
	flag.Parse()

	searchsync.ConfigureLogging()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("cannot load configuration", "path", *configPath, "cause", err)
		os.Exit(1)
	}
	cfg.Indexer.ApplyDefaults()
	if !cfg.Indexer.Enabled {
		log.Error("indexer is disabled in configuration, nothing to do")
		os.Exit(1)
	}

	ctx := context.Background()

	// The backing stores may come up after us; retry the initial dials.
	err = searchsync.Retry(ctx, func(ctx context.Context) error {
		_, cerr := pg.OpenConnection(ctx, cfg.Postgres)
		return cerr
	}, func(ctx context.Context) {
		log.Error("gave up connecting to the primary store", "url", cfg.Postgres.URL)
	})
	if err != nil {
		os.Exit(1)
	}
	defer pg.CloseConnection()

	if _, err = es.OpenConnection(cfg.Elasticsearch); err != nil {
		log.Error("cannot configure the search store client", "cause", err)
		os.Exit(1)
	}
	defer es.CloseConnection()

	primary := pg.NewStore()
	primary.BindTimeout = cfg.Indexer.BindTimeout
	search := es.NewClient()
	embedder := embed.NewClient(cfg.Indexer.EmbedBaseURL)

	st := state.NewStore(search, cfg.Indexer.StageForFollowup)
	idx := indexer.New(cfg.Indexer, primary, search, embedder, st)
	defer idx.Shutdown()

	server := restapi.NewServer(idx, st)
	log.Info("serving", "addr", *listen)
	if err := server.Run(*listen); err != nil {
		log.Error("server exited", "cause", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config, error) {
	// Start from the defaults so absent keys (including the queue role
	// booleans) keep their production values.
	cfg := config{Indexer: searchsync.DefaultOptions()}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
