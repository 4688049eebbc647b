package cli

import (
	"context"
	"fmt"

	"github.com/talkware/ucair/internal/bootstrap"
	"github.com/talkware/ucair/internal/engine"
	"github.com/talkware/ucair/internal/history"
	"github.com/talkware/ucair/internal/textproc/dict"
)

// openEngine builds an engine over the configured history, model and topic
// stores. The history store is required.
func openEngine(ctx context.Context) (*engine.Engine, *history.SQLStore, func(), error) {
	if cfg.History.Path == "" {
		return nil, nil, nil, fmt.Errorf("history.path is not configured")
	}
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	terms := dict.New()
	collection, err := bootstrap.Collection(cfg.Engine, terms)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := history.OpenSQLStore(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, nil, err
	}
	closers = append(closers, store.Close)
	opts := engine.Options{Engine: cfg.Engine, Topics: cfg.Topics, History: store}

	models, err := bootstrap.OpenModelStore(ctx, cfg, nil, false)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if models != nil {
		closers = append(closers, models.Close)
		opts.ModelStore = models.Store
	}
	topicStore, err := bootstrap.OpenTopicStore(ctx, cfg)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if topicStore != nil {
		closers = append(closers, topicStore.Close)
		opts.TopicStore = topicStore.Store
	}
	return engine.New(terms, collection, opts), store, cleanup, nil
}
