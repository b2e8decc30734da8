// Package ytdb is the embedded database facade over the storage engine: it
// opens a storage, keeps its class and index registries, and hands out
// sessions that group record changes into transactions.
package ytdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/JetBrains/youtrackdb-sub019/internal/classindex"
	"github.com/JetBrains/youtrackdb-sub019/internal/config"
	"github.com/JetBrains/youtrackdb-sub019/internal/engine"
	storeerr "github.com/JetBrains/youtrackdb-sub019/internal/errors"
	"github.com/JetBrains/youtrackdb-sub019/internal/index"
	"github.com/JetBrains/youtrackdb-sub019/internal/logger"
)

// Options configures Open.
type Options struct {
	// Path is the storage directory, or "memory:<name>". Defaults to
	// Config.Storage.Path.
	Path   string
	Fs     afero.Fs
	Config *config.Config
	Logger *slog.Logger
	// Registry shares engines between databases opened on the same path.
	// Without one the database owns its engine.
	Registry *engine.Registry
}

// Database is an open storage with its schema registries.
type Database struct {
	engine     *engine.Engine
	indexes    *index.Manager
	classes    *classRegistry
	translator *classindex.Translator
	logger     *slog.Logger
}

// Open opens the storage at opts.Path, creating it when it does not exist,
// and loads its classes and indexes.
func Open(ctx context.Context, opts Options) (*Database, error) {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	if opts.Path == "" {
		opts.Path = opts.Config.Storage.Path
	}
	eopts := engine.Options{Path: opts.Path, Fs: opts.Fs, Config: opts.Config, Logger: opts.Logger.With("component", "engine")}

	var (
		e   *engine.Engine
		err error
	)
	if opts.Registry != nil {
		e, err = opts.Registry.Open(ctx, eopts)
	} else {
		e, err = engine.Open(ctx, eopts)
		if errors.Is(err, storeerr.ErrStorageNotFound) {
			e, err = engine.Create(ctx, eopts)
		}
	}
	if err != nil {
		return nil, err
	}

	db, err := newDatabase(ctx, e, opts)
	if err != nil {
		e.Close(ctx)
		return nil, err
	}
	return db, nil
}

func newDatabase(ctx context.Context, e *engine.Engine, opts Options) (*Database, error) {
	log := opts.Logger.With("storage", e.Name())
	indexes, err := index.NewManager(e, opts.Config.Index, opts.Logger.With("component", "index"))
	if err != nil {
		return nil, err
	}
	db := &Database{
		engine:     e,
		indexes:    indexes,
		classes:    newClassRegistry(e),
		translator: classindex.New(indexes, opts.Logger.With("component", "classindex")),
		logger:     log,
	}
	if err := db.classes.load(); err != nil {
		indexes.Close()
		return nil, err
	}
	if err := indexes.Load(ctx); err != nil {
		indexes.Close()
		return nil, err
	}
	e.SetClassResolver(db.classes.defaultCollection)
	log.Info("database opened", "classes", len(db.classes.names()), "indexes", len(indexes.Indexes()))
	return db, nil
}

// Close closes the storage cleanly.
func (db *Database) Close(ctx context.Context) error {
	db.indexes.Close()
	return db.engine.Close(ctx)
}

// Name returns the storage name.
func (db *Database) Name() string {
	return db.engine.Name()
}

// Engine exposes the storage engine for maintenance tasks.
func (db *Database) Engine() *engine.Engine {
	return db.engine
}

// Indexes returns the index registry.
func (db *Database) Indexes() *index.Manager {
	return db.indexes
}

// CreateIndex creates an index over the collections of def's class and
// indexes the records they already hold.
func (db *Database) CreateIndex(ctx context.Context, name string, kind index.Kind, def *index.Definition) (*index.Index, error) {
	if def == nil {
		return nil, storeerr.Wrap(db.Name(), "create index", fmt.Errorf("%w: index definition is required", storeerr.ErrConfiguration))
	}
	c, err := db.Class(def.Class)
	if err != nil {
		return nil, err
	}
	return db.indexes.CreateIndex(ctx, name, kind, def, index.CreateOptions{Collections: c.Collections})
}

// DropIndex removes an index.
func (db *Database) DropIndex(ctx context.Context, name string) error {
	return db.indexes.DropIndex(ctx, name)
}

// Index returns the index registered under name.
func (db *Database) Index(name string) (*index.Index, error) {
	return db.indexes.Index(name)
}

// Session starts a session. A session is used by one goroutine at a time.
func (db *Database) Session() *Session {
	return newSession(db)
}
