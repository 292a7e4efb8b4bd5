package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"seqtune/emb"
	"seqtune/finetune"
	"seqtune/weights"
)

type envOptions struct {
	BaseDir string `env:"SEQTUNE_BASE_DIR" envDefault:"models"`
	Timeout int    `env:"SEQTUNE_FETCH_TIMEOUT_SEC" envDefault:"300"`
}

type cliOptions struct {
	family     string
	checkpoint string
	dir        string
	list       bool
	skipFetch  bool
	timeout    time.Duration
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		log.Fatalf("seqtune-import: %v", err)
	}
	if err := run(opts); err != nil {
		log.Fatalf("seqtune-import: %v", err)
	}
}

func parseFlags() (cliOptions, error) {
	var opts cliOptions
	flag.StringVar(&opts.family, "family", "", "Model family id (see --list)")
	flag.StringVar(&opts.checkpoint, "checkpoint", "", "Checkpoint id to import (see --list)")
	flag.StringVar(&opts.dir, "dir", "", "Directory for downloaded and imported files (default: $SEQTUNE_BASE_DIR or ./models)")
	flag.BoolVar(&opts.list, "list", false, "List the known family/checkpoint pairs and exit")
	flag.BoolVar(&opts.skipFetch, "skip-fetch", false, "Skip downloads and expect the archive and tokenizer on disk")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s --family ID --checkpoint ID [options]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()
	var envOpts envOptions
	if err := env.Parse(&envOpts); err != nil {
		return opts, fmt.Errorf("parse environment: %w", err)
	}

	opts.family = strings.TrimSpace(opts.family)
	opts.checkpoint = strings.TrimSpace(opts.checkpoint)
	opts.dir = strings.TrimSpace(opts.dir)
	if opts.dir == "" {
		opts.dir = envOpts.BaseDir
	}
	opts.timeout = time.Duration(envOpts.Timeout) * time.Second

	if opts.list {
		return opts, nil
	}
	if opts.family == "" || opts.checkpoint == "" {
		flag.Usage()
		return opts, errors.New("missing required --family and --checkpoint")
	}
	return opts, nil
}

func run(opts cliOptions) error {
	registry := finetune.DefaultRegistry()
	if opts.list {
		for _, s := range registry.Specs() {
			fmt.Printf("%s\t%s\t-> %s\n", s.Family, s.Checkpoint, s.StoreName())
		}
		return nil
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	started := time.Now()

	spec, err := registry.Lookup(opts.family, opts.checkpoint)
	if err != nil {
		return err
	}
	family, err := emb.BuiltinFamily(spec.Family)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if !opts.skipFetch {
		client := &http.Client{Timeout: opts.timeout}
		if err := weights.EnsureFiles(ctx, opts.dir, spec.Required, client, logger); err != nil {
			return fmt.Errorf("fetch checkpoint files: %w", err)
		}
	}

	expected, err := finetune.ExpectedParams(family)
	if err != nil {
		return err
	}
	logger.Printf("importing %s/%s (%d expected tensors)", spec.Family, spec.Checkpoint, len(expected))

	bank, err := weights.Import(filepath.Join(opts.dir, spec.ArchiveFile), weights.ImportOptions{
		Rules:    spec.Rules,
		Expected: expected,
		Ignore:   spec.Ignore,
	})
	if err != nil {
		return fmt.Errorf("import archive: %w", err)
	}
	if missing := bank.Missing(expected); len(missing) > 0 {
		return fmt.Errorf("archive resolved but lacks %d tensors, first %q", len(missing), missing[0])
	}

	storePath := filepath.Join(opts.dir, spec.StoreName())
	if err := bank.Save(storePath); err != nil {
		return fmt.Errorf("save weight bank: %w", err)
	}
	logger.Printf("saved %d tensors to %s in %s", bank.Len(), storePath, time.Since(started).Round(time.Millisecond))
	return nil
}
