package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"seqtune/emb"
	"seqtune/finetune"
)

const flushEvery = 50

type envOptions struct {
	ModelDir   string `env:"SEQTUNE_MODEL_DIR" envDefault:"model"`
	OrtLibrary string `env:"SEQTUNE_ORT_LIBRARY"`
	CacheDir   string `env:"SEQTUNE_CACHE_DIR"`
}

type cliOptions struct {
	inputPath   string
	textColumn  string
	labelColumn string
	hasHeader   bool
	modelDir    string
	outputPath  string
	ortLibrary  string
	cacheDir    string
	limit       int
	fit         bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		log.Fatalf("seqtune-rank: %v", err)
	}
	if err := run(opts); err != nil {
		log.Fatalf("seqtune-rank: %v", err)
	}
}

func parseFlags() (cliOptions, error) {
	var opts cliOptions
	flag.StringVar(&opts.inputPath, "in", "", "CSV/TSV/text file with documents")
	flag.StringVar(&opts.textColumn, "col", "", "Column name or #index holding the text (default: first column)")
	flag.StringVar(&opts.labelColumn, "label-col", "", "Column name or #index holding training labels (default: second column)")
	flag.BoolVar(&opts.hasHeader, "has-header", false, "Treat the first row as a header even when no column name matched")
	flag.StringVar(&opts.modelDir, "model", "", "Fitted model directory (default: $SEQTUNE_MODEL_DIR or ./model)")
	flag.StringVar(&opts.outputPath, "out", "", "CSV file for predictions (default: <in>_ranked.csv)")
	flag.StringVar(&opts.ortLibrary, "ort", "", "Path to the onnxruntime shared library (default: $SEQTUNE_ORT_LIBRARY)")
	flag.IntVar(&opts.limit, "limit", 0, "Only process the first N rows (0 means all)")
	flag.BoolVar(&opts.fit, "fit", false, "Train on --in using --label-col and save into --model instead of predicting")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s --in FILE [options]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()
	var envOpts envOptions
	if err := env.Parse(&envOpts); err != nil {
		return opts, fmt.Errorf("parse environment: %w", err)
	}

	opts.inputPath = strings.TrimSpace(opts.inputPath)
	opts.modelDir = strings.TrimSpace(opts.modelDir)
	opts.outputPath = strings.TrimSpace(opts.outputPath)
	opts.ortLibrary = strings.TrimSpace(opts.ortLibrary)
	if opts.modelDir == "" {
		opts.modelDir = envOpts.ModelDir
	}
	if opts.ortLibrary == "" {
		opts.ortLibrary = envOpts.OrtLibrary
	}
	opts.cacheDir = envOpts.CacheDir

	if opts.inputPath == "" {
		flag.Usage()
		return opts, errors.New("missing required --in file")
	}
	return opts, nil
}

func run(opts cliOptions) error {
	cfg, err := finetune.LoadConfig(filepath.Join(opts.modelDir, "config.json"))
	if err != nil {
		return fmt.Errorf("load model config: %w", err)
	}
	if opts.ortLibrary != "" {
		cfg.OrtLibrary = opts.ortLibrary
	}
	if opts.cacheDir != "" {
		cfg.CacheDir = opts.cacheDir
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	model, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}
	defer model.Close()

	ctx := context.Background()
	if opts.fit {
		return fitModel(ctx, model, opts, logger)
	}
	return predict(ctx, model, opts, logger)
}

func buildModel(cfg finetune.Config, logger *log.Logger) (*finetune.Model, error) {
	family, err := emb.BuiltinFamily(cfg.Family)
	if err != nil {
		return nil, err
	}
	encoder, err := emb.NewHFEncoder(resolvePath(cfg.BaseDir, cfg.TokenizerPath))
	if err != nil {
		return nil, fmt.Errorf("init encoder: %w", err)
	}
	backbone, err := emb.NewOnnxBackbone(resolvePath(cfg.BaseDir, cfg.ModelPath), cfg.OrtLibrary, family)
	if err != nil {
		return nil, fmt.Errorf("init backbone: %w", err)
	}
	model, err := finetune.New(cfg, encoder, backbone, logger)
	if err != nil {
		backbone.Close()
		return nil, fmt.Errorf("init model: %w", err)
	}
	return model, nil
}

func resolvePath(baseDir, path string) string {
	if baseDir == "" || path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func fitModel(ctx context.Context, model *finetune.Model, opts cliOptions, logger *log.Logger) error {
	examples, err := finetune.ReadLabeledColumns(opts.inputPath, opts.textColumn, opts.labelColumn, opts.hasHeader)
	if err != nil {
		return fmt.Errorf("read training rows: %w", err)
	}
	if opts.limit > 0 && opts.limit < len(examples) {
		examples = examples[:opts.limit]
	}
	texts, labels := finetune.NormalizeExamples(examples)
	logger.Printf("fitting on %d rows from %s", len(texts), opts.inputPath)

	if err := model.Fit(ctx, texts, labels, finetune.FitOptions{}); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if err := model.SaveFitted(opts.modelDir); err != nil {
		return fmt.Errorf("save fitted model: %w", err)
	}
	logger.Printf("saved fitted model to %s", opts.modelDir)
	return nil
}

func predict(ctx context.Context, model *finetune.Model, opts cliOptions, logger *log.Logger) error {
	if err := model.LoadFitted(opts.modelDir); err != nil {
		return fmt.Errorf("load fitted model: %w", err)
	}
	texts, err := finetune.ReadTextColumn(opts.inputPath, opts.textColumn, opts.hasHeader)
	if err != nil {
		return fmt.Errorf("read input rows: %w", err)
	}
	if opts.limit > 0 && opts.limit < len(texts) {
		texts = texts[:opts.limit]
	}
	logger.Printf("predicting %d documents from %s", len(texts), opts.inputPath)

	labels, err := model.Predict(ctx, texts)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}

	outputPath := opts.outputPath
	if outputPath == "" {
		ext := filepath.Ext(opts.inputPath)
		outputPath = strings.TrimSuffix(opts.inputPath, ext) + "_ranked.csv"
	}
	if err := writeResults(outputPath, texts, labels, logger); err != nil {
		return err
	}
	logger.Printf("wrote %d predictions to %s", len(labels), outputPath)
	return nil
}

func writeResults(path string, texts []string, labels []float64, logger *log.Logger) error {
	if len(texts) != len(labels) {
		return fmt.Errorf("texts/labels length mismatch: %d vs %d", len(texts), len(labels))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write([]string{"text", "label"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := range texts {
		row := []string{texts[i], strconv.FormatFloat(labels[i], 'g', -1, 64)}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
		if (i+1)%flushEvery == 0 {
			writer.Flush()
			if err := writer.Error(); err != nil {
				return fmt.Errorf("flush results: %w", err)
			}
			logger.Printf("wrote %d/%d rows", i+1, len(texts))
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush results: %w", err)
	}
	return nil
}
