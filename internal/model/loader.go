package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/daulet/tokenizers"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

// sentenceTransformersConfig mirrors config_sentence_transformers.json.
type sentenceTransformersConfig struct {
	MaxSeqLength int               `json:"max_seq_length"`
	Prompts      map[string]string `json:"prompts"`
	DefaultPrompt string           `json:"default_prompt_name"`
}

// Options configures Load. ModelDir must be a local directory — fetching
// from a remote hub identifier is not implemented by this core (see
// DESIGN.md's resolved Open Question); ModelDir pointing anywhere else
// fails with ConfigInvalid.
type Options struct {
	ModelDir        string
	PoolingOverride string
	DtypeOverride   string
	DefaultPrompt   string
	DefaultPromptName string
}

// Loaded is everything the rest of the core needs from a model load: the
// immutable tokenizer, the resolved type/pooling, padding geometry, and
// effective dtype/sequence-length/prompt settings.
type Loaded struct {
	Tokenizer        *tokenizers.Tokenizer
	Config           *Config
	Type             Type
	PositionOffset   int
	Dtype            Dtype
	MaxInputLength   int
	Prompts          Prompts
	ModelPath        string // path to model.onnx, for the backend to open

	// Qwen2PostProcess, when true, tells the tokenizer pool to append the
	// qwen2 family's end-of-sequence special token after a single-sequence
	// encoding, on top of the tokenizer.json's own post-processor output
	// rather than replacing it. No token is added before the sequence, and
	// pair encodings are not handled.
	Qwen2PostProcess bool
}

// Qwen2EOSToken is the special token qwen2 checkpoints expect appended
// after a single encoded sequence.
const Qwen2EOSToken = "<|endoftext|>"

// Load reads a model's artifacts from opts.ModelDir and resolves pooling,
// type, dtype, and sequence-length settings. A missing or unparseable
// tokenizer or config is fatal, per spec §4.1 — callers at process start
// should treat a non-nil error as a reason to exit.
func Load(opts Options) (*Loaded, error) {
	if opts.ModelDir == "" {
		return nil, apperr.New(apperr.ConfigInvalid, "model_id must be a local directory path")
	}
	info, err := os.Stat(opts.ModelDir)
	if err != nil || !info.IsDir() {
		return nil, apperr.Wrap(apperr.ConfigInvalid,
			fmt.Sprintf("model_id %q is not a local directory (remote hub fetch is not supported by this build)", opts.ModelDir), err)
	}

	cfg, err := loadConfig(filepath.Join(opts.ModelDir, "config.json"))
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "loading config.json", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tokenizerPath := filepath.Join(opts.ModelDir, "tokenizer.json")
	tk, err := tokenizers.FromFile(tokenizerPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, "loading tokenizer.json", err)
	}

	pooling, err := loadPoolingConfig(filepath.Join(opts.ModelDir, "1_Pooling", "config.json"))
	if err != nil {
		tk.Close()
		return nil, apperr.Wrap(apperr.ConfigInvalid, "loading 1_Pooling/config.json", err)
	}

	poolingMode, err := ResolvePooling(opts.PoolingOverride, pooling, cfg)
	if err != nil {
		tk.Close()
		return nil, err
	}

	modelType, err := ResolveType(cfg, poolingMode)
	if err != nil {
		tk.Close()
		return nil, err
	}

	stCfg, err := loadSentenceTransformersConfig(filepath.Join(opts.ModelDir, "config_sentence_transformers.json"))
	if err != nil {
		tk.Close()
		return nil, apperr.Wrap(apperr.ConfigInvalid, "loading config_sentence_transformers.json", err)
	}

	maxSeqLen := 0
	named := map[string]string{}
	defaultPromptName := opts.DefaultPromptName
	if stCfg != nil {
		maxSeqLen = stCfg.MaxSeqLength
		named = stCfg.Prompts
		if defaultPromptName == "" {
			defaultPromptName = stCfg.DefaultPrompt
		}
	}

	resolvedDefault := opts.DefaultPrompt
	hasDefault := resolvedDefault != ""
	if !hasDefault && defaultPromptName != "" {
		v, ok := named[defaultPromptName]
		if !ok {
			tk.Close()
			return nil, apperr.New(apperr.ConfigInvalid,
				fmt.Sprintf("default_prompt_name %q not found in prompts", defaultPromptName))
		}
		resolvedDefault, hasDefault = v, true
	}

	positionOffset := PositionOffset(cfg.ModelType)
	dtype := ResolveDtype(cfg.ModelType, opts.DtypeOverride)
	maxInput := MaxInputLength(cfg, maxSeqLen)

	return &Loaded{
		Tokenizer:      tk,
		Config:         cfg,
		Type:           modelType,
		PositionOffset: positionOffset,
		Dtype:          dtype,
		MaxInputLength: maxInput,
		Prompts:        NewPrompts(named, resolvedDefault, hasDefault),
		ModelPath:      filepath.Join(opts.ModelDir, "model.onnx"),
		Qwen2PostProcess: cfg.ModelType == "qwen2",
	}, nil
}

// Close releases the tokenizer held by Loaded.
func (l *Loaded) Close() {
	if l.Tokenizer != nil {
		l.Tokenizer.Close()
	}
}

func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadPoolingConfig(path string) (*poolingConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var pc poolingConfig
	if err := json.Unmarshal(b, &pc); err != nil {
		return nil, err
	}
	return &pc, nil
}

func loadSentenceTransformersConfig(path string) (*sentenceTransformersConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sc sentenceTransformersConfig
	if err := json.Unmarshal(b, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

func defaultNumThreads() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	return n
}
