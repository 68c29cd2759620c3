package model

import (
	"fmt"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

// poolingConfig mirrors 1_Pooling/config.json: the flags are checked in a
// fixed order and the first one set to true wins.
type poolingConfig struct {
	CLSToken   bool `json:"pooling_mode_cls_token"`
	MeanTokens bool `json:"pooling_mode_mean_tokens"`
	LastToken  bool `json:"pooling_mode_lasttoken"`
}

// ResolvePooling implements the resolution order from spec §3:
// (a) explicit override, (b) 1_Pooling/config.json flags in the fixed
// order cls/mean/lasttoken, (c) bert-family model_type default to CLS.
func ResolvePooling(override string, pooling *poolingConfig, cfg *Config) (PoolingMode, error) {
	switch override {
	case "cls":
		return PoolingCLS, nil
	case "mean":
		return PoolingMean, nil
	case "splade":
		return PoolingSplade, nil
	case "last_token", "lasttoken":
		return PoolingLastToken, nil
	case "":
		// fall through to config-file / default resolution
	default:
		return PoolingUnknown, apperr.New(apperr.ConfigInvalid, fmt.Sprintf("unknown pooling override %q", override))
	}

	if pooling != nil {
		switch {
		case pooling.CLSToken:
			return PoolingCLS, nil
		case pooling.MeanTokens:
			return PoolingMean, nil
		case pooling.LastToken:
			return PoolingLastToken, nil
		}
	}

	if bertFamily[cfg.ModelType] {
		return PoolingCLS, nil
	}
	return PoolingUnknown, apperr.New(apperr.ConfigInvalid,
		fmt.Sprintf("no pooling mode resolved and model_type %q is not bert-family", cfg.ModelType))
}

// ResolveType implements the ModelType tagging rule from spec §3:
//   - architecture ends with "Classification" AND a label map is present
//     => Classifier if id2label has >1 entries, else Reranker.
//   - otherwise => Embedding(pool), where pool comes from ResolvePooling.
//   - Splade pooling requires a MaskedLM architecture, else it's fatal.
func ResolveType(cfg *Config, pooling PoolingMode) (Type, error) {
	if cfg.hasClassificationHead() && (len(cfg.ID2Label) > 0 || len(cfg.Label2ID) > 0) {
		if len(cfg.ID2Label) > 1 {
			return Type{Kind: TypeClassifier}, nil
		}
		return Type{Kind: TypeReranker}, nil
	}

	if pooling == PoolingSplade && !cfg.hasMaskedLMHead() {
		return Type{}, apperr.New(apperr.ConfigInvalid,
			"splade pooling requires an architecture ending in MaskedLM")
	}

	return Type{Kind: TypeEmbedding, Pooling: pooling}, nil
}

// PositionOffset returns the number of leading position ids a model_type
// reserves before real token positions begin.
func PositionOffset(modelType string) int {
	switch modelType {
	case "xlm-roberta", "camembert", "roberta":
		return 2
	default:
		return 0
	}
}

// MaxInputLength computes the effective max sequence length: the
// sentence-transformers max_seq_length override if present, else
// max_position_embeddings - position_offset.
func MaxInputLength(cfg *Config, sentenceTransformersMaxSeqLen int) int {
	if sentenceTransformersMaxSeqLen > 0 {
		return sentenceTransformersMaxSeqLen
	}
	return cfg.MaxPositionEmbeddings - PositionOffset(cfg.ModelType)
}

// Dtype is the effective numeric precision used for inference.
type Dtype string

const (
	DtypeFloat32 Dtype = "float32"
	DtypeFloat16 Dtype = "float16"
	DtypeBFloat16 Dtype = "bfloat16"
)

// ResolveDtype implements: gemma3_text with no override forces Float32;
// otherwise an explicit override wins, falling back to the platform
// default (Float32 — this implementation targets CPU-only ONNX Runtime).
func ResolveDtype(modelType, override string) Dtype {
	if modelType == "gemma3_text" && override == "" {
		return DtypeFloat32
	}
	switch override {
	case "float16":
		return DtypeFloat16
	case "bfloat16":
		return DtypeBFloat16
	case "float32", "":
		return DtypeFloat32
	default:
		return DtypeFloat32
	}
}
