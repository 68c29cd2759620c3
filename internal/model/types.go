// Package model resolves a loaded checkpoint's pooling strategy, output
// type, and tokenizer behavior from its configuration artifacts. This is
// the "do it once, at startup" bookkeeping the rest of the core depends on.
package model

import (
	"strings"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

// Config is the parsed contents of a model's config.json.
type Config struct {
	Architectures         []string          `json:"architectures"`
	ModelType             string            `json:"model_type"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	PadTokenID            int               `json:"pad_token_id"`
	ID2Label              map[string]string `json:"id2label,omitempty"`
	Label2ID              map[string]string `json:"label2id,omitempty"`
}

// Validate checks the label-map invariant: either both maps are present or
// neither is. A config with only one of the two is malformed.
func (c *Config) Validate() error {
	hasID2Label := len(c.ID2Label) > 0
	hasLabel2ID := len(c.Label2ID) > 0
	if hasID2Label != hasLabel2ID {
		return apperr.New(apperr.ConfigInvalid, "config.json has id2label without label2id, or vice versa")
	}
	return nil
}

// hasClassificationHead reports whether any architecture name ends with
// "Classification" (e.g. BertForSequenceClassification).
func (c *Config) hasClassificationHead() bool {
	for _, a := range c.Architectures {
		if strings.HasSuffix(a, "Classification") {
			return true
		}
	}
	return false
}

// hasMaskedLMHead reports whether any architecture name ends with
// "MaskedLM" (required for Splade pooling).
func (c *Config) hasMaskedLMHead() bool {
	for _, a := range c.Architectures {
		if strings.HasSuffix(a, "MaskedLM") {
			return true
		}
	}
	return false
}

// PoolingMode is the strategy used to reduce a [L,D] hidden-state matrix to
// a single [D] vector (or, for Splade, to a sparse vocabulary-logit vector
// — the math for that variant is out of scope here; only its resolution is
// handled).
type PoolingMode int

const (
	PoolingUnknown PoolingMode = iota
	PoolingCLS
	PoolingMean
	PoolingSplade
	PoolingLastToken
)

func (p PoolingMode) String() string {
	switch p {
	case PoolingCLS:
		return "cls"
	case PoolingMean:
		return "mean"
	case PoolingSplade:
		return "splade"
	case PoolingLastToken:
		return "last_token"
	default:
		return "unknown"
	}
}

// TypeKind tags the variant of Type.
type TypeKind int

const (
	TypeEmbedding TypeKind = iota
	TypeClassifier
	TypeReranker
)

// Type is the tagged ModelType variant from spec §3: Embedding carries a
// resolved PoolingMode, Classifier/Reranker carry none.
type Type struct {
	Kind    TypeKind
	Pooling PoolingMode // only meaningful when Kind == TypeEmbedding
}

// bertFamily lists model_type values that default to CLS pooling when no
// other signal is available.
var bertFamily = map[string]bool{
	"bert":       true,
	"distilbert": true,
	"camembert":  true,
	"roberta":    true,
	"xlm-roberta": true,
	"electra":    true,
	"gte":        true,
	"nomic_bert": true,
}

