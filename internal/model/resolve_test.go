package model

import (
	"testing"

	"github.com/fenwick-ai/emberd/internal/apperr"
)

func TestResolvePoolingOverrideWins(t *testing.T) {
	mode, err := ResolvePooling("mean", &poolingConfig{CLSToken: true}, &Config{ModelType: "bert"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != PoolingMean {
		t.Fatalf("expected override to win, got %v", mode)
	}
}

func TestResolvePoolingUnknownOverrideIsFatal(t *testing.T) {
	_, err := ResolvePooling("bogus", nil, &Config{ModelType: "bert"})
	if kind, _ := apperr.KindOf(err); kind != apperr.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid, got %v (%v)", kind, err)
	}
}

func TestResolvePoolingConfigFlagOrder(t *testing.T) {
	// CLS checked before mean even though both are set.
	mode, err := ResolvePooling("", &poolingConfig{CLSToken: true, MeanTokens: true}, &Config{ModelType: "bert"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != PoolingCLS {
		t.Fatalf("expected cls to win ordering, got %v", mode)
	}
}

func TestResolvePoolingFallsBackToBertFamilyDefault(t *testing.T) {
	mode, err := ResolvePooling("", nil, &Config{ModelType: "bert"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != PoolingCLS {
		t.Fatalf("expected bert-family default to cls, got %v", mode)
	}
}

func TestResolvePoolingFailsForUnresolvableNonBertModel(t *testing.T) {
	_, err := ResolvePooling("", nil, &Config{ModelType: "llama"})
	if kind, _ := apperr.KindOf(err); kind != apperr.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid for unresolvable non-bert model, got %v (%v)", kind, err)
	}
}

func TestResolveTypeClassifierVsReranker(t *testing.T) {
	multi := &Config{Architectures: []string{"BertForSequenceClassification"}, ID2Label: map[string]string{"0": "a", "1": "b"}, Label2ID: map[string]string{"a": "0", "b": "1"}}
	typ, err := ResolveType(multi, PoolingUnknown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ.Kind != TypeClassifier {
		t.Fatalf("expected classifier for >1 labels, got %v", typ.Kind)
	}

	single := &Config{Architectures: []string{"BertForSequenceClassification"}, ID2Label: map[string]string{"0": "a"}, Label2ID: map[string]string{"a": "0"}}
	typ, err = ResolveType(single, PoolingUnknown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ.Kind != TypeReranker {
		t.Fatalf("expected reranker for single label, got %v", typ.Kind)
	}
}

func TestResolveTypeEmbeddingCarriesPooling(t *testing.T) {
	cfg := &Config{Architectures: []string{"BertModel"}}
	typ, err := ResolveType(cfg, PoolingMean)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ.Kind != TypeEmbedding || typ.Pooling != PoolingMean {
		t.Fatalf("expected embedding/mean, got %+v", typ)
	}
}

func TestResolveTypeSpladeRequiresMaskedLM(t *testing.T) {
	cfg := &Config{Architectures: []string{"BertModel"}}
	_, err := ResolveType(cfg, PoolingSplade)
	if kind, _ := apperr.KindOf(err); kind != apperr.ConfigInvalid {
		t.Fatalf("expected ConfigInvalid for splade without MaskedLM head, got %v (%v)", kind, err)
	}

	cfg = &Config{Architectures: []string{"BertForMaskedLM"}}
	typ, err := ResolveType(cfg, PoolingSplade)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ.Pooling != PoolingSplade {
		t.Fatalf("expected splade to resolve with MaskedLM head, got %+v", typ)
	}
}

func TestPositionOffset(t *testing.T) {
	cases := map[string]int{"roberta": 2, "xlm-roberta": 2, "camembert": 2, "bert": 0, "": 0}
	for modelType, want := range cases {
		if got := PositionOffset(modelType); got != want {
			t.Errorf("PositionOffset(%q) = %d, want %d", modelType, got, want)
		}
	}
}

func TestMaxInputLengthPrefersSentenceTransformersOverride(t *testing.T) {
	cfg := &Config{MaxPositionEmbeddings: 512, ModelType: "bert"}
	if got := MaxInputLength(cfg, 256); got != 256 {
		t.Fatalf("expected override 256, got %d", got)
	}
	if got := MaxInputLength(cfg, 0); got != 512 {
		t.Fatalf("expected fallback to max_position_embeddings=512, got %d", got)
	}
}

func TestMaxInputLengthSubtractsPositionOffset(t *testing.T) {
	cfg := &Config{MaxPositionEmbeddings: 514, ModelType: "roberta"}
	if got := MaxInputLength(cfg, 0); got != 512 {
		t.Fatalf("expected 514-2=512, got %d", got)
	}
}

func TestResolveDtypeGemma3ForcesFloat32WhenNoOverride(t *testing.T) {
	if got := ResolveDtype("gemma3_text", ""); got != DtypeFloat32 {
		t.Fatalf("expected gemma3_text with no override to force float32, got %v", got)
	}
	if got := ResolveDtype("gemma3_text", "float16"); got != DtypeFloat16 {
		t.Fatalf("expected explicit override to still win over gemma3_text default, got %v", got)
	}
}

func TestResolveDtypeOverride(t *testing.T) {
	if got := ResolveDtype("bert", "bfloat16"); got != DtypeBFloat16 {
		t.Fatalf("expected bfloat16 override honored, got %v", got)
	}
	if got := ResolveDtype("bert", ""); got != DtypeFloat32 {
		t.Fatalf("expected default float32, got %v", got)
	}
}

func TestConfigValidateRejectsMismatchedLabelMaps(t *testing.T) {
	cfg := &Config{ID2Label: map[string]string{"0": "a"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for id2label without label2id")
	}
}
