package llm

import (
	"context"
	"fmt"
	"testing"
)

func TestSplitBatches(t *testing.T) {
	tests := []struct {
		name  string
		texts int
		max   int
		want  []int
	}{
		{name: "empty input", texts: 0, max: 100, want: nil},
		{name: "single partial batch", texts: 7, max: 100, want: []int{7}},
		{name: "exact multiple", texts: 200, max: 100, want: []int{100, 100}},
		{name: "remainder batch", texts: 250, max: 100, want: []int{100, 100, 50}},
		{name: "max of one", texts: 3, max: 1, want: []int{1, 1, 1}},
		{name: "non-positive max falls back to one", texts: 2, max: 0, want: []int{1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			texts := make([]string, tt.texts)
			for i := range texts {
				texts[i] = fmt.Sprintf("text-%d", i)
			}

			batches := splitBatches(texts, tt.max)
			if len(batches) != len(tt.want) {
				t.Fatalf("splitBatches() produced %d batches, want %d", len(batches), len(tt.want))
			}

			seen := 0
			for i, batch := range batches {
				if len(batch) != tt.want[i] {
					t.Errorf("batch %d has %d texts, want %d", i, len(batch), tt.want[i])
				}
				for _, text := range batch {
					if text != fmt.Sprintf("text-%d", seen) {
						t.Fatalf("batch %d out of order: got %q at position %d", i, text, seen)
					}
					seen++
				}
			}
			if seen != tt.texts {
				t.Errorf("batches cover %d texts, want %d", seen, tt.texts)
			}
		})
	}
}

func TestEmbedManyEmptyInput(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{APIKey: "test", EmbedModel: "text-embedding-3-small"})

	vectors, err := c.EmbedMany(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedMany(nil) error: %v", err)
	}
	if vectors != nil {
		t.Errorf("EmbedMany(nil) = %v, want nil", vectors)
	}
}
