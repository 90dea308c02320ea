package node

import (
	"fmt"
	"testing"

	"github.com/meshd-io/meshd/pkg/api"
	"github.com/stretchr/testify/assert"
)

func TestHistoryBound(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(api.HistoryEntry{Content: fmt.Sprintf("m%d", i)})
	}
	got := h.List()
	assert.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].Content)
	assert.Equal(t, "m4", got[2].Content)
}

func TestHistoryListIsACopy(t *testing.T) {
	h := NewHistory(10)
	h.Add(api.HistoryEntry{Content: "original"})
	got := h.List()
	got[0].Content = "mutated"
	assert.Equal(t, "original", h.List()[0].Content)
}
