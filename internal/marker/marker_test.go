package marker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/standardbeagle/postgrab/internal/dom"
)

func TestIsSelfBatch(t *testing.T) {
	own := dom.Node{Tag: "div", Classes: []string{"x", ControlClass}}
	alert := dom.Node{Tag: "div", Classes: []string{AlertWrapperClass}}
	host := dom.Node{Tag: "article", Classes: []string{"x1n2"}}
	text := dom.Node{Tag: "#text"}

	tests := []struct {
		name string
		recs []dom.MutationRecord
		want bool
	}{
		{"only control added", []dom.MutationRecord{{Added: []dom.Node{own}}}, true},
		{"control and alert", []dom.MutationRecord{{Added: []dom.Node{own}}, {Removed: []dom.Node{alert}}}, true},
		{"host node added", []dom.MutationRecord{{Added: []dom.Node{host}}}, false},
		{"mixed batch", []dom.MutationRecord{{Added: []dom.Node{own, host}}}, false},
		{"text node", []dom.MutationRecord{{Added: []dom.Node{text}}}, false},
		{"empty batch", []dom.MutationRecord{{}}, false},
		{"nil batch", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSelfBatch(tt.recs))
		})
	}
}

func TestIsEmptyBatch(t *testing.T) {
	assert.True(t, IsEmptyBatch(nil))
	assert.True(t, IsEmptyBatch([]dom.MutationRecord{{}, {}}))
	assert.False(t, IsEmptyBatch([]dom.MutationRecord{{Removed: []dom.Node{{Tag: "div"}}}}))
}

func TestIsOwned(t *testing.T) {
	for _, c := range Reserved() {
		assert.True(t, IsOwned(dom.Node{Classes: []string{c}}), c)
	}
	assert.False(t, IsOwned(dom.Node{Classes: []string{"alert-message"}}))
}
