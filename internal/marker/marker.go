// Package marker owns the reserved class names carried by every node
// postgrab inserts, and the filter that recognises mutations caused by
// those nodes. Tagging and filtering live together so they stay in sync.
package marker

import "github.com/standardbeagle/postgrab/internal/dom"

// Reserved class names.
const (
	ControlClass      = "post-download-button"
	AlertClass        = "alert"
	AlertWrapperClass = "alert-wrapper"
)

var reserved = []string{ControlClass, AlertClass, AlertWrapperClass}

// Reserved returns the reserved class names.
func Reserved() []string {
	return append([]string(nil), reserved...)
}

// Tag marks el as owned by postgrab with the given reserved class. It
// panics on a class that is not reserved: an untagged insert would feed the
// reconciler its own writes.
func Tag(el dom.Element, class string) dom.Element {
	if !isReserved(class) {
		panic("marker: " + class + " is not a reserved class")
	}
	el.AddClass(class)
	return el
}

// ControlSelector matches injected download controls.
func ControlSelector() string {
	return "." + ControlClass
}

// IsOwned reports whether a mutated node carries a reserved class.
func IsOwned(n dom.Node) bool {
	for _, c := range n.Classes {
		if isReserved(c) {
			return true
		}
	}
	return false
}

// IsSelfBatch reports whether every added and removed node in recs is
// owned. A batch with no nodes is not considered self-caused, callers
// treat it as noise.
func IsSelfBatch(recs []dom.MutationRecord) bool {
	seen := 0
	for _, r := range recs {
		for _, n := range r.Added {
			if !IsOwned(n) {
				return false
			}
			seen++
		}
		for _, n := range r.Removed {
			if !IsOwned(n) {
				return false
			}
			seen++
		}
	}
	return seen > 0
}

// IsEmptyBatch reports whether recs touch no nodes at all.
func IsEmptyBatch(recs []dom.MutationRecord) bool {
	for _, r := range recs {
		if len(r.Added) > 0 || len(r.Removed) > 0 {
			return false
		}
	}
	return true
}

func isReserved(class string) bool {
	for _, r := range reserved {
		if r == class {
			return true
		}
	}
	return false
}
