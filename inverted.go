package fundex

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/oarkflow/fundex/utils"
)

// InvertedIndex maps category -> value -> set of record-store positions.
// Position sets are roaring bitmaps, so multi-criteria intersection is cheap
// and no record content is duplicated.
type InvertedIndex struct {
	fields map[string]map[string]*roaring.Bitmap
}

func newInvertedIndex() *InvertedIndex {
	return &InvertedIndex{fields: make(map[string]map[string]*roaring.Bitmap)}
}

// Add appends position to the set for (category, value). Values are
// normalized to lower case.
func (ix *InvertedIndex) Add(category, value string, pos uint32) {
	if value == "" {
		return
	}
	vm, ok := ix.fields[category]
	if !ok {
		vm = make(map[string]*roaring.Bitmap)
		ix.fields[category] = vm
	}
	vk := utils.IfToLower(value)
	bm, ok := vm[vk]
	if !ok {
		bm = roaring.New()
		vm[vk] = bm
	}
	bm.Add(pos)
}

func (ix *InvertedIndex) postings(category, value string) *roaring.Bitmap {
	vm, ok := ix.fields[category]
	if !ok {
		return nil
	}
	return vm[utils.IfToLower(value)]
}

// unionCategory ORs the sets of every requested value within one category.
func (ix *InvertedIndex) unionCategory(category string, values []string) *roaring.Bitmap {
	out := roaring.New()
	for _, v := range values {
		if bm := ix.postings(category, v); bm != nil {
			out.Or(bm)
		}
	}
	return out
}

// Criteria is a structured multi-attribute filter: OR within each value list,
// AND across categories. Empty criteria select every record.
type Criteria struct {
	Types     []string `json:"types,omitempty"`
	Companies []string `json:"companies,omitempty"`
	Risks     []string `json:"risks,omitempty"`
}

func (c Criteria) empty() bool {
	return len(c.Types) == 0 && len(c.Companies) == 0 && len(c.Risks) == 0
}

// MultiCriteria resolves a Criteria to a position set. For each non-empty
// category the requested values are unioned, then the category sets are
// intersected. With no category populated the full "all" set is returned.
func (ix *InvertedIndex) MultiCriteria(c Criteria) *roaring.Bitmap {
	if c.empty() {
		return ix.All()
	}
	var result *roaring.Bitmap
	intersect := func(category string, values []string) {
		if len(values) == 0 {
			return
		}
		set := ix.unionCategory(category, values)
		if result == nil {
			result = set
			return
		}
		result.And(set)
	}
	intersect(CategoryType, c.Types)
	intersect(CategoryCompany, c.Companies)
	intersect(CategoryRisk, c.Risks)
	if result == nil {
		return ix.All()
	}
	return result
}

// All returns a copy of the catch-all position set.
func (ix *InvertedIndex) All() *roaring.Bitmap {
	if bm := ix.postings(CategoryAll, allValue); bm != nil {
		return bm.Clone()
	}
	return roaring.New()
}

// TermCount returns the number of distinct (category, value) pairs.
func (ix *InvertedIndex) TermCount() int {
	n := 0
	for _, vm := range ix.fields {
		n += len(vm)
	}
	return n
}
