package fundex

import "github.com/oarkflow/fundex/utils"

// HashIndex resolves exact lookups by code and by lower-cased full name to a
// position in the generation's record store. It is only ever built as part of
// a full generation build; there is no partial-update path.
type HashIndex struct {
	byCode map[string]int
	byName map[string]int
}

func newHashIndex(capacity int) *HashIndex {
	return &HashIndex{
		byCode: make(map[string]int, capacity),
		byName: make(map[string]int, capacity),
	}
}

func (h *HashIndex) add(pos int, rec FundRecord) {
	if _, dup := h.byCode[rec.Code]; !dup {
		h.byCode[rec.Code] = pos
	}
	name := utils.IfToLower(rec.Name)
	if _, dup := h.byName[name]; !dup {
		h.byName[name] = pos
	}
}

// LookupCode returns the position for an exact fund code.
func (h *HashIndex) LookupCode(code string) (int, bool) {
	pos, ok := h.byCode[code]
	return pos, ok
}

// LookupName returns the position for an exact fund name, case-insensitive.
func (h *HashIndex) LookupName(name string) (int, bool) {
	pos, ok := h.byName[utils.IfToLower(name)]
	return pos, ok
}

// Lookup tries code first, then name.
func (h *HashIndex) Lookup(key string) (int, bool) {
	if pos, ok := h.byCode[key]; ok {
		return pos, true
	}
	return h.LookupName(key)
}

// Len returns the number of code entries.
func (h *HashIndex) Len() int { return len(h.byCode) }
