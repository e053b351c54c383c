package fundex

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/fundex/trie"
	"github.com/oarkflow/fundex/utils"
)

// Generation is one consistent snapshot: the record store plus every index
// built from exactly that store. A generation is either fully built or never
// published; readers only ever see it through the engine's atomic pointer.
type Generation struct {
	Records []FundRecord

	Hash       *HashIndex
	CodeTrie   *trie.Trie
	NameTrie   *trie.Trie
	PinyinTrie *trie.Trie
	Inverted   *InvertedIndex

	ContentHash string
	BuiltAt     time.Time
}

// buildGeneration constructs a new generation off to the side. The four index
// families build concurrently; each one owns its structure exclusively until
// the group finishes, so no locking is needed during construction.
func buildGeneration(ctx context.Context, records []FundRecord, contentHash string) (*Generation, error) {
	gen := &Generation{
		Records:     records,
		Hash:        newHashIndex(len(records)),
		CodeTrie:    trie.New(),
		NameTrie:    trie.New(),
		PinyinTrie:  trie.New(),
		Inverted:    newInvertedIndex(),
		ContentHash: contentHash,
		BuiltAt:     time.Now(),
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		for pos, rec := range records {
			gen.Hash.add(pos, rec)
		}
		return nil
	})
	g.Go(func() error {
		for _, rec := range records {
			gen.CodeTrie.Insert(utils.IfToLower(rec.Code), rec.Code)
		}
		return nil
	})
	g.Go(func() error {
		for _, rec := range records {
			for _, token := range utils.Tokenize(rec.Name) {
				gen.NameTrie.Insert(token, rec.Code)
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, rec := range records {
			if abbr := utils.IfToLower(rec.PinyinAbbr); abbr != "" {
				gen.PinyinTrie.Insert(abbr, rec.Code)
			}
			if full := utils.IfToLower(rec.PinyinFull); full != "" {
				gen.PinyinTrie.Insert(full, rec.Code)
			}
		}
		return nil
	})
	g.Go(func() error {
		for pos, rec := range records {
			p := uint32(pos)
			gen.Inverted.Add(CategoryType, rec.Type, p)
			gen.Inverted.Add(CategoryCompany, CompanyOf(rec.Name), p)
			gen.Inverted.Add(CategoryRisk, RiskBucket(rec.Type), p)
			gen.Inverted.Add(CategoryAll, allValue, p)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return gen, nil
}

// record returns the record at pos, false when pos is out of range.
func (g *Generation) record(pos int) (FundRecord, bool) {
	if pos < 0 || pos >= len(g.Records) {
		return FundRecord{}, false
	}
	return g.Records[pos], true
}

// memoryEstimate approximates resident bytes for stats reporting: record
// content plus per-node trie overhead and bitmap containers.
func (g *Generation) memoryEstimate() int {
	const (
		trieNodeBytes = 96
		hashEntry     = 48
	)
	bytes := 0
	for _, rec := range g.Records {
		bytes += len(rec.Code) + len(rec.Name) + len(rec.Type) +
			len(rec.PinyinAbbr) + len(rec.PinyinFull)
	}
	bytes += g.Hash.Len() * 2 * hashEntry
	bytes += (g.CodeTrie.NodeCount() + g.NameTrie.NodeCount() + g.PinyinTrie.NodeCount()) * trieNodeBytes
	bytes += g.Inverted.TermCount() * hashEntry
	return bytes
}
