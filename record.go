package fundex

import (
	"fmt"
	"strings"

	"github.com/goccy/go-reflect"
	"github.com/oarkflow/json"

	"github.com/oarkflow/fundex/utils"
)

// FundRecord is one catalog entry. Identity is Code; all other fields may
// change between snapshots but never within one generation.
type FundRecord struct {
	Code       string `json:"code" db:"code"`
	Name       string `json:"name" db:"name"`
	Type       string `json:"type" db:"type"`
	PinyinAbbr string `json:"pinyin_abbr" db:"pinyin_abbr"`
	PinyinFull string `json:"pinyin_full" db:"pinyin_full"`
}

// Equal reports whether the mutable fields of two records match. Used by the
// diff step; identity (Code) is compared by the caller.
func (r FundRecord) Equal(other FundRecord) bool {
	return r.Name == other.Name &&
		r.Type == other.Type &&
		r.PinyinAbbr == other.PinyinAbbr &&
		r.PinyinFull == other.PinyinFull
}

// codeLen is the fixed length of a fund code.
const codeLen = 6

// IsFundCode reports whether s has the exact fund-code shape: fixed length,
// alphanumeric ASCII.
func IsFundCode(s string) bool {
	if len(s) != codeLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// rawFund is the wire shape of one record in a remote snapshot. The source
// historically emitted Chinese field names; both spellings are declared here
// so the rest of the engine never sees the raw payload.
type rawFund struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	PinyinAbbr string `json:"pinyin_abbr"`
	PinyinFull string `json:"pinyin_full"`

	CodeCN       string `json:"基金代码,omitempty"`
	NameCN       string `json:"基金名称,omitempty"`
	TypeCN       string `json:"基金类型,omitempty"`
	PinyinAbbrCN string `json:"拼音缩写,omitempty"`
	PinyinFullCN string `json:"拼音全称,omitempty"`
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func (rf rawFund) toRecord() FundRecord {
	return FundRecord{
		Code:       strings.TrimSpace(firstNonEmpty(rf.Code, rf.CodeCN)),
		Name:       strings.TrimSpace(firstNonEmpty(rf.Name, rf.NameCN)),
		Type:       strings.TrimSpace(firstNonEmpty(rf.Type, rf.TypeCN)),
		PinyinAbbr: strings.TrimSpace(firstNonEmpty(rf.PinyinAbbr, rf.PinyinAbbrCN)),
		PinyinFull: strings.TrimSpace(firstNonEmpty(rf.PinyinFull, rf.PinyinFullCN)),
	}
}

// DecodeSnapshot parses a raw catalog payload into records. Records missing a
// code or name are dropped individually; the dropped count is reported so the
// sync cycle can log it. A payload yielding zero valid records is an error.
func DecodeSnapshot(payload []byte) ([]FundRecord, int, error) {
	var raws []rawFund
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, 0, &ParseError{Reason: "invalid snapshot payload", Err: err}
	}
	records := make([]FundRecord, 0, len(raws))
	dropped := 0
	for _, rf := range raws {
		rec := rf.toRecord()
		if rec.Code == "" || rec.Name == "" {
			dropped++
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, dropped, &ParseError{Reason: fmt.Sprintf("no valid records in payload of %d", len(raws))}
	}
	return records, dropped, nil
}

// AdaptRecords converts an arbitrary struct slice into FundRecords by round
// tripping through JSON, for callers that hold their own catalog types.
func AdaptRecords(slice any) ([]FundRecord, error) {
	v := reflect.ValueOf(slice)
	if v.Kind() != reflect.Slice {
		return nil, fmt.Errorf("fundex: expected slice, got %T", slice)
	}
	records := make([]FundRecord, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		b, err := json.Marshal(v.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("fundex: marshaling element %d: %w", i, err)
		}
		var rf rawFund
		if err := json.Unmarshal(b, &rf); err != nil {
			return nil, fmt.Errorf("fundex: unmarshaling element %d: %w", i, err)
		}
		records = append(records, rf.toRecord())
	}
	return records, nil
}

// Inverted-index categories.
const (
	CategoryType    = "type"
	CategoryCompany = "company"
	CategoryRisk    = "risk_bucket"
	CategoryAll     = "all"

	allValue = "_all"
)

// Risk buckets inferred from the free-text fund type.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

// riskTable maps type keywords to buckets. Checked in order; first hit wins.
var riskTable = []struct {
	keyword string
	bucket  string
}{
	{"货币", RiskLow},
	{"money", RiskLow},
	{"债券", RiskLow},
	{"bond", RiskLow},
	{"理财", RiskLow},
	{"混合", RiskMedium},
	{"mixed", RiskMedium},
	{"fof", RiskMedium},
	{"qdii", RiskHigh},
	{"股票", RiskHigh},
	{"stock", RiskHigh},
	{"equity", RiskHigh},
	{"指数", RiskHigh},
	{"index", RiskHigh},
	{"etf", RiskHigh},
}

// RiskBucket infers a coarse risk class from the record type.
func RiskBucket(fundType string) string {
	t := utils.ToLower(fundType)
	if t == "" {
		return RiskUnknown
	}
	for _, entry := range riskTable {
		if strings.Contains(t, entry.keyword) {
			return entry.bucket
		}
	}
	return RiskUnknown
}

// companyDictionary lists known issuer names, matched as prefixes of the
// fund name.
var companyDictionary = []string{
	"易方达", "华夏", "南方", "嘉实", "博时", "广发", "汇添富", "富国",
	"招商", "工银瑞信", "建信", "中银", "农银汇理", "鹏华", "天弘", "国泰",
	"华安", "银华", "大成", "交银施罗德", "兴全", "中欧", "上投摩根",
	"Vanguard", "Fidelity", "BlackRock", "Schwab", "Invesco",
}

// CompanyOf derives the issuing company from the fund name, empty when no
// dictionary entry matches.
func CompanyOf(name string) string {
	for _, company := range companyDictionary {
		if strings.HasPrefix(name, company) {
			return company
		}
	}
	return ""
}
