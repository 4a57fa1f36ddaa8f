package dataset

import (
	"strings"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
)

// Kind identifies one of the independent dataset stores.
type Kind string

const (
	KindSchemaQA Kind = "schema-qa"
	KindPlainQA  Kind = "plain-qa"
)

// Kinds lists every supported dataset kind.
var Kinds = []Kind{KindSchemaQA, KindPlainQA}

// legacyKinds maps the names used by the original frontend.
var legacyKinds = map[string]Kind{
	"text-to-sql": KindSchemaQA,
	"oa-qna":      KindPlainQA,
}

// ParseKind resolves a kind name or one of its legacy aliases.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if k := Kind(name); k.Valid() {
		return k, nil
	}
	if k, ok := legacyKinds[name]; ok {
		return k, nil
	}
	return "", apperrors.New(apperrors.InvalidRequest, "unknown dataset kind %q", name)
}

// LegacyName returns the alias of k used by the original frontend.
func (k Kind) LegacyName() string {
	for name, kind := range legacyKinds {
		if kind == k {
			return name
		}
	}
	return string(k)
}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k == KindSchemaQA || k == KindPlainQA
}

// Columns returns the canonical column set of k, in file order.
func (k Kind) Columns() []string {
	if k == KindSchemaQA {
		return []string{"id", "question", "answer", "schema"}
	}
	return []string{"id", "question", "answer"}
}

// requiredColumns are the columns an uploaded file must carry.
func (k Kind) requiredColumns() []string {
	return k.Columns()[1:]
}

// FileName is the name of the backing workbook of k.
func (k Kind) FileName() string {
	return "uploaded_" + string(k) + "_data.xlsx"
}
