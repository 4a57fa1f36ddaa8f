package dataset

type setter func(e *Entry, value string)

func setQuestion(e *Entry, v string) { e.Question = v }
func setAnswer(e *Entry, v string)   { e.Answer = v }
func setSchema(e *Entry, v string)   { e.Schema = &v }

// setters enumerates the writable columns of each kind. id is never writable.
var setters = map[Kind]map[string]setter{
	KindSchemaQA: {
		"question": setQuestion,
		"answer":   setAnswer,
		"schema":   setSchema,
	},
	KindPlainQA: {
		"question": setQuestion,
		"answer":   setAnswer,
	},
}

// applyFields writes every provided field that kind knows about.
// Unknown fields, such as schema on a plain-qa row, are ignored.
func applyFields(kind Kind, e *Entry, fields map[string]string) {
	for name, value := range fields {
		if set, ok := setters[kind][name]; ok {
			set(e, value)
		}
	}
	if kind == KindSchemaQA && e.Schema == nil {
		empty := ""
		e.Schema = &empty
	}
}
