package model

// Prompts holds named prefix strings loaded from a sentence-transformers
// config (e.g. {"query": "Represent this sentence for searching relevant
// passages: "}), plus the resolved default prompt computed once at load
// time.
type Prompts struct {
	byName        map[string]string
	defaultPrompt *string
}

// NewPrompts builds a Prompts table. defaultPromptName, if non-empty, must
// be a key in named or an error is returned by the loader before this is
// constructed — callers pass an already-validated default here.
func NewPrompts(named map[string]string, defaultPrompt string, hasDefault bool) Prompts {
	p := Prompts{byName: named}
	if hasDefault {
		d := defaultPrompt
		p.defaultPrompt = &d
	}
	return p
}

// Lookup resolves a prompt by name. ok is false if name is non-empty and
// not present in the table.
func (p Prompts) Lookup(name string) (prefix string, ok bool) {
	if name == "" {
		if p.defaultPrompt != nil {
			return *p.defaultPrompt, true
		}
		return "", true // no prompt requested and no default — empty prefix
	}
	v, found := p.byName[name]
	return v, found
}

// DefaultPrompt returns the resolved default prompt, if any.
func (p Prompts) DefaultPrompt() (string, bool) {
	if p.defaultPrompt == nil {
		return "", false
	}
	return *p.defaultPrompt, true
}
