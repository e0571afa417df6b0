package timelimit

import "strings"

type param struct {
	token string
	value string
}

// KeyTemplate turns a pattern such as "login-{{ip}}" into a concrete counter key.
//
// Substitutions run in registration order and each replaces every occurrence of its token.
// Tokens that overlap (for example "{{a}}" inside "{{ab}}") therefore resolve differently
// depending on the order of SetParam calls; callers must pick non-overlapping tokens.
type KeyTemplate struct {
	pattern string
	params  []param
	index   map[string]int
}

// NewKeyTemplate creates a template for pattern.
func NewKeyTemplate(pattern string) *KeyTemplate {
	return &KeyTemplate{
		pattern: pattern,
		index:   make(map[string]int),
	}
}

// SetParam registers value for token. Setting a token twice keeps its original position
// and replaces the value.
func (k *KeyTemplate) SetParam(token, value string) *KeyTemplate {
	if i, ok := k.index[token]; ok {
		k.params[i].value = value

		return k
	}

	k.index[token] = len(k.params)
	k.params = append(k.params, param{token: token, value: value})

	return k
}

// Pattern returns the raw template.
func (k *KeyTemplate) Pattern() string {
	return k.pattern
}

// Resolve applies every registered substitution.
func (k *KeyTemplate) Resolve() string {
	key := k.pattern

	for _, p := range k.params {
		if p.token == "" {
			continue
		}

		key = strings.ReplaceAll(key, p.token, p.value)
	}

	return key
}
