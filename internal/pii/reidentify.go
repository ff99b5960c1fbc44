package pii

// Reidentify restores placeholders in text from v. A nil Vault returns text
// unchanged.
func Reidentify(text string, v *Vault) string {
	if v == nil {
		return text
	}
	return v.Reidentify(text)
}

// Reidentify replaces every placeholder token in text that v knows with its
// original value. Placeholder-shaped tokens v never issued are left as they
// are. Matching runs over the input positions only, so a restored value that
// itself looks like a placeholder is never expanded again.
func (v *Vault) Reidentify(text string) string {
	if v.IsEmpty() {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		if orig, ok := v.values[tok]; ok {
			return orig
		}
		return tok
	})
}
