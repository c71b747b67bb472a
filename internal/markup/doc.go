// Package markup reduces loosely marked-up content to the inline HTML subset
// accepted by Telegram and turns the result into a flat token stream.
//
// The allowed vocabulary is b, i, u, s, a (href), code, pre (with an optional
// language-tagged code child), blockquote and br. Everything else is either
// rewritten into line breaks (block elements), dropped together with its
// content (script, style, ...), or stripped while keeping its text.
//
// Sanitize output is canonical: running Sanitize on it again returns it
// unchanged.
package markup
