// Package tokens estimates the billed size of text and trims content to
// fit a unit budget.
//
// The estimate is a character-class heuristic: alphanumerics cost about one
// unit per 3.5 characters, whitespace a quarter of that and punctuation or
// non-ASCII characters twice that. It over-counts slightly so that a payload
// that fits here also fits at the service.
package tokens
