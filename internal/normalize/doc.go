// Package normalize turns heterogeneous provider output into the canonical
// result envelope shared by every pipeline step. Parsing is per task: code
// tasks look for fenced blocks or JSON code fields, audits accept JSON or
// bullet lists, docs and chat extract citation sources. Normalization is
// pure: the same task and provider text always yield the same result.
package normalize
