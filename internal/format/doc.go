// Package format implements the output representations a job can produce:
// plain text, markdown and EPUB. Text and markdown support a single file with
// chapter delimiters, which doubles as the resume checkpoint, or one file per
// chapter inside a per-book directory. EPUB always rebuilds from scratch.
package format
