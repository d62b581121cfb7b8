// Package source turns raw pages into book descriptors, chapter bodies,
// listing entries and categories. Selectors are configured as fallback lists:
// the first selector that matches wins.
package source
