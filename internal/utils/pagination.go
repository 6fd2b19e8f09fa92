// Package utils provides small, generic helpers used across layers. They are
// independent of domain logic.
package utils

import "strconv"

// AtoiDefault converts s to an int, returning def when s is empty or does
// not parse.
//
//	n := utils.AtoiDefault("42", 0) // 42
//	n = utils.AtoiDefault("x", 5)   // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Page is a bounded 1-based page request.
type Page struct {
	Number int
	Size   int
}

// ParsePage reads raw page and page_size values, falling back to page 1 and
// defSize, and clamping the size to [1, maxSize].
func ParsePage(rawPage, rawSize string, defSize, maxSize int) Page {
	p := Page{
		Number: AtoiDefault(rawPage, 1),
		Size:   AtoiDefault(rawSize, defSize),
	}
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = 1
	}
	if maxSize > 0 && p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Offset is the number of rows before this page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// TotalPages returns how many pages of p.Size hold total rows.
func (p Page) TotalPages(total int64) int {
	if p.Size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(p.Size) - 1) / int64(p.Size))
}
