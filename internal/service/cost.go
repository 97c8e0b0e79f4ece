package service

import "unicode/utf8"

const (
	// SegmentLength is the number of characters billed as one SMS segment.
	SegmentLength = 160
	// MediaSurcharge is the flat credit charge for a message with any media,
	// regardless of attachment count or size.
	MediaSurcharge = 2
)

// Segments returns the number of SMS segments needed for content.
func Segments(content string) int {
	n := utf8.RuneCountInString(content)
	return (n + SegmentLength - 1) / SegmentLength
}

// Cost returns the credits charged for delivering content.
func Cost(content string, hasMedia bool) int {
	c := Segments(content)
	if hasMedia {
		c += MediaSurcharge
	}
	return c
}
