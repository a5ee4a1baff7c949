// Package negotiate selects the response format from the Accept header, the
// optional ?format= query override and the endpoint's format configuration.
// Selection is deterministic: identical inputs always yield the same
// (format, codec) pair.
package negotiate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/flapi/flapi/engine/config"
)

// Format is the negotiated response form.
type Format string

const (
	JSON        Format = "json"
	CSV         Format = "csv"
	ArrowStream Format = "arrow"
	Unsupported Format = "unsupported"
)

// MediaTypeArrow is the Arrow stream media type.
const MediaTypeArrow = "application/vnd.apache.arrow.stream"

// Result is the outcome of one negotiation.
type Result struct {
	Format  Format
	Codec   string // only for ArrowStream: "", "lz4" or "zstd"
	Message string // populated when Format == Unsupported
}

// acceptEntry is one parsed Accept header element.
type acceptEntry struct {
	mediaType string
	params    map[string]string
	q         float64
	order     int
}

// Select negotiates the response format for an endpoint.
func Select(acceptHeader, formatQuery string, rf config.ResponseFormatConfig) Result {
	if formatQuery != "" {
		return selectByQuery(formatQuery, rf)
	}
	entries := parseAccept(acceptHeader)
	if len(entries) == 0 {
		return fallback(rf)
	}
	for _, e := range entries {
		if r, ok := matchEntry(e, rf); ok {
			return r
		}
	}
	return fallback(rf)
}

func selectByQuery(name string, rf config.ResponseFormatConfig) Result {
	name = strings.ToLower(name)
	if !formatEnabled(name, rf) {
		return Result{Format: Unsupported, Message: fmt.Sprintf("format %q is not enabled for this endpoint", name)}
	}
	if name == "arrow" && !rf.ArrowEnabled {
		return Result{Format: Unsupported, Message: "arrow streaming is not enabled for this endpoint"}
	}
	return Result{Format: Format(name)}
}

func matchEntry(e acceptEntry, rf config.ResponseFormatConfig) (Result, bool) {
	switch e.mediaType {
	case "application/json":
		if formatEnabled("json", rf) {
			return Result{Format: JSON}, true
		}
	case "text/csv":
		if formatEnabled("csv", rf) {
			return Result{Format: CSV}, true
		}
	case MediaTypeArrow:
		if rf.ArrowEnabled && formatEnabled("arrow", rf) {
			return Result{Format: ArrowStream, Codec: arrowCodec(e.params)}, true
		}
	case "*/*", "application/*", "text/*":
		return fallback(rf), true
	}
	return Result{}, false
}

// arrowCodec extracts the codec media-type parameter; only lz4 and zstd are
// honored, anything else is silently ignored.
func arrowCodec(params map[string]string) string {
	codec := strings.ToLower(params["codec"])
	if codec == "lz4" || codec == "zstd" {
		return codec
	}
	return ""
}

func fallback(rf config.ResponseFormatConfig) Result {
	def := strings.ToLower(rf.DefaultOrJSON())
	if formatEnabled(def, rf) && (def != "arrow" || rf.ArrowEnabled) {
		return Result{Format: Format(def)}
	}
	if formatEnabled("json", rf) {
		return Result{Format: JSON}
	}
	return Result{Format: Unsupported, Message: "no supported response format"}
}

func formatEnabled(name string, rf config.ResponseFormatConfig) bool {
	for _, f := range rf.FormatsOrDefault() {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// parseAccept parses the header per RFC 7231 into entries sorted stably by
// descending q; q=0 entries are dropped.
func parseAccept(header string) []acceptEntry {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	var entries []acceptEntry
	for i, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		segments := strings.Split(part, ";")
		mediaType := strings.ToLower(strings.TrimSpace(segments[0]))
		if mediaType == "" || !strings.Contains(mediaType, "/") {
			continue
		}
		entry := acceptEntry{mediaType: mediaType, params: map[string]string{}, q: 1.0, order: i}
		for _, seg := range segments[1:] {
			key, value, ok := strings.Cut(strings.TrimSpace(seg), "=")
			if !ok {
				continue
			}
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.Trim(strings.TrimSpace(value), `"`)
			if key == "q" {
				if q, err := strconv.ParseFloat(value, 64); err == nil {
					entry.q = q
				}
				continue
			}
			entry.params[key] = value
		}
		if entry.q <= 0 {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].q > entries[j].q
	})
	return entries
}

// ContentType maps a negotiated format to its response Content-Type.
func (r Result) ContentType() string {
	switch r.Format {
	case JSON:
		return "application/json"
	case CSV:
		return "text/csv"
	case ArrowStream:
		return MediaTypeArrow
	default:
		return "text/plain"
	}
}
