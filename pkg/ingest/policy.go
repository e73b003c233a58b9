// Package ingest is the front door for file content. The orchestrator
// validates and fingerprints incoming bytes, persists the file record,
// and hands the slow work (provider upload, variant generation) to the
// job queue.
package ingest

import (
	"bytes"
	"strings"

	"github.com/apex/log"
	"github.com/fileforge/fileforge/pkg/clog"
	"github.com/fileforge/fileforge/pkg/fferr"
	"github.com/gabriel-vasile/mimetype"
)

// markerScanLimit bounds how much of the file the marker scan looks at.
const markerScanLimit = 1024

// maliciousMarkers are byte patterns that have no business appearing at
// the start of an uploaded media or document file.
var maliciousMarkers = [][]byte{
	[]byte("<script"),
	[]byte("<SCRIPT"),
	[]byte("javascript:"),
	[]byte("vbscript:"),
	[]byte("<?php"),
	[]byte("<!--#exec"),
}

// Policy is the admission check every upload passes before any bytes are
// persisted or queued.
type Policy struct {
	// MaxSize is the global cap in bytes. Zero means unlimited.
	MaxSize int64

	// AllowedTypes holds exact mime types or wildcard prefixes such as
	// "image/*". Empty allows everything.
	AllowedTypes []string

	// StrictScan rejects uploads when the virus scanner is unreachable
	// instead of letting them through unscanned.
	StrictScan bool
}

// Check validates the declared attributes and the content itself.
// A sniffed mime type that disagrees with the declared one is logged as a
// warning but does not reject; browsers lie about mime types routinely.
func (p *Policy) Check(filename, declaredMime string, data []byte) error {
	const op = "ingest.Policy.Check"

	if len(data) == 0 {
		return fferr.Errorf(fferr.InvalidArgument, op, "empty upload %q", filename)
	}

	if p.MaxSize > 0 && int64(len(data)) > p.MaxSize {
		return fferr.Errorf(fferr.TooLarge, op, "%q is %d bytes, limit is %d", filename, len(data), p.MaxSize)
	}

	if !p.typeAllowed(declaredMime) {
		return fferr.Errorf(fferr.Rejected, op, "type %s is not allowed", declaredMime)
	}

	if marker := findMaliciousMarker(data); marker != "" {
		return fferr.Errorf(fferr.SuspiciousContent, op, "%q contains %q", filename, marker)
	}

	sniffed := mimetype.Detect(data)
	if declaredMime != "" && !sniffed.Is(declaredMime) {
		clog.UsingCtx("ingest-policy").WithFields(log.Fields{
			"filename": filename,
			"declared": declaredMime,
			"sniffed":  sniffed.String(),
		}).Warn("declared mime type disagrees with content")
	}

	return nil
}

func (p *Policy) typeAllowed(mimeType string) bool {
	if len(p.AllowedTypes) == 0 {
		return true
	}

	for _, allowed := range p.AllowedTypes {
		if strings.HasSuffix(allowed, "/*") {
			if strings.HasPrefix(mimeType, strings.TrimSuffix(allowed, "*")) {
				return true
			}
			continue
		}

		if mimeType == allowed {
			return true
		}
	}

	return false
}

func findMaliciousMarker(data []byte) string {
	head := data
	if len(head) > markerScanLimit {
		head = head[:markerScanLimit]
	}

	for _, marker := range maliciousMarkers {
		if bytes.Contains(head, marker) {
			return string(marker)
		}
	}

	return ""
}
