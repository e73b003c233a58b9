package ingest

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// GenerateName builds a collision-resistant stored name from the original
// filename: slugged base, timestamp, and a random hex suffix, keeping the
// extension.
func GenerateName(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))

	slugged := slug.Make(base)
	if slugged == "" {
		slugged = "file"
	}

	var suffix [4]byte
	_, _ = rand.Read(suffix[:])

	return fmt.Sprintf("%s-%d-%s%s", slugged, time.Now().Unix(), hex.EncodeToString(suffix[:]), ext)
}
