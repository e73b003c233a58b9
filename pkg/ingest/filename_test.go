package ingest

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateName(t *testing.T) {
	name := GenerateName("My Holiday Photo!.JPG")
	require.Regexp(t, regexp.MustCompile(`^my-holiday-photo-\d+-[0-9a-f]{8}\.jpg$`), name)
}

func TestGenerateNameWithoutExtension(t *testing.T) {
	name := GenerateName("README")
	require.Regexp(t, regexp.MustCompile(`^readme-\d+-[0-9a-f]{8}$`), name)
}

func TestGenerateNameUnsluggableBase(t *testing.T) {
	name := GenerateName("....png")
	require.Regexp(t, regexp.MustCompile(`^file-\d+-[0-9a-f]{8}\.png$`), name)
}

func TestGenerateNameIsCollisionResistant(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name := GenerateName("photo.jpg")
		require.False(t, seen[name], "duplicate generated name %s", name)
		seen[name] = true
	}
}
