package blob

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewKey(t *testing.T) {
	k1 := NewKey("uploads/", "report.pdf")
	k2 := NewKey("uploads/", "report.pdf")

	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "uploads/"))
	assert.True(t, strings.HasSuffix(k1, "_report.pdf"))
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(k1, "uploads/"), "_report.pdf"), 32)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd.pdf":  "passwd.pdf",
		"my report (v2).pdf":    "my_report_v2.pdf",
		"  ..hidden.pdf ":       "hidden.pdf",
		"C:\\Users\\me\\cv.pdf": "cv.pdf",
		"":                      "file.pdf",
		"???":                   "file.pdf",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), "input %q", in)
	}
}

func TestJoinKeyAndBaseName(t *testing.T) {
	assert.Equal(t, "uploads/a.pdf", JoinKey("uploads/", "a.pdf"))
	assert.Equal(t, "uploads/a.pdf", JoinKey("/uploads", "a.pdf"))
	assert.Equal(t, "a.pdf", JoinKey("", "a.pdf"))
	assert.Equal(t, "a.pdf", BaseName("uploads/x/a.pdf"))
}
