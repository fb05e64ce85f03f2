package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeRedirect(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/dashboard", "/dashboard"},
		{"/portal/", "/portal/"},
		{"/", "/"},
		{"  /dashboard  ", "/dashboard"},
		{"/apps?tab=mine#top", "/apps?tab=mine#top"},
		{"/a/../b", "/b"},
		{"/a/./b//c", "/a/b/c"},
		{"/../../etc", "/etc"},
		{"/%2F%2Fevil.example", "/evil.example"},

		{"", ""},
		{"https://evil.example/", ""},
		{"http://localhost/dashboard", ""},
		{"//evil.example", ""},
		{"//evil.example/path", ""},
		{"/\\evil.example", ""},
		{"\\\\evil.example", ""},
		{"/dash\\board", ""},
		{"javascript:alert(1)", ""},
		{"dashboard", ""},
		{"./dashboard", ""},
		{"/dash\nboard", ""},
		{"/dash\tboard", ""},
		{"https:/evil.example", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SafeRedirect(tt.in), "input %q", tt.in)
	}
}
