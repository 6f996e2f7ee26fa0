package homedir

import "testing"

func TestExpand(t *testing.T) {
	t.Setenv("HOME", "/home/atlas")
	for _, tc := range []struct{ in, want string }{
		{"~", "/home/atlas"},
		{"~/workspace/config.yml", "/home/atlas/workspace/config.yml"},
		{"/atlas/workspace", "/atlas/workspace"},
		{"relative/~/x", "relative/~/x"},
		{"~other/x", "~other/x"},
	} {
		if got := Expand(tc.in); got != tc.want {
			t.Errorf("Expand(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
