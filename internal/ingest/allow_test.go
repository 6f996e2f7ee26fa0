package ingest

import "testing"

func TestAllowList(t *testing.T) {
	for _, tc := range []struct {
		list   AllowList
		sender string
		want   bool
	}{
		{nil, "alice@x.com", true},
		{AllowList{}, "anyone@anywhere.org", true},
		{AllowList{"x.com"}, "alice@x.com", true},
		{AllowList{"alice@x.com"}, "alice@x.com", true},
		{AllowList{"y.com"}, "alice@x.com", false},
		{AllowList{"X.COM"}, "Alice@x.com", true},
		{AllowList{"@x.com"}, "alice@x.com", true},
		{AllowList{"x.com"}, "alice@mail.x.com", true},
		{AllowList{"x.com"}, "alice@notx.com", false},
		{AllowList{"bob@x.com"}, "alice@x.com", false},
		{AllowList{"bob@x.com", "x.com"}, "alice@x.com", true},
		{AllowList{"+4917612345678"}, "+4917612345678", true},
		{AllowList{"+4917612345678"}, "+4917600000000", false},
		{AllowList{""}, "alice@x.com", false},
	} {
		if got := tc.list.Match(tc.sender); got != tc.want {
			t.Errorf("%q.Match(%q) = %v, want %v", tc.list, tc.sender, got, tc.want)
		}
	}
}

func TestAllowListAnyCandidate(t *testing.T) {
	l := AllowList{"dGVzdGdyb3VwaWQxMjM0NQ=="}
	if !l.Match("+4917612345678", "", "dGVzdGdyb3VwaWQxMjM0NQ==") {
		t.Error("group id candidate should be accepted")
	}
	if l.Match("+4917612345678") {
		t.Error("unlisted phone accepted")
	}
}
