package version

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Darwin
	}{
		{"20.1.0", 200100},
		{"1.2.3", 10203},
		{"20.6.0", 200600},
		{"", 0},
		{"garbage", 0},
		{"20", 200000},
	}
	for _, c := range cases {
		if got := Parse(c.in); got != c.want {
			t.Errorf("Parse(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestDarwinComponents(t *testing.T) {
	d := Parse("20.1.3")
	if d.Major() != 20 || d.Minor() != 1 || d.Patch() != 3 {
		t.Errorf("got major=%d minor=%d patch=%d", d.Major(), d.Minor(), d.Patch())
	}
	if d.String() != "20.1.3" {
		t.Errorf("String() = %s", d.String())
	}
}

func TestMatch(t *testing.T) {
	v := Parse("20.1.0")
	if !Match(v, 0, 0) {
		t.Errorf("expected unbounded match")
	}
	if Match(v, Parse("21.0.0"), 0) {
		t.Errorf("expected min-bound rejection")
	}
	if !Match(0, 0, 0) {
		t.Errorf("curr=0 should match max=0")
	}
	if Match(0, 0, Parse("20.0.0")) {
		t.Errorf("curr=0 (infinite) should not satisfy a finite max")
	}
}

func TestReadFromKernel(t *testing.T) {
	blob := []byte("junk junk Darwin Kernel Version 20.1.0: Thu Oct 29 more junk")
	if got := ReadFromKernel(blob); got != Parse("20.1.0") {
		t.Errorf("ReadFromKernel() = %d, want %d", got, Parse("20.1.0"))
	}
	if got := ReadFromKernel([]byte("nothing here")); got != 0 {
		t.Errorf("expected zero version when banner absent, got %d", got)
	}
}
