package jobs

import "testing"

func TestParseProgressLineDownloading(t *testing.T) {
	p, ok := ParseProgressLine("Downloading...  73%  (17/24 MB, 20 MB/s)")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if p.Phase != "downloading" {
		t.Fatalf("phase = %q", p.Phase)
	}
	if p.Percent == nil || *p.Percent != 73 {
		t.Fatalf("percent = %v", p.Percent)
	}
	if p.Transferred != "17" || p.Total != "24 MB" {
		t.Fatalf("sizes = %q / %q", p.Transferred, p.Total)
	}
	if p.Rate != "20 MB/s" {
		t.Fatalf("rate = %q", p.Rate)
	}
	if p.UpdatedAt.IsZero() {
		t.Fatal("updated_at not set")
	}
}

func TestParseProgressLineDecrypting(t *testing.T) {
	p, ok := ParseProgressLine("Decrypting 12%")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if p.Phase != "decrypting" {
		t.Fatalf("phase = %q", p.Phase)
	}
	if p.Percent == nil || *p.Percent != 12 {
		t.Fatalf("percent = %v", p.Percent)
	}
	if p.Transferred != "" || p.Total != "" || p.Rate != "" {
		t.Fatalf("unexpected size fields: %+v", p)
	}
}

func TestParseProgressLineNoPercent(t *testing.T) {
	p, ok := ParseProgressLine("Downloading track metadata")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if p.Percent != nil {
		t.Fatalf("percent = %v, want nil", p.Percent)
	}
}

func TestParseProgressLineUnrecognized(t *testing.T) {
	for _, line := range []string{
		"",
		"fetching manifest",
		"error: no such track",
		"100% done", // no phase marker
	} {
		if _, ok := ParseProgressLine(line); ok {
			t.Fatalf("line %q should not parse", line)
		}
	}
}
