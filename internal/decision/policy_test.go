package decision

import "testing"

func TestPolicy_Matching(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{
		Allowlist:         []string{"10.1.0.0/16", "2001:db8::1"},
		Blocklist:         []string{"198.51.100.23"},
		AlwaysBlockLabels: []string{"malware", " ddos "},
	})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}

	tests := []struct {
		name    string
		address string
		allow   bool
		block   bool
	}{
		{"inside allow prefix", "10.1.44.2", true, false},
		{"ipv6 allow", "2001:db8::1", true, false},
		{"mapped ipv4", "::ffff:10.1.0.9", true, false},
		{"blocklisted", "198.51.100.23", false, true},
		{"neither", "10.2.0.1", false, false},
		{"garbage", "not-an-ip", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Allowed(tt.address); got != tt.allow {
				t.Errorf("Allowed(%s) = %v, want %v", tt.address, got, tt.allow)
			}
			if got := p.Blocklisted(tt.address); got != tt.block {
				t.Errorf("Blocklisted(%s) = %v, want %v", tt.address, got, tt.block)
			}
		})
	}

	if l, ok := p.AlwaysBlock([]string{"port_scan", "ddos"}); !ok || l != "ddos" {
		t.Errorf("AlwaysBlock() = %q, %v", l, ok)
	}
	if _, ok := p.AlwaysBlock([]string{"port_scan"}); ok {
		t.Error("AlwaysBlock(port_scan) = true")
	}
	if l, ok := p.AlwaysBlock([]string{"DDoS"}); !ok || l != "DDoS" {
		t.Errorf("AlwaysBlock(DDoS) = %q, %v, want DDoS, true", l, ok)
	}
}

func TestPolicy_Invalid(t *testing.T) {
	if _, err := NewPolicy(PolicyConfig{Allowlist: []string{"10.0.0.0/99"}}); err == nil {
		t.Error("NewPolicy() accepted an invalid prefix")
	}
	if _, err := NewPolicy(PolicyConfig{Blocklist: []string{"nope"}}); err == nil {
		t.Error("NewPolicy() accepted an invalid address")
	}
}

func TestPolicy_Nil(t *testing.T) {
	var p *Policy
	if p.Allowed("10.0.0.1") || p.Blocklisted("10.0.0.1") {
		t.Error("nil policy matched")
	}
	if _, ok := p.AlwaysBlock([]string{"ddos"}); ok {
		t.Error("nil policy always-blocked")
	}
}
