package config

import (
	"testing"

	"github.com/projecteru2/capsule/types"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"zero cid pool":     func(c *Config) { c.Cvm.CidPoolSize = 0 },
		"reserved cids":     func(c *Config) { c.Cvm.CidStart = 2 },
		"bad port protocol": func(c *Config) { c.Cvm.PortMapping.Range = []PortRange{{Protocol: "icmp", From: 1, To: 2}} },
		"inverted range":    func(c *Config) { c.Cvm.PortMapping.Range = []PortRange{{Protocol: types.ProtocolTCP, From: 9000, To: 8000}} },
	}
	for name, mutate := range cases {
		conf := DefaultConfig()
		mutate(conf)
		if err := conf.Validate(); err == nil {
			t.Errorf("%s: Validate() accepted a broken config", name)
		}
	}
}

func TestPortMappingIsAllowed(t *testing.T) {
	policy := PortMappingConfig{
		Enabled: true,
		Range: []PortRange{
			{Protocol: types.ProtocolTCP, From: 8000, To: 8100},
			{Protocol: types.ProtocolUDP, From: 5000, To: 5000},
		},
	}
	if !policy.IsAllowed(types.ProtocolTCP, 8000) || !policy.IsAllowed(types.ProtocolTCP, 8100) {
		t.Fatal("range bounds are inclusive")
	}
	if policy.IsAllowed(types.ProtocolTCP, 8101) {
		t.Fatal("8101/tcp is outside the range")
	}
	if !policy.IsAllowed(types.ProtocolUDP, 5000) {
		t.Fatal("single-port range should match")
	}

	policy.Enabled = false
	if policy.IsAllowed(types.ProtocolTCP, 8000) {
		t.Fatal("disabled policy admits nothing")
	}
}
