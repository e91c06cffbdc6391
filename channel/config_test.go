package channel

import "testing"

func TestDefaultProtocolConfigIsValid(t *testing.T) {
	if err := DefaultProtocolConfig().Validate(); err != nil {
		t.Fatalf("DefaultProtocolConfig() is invalid: %v", err)
	}
}

func TestProtocolConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ProtocolConfig
		ok   bool
	}{
		{"all zero", ProtocolConfig{}, false},
		{"default", DefaultProtocolConfig(), true},
		{"zero lock timeout", func() ProtocolConfig {
			c := DefaultProtocolConfig()
			c.LockTimeout = 0
			return c
		}(), false},
		{"zero round trip", func() ProtocolConfig {
			c := DefaultProtocolConfig()
			c.RoundTripTimeout = 0
			return c
		}(), false},
		{"zero restore", func() ProtocolConfig {
			c := DefaultProtocolConfig()
			c.RestoreTimeout = 0
			return c
		}(), false},
	}

	for _, tt := range tests {
		err := tt.cfg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: Validate() err=%v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}
