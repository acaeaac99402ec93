package normalize

import "testing"

func TestAddress(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"colon separated", "AA:BB:CC:DD:EE:FF", "aabbccddeeff"},
		{"mixed separators", "AA:BB-CC DD", "aabbccdd"},
		{"already normalized", "aabbccdd", "aabbccdd"},
		{"empty", "", ""},
		{"only separators", ": - ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Address(tt.raw); got != tt.want {
				t.Fatalf("Address(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestAddressIdempotent(t *testing.T) {
	raw := "F4:5C:89-AB cd:01"
	once := Address(raw)
	if twice := Address(once); twice != once {
		t.Fatalf("Address not idempotent: %q -> %q", once, twice)
	}
}

func TestName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"possessive", "Aidan's AirPods Pro", "aidansairpodspro"},
		{"plain", "AirPods Max", "airpodsmax"},
		{"punctuation heavy", "  Jo-Jo's  (work) Buds! ", "jojosworkbuds"},
		{"digits kept", "Soundcore Life Q30", "soundcorelifeq30"},
		{"empty", "", ""},
		{"symbols only", "-- !! --", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Name(tt.raw); got != tt.want {
				t.Fatalf("Name(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
