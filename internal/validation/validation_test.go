package validation

import (
	"testing"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"usr_8c2a1f70-1b2c-4d3e-9f4a-5b6c7d8e9f0a", true},
		{"usr_00000000-0000-0000-0000-000000000000", true},

		// Invalid cases
		{"8c2a1f70-1b2c-4d3e-9f4a-5b6c7d8e9f0a", false},     // No prefix
		{"usr_8c2a1f70-1b2c-4d3e-9f4a", false},              // Too short
		{"usr_8C2A1F70-1B2C-4D3E-9F4A-5B6C7D8E9F0A", false}, // Uppercase
		{"usr_gggggggg-1b2c-4d3e-9f4a-5b6c7d8e9f0a", false}, // Invalid chars
		{"", false},
		{"usr_", false},
	}

	for _, tc := range tests {
		result := IsValidUserID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidUserID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("email", "ada@example.com"),
		ValidUserID("userId", "usr_8c2a1f70-1b2c-4d3e-9f4a-5b6c7d8e9f0a"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("email", ""),
		ValidUserID("userId", "invalid"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
